package libvirt

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-logr/logr"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/vm"
)

// DefaultStoragePool holds the SSH seed volumes when no pool is configured.
const DefaultStoragePool = "default"

// hypervisor defines the libvirt operations the backend needs.
//
// In production, this is satisfied by *Client.
// In tests, this is satisfied by mock implementations.
type hypervisor interface {
	DomainNames() ([]string, error)
	DomainState(name string) (state int32, managedSave bool, err error)
	DomainXML(name string) (string, error)
	DefineXML(xml string) error
	StartDomain(name string) error
	ShutdownDomain(name string) error
	SnapshotNames(name string) ([]string, error)
	RevertToSnapshot(name, snapshot string) error
	DomainMetadata(name, namespace string) (string, error)
	SetDomainMetadata(name, key, namespace, xml string) error
	VolumePath(pool, name string) (string, error)
	VolumeCapacity(path string) (uint64, error)
	ResizeVolume(path string, capacity uint64) error
	WriteVolume(pool, name string, data []byte) (string, error)
	DeleteVolume(pool, name string) error
}

// Options configures a Backend.
type Options struct {
	// StoragePool receives the SSH seed ISO volumes.
	StoragePool string

	Logger logr.Logger
}

// Backend implements vm.Backend on top of a libvirt connection. Build
// engines on libvirt use bridged networking, so port forwarding is not
// available.
type Backend struct {
	client hypervisor
	pool   string
	log    logr.Logger
}

// NewBackend creates a libvirt backend over an established connection.
func NewBackend(client *Client, opts Options) *Backend {
	return newBackend(client, opts)
}

func newBackend(client hypervisor, opts Options) *Backend {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	pool := opts.StoragePool
	if pool == "" {
		pool = DefaultStoragePool
	}
	return &Backend{client: client, pool: pool, log: log.WithName("libvirt")}
}

var _ vm.Backend = (*Backend)(nil)

// call runs fn, giving up when ctx ends. go-libvirt calls cannot be
// interrupted, so an abandoned call finishes in the background.
func call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, errdefs.FromContext(err)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return zero, errdefs.FromContext(ctx.Err())
	case res := <-ch:
		return res.v, res.err
	}
}

func run(ctx context.Context, fn func() error) error {
	_, err := call(ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// RegisteredVirtualMachines lists every defined domain.
func (b *Backend) RegisteredVirtualMachines(ctx context.Context) ([]string, error) {
	return call(ctx, b.client.DomainNames)
}

// FetchInfo reads memory, CPUs, disk and shared folders from the persistent
// domain definition.
func (b *Backend) FetchInfo(ctx context.Context, name string) (vm.Info, error) {
	xml, err := call(ctx, func() (string, error) { return b.client.DomainXML(name) })
	if err != nil {
		return vm.Info{}, err
	}
	d, err := parseDomain(xml)
	if err != nil {
		return vm.Info{}, fmt.Errorf("%w: %v", errdefs.ErrOperationFailed, err)
	}

	info := vm.Info{
		MemorySizeMB: memoryMB(d),
		CPUCount:     cpuCount(d),
		SharedPaths:  sharedFilesystems(d),
		QmlLivePorts: map[string]uint16{},
	}

	if disk, ok := bootDisk(d); ok {
		path, err := b.diskPath(ctx, disk)
		if err != nil {
			return vm.Info{}, err
		}
		info.StoragePath = path

		capacity, err := call(ctx, func() (uint64, error) { return b.client.VolumeCapacity(path) })
		if err != nil {
			b.log.V(1).Info("failed to read disk capacity", "vm", name, "error", err.Error())
		} else {
			info.StorageSizeMB = int(capacity >> 20)
		}
	}

	meta, err := b.metadata(ctx, name)
	if err != nil {
		b.log.V(1).Info("ignoring unreadable metadata", "vm", name, "error", err.Error())
	}
	if meta.SharedSSH != "" {
		info.SharedPaths[vm.SharedSSH] = meta.SharedSSH
	}

	snaps, err := call(ctx, func() ([]string, error) { return b.client.SnapshotNames(name) })
	if err != nil {
		return vm.Info{}, err
	}
	slices.Sort(snaps)
	info.Snapshots = snaps

	return info, nil
}

func (b *Backend) diskPath(ctx context.Context, disk diskRef) (string, error) {
	if disk.Path != "" {
		return disk.Path, nil
	}
	return call(ctx, func() (string, error) { return b.client.VolumePath(disk.Pool, disk.Volume) })
}

func (b *Backend) metadata(ctx context.Context, name string) (engineMetadata, error) {
	s, err := call(ctx, func() (string, error) { return b.client.DomainMetadata(name, MetadataNamespace) })
	if err != nil {
		return engineMetadata{}, err
	}
	return decodeMetadata(s)
}

func (b *Backend) setMetadata(ctx context.Context, name string, m engineMetadata) error {
	s, err := encodeMetadata(m)
	if err != nil {
		return err
	}
	return run(ctx, func() error { return b.client.SetDomainMetadata(name, MetadataKey, MetadataNamespace, s) })
}

// Start boots the domain. libvirt domains have no local display, so
// headless is always in effect.
func (b *Backend) Start(ctx context.Context, name string, headless bool) error {
	if !headless {
		b.log.V(1).Info("libvirt domains always start headless", "vm", name)
	}
	return run(ctx, func() error { return b.client.StartDomain(name) })
}

// Stop requests an ACPI shutdown.
func (b *Backend) Stop(ctx context.Context, name string) error {
	return run(ctx, func() error { return b.client.ShutdownDomain(name) })
}

// Probe maps the virDomainState of the domain onto vm.State.
func (b *Backend) Probe(ctx context.Context, name string) (vm.State, error) {
	type probe struct {
		state int32
		saved bool
	}
	p, err := call(ctx, func() (probe, error) {
		state, saved, err := b.client.DomainState(name)
		return probe{state: state, saved: saved}, err
	})
	if err != nil {
		return vm.Unknown, err
	}
	return domainState(p.state, p.saved), nil
}

// virDomainState values.
const (
	domainNoState     = 0
	domainRunning     = 1
	domainBlocked     = 2
	domainPaused      = 3
	domainShutdown    = 4
	domainShutoff     = 5
	domainCrashed     = 6
	domainPMSuspended = 7
)

func domainState(state int32, managedSave bool) vm.State {
	switch state {
	case domainRunning, domainBlocked:
		return vm.Running
	case domainPaused, domainPMSuspended:
		return vm.Saved
	case domainShutdown:
		return vm.Stopping
	case domainShutoff:
		if managedSave {
			return vm.Saved
		}
		return vm.Stopped
	case domainCrashed:
		return vm.Stopped
	default:
		return vm.Unknown
	}
}

// editDomain applies fn to the persistent definition and redefines the
// domain. fn reports whether anything changed.
func (b *Backend) editDomain(ctx context.Context, name string, fn func(*libvirtxml.Domain) bool) error {
	xml, err := call(ctx, func() (string, error) { return b.client.DomainXML(name) })
	if err != nil {
		return err
	}
	d, err := parseDomain(xml)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrOperationFailed, err)
	}

	if !fn(d) {
		return nil
	}

	out, err := marshalDomain(d)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrOperationFailed, err)
	}
	b.log.V(1).Info("redefining domain", "vm", name)
	return run(ctx, func() error { return b.client.DefineXML(out) })
}

// SetMemorySizeMB changes the memory of the persistent definition.
func (b *Backend) SetMemorySizeMB(ctx context.Context, name string, mb int) error {
	return b.editDomain(ctx, name, func(d *libvirtxml.Domain) bool {
		if memoryMB(d) == mb {
			return false
		}
		setMemoryMB(d, mb)
		return true
	})
}

// SetCPUCount changes the vCPU count of the persistent definition.
func (b *Backend) SetCPUCount(ctx context.Context, name string, cpus int) error {
	return b.editDomain(ctx, name, func(d *libvirtxml.Domain) bool {
		if cpuCount(d) == cpus {
			return false
		}
		setCPUCount(d, cpus)
		return true
	})
}

// SetStorageSizeMB grows the boot disk volume. Shrinking is rejected.
func (b *Backend) SetStorageSizeMB(ctx context.Context, name string, mb int) error {
	xml, err := call(ctx, func() (string, error) { return b.client.DomainXML(name) })
	if err != nil {
		return err
	}
	d, err := parseDomain(xml)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrOperationFailed, err)
	}

	disk, ok := bootDisk(d)
	if !ok {
		return fmt.Errorf("%w: %q has no disk", errdefs.ErrOperationFailed, name)
	}
	path, err := b.diskPath(ctx, disk)
	if err != nil {
		return err
	}

	capacity, err := call(ctx, func() (uint64, error) { return b.client.VolumeCapacity(path) })
	if err != nil {
		return err
	}

	want := uint64(mb) << 20
	switch {
	case want < capacity:
		return fmt.Errorf("%w: cannot shrink %s from %d MB to %d MB", errdefs.ErrInvalidArgument, path, capacity>>20, mb)
	case want == capacity:
		return nil
	}

	return run(ctx, func() error { return b.client.ResizeVolume(path, want) })
}

// SetVideoMode is not available on libvirt.
func (b *Backend) SetVideoMode(ctx context.Context, name string, mode vm.VideoMode) error {
	return notSupported("video mode")
}

// SetSharedPath mounts path into the domain. The SSH directory is delivered
// as a seed ISO attached as a CD-ROM, other roles as filesystem mounts. An
// empty path removes the share.
func (b *Backend) SetSharedPath(ctx context.Context, name string, which vm.SharedPath, path string) error {
	if which == vm.SharedSSH {
		return b.setSSHSeed(ctx, name, path)
	}

	return b.editDomain(ctx, name, func(d *libvirtxml.Domain) bool {
		if sharedFilesystems(d)[which] == path {
			return false
		}
		setFilesystem(d, which, path)
		return true
	})
}

func (b *Backend) setSSHSeed(ctx context.Context, name, dir string) error {
	volume := naming.VolumeNameSSHSeed(name)

	if dir == "" {
		if err := b.editDomain(ctx, name, func(d *libvirtxml.Domain) bool {
			return removeSeedCDROM(d)
		}); err != nil {
			return err
		}
		if err := run(ctx, func() error { return b.client.DeleteVolume(b.pool, volume) }); err != nil {
			return err
		}
		return b.setMetadata(ctx, name, engineMetadata{})
	}

	data, err := GenerateSeedISO(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidArgument, err)
	}

	if _, err := call(ctx, func() (string, error) { return b.client.WriteVolume(b.pool, volume, data) }); err != nil {
		return err
	}
	b.log.V(1).Info("uploaded SSH seed", "vm", name, "pool", b.pool, "volume", volume, "bytes", len(data))

	if err := b.editDomain(ctx, name, func(d *libvirtxml.Domain) bool {
		setSeedCDROM(d, b.pool)
		return true
	}); err != nil {
		return err
	}

	return b.setMetadata(ctx, name, engineMetadata{SharedSSH: dir})
}

// AddPortForwarding is not available on libvirt.
func (b *Backend) AddPortForwarding(ctx context.Context, name string, rule vm.PortForwarding) error {
	return notSupported("port forwarding")
}

// RemovePortForwarding is not available on libvirt.
func (b *Backend) RemovePortForwarding(ctx context.Context, name, ruleName string) error {
	return notSupported("port forwarding")
}

// SetReservedPortForwarding is not available on libvirt.
func (b *Backend) SetReservedPortForwarding(ctx context.Context, name string, which vm.ReservedPort, port uint16) error {
	return notSupported("port forwarding")
}

// SetReservedPortListForwarding is not available on libvirt.
func (b *Backend) SetReservedPortListForwarding(ctx context.Context, name string, which vm.ReservedPortList, ports []uint16) (map[string]uint16, error) {
	return nil, notSupported("port forwarding")
}

// RestoreSnapshot reverts the domain to snapshot.
func (b *Backend) RestoreSnapshot(ctx context.Context, name, snapshot string) error {
	return run(ctx, func() error { return b.client.RevertToSnapshot(name, snapshot) })
}

func notSupported(what string) error {
	return fmt.Errorf("%w: %s is not supported by the libvirt backend", errdefs.ErrOperationFailed, what)
}
