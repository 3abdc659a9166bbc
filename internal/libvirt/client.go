package libvirt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/anvil/internal/errdefs"
)

const (
	// DefaultSocket is the qemu:///system socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"

	// DefaultConnectTimeout bounds dialing the socket.
	DefaultConnectTimeout = 5 * time.Second
)

// Client wraps a go-libvirt connection and exposes the name-addressed
// operations the backend needs.
type Client struct {
	libvirt *libvirt.Libvirt
}

// Connect establishes a connection to the local libvirt daemon.
// It returns a Client that must be closed via Close() when done.
//
// If socketPath is empty, defaults to DefaultSocket.
// If timeout is zero, defaults to DefaultConnectTimeout.
func Connect(socketPath string, timeout time.Duration) (*Client, error) {
	if socketPath == "" {
		socketPath = DefaultSocket
	}
	if timeout == 0 {
		timeout = DefaultConnectTimeout
	}

	dialer := dialers.NewLocal(
		dialers.WithSocket(socketPath),
		dialers.WithLocalTimeout(timeout),
	)

	l := libvirt.NewWithDialer(dialer)
	if err := l.Connect(); err != nil {
		return nil, fmt.Errorf("%w: failed to connect to libvirt at %s: %v", errdefs.ErrBackendUnavailable, socketPath, err)
	}

	return &Client{libvirt: l}, nil
}

// ConnectWithContext establishes a connection with context support for cancellation.
func ConnectWithContext(ctx context.Context, socketPath string, timeout time.Duration) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(socketPath, timeout)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// A connection that completes after cancellation is closed here.
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", errdefs.FromContext(ctx.Err()))
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Ping verifies the connection is still alive by calling a simple libvirt API.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("%w: client not connected", errdefs.ErrBackendUnavailable)
	}

	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("%w: libvirt connection is dead: %v", errdefs.ErrBackendUnavailable, err)
	}

	return nil
}

// Version returns the libvirt library version as major.minor.release.
func (c *Client) Version() (string, error) {
	if c.libvirt == nil {
		return "", fmt.Errorf("%w: client not connected", errdefs.ErrBackendUnavailable)
	}

	v, err := c.libvirt.ConnectGetLibVersion()
	if err != nil {
		return "", fmt.Errorf("%w: failed to get libvirt version: %v", errdefs.ErrBackendUnavailable, err)
	}
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v/1000)%1000, v%1000), nil
}

// lookup resolves a domain by name, mapping a missing domain to ErrNotFound.
func (c *Client) lookup(name string) (libvirt.Domain, error) {
	dom, err := c.libvirt.DomainLookupByName(name)
	if err != nil {
		if libvirt.IsNotFound(err) {
			return libvirt.Domain{}, fmt.Errorf("%w: domain %q", errdefs.ErrNotFound, name)
		}
		return libvirt.Domain{}, failed("look up domain "+name, err)
	}
	return dom, nil
}

// DomainNames lists every defined domain, running or not.
func (c *Client) DomainNames() ([]string, error) {
	// flags: 0 = active and inactive
	domains, _, err := c.libvirt.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, failed("list domains", err)
	}

	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	return names, nil
}

// DomainState returns the raw virDomainState and whether a managed save
// image exists.
func (c *Client) DomainState(name string) (int32, bool, error) {
	dom, err := c.lookup(name)
	if err != nil {
		return 0, false, err
	}

	state, _, err := c.libvirt.DomainGetState(dom, 0)
	if err != nil {
		return 0, false, failed("get state of "+name, err)
	}

	saved, err := c.libvirt.DomainHasManagedSaveImage(dom, 0)
	if err != nil {
		return 0, false, failed("check managed save of "+name, err)
	}

	return state, saved != 0, nil
}

// DomainXML returns the persistent (inactive) definition of the domain.
func (c *Client) DomainXML(name string) (string, error) {
	dom, err := c.lookup(name)
	if err != nil {
		return "", err
	}

	// flags: 2 = VIR_DOMAIN_XML_INACTIVE
	xml, err := c.libvirt.DomainGetXMLDesc(dom, 2)
	if err != nil {
		return "", failed("get XML of "+name, err)
	}
	return xml, nil
}

// DefineXML redefines a domain from XML.
func (c *Client) DefineXML(xml string) error {
	if _, err := c.libvirt.DomainDefineXML(xml); err != nil {
		return failed("define domain", err)
	}
	return nil
}

// StartDomain boots a defined domain.
func (c *Client) StartDomain(name string) error {
	dom, err := c.lookup(name)
	if err != nil {
		return err
	}
	if err := c.libvirt.DomainCreate(dom); err != nil {
		return failed("start domain "+name, err)
	}
	return nil
}

// ShutdownDomain requests an ACPI shutdown.
func (c *Client) ShutdownDomain(name string) error {
	dom, err := c.lookup(name)
	if err != nil {
		return err
	}
	if err := c.libvirt.DomainShutdown(dom); err != nil {
		return failed("shut down domain "+name, err)
	}
	return nil
}

// SnapshotNames lists the snapshots of a domain.
func (c *Client) SnapshotNames(name string) ([]string, error) {
	dom, err := c.lookup(name)
	if err != nil {
		return nil, err
	}

	snaps, _, err := c.libvirt.DomainListAllSnapshots(dom, 1, 0)
	if err != nil {
		return nil, failed("list snapshots of "+name, err)
	}

	names := make([]string, 0, len(snaps))
	for _, s := range snaps {
		names = append(names, s.Name)
	}
	return names, nil
}

// RevertToSnapshot reverts a domain to the named snapshot.
func (c *Client) RevertToSnapshot(name, snapshot string) error {
	dom, err := c.lookup(name)
	if err != nil {
		return err
	}

	snap, err := c.libvirt.DomainSnapshotLookupByName(dom, snapshot, 0)
	if err != nil {
		return fmt.Errorf("%w: snapshot %q of %q: %v", errdefs.ErrNotFound, snapshot, name, err)
	}

	if err := c.libvirt.DomainRevertToSnapshot(snap, 0); err != nil {
		return failed("revert "+name+" to snapshot "+snapshot, err)
	}
	return nil
}

// DomainMetadata reads the custom metadata element stored under namespace.
// A domain without one yields an empty string.
func (c *Client) DomainMetadata(name, namespace string) (string, error) {
	dom, err := c.lookup(name)
	if err != nil {
		return "", err
	}

	xml, err := c.libvirt.DomainGetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{namespace},
		libvirt.DomainModificationImpact(0),
	)
	if err != nil {
		return "", nil
	}
	return xml, nil
}

// SetDomainMetadata replaces the custom metadata element under namespace.
// An empty xml removes it.
func (c *Client) SetDomainMetadata(name, key, namespace, xml string) error {
	dom, err := c.lookup(name)
	if err != nil {
		return err
	}

	// flags: 0 = current config
	if err := c.libvirt.DomainSetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{xml},
		libvirt.OptString{key},
		libvirt.OptString{namespace},
		libvirt.DomainModificationImpact(0),
	); err != nil {
		return failed("set metadata of "+name, err)
	}
	return nil
}

// VolumeCapacity returns the capacity in bytes of the volume at path.
func (c *Client) VolumeCapacity(path string) (uint64, error) {
	vol, err := c.libvirt.StorageVolLookupByPath(path)
	if err != nil {
		return 0, fmt.Errorf("%w: volume %s: %v", errdefs.ErrNotFound, path, err)
	}

	_, capacity, _, err := c.libvirt.StorageVolGetInfo(vol)
	if err != nil {
		return 0, failed("get info of volume "+path, err)
	}
	return capacity, nil
}

// VolumePath resolves a pool volume to its path.
func (c *Client) VolumePath(poolName, name string) (string, error) {
	pool, err := c.libvirt.StoragePoolLookupByName(poolName)
	if err != nil {
		return "", fmt.Errorf("%w: storage pool %q: %v", errdefs.ErrNotFound, poolName, err)
	}

	vol, err := c.libvirt.StorageVolLookupByName(pool, name)
	if err != nil {
		return "", fmt.Errorf("%w: volume %q in pool %q: %v", errdefs.ErrNotFound, name, poolName, err)
	}

	path, err := c.libvirt.StorageVolGetPath(vol)
	if err != nil {
		return "", failed("get path of volume "+name, err)
	}
	return path, nil
}

// ResizeVolume grows the volume at path to capacity bytes.
func (c *Client) ResizeVolume(path string, capacity uint64) error {
	vol, err := c.libvirt.StorageVolLookupByPath(path)
	if err != nil {
		return fmt.Errorf("%w: volume %s: %v", errdefs.ErrNotFound, path, err)
	}

	if err := c.libvirt.StorageVolResize(vol, capacity, 0); err != nil {
		return failed("resize volume "+path, err)
	}
	return nil
}

// WriteVolume replaces the raw volume name in poolName with data and
// returns its path. An existing volume of that name is deleted first.
func (c *Client) WriteVolume(poolName, name string, data []byte) (string, error) {
	pool, err := c.libvirt.StoragePoolLookupByName(poolName)
	if err != nil {
		return "", fmt.Errorf("%w: storage pool %q: %v", errdefs.ErrNotFound, poolName, err)
	}

	if old, err := c.libvirt.StorageVolLookupByName(pool, name); err == nil {
		if err := c.libvirt.StorageVolDelete(old, 0); err != nil {
			return "", failed("delete volume "+name, err)
		}
	}

	volXML, err := rawVolumeXML(name, uint64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to generate volume XML: %w", err)
	}

	vol, err := c.libvirt.StorageVolCreateXML(pool, volXML, 0)
	if err != nil {
		return "", failed("create volume "+name, err)
	}

	if err := c.libvirt.StorageVolUpload(vol, bytes.NewReader(data), 0, uint64(len(data)), 0); err != nil {
		return "", failed("upload data to volume "+name, err)
	}

	path, err := c.libvirt.StorageVolGetPath(vol)
	if err != nil {
		return "", failed("get path of volume "+name, err)
	}
	return path, nil
}

// DeleteVolume removes the volume name from poolName. A missing volume is
// not an error.
func (c *Client) DeleteVolume(poolName, name string) error {
	pool, err := c.libvirt.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("%w: storage pool %q: %v", errdefs.ErrNotFound, poolName, err)
	}

	vol, err := c.libvirt.StorageVolLookupByName(pool, name)
	if err != nil {
		return nil
	}

	if err := c.libvirt.StorageVolDelete(vol, 0); err != nil {
		return failed("delete volume "+name, err)
	}
	return nil
}

// rawVolumeXML describes a raw file volume readable by the qemu user.
func rawVolumeXML(name string, capacity uint64) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: capacity,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: "raw",
			},
			Permissions: &libvirtxml.StorageVolumeTargetPermissions{
				Owner: "107", // qemu user
				Group: "107", // qemu group
				Mode:  "0644",
			},
		},
	}

	out, err := vol.Marshal()
	if err != nil {
		return "", err
	}

	xml := strings.TrimPrefix(out, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>")
	return strings.TrimSpace(xml), nil
}

func failed(what string, err error) error {
	return fmt.Errorf("%w: failed to %s: %v", errdefs.ErrOperationFailed, what, err)
}
