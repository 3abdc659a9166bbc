package vm

import "context"

// Backend is the capability set a hypervisor family must provide.
//
// Every method addresses a VM by its hypervisor-registered name. Methods are
// invoked from the command queue, one at a time per VM, and must honour ctx.
// Failures should wrap the kinds from internal/errdefs.
//
// In production this is satisfied by *vbox.Backend or *libvirt.Backend.
// In tests it is satisfied by fakes.
type Backend interface {
	// RegisteredVirtualMachines lists every VM the hypervisor knows about.
	RegisteredVirtualMachines(ctx context.Context) ([]string, error)

	// FetchInfo reads the VM's current configuration.
	FetchInfo(ctx context.Context, name string) (Info, error)

	// Start boots the VM, optionally without a display.
	Start(ctx context.Context, name string, headless bool) error

	// Stop requests a graceful shutdown.
	Stop(ctx context.Context, name string) error

	// Probe reports the VM's runtime state.
	Probe(ctx context.Context, name string) (State, error)

	SetMemorySizeMB(ctx context.Context, name string, memoryMB int) error
	SetCPUCount(ctx context.Context, name string, cpus int) error
	SetStorageSizeMB(ctx context.Context, name string, storageMB int) error
	SetVideoMode(ctx context.Context, name string, mode VideoMode) error
	SetSharedPath(ctx context.Context, name string, which SharedPath, path string) error

	AddPortForwarding(ctx context.Context, name string, rule PortForwarding) error
	RemovePortForwarding(ctx context.Context, name, ruleName string) error
	SetReservedPortForwarding(ctx context.Context, name string, which ReservedPort, port uint16) error

	// SetReservedPortListForwarding replaces the whole list. Host ports that
	// conflict may be reassigned; the returned map holds the ports actually
	// configured, keyed by rule name.
	SetReservedPortListForwarding(ctx context.Context, name string, which ReservedPortList, ports []uint16) (map[string]uint16, error)

	RestoreSnapshot(ctx context.Context, name, snapshot string) error
}
