package vbox

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"github.com/go-logr/logr"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/naming"
	"github.com/jbweber/anvil/internal/vm"
)

const extraDataVideoMode = "CustomVideoMode1"

// Options configures a Backend.
type Options struct {
	Logger logr.Logger
}

// Backend implements vm.Backend on top of VBoxManage.
type Backend struct {
	runner Runner
	log    logr.Logger
}

// NewBackend creates a VirtualBox backend that invokes VBoxManage through
// runner.
func NewBackend(runner Runner, opts Options) *Backend {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Backend{runner: runner, log: log.WithName("vbox")}
}

var _ vm.Backend = (*Backend)(nil)

// Version returns the VBoxManage version string.
func (b *Backend) Version(ctx context.Context) (string, error) {
	return b.runner.Run(ctx, "--version")
}

// RegisteredVirtualMachines lists every VM known to VirtualBox.
func (b *Backend) RegisteredVirtualMachines(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, "list", "vms")
	if err != nil {
		return nil, err
	}
	return parseVMList(out), nil
}

func (b *Backend) showInfo(ctx context.Context, name string) (machineInfo, error) {
	out, err := b.runner.Run(ctx, "showvminfo", name, "--machinereadable")
	if err != nil {
		return nil, err
	}
	info := parseMachineReadable(out)
	if len(info) == 0 {
		return nil, fmt.Errorf("%w: virtual machine %q", errdefs.ErrNotFound, name)
	}
	return info, nil
}

// FetchInfo reads the VM configuration, disk capacity and video mode.
func (b *Backend) FetchInfo(ctx context.Context, name string) (vm.Info, error) {
	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return vm.Info{}, err
	}
	info := mi.toInfo()

	if info.StoragePath != "" {
		size, err := b.capacityMB(ctx, info.StoragePath)
		if err != nil {
			b.log.V(1).Info("failed to read disk capacity", "vm", name, "error", err.Error())
		}
		info.StorageSizeMB = size
	}

	out, err := b.runner.Run(ctx, "getextradata", name, extraDataVideoMode)
	if err != nil {
		return vm.Info{}, err
	}
	if value, ok := parseExtraData(out); ok {
		if mode, err := vm.ParseVideoMode(value); err == nil {
			info.VideoMode = mode
		}
	}
	return info, nil
}

func (b *Backend) capacityMB(ctx context.Context, path string) (int, error) {
	out, err := b.runner.Run(ctx, "showmediuminfo", "disk", path)
	if err != nil {
		return 0, err
	}
	return parseCapacityMB(out)
}

// Start boots the VM with or without a display.
func (b *Backend) Start(ctx context.Context, name string, headless bool) error {
	kind := "gui"
	if headless {
		kind = "headless"
	}
	_, err := b.runner.Run(ctx, "startvm", name, "--type", kind)
	return err
}

// Stop sends an ACPI power button event.
func (b *Backend) Stop(ctx context.Context, name string) error {
	_, err := b.runner.Run(ctx, "controlvm", name, "acpipowerbutton")
	return err
}

// Probe reads the VM state.
func (b *Backend) Probe(ctx context.Context, name string) (vm.State, error) {
	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return vm.Unknown, err
	}
	return mi.state(), nil
}

// SetMemorySizeMB changes the VM memory. The VM must be powered off.
func (b *Backend) SetMemorySizeMB(ctx context.Context, name string, mb int) error {
	_, err := b.runner.Run(ctx, "modifyvm", name, "--memory", strconv.Itoa(mb))
	return err
}

// SetCPUCount changes the CPU count. The VM must be powered off.
func (b *Backend) SetCPUCount(ctx context.Context, name string, cpus int) error {
	_, err := b.runner.Run(ctx, "modifyvm", name, "--cpus", strconv.Itoa(cpus))
	return err
}

// SetStorageSizeMB grows the primary disk. Shrinking is refused.
func (b *Backend) SetStorageSizeMB(ctx context.Context, name string, mb int) error {
	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return err
	}
	path := mi.diskPath()
	if path == "" {
		return fmt.Errorf("%w: virtual machine %q has no disk image", errdefs.ErrNotFound, name)
	}

	current, err := b.capacityMB(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read disk capacity: %w", err)
	}
	if mb < current {
		return fmt.Errorf("%w: cannot shrink disk of %q from %d MB to %d MB", errdefs.ErrInvalidArgument, name, current, mb)
	}
	if mb == current {
		return nil
	}

	_, err = b.runner.Run(ctx, "modifymedium", "disk", path, "--resize", strconv.Itoa(mb))
	return err
}

// SetVideoMode stores the custom video mode picked up by the guest
// additions.
func (b *Backend) SetVideoMode(ctx context.Context, name string, mode vm.VideoMode) error {
	_, err := b.runner.Run(ctx, "setextradata", name, extraDataVideoMode, mode.String())
	return err
}

// SetSharedPath replaces a machine shared folder.
func (b *Backend) SetSharedPath(ctx context.Context, name string, which vm.SharedPath, path string) error {
	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return err
	}
	folder := naming.SharedFolderName(which)

	if _, exists := mi.sharedFolders()[folder]; exists {
		if _, err := b.runner.Run(ctx, "sharedfolder", "remove", name, "--name", folder); err != nil {
			return fmt.Errorf("failed to remove shared folder %q: %w", folder, err)
		}
	}
	if _, err := b.runner.Run(ctx, "sharedfolder", "add", name, "--name", folder, "--hostpath", path); err != nil {
		return fmt.Errorf("failed to add shared folder %q: %w", folder, err)
	}
	return nil
}

// natpf runs a NAT rule change through controlvm on a running VM and
// modifyvm otherwise.
func (b *Backend) natpf(ctx context.Context, name string, running bool, args ...string) error {
	var cmd []string
	if running {
		cmd = append([]string{"controlvm", name, "natpf1"}, args...)
	} else {
		cmd = []string{"modifyvm", name, "--natpf1"}
		cmd = append(cmd, args...)
	}
	_, err := b.runner.Run(ctx, cmd...)
	return err
}

func (b *Backend) addRule(ctx context.Context, name string, running bool, rule vm.PortForwarding) error {
	return b.natpf(ctx, name, running, formatForwarding(rule))
}

func (b *Backend) deleteRule(ctx context.Context, name string, running bool, ruleName string) error {
	return b.natpf(ctx, name, running, "delete", ruleName)
}

// AddPortForwarding adds a free-form NAT rule. Reserved rule names and
// host ports already forwarded by this VM are rejected.
func (b *Backend) AddPortForwarding(ctx context.Context, name string, rule vm.PortForwarding) error {
	if naming.IsReservedRuleName(rule.RuleName) {
		return fmt.Errorf("%w: rule name %q is reserved", errdefs.ErrInvalidArgument, rule.RuleName)
	}
	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return err
	}
	for _, existing := range mi.forwardings() {
		if existing.RuleName == rule.RuleName {
			return fmt.Errorf("%w: port forwarding rule %q", errdefs.ErrNameInUse, rule.RuleName)
		}
		if existing.HostPort == rule.HostPort && existing.Protocol == rule.Protocol {
			return fmt.Errorf("%w: host port %d is already forwarded by %q", errdefs.ErrNameInUse, rule.HostPort, existing.RuleName)
		}
	}
	return b.addRule(ctx, name, mi.state() == vm.Running, rule)
}

// RemovePortForwarding deletes a NAT rule by name.
func (b *Backend) RemovePortForwarding(ctx context.Context, name, ruleName string) error {
	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return err
	}
	if !slices.ContainsFunc(mi.forwardings(), func(r vm.PortForwarding) bool { return r.RuleName == ruleName }) {
		return fmt.Errorf("%w: port forwarding rule %q", errdefs.ErrNotFound, ruleName)
	}
	return b.deleteRule(ctx, name, mi.state() == vm.Running, ruleName)
}

// SetReservedPortForwarding points the SSH or WWW rule at a new host port.
func (b *Backend) SetReservedPortForwarding(ctx context.Context, name string, which vm.ReservedPort, port uint16) error {
	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return err
	}
	running := mi.state() == vm.Running
	ruleName := naming.ReservedRuleName(which)

	var current *vm.PortForwarding
	for _, existing := range mi.forwardings() {
		if existing.RuleName == ruleName {
			current = &existing
			continue
		}
		if existing.HostPort == port && existing.Protocol == "tcp" {
			return fmt.Errorf("%w: host port %d is already forwarded by %q", errdefs.ErrNameInUse, port, existing.RuleName)
		}
	}
	if current != nil {
		if current.HostPort == port {
			return nil
		}
		if err := b.deleteRule(ctx, name, running, ruleName); err != nil {
			return fmt.Errorf("failed to delete rule %q: %w", ruleName, err)
		}
	}

	return b.addRule(ctx, name, running, vm.PortForwarding{
		RuleName:  ruleName,
		Protocol:  "tcp",
		HostPort:  port,
		GuestPort: naming.ReservedGuestPort(which),
	})
}

// SetReservedPortListForwarding replaces the QmlLive rules. A requested
// port already forwarded by another rule is moved to the next free port;
// the returned map holds the ports actually configured.
func (b *Backend) SetReservedPortListForwarding(ctx context.Context, name string, which vm.ReservedPortList, ports []uint16) (map[string]uint16, error) {
	if which != vm.QmlLivePorts {
		return nil, fmt.Errorf("%w: unknown reserved port list %s", errdefs.ErrInvalidArgument, which)
	}

	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return nil, err
	}
	running := mi.state() == vm.Running

	taken := make(map[uint16]bool)
	for _, existing := range mi.forwardings() {
		if _, ok := naming.ParseQmlLiveRuleName(existing.RuleName); ok {
			if err := b.deleteRule(ctx, name, running, existing.RuleName); err != nil {
				return nil, fmt.Errorf("failed to delete rule %q: %w", existing.RuleName, err)
			}
			continue
		}
		taken[existing.HostPort] = true
	}

	actual := make(map[string]uint16, len(ports))
	for i, port := range ports {
		requested := port
		for taken[port] {
			port++
			if port == 0 {
				return maps.Clone(actual), fmt.Errorf("%w: no free host port at or above %d", errdefs.ErrOperationFailed, requested)
			}
		}
		taken[port] = true

		rule := vm.PortForwarding{
			RuleName:  naming.QmlLiveRuleName(i + 1),
			Protocol:  "tcp",
			HostPort:  port,
			GuestPort: port,
		}
		if err := b.addRule(ctx, name, running, rule); err != nil {
			return maps.Clone(actual), fmt.Errorf("failed to add rule %q: %w", rule.RuleName, err)
		}
		if port != requested {
			b.log.Info("reassigned conflicting port", "vm", name, "rule", rule.RuleName, "requested", requested, "actual", port)
		}
		actual[rule.RuleName] = port
	}
	return actual, nil
}

// RestoreSnapshot restores a named snapshot. The VM must be powered off.
func (b *Backend) RestoreSnapshot(ctx context.Context, name, snapshot string) error {
	mi, err := b.showInfo(ctx, name)
	if err != nil {
		return err
	}
	if !slices.Contains(mi.snapshots(), snapshot) {
		return fmt.Errorf("%w: snapshot %q of %q", errdefs.ErrNotFound, snapshot, name)
	}
	_, err = b.runner.Run(ctx, "snapshot", name, "restore", snapshot)
	return err
}
