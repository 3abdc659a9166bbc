// Package vmtest provides an in-memory vm.Backend for tests.
package vmtest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"sync"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/vm"
)

// Call records one backend invocation.
type Call struct {
	Method string
	Name   string
	Args   []any
}

// FakeBackend is an in-memory hypervisor. Every method records its call and,
// when the matching Func field is set, delegates to it instead of the
// in-memory model.
type FakeBackend struct {
	mu sync.Mutex

	// In-memory model
	vms   map[string]*fakeVM
	ports map[uint16]string // host port -> owner "vm/rule", simulates host-wide conflicts

	// Configurable behavior
	RegisteredFunc func(ctx context.Context) ([]string, error)
	ProbeFunc      func(ctx context.Context, name string) (vm.State, error)
	StartFunc      func(ctx context.Context, name string, headless bool) error
	SetMemoryFunc  func(ctx context.Context, name string, mb int) error

	SetReservedPortListFunc func(ctx context.Context, name string, which vm.ReservedPortList, ports []uint16) (map[string]uint16, error)

	// Call tracking
	Calls []Call
}

type fakeVM struct {
	state vm.State
	info  vm.Info
}

// NewFakeBackend creates a backend that knows about the given VM names, all stopped.
func NewFakeBackend(names ...string) *FakeBackend {
	f := &FakeBackend{
		vms:   make(map[string]*fakeVM),
		ports: make(map[uint16]string),
	}
	for _, name := range names {
		f.AddVM(name, vm.Info{MemorySizeMB: 2048, CPUCount: 2, StorageSizeMB: 20480})
	}
	return f
}

// AddVM registers a VM with the given configuration.
func (f *FakeBackend) AddVM(name string, info vm.Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[name] = &fakeVM{state: vm.Stopped, info: info.Clone()}
}

// RemoveVM unregisters a VM.
func (f *FakeBackend) RemoveVM(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vms, name)
}

// ReserveHostPort marks a host port as used by something outside any VM.
func (f *FakeBackend) ReserveHostPort(port uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ports[port] = "host"
}

// State returns the modelled state of a VM.
func (f *FakeBackend) State(name string) vm.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.vms[name]; ok {
		return v.state
	}
	return vm.Unknown
}

// VMInfo returns the modelled configuration of a VM.
func (f *FakeBackend) VMInfo(name string) vm.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.vms[name]; ok {
		return v.info.Clone()
	}
	return vm.Info{}
}

// CallsTo returns the recorded calls of one method.
func (f *FakeBackend) CallsTo(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *FakeBackend) record(method, name string, args ...any) {
	f.Calls = append(f.Calls, Call{Method: method, Name: name, Args: args})
}

func (f *FakeBackend) lookup(name string) (*fakeVM, error) {
	v, ok := f.vms[name]
	if !ok {
		return nil, fmt.Errorf("%w: virtual machine %q", errdefs.ErrNotFound, name)
	}
	return v, nil
}

func (f *FakeBackend) RegisteredVirtualMachines(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	f.record("RegisteredVirtualMachines", "")
	fn := f.RegisteredFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	names := slices.Collect(maps.Keys(f.vms))
	slices.Sort(names)
	return names, nil
}

func (f *FakeBackend) FetchInfo(ctx context.Context, name string) (vm.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("FetchInfo", name)
	v, err := f.lookup(name)
	if err != nil {
		return vm.Info{}, err
	}
	return v.info.Clone(), nil
}

func (f *FakeBackend) Start(ctx context.Context, name string, headless bool) error {
	f.mu.Lock()
	f.record("Start", name, headless)
	fn := f.StartFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, headless)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	v.state = vm.Running
	return nil
}

func (f *FakeBackend) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Stop", name)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	v.state = vm.Stopped
	return nil
}

func (f *FakeBackend) Probe(ctx context.Context, name string) (vm.State, error) {
	f.mu.Lock()
	f.record("Probe", name)
	fn := f.ProbeFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := f.lookup(name)
	if err != nil {
		return vm.Unknown, err
	}
	return v.state, nil
}

func (f *FakeBackend) SetMemorySizeMB(ctx context.Context, name string, mb int) error {
	f.mu.Lock()
	f.record("SetMemorySizeMB", name, mb)
	fn := f.SetMemoryFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, mb)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	v.info.MemorySizeMB = mb
	return nil
}

func (f *FakeBackend) SetCPUCount(ctx context.Context, name string, cpus int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetCPUCount", name, cpus)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	v.info.CPUCount = cpus
	return nil
}

func (f *FakeBackend) SetStorageSizeMB(ctx context.Context, name string, mb int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetStorageSizeMB", name, mb)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	if mb < v.info.StorageSizeMB {
		return fmt.Errorf("%w: cannot shrink disk from %d MB to %d MB", errdefs.ErrOperationFailed, v.info.StorageSizeMB, mb)
	}
	v.info.StorageSizeMB = mb
	return nil
}

func (f *FakeBackend) SetVideoMode(ctx context.Context, name string, mode vm.VideoMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetVideoMode", name, mode)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	v.info.VideoMode = mode
	return nil
}

func (f *FakeBackend) SetSharedPath(ctx context.Context, name string, which vm.SharedPath, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetSharedPath", name, which, path)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	if v.info.SharedPaths == nil {
		v.info.SharedPaths = make(map[vm.SharedPath]string)
	}
	v.info.SharedPaths[which] = path
	return nil
}

func (f *FakeBackend) AddPortForwarding(ctx context.Context, name string, rule vm.PortForwarding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddPortForwarding", name, rule)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	if owner, used := f.ports[rule.HostPort]; used {
		return fmt.Errorf("%w: host port %d already used by %s", errdefs.ErrOperationFailed, rule.HostPort, owner)
	}
	f.ports[rule.HostPort] = name + "/" + rule.RuleName
	v.info.OtherPortForwardings = append(v.info.OtherPortForwardings, rule)
	return nil
}

func (f *FakeBackend) RemovePortForwarding(ctx context.Context, name, ruleName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemovePortForwarding", name, ruleName)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	idx := slices.IndexFunc(v.info.OtherPortForwardings, func(r vm.PortForwarding) bool {
		return r.RuleName == ruleName
	})
	if idx < 0 {
		return fmt.Errorf("%w: port forwarding rule %q", errdefs.ErrNotFound, ruleName)
	}
	delete(f.ports, v.info.OtherPortForwardings[idx].HostPort)
	v.info.OtherPortForwardings = slices.Delete(v.info.OtherPortForwardings, idx, idx+1)
	return nil
}

func (f *FakeBackend) SetReservedPortForwarding(ctx context.Context, name string, which vm.ReservedPort, port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("SetReservedPortForwarding", name, which, port)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	switch which {
	case vm.SSHPort:
		v.info.SSHPort = port
	case vm.WWWPort:
		v.info.WWWPort = port
	}
	return nil
}

func (f *FakeBackend) SetReservedPortListForwarding(ctx context.Context, name string, which vm.ReservedPortList, ports []uint16) (map[string]uint16, error) {
	f.mu.Lock()
	f.record("SetReservedPortListForwarding", name, which, slices.Clone(ports))
	fn := f.SetReservedPortListFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, name, which, ports)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := f.lookup(name)
	if err != nil {
		return nil, err
	}

	actual := make(map[string]uint16, len(ports))
	taken := make(map[uint16]bool)
	for i, p := range ports {
		for f.ports[p] != "" || taken[p] {
			p++
		}
		taken[p] = true
		actual["qmllive_"+strconv.Itoa(i+1)] = p
	}
	v.info.QmlLivePorts = maps.Clone(actual)
	return actual, nil
}

func (f *FakeBackend) RestoreSnapshot(ctx context.Context, name, snapshot string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RestoreSnapshot", name, snapshot)
	v, err := f.lookup(name)
	if err != nil {
		return err
	}
	if !slices.Contains(v.info.Snapshots, snapshot) {
		return fmt.Errorf("%w: snapshot %q of %q", errdefs.ErrNotFound, snapshot, name)
	}
	v.state = vm.Saved
	return nil
}

var _ vm.Backend = (*FakeBackend)(nil)
