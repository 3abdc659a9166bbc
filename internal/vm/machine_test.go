package vm_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/queue"
	"github.com/jbweber/anvil/internal/vm"
	"github.com/jbweber/anvil/internal/vm/vmtest"
)

func newMachine(t *testing.T, backend *vmtest.FakeBackend, opts vm.Options) (*vm.VirtualMachine, *queue.Queue) {
	t.Helper()
	q := queue.New(queue.Options{})
	t.Cleanup(q.Close)
	return vm.New("engine-1", backend, q, opts), q
}

func TestVirtualMachine_StartStopProbe(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")
	machine, _ := newMachine(t, backend, vm.Options{})
	machine.SetHeadless(true)

	_, err := machine.Start().Wait(ctx)
	require.NoError(t, err)

	state, err := machine.Probe().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, vm.Running, state)

	starts := backend.CallsTo("Start")
	require.Len(t, starts, 1)
	assert.Equal(t, true, starts[0].Args[0], "headless flag should be passed to backend")

	_, err = machine.Stop().Wait(ctx)
	require.NoError(t, err)

	state, err = machine.Probe().Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, vm.Stopped, state)
}

func TestVirtualMachine_ProbeAlwaysAsksBackend(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")
	machine, _ := newMachine(t, backend, vm.Options{})

	for i := 0; i < 3; i++ {
		_, err := machine.Probe().Wait(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, backend.CallsTo("Probe"), 3)
}

func TestVirtualMachine_ProbeTimesOut(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")

	release := make(chan struct{})
	defer close(release)
	backend.ProbeFunc = func(ctx context.Context, name string) (vm.State, error) {
		// Ignores ctx on purpose to model a hung hypervisor.
		<-release
		return vm.Running, nil
	}
	machine, _ := newMachine(t, backend, vm.Options{ProbeTimeout: 20 * time.Millisecond})

	start := time.Now()
	state, err := machine.Probe().Wait(ctx)
	assert.ErrorIs(t, err, errdefs.ErrOperationTimedOut)
	assert.Equal(t, vm.Unknown, state)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestVirtualMachine_ProbeFailureIsUnknown(t *testing.T) {
	backend := vmtest.NewFakeBackend()
	q := queue.New(queue.Options{})
	defer q.Close()
	machine := vm.New("missing", backend, q, vm.Options{})

	state, err := machine.Probe().Wait(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
	assert.Equal(t, vm.Unknown, state)
}

func TestVirtualMachine_SettersUpdateCacheOnSuccess(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")
	machine, _ := newMachine(t, backend, vm.Options{})

	_, err := machine.SetMemorySizeMB(4096).Wait(ctx)
	require.NoError(t, err)
	_, err = machine.SetCPUCount(4).Wait(ctx)
	require.NoError(t, err)
	_, err = machine.SetStorageSizeMB(40960).Wait(ctx)
	require.NoError(t, err)
	_, err = machine.SetVideoMode(vm.VideoMode{Width: 1280, Height: 800, Depth: 32}).Wait(ctx)
	require.NoError(t, err)
	_, err = machine.SetSharedPath(vm.SharedHome, "/home/dev").Wait(ctx)
	require.NoError(t, err)
	_, err = machine.SetReservedPortForwarding(vm.SSHPort, 2222).Wait(ctx)
	require.NoError(t, err)
	_, err = machine.SetReservedPortForwarding(vm.WWWPort, 8080).Wait(ctx)
	require.NoError(t, err)

	info := machine.Info()
	assert.Equal(t, 4096, info.MemorySizeMB)
	assert.Equal(t, 4, info.CPUCount)
	assert.Equal(t, 40960, info.StorageSizeMB)
	assert.Equal(t, "1280x800x32", info.VideoMode.String())
	assert.Equal(t, "/home/dev", info.SharedPaths[vm.SharedHome])
	assert.Equal(t, uint16(2222), info.SSHPort)
	assert.Equal(t, uint16(8080), info.WWWPort)

	assert.Equal(t, info.MemorySizeMB, backend.VMInfo("engine-1").MemorySizeMB)
}

func TestVirtualMachine_FailedSetterLeavesCache(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")
	backend.SetMemoryFunc = func(ctx context.Context, name string, mb int) error {
		return errdefs.ErrOperationFailed
	}
	machine, _ := newMachine(t, backend, vm.Options{})
	machine.SetInfo(vm.Info{MemorySizeMB: 1024})

	_, err := machine.SetMemorySizeMB(4096).Wait(ctx)
	assert.ErrorIs(t, err, errdefs.ErrOperationFailed)
	assert.Equal(t, 1024, machine.Info().MemorySizeMB)
}

func TestVirtualMachine_InvalidInputNeverReachesBackend(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")
	machine, _ := newMachine(t, backend, vm.Options{})

	tests := []struct {
		name string
		run  func() error
	}{
		{name: "zero memory", run: func() error { _, err := machine.SetMemorySizeMB(0).Wait(ctx); return err }},
		{name: "negative memory", run: func() error { _, err := machine.SetMemorySizeMB(-1).Wait(ctx); return err }},
		{name: "zero cpus", run: func() error { _, err := machine.SetCPUCount(0).Wait(ctx); return err }},
		{name: "zero storage", run: func() error { _, err := machine.SetStorageSizeMB(0).Wait(ctx); return err }},
		{name: "port zero", run: func() error {
			_, err := machine.SetReservedPortForwarding(vm.SSHPort, 0).Wait(ctx)
			return err
		}},
		{name: "port too large", run: func() error {
			_, err := machine.SetReservedPortForwarding(vm.SSHPort, 70000).Wait(ctx)
			return err
		}},
		{name: "port list too large", run: func() error {
			_, err := machine.SetReservedPortListForwarding(vm.QmlLivePorts, []int{10234, 65536}).Wait(ctx)
			return err
		}},
		{name: "too many qmllive ports", run: func() error {
			ports := make([]int, vm.MaxQmlLivePorts+1)
			for i := range ports {
				ports[i] = vm.DefaultQmlLivePort + i
			}
			_, err := machine.SetReservedPortListForwarding(vm.QmlLivePorts, ports).Wait(ctx)
			return err
		}},
		{name: "bad rule protocol", run: func() error {
			_, err := machine.AddPortForwarding(vm.PortForwarding{RuleName: "x", Protocol: "icmp", HostPort: 1, GuestPort: 1}).Wait(ctx)
			return err
		}},
		{name: "empty shared path", run: func() error {
			_, err := machine.SetSharedPath(vm.SharedSrc, "").Wait(ctx)
			return err
		}},
		{name: "empty snapshot", run: func() error { _, err := machine.RestoreSnapshot("").Wait(ctx); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), errdefs.ErrInvalidArgument)
		})
	}

	assert.Empty(t, backend.Calls)
}

func TestVirtualMachine_ReservedPortListReportsActualPorts(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")
	backend.ReserveHostPort(10235)
	machine, _ := newMachine(t, backend, vm.Options{})

	actual, err := machine.SetReservedPortListForwarding(vm.QmlLivePorts, []int{10234, 10235}).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint16{"qmllive_1": 10234, "qmllive_2": 10236}, actual)
	assert.Equal(t, actual, machine.Info().QmlLivePorts)
}

func TestVirtualMachine_ReservedPortListFailureRefreshesCache(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")
	machine, _ := newMachine(t, backend, vm.Options{})

	_, err := machine.SetReservedPortListForwarding(vm.QmlLivePorts, []int{10234, 10235}).Wait(ctx)
	require.NoError(t, err)

	// Old rules are gone and only the first new one landed.
	partial := map[string]uint16{"qmllive_1": 11000}
	backend.SetReservedPortListFunc = func(ctx context.Context, name string, which vm.ReservedPortList, ports []uint16) (map[string]uint16, error) {
		info := backend.VMInfo(name)
		info.QmlLivePorts = partial
		backend.AddVM(name, info)
		return nil, errors.New("port 11001 in use")
	}

	_, err = machine.SetReservedPortListForwarding(vm.QmlLivePorts, []int{11000, 11001}).Wait(ctx)
	require.Error(t, err)
	assert.Equal(t, partial, machine.Info().QmlLivePorts)
	assert.Len(t, backend.CallsTo("FetchInfo"), 1)
}

func TestVirtualMachine_PortForwardingRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend("engine-1")
	machine, _ := newMachine(t, backend, vm.Options{})

	rule := vm.PortForwarding{RuleName: "debug", Protocol: "tcp", HostPort: 5555, GuestPort: 5555}
	_, err := machine.AddPortForwarding(rule).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, []vm.PortForwarding{rule}, machine.Info().OtherPortForwardings)

	_, err = machine.RemovePortForwarding("debug").Wait(ctx)
	require.NoError(t, err)
	assert.Empty(t, machine.Info().OtherPortForwardings)

	_, err = machine.RemovePortForwarding("debug").Wait(ctx)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestVirtualMachine_RestoreSnapshotRefreshesInfo(t *testing.T) {
	ctx := context.Background()
	backend := vmtest.NewFakeBackend()
	backend.AddVM("engine-1", vm.Info{MemorySizeMB: 2048, Snapshots: []string{"clean"}})
	machine, _ := newMachine(t, backend, vm.Options{})

	_, err := machine.RestoreSnapshot("clean").Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2048, machine.Info().MemorySizeMB)

	_, err = machine.RestoreSnapshot("missing").Wait(ctx)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestVirtualMachine_OperationsRunInSubmissionOrder(t *testing.T) {
	backend := vmtest.NewFakeBackend("engine-1")

	var mu sync.Mutex
	var applied []int
	backend.SetMemoryFunc = func(ctx context.Context, name string, mb int) error {
		mu.Lock()
		applied = append(applied, mb)
		mu.Unlock()
		return nil
	}
	machine, q := newMachine(t, backend, vm.Options{})

	for mb := 1024; mb <= 8192; mb += 1024 {
		machine.SetMemorySizeMB(mb)
	}
	q.Wait()

	assert.Equal(t, []int{1024, 2048, 3072, 4096, 5120, 6144, 7168, 8192}, applied)
	assert.Equal(t, 8192, machine.Info().MemorySizeMB)
}

func TestVirtualMachine_Refresh(t *testing.T) {
	backend := vmtest.NewFakeBackend()
	backend.AddVM("engine-1", vm.Info{MemorySizeMB: 3072, CPUCount: 3})
	machine, _ := newMachine(t, backend, vm.Options{})

	info, err := machine.Refresh().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3072, info.MemorySizeMB)
	assert.Equal(t, 3, machine.Info().CPUCount)
}

func TestVirtualMachine_SetName(t *testing.T) {
	backend := vmtest.NewFakeBackend("engine-1", "engine-2")
	machine, _ := newMachine(t, backend, vm.Options{})

	machine.SetName("engine-2")
	assert.Equal(t, "engine-2", machine.Name())

	_, err := machine.Start().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, vm.Running, backend.State("engine-2"))
	assert.Equal(t, vm.Stopped, backend.State("engine-1"))
}
