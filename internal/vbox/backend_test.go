package vbox

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/vm"
)

const engineName = "Sailfish OS Build Engine"

const listVMsOutput = `"Sailfish OS Build Engine" {4d1d4a67-93b8-4b2f-9b6c-3f0b2a8e6c11}
"Sailfish OS Emulator 4.5.0.18" {0f5b7c1e-2c49-4f0c-8f8e-2a7f3b1d9e42}
`

const showVMInfoStopped = `name="Sailfish OS Build Engine"
memory=2048
cpus=2
VMState="poweroff"
VMStateChangeTime="2026-10-01T10:00:00.000000000"
"SATA-0-0"="/home/dev/VMs/engine/engine.vdi"
"SATA-ImageUUID-0-0"="9c1f4e2a-6b3d-4c5e-8f7a-1b2c3d4e5f60"
"SATA-1-0"="none"
Forwarding(0)="guestssh,tcp,127.0.0.1,2222,,22"
Forwarding(1)="guestwww,tcp,127.0.0.1,8080,,9292"
Forwarding(2)="qmllive_1,tcp,127.0.0.1,10234,,10234"
Forwarding(3)="debugger,tcp,127.0.0.1,5555,,5555"
SharedFolderNameMachineMapping1="home"
SharedFolderPathMachineMapping1="/home/dev"
SharedFolderNameMachineMapping2="targets"
SharedFolderPathMachineMapping2="/opt/SailfishOS/mersdk/targets"
SharedFolderNameMachineMapping3="custom"
SharedFolderPathMachineMapping3="/tmp/custom"
SnapshotName="fresh"
SnapshotUUID="1a2b3c4d-0000-0000-0000-000000000001"
SnapshotName-1="configured"
SnapshotUUID-1="1a2b3c4d-0000-0000-0000-000000000002"
`

const showMediumInfo = `UUID:           9c1f4e2a-6b3d-4c5e-8f7a-1b2c3d4e5f60
Parent UUID:    base
State:          created
Location:       /home/dev/VMs/engine/engine.vdi
Storage format: VDI
Capacity:       20480 MBytes
Size on disk:   3172 MBytes
`

func running(info string) string {
	return strings.Replace(info, `VMState="poweroff"`, `VMState="running"`, 1)
}

func newTestBackend(info string) (*Backend, *mockRunner) {
	runner := newMockRunner().
		on(listVMsOutput, "list", "vms").
		on(info, "showvminfo", engineName, "--machinereadable").
		on(showMediumInfo, "showmediuminfo", "disk", "/home/dev/VMs/engine/engine.vdi").
		on("Value: 1280x800x32", "getextradata", engineName, "CustomVideoMode1")
	return NewBackend(runner, Options{}), runner
}

func TestBackend_RegisteredVirtualMachines(t *testing.T) {
	b, _ := newTestBackend(showVMInfoStopped)

	names, err := b.RegisteredVirtualMachines(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{engineName, "Sailfish OS Emulator 4.5.0.18"}, names)
}

func TestBackend_FetchInfo(t *testing.T) {
	b, _ := newTestBackend(showVMInfoStopped)

	info, err := b.FetchInfo(context.Background(), engineName)
	require.NoError(t, err)

	assert.Equal(t, 2048, info.MemorySizeMB)
	assert.Equal(t, 2, info.CPUCount)
	assert.Equal(t, 20480, info.StorageSizeMB)
	assert.Equal(t, "/home/dev/VMs/engine/engine.vdi", info.StoragePath)
	assert.Equal(t, vm.VideoMode{Width: 1280, Height: 800, Depth: 32}, info.VideoMode)
	assert.Equal(t, uint16(2222), info.SSHPort)
	assert.Equal(t, uint16(8080), info.WWWPort)
	assert.Equal(t, map[string]uint16{"qmllive_1": 10234}, info.QmlLivePorts)
	assert.Equal(t, []vm.PortForwarding{
		{RuleName: "debugger", Protocol: "tcp", HostPort: 5555, GuestPort: 5555},
	}, info.OtherPortForwardings)
	assert.Equal(t, map[vm.SharedPath]string{
		vm.SharedHome:   "/home/dev",
		vm.SharedTarget: "/opt/SailfishOS/mersdk/targets",
	}, info.SharedPaths)
	assert.Equal(t, []string{"fresh", "configured"}, info.Snapshots)
}

func TestBackend_FetchInfoWithoutVideoMode(t *testing.T) {
	b, runner := newTestBackend(showVMInfoStopped)
	runner.on("No value set!", "getextradata", engineName, "CustomVideoMode1")

	info, err := b.FetchInfo(context.Background(), engineName)
	require.NoError(t, err)
	assert.True(t, info.VideoMode.IsZero())
}

func TestBackend_Probe(t *testing.T) {
	tests := []struct {
		vmState string
		want    vm.State
	}{
		{"running", vm.Running},
		{"poweroff", vm.Stopped},
		{"aborted", vm.Stopped},
		{"saved", vm.Saved},
		{"paused", vm.Saved},
		{"starting", vm.Starting},
		{"restoring", vm.Starting},
		{"stopping", vm.Stopping},
		{"gurumeditation", vm.Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.vmState, func(t *testing.T) {
			info := strings.Replace(showVMInfoStopped, `VMState="poweroff"`, `VMState="`+tt.vmState+`"`, 1)
			b, _ := newTestBackend(info)

			state, err := b.Probe(context.Background(), engineName)
			require.NoError(t, err)
			assert.Equal(t, tt.want, state)
		})
	}
}

func TestBackend_ProbeErrors(t *testing.T) {
	b, runner := newTestBackend(showVMInfoStopped)
	runner.fail(notRegistered("missing"), "showvminfo", "missing", "--machinereadable")

	state, err := b.Probe(context.Background(), "missing")
	assert.Equal(t, vm.Unknown, state)
	assert.ErrorIs(t, err, errdefs.ErrOperationFailed)
}

func TestBackend_StartStop(t *testing.T) {
	ctx := context.Background()
	b, runner := newTestBackend(showVMInfoStopped)

	require.NoError(t, b.Start(ctx, engineName, true))
	require.NoError(t, b.Start(ctx, engineName, false))
	require.NoError(t, b.Stop(ctx, engineName))

	assert.Equal(t, []string{
		"startvm " + engineName + " --type headless",
		"startvm " + engineName + " --type gui",
		"controlvm " + engineName + " acpipowerbutton",
	}, runner.mutations())
}

func TestBackend_Resources(t *testing.T) {
	ctx := context.Background()
	b, runner := newTestBackend(showVMInfoStopped)

	require.NoError(t, b.SetMemorySizeMB(ctx, engineName, 4096))
	require.NoError(t, b.SetCPUCount(ctx, engineName, 4))
	require.NoError(t, b.SetVideoMode(ctx, engineName, vm.VideoMode{Width: 1920, Height: 1080, Depth: 24}))
	require.NoError(t, b.SetStorageSizeMB(ctx, engineName, 40960))
	require.NoError(t, b.SetStorageSizeMB(ctx, engineName, 20480), "same size is a no-op")

	assert.Equal(t, []string{
		"modifyvm " + engineName + " --memory 4096",
		"modifyvm " + engineName + " --cpus 4",
		"setextradata " + engineName + " CustomVideoMode1 1920x1080x24",
		"modifymedium disk /home/dev/VMs/engine/engine.vdi --resize 40960",
	}, runner.mutations())

	err := b.SetStorageSizeMB(ctx, engineName, 10240)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestBackend_SetSharedPath(t *testing.T) {
	ctx := context.Background()
	b, runner := newTestBackend(showVMInfoStopped)

	require.NoError(t, b.SetSharedPath(ctx, engineName, vm.SharedHome, "/home/other"))
	require.NoError(t, b.SetSharedPath(ctx, engineName, vm.SharedSrc, "/home/dev/src"))

	assert.Equal(t, []string{
		"sharedfolder remove " + engineName + " --name home",
		"sharedfolder add " + engineName + " --name home --hostpath /home/other",
		"sharedfolder add " + engineName + " --name src --hostpath /home/dev/src",
	}, runner.mutations())
}

func TestBackend_PortForwarding(t *testing.T) {
	ctx := context.Background()

	t.Run("stopped VM uses modifyvm", func(t *testing.T) {
		b, runner := newTestBackend(showVMInfoStopped)
		rule := vm.PortForwarding{RuleName: "gdb", Protocol: "tcp", HostPort: 6666, GuestPort: 6666}

		require.NoError(t, b.AddPortForwarding(ctx, engineName, rule))
		require.NoError(t, b.RemovePortForwarding(ctx, engineName, "debugger"))

		assert.Equal(t, []string{
			"modifyvm " + engineName + " --natpf1 gdb,tcp,127.0.0.1,6666,,6666",
			"modifyvm " + engineName + " --natpf1 delete debugger",
		}, runner.mutations())
	})

	t.Run("running VM uses controlvm", func(t *testing.T) {
		b, runner := newTestBackend(running(showVMInfoStopped))
		rule := vm.PortForwarding{RuleName: "gdb", Protocol: "udp", HostPort: 6666, GuestPort: 7777}

		require.NoError(t, b.AddPortForwarding(ctx, engineName, rule))
		assert.Equal(t, []string{
			"controlvm " + engineName + " natpf1 gdb,udp,127.0.0.1,6666,,7777",
		}, runner.mutations())
	})

	t.Run("rejections", func(t *testing.T) {
		b, runner := newTestBackend(showVMInfoStopped)

		err := b.AddPortForwarding(ctx, engineName, vm.PortForwarding{RuleName: "guestssh", Protocol: "tcp", HostPort: 1, GuestPort: 1})
		assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

		err = b.AddPortForwarding(ctx, engineName, vm.PortForwarding{RuleName: "debugger", Protocol: "tcp", HostPort: 7000, GuestPort: 1})
		assert.ErrorIs(t, err, errdefs.ErrNameInUse)

		err = b.AddPortForwarding(ctx, engineName, vm.PortForwarding{RuleName: "other", Protocol: "tcp", HostPort: 2222, GuestPort: 1})
		assert.ErrorIs(t, err, errdefs.ErrNameInUse)

		err = b.RemovePortForwarding(ctx, engineName, "missing")
		assert.ErrorIs(t, err, errdefs.ErrNotFound)

		assert.Empty(t, runner.mutations())
	})
}

func TestBackend_SetReservedPortForwarding(t *testing.T) {
	ctx := context.Background()
	b, runner := newTestBackend(showVMInfoStopped)

	require.NoError(t, b.SetReservedPortForwarding(ctx, engineName, vm.SSHPort, 2223))
	require.NoError(t, b.SetReservedPortForwarding(ctx, engineName, vm.WWWPort, 8080), "unchanged port is a no-op")

	assert.Equal(t, []string{
		"modifyvm " + engineName + " --natpf1 delete guestssh",
		"modifyvm " + engineName + " --natpf1 guestssh,tcp,127.0.0.1,2223,,22",
	}, runner.mutations())

	err := b.SetReservedPortForwarding(ctx, engineName, vm.WWWPort, 5555)
	assert.ErrorIs(t, err, errdefs.ErrNameInUse)
	assert.Len(t, runner.mutations(), 2, "a conflict must not delete the existing rule")
}

func TestBackend_SetReservedPortListForwarding(t *testing.T) {
	ctx := context.Background()
	b, runner := newTestBackend(showVMInfoStopped)

	// 5555 is taken by the debugger rule and 10234 by the existing
	// qmllive_1, which is replaced.
	actual, err := b.SetReservedPortListForwarding(ctx, engineName, vm.QmlLivePorts, []uint16{10234, 5555, 5556})
	require.NoError(t, err)

	assert.Equal(t, map[string]uint16{
		"qmllive_1": 10234,
		"qmllive_2": 5556,
		"qmllive_3": 5557,
	}, actual)

	assert.Equal(t, []string{
		"modifyvm " + engineName + " --natpf1 delete qmllive_1",
		"modifyvm " + engineName + " --natpf1 qmllive_1,tcp,127.0.0.1,10234,,10234",
		"modifyvm " + engineName + " --natpf1 qmllive_2,tcp,127.0.0.1,5556,,5556",
		"modifyvm " + engineName + " --natpf1 qmllive_3,tcp,127.0.0.1,5557,,5557",
	}, runner.mutations())
}

func TestBackend_RestoreSnapshot(t *testing.T) {
	ctx := context.Background()
	b, runner := newTestBackend(showVMInfoStopped)

	require.NoError(t, b.RestoreSnapshot(ctx, engineName, "configured"))
	assert.ErrorIs(t, b.RestoreSnapshot(ctx, engineName, "missing"), errdefs.ErrNotFound)

	assert.Equal(t, []string{"snapshot " + engineName + " restore configured"}, runner.mutations())
}
