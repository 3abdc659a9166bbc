package vm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/vm"
)

func TestParseVideoMode(t *testing.T) {
	tests := []struct {
		in      string
		want    vm.VideoMode
		wantErr bool
	}{
		{in: "1280x800x32", want: vm.VideoMode{Width: 1280, Height: 800, Depth: 32}},
		{in: "1920X1080", want: vm.VideoMode{Width: 1920, Height: 1080, Depth: 32}},
		{in: " 800x600x16 ", want: vm.VideoMode{Width: 800, Height: 600, Depth: 16}},
		{in: "800", wantErr: true},
		{in: "axbxc", wantErr: true},
		{in: "0x600", wantErr: true},
		{in: "1x2x3x4", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := vm.ParseVideoMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidatePort(t *testing.T) {
	tests := []struct {
		port    int
		want    uint16
		wantErr bool
	}{
		{port: 1, want: 1},
		{port: 22, want: 22},
		{port: 65535, want: 65535},
		{port: 0, wantErr: true},
		{port: -5, wantErr: true},
		{port: 65536, wantErr: true},
	}

	for _, tt := range tests {
		got, err := vm.ValidatePort(tt.port)
		if tt.wantErr {
			assert.ErrorIs(t, err, errdefs.ErrInvalidArgument, "port %d", tt.port)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestValidateMemorySizeMB(t *testing.T) {
	assert.NoError(t, vm.ValidateMemorySizeMB(1))
	assert.ErrorIs(t, vm.ValidateMemorySizeMB(0), errdefs.ErrInvalidArgument)
	assert.ErrorIs(t, vm.ValidateMemorySizeMB(-2048), errdefs.ErrInvalidArgument)
}

func TestParseSharedPath(t *testing.T) {
	for _, p := range vm.SharedPaths {
		got, err := vm.ParseSharedPath(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := vm.ParseSharedPath("docs")
	assert.Error(t, err)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unknown", vm.State(0).String())
	assert.Equal(t, "running", vm.Running.String())
	assert.Equal(t, "saved", vm.Saved.String())
}

func TestInfoCloneIsDeep(t *testing.T) {
	orig := vm.Info{
		SharedPaths:  map[vm.SharedPath]string{vm.SharedHome: "/home"},
		QmlLivePorts: map[string]uint16{"qmllive_1": 10234},
		Snapshots:    []string{"a"},
	}
	c := orig.Clone()
	c.SharedPaths[vm.SharedHome] = "/elsewhere"
	c.QmlLivePorts["qmllive_1"] = 1
	c.Snapshots[0] = "b"

	assert.Equal(t, "/home", orig.SharedPaths[vm.SharedHome])
	assert.Equal(t, uint16(10234), orig.QmlLivePorts["qmllive_1"])
	assert.Equal(t, "a", orig.Snapshots[0])
}
