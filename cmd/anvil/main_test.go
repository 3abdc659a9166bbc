package main

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/vm"
)

func TestParseForwarding(t *testing.T) {
	tests := []struct {
		name    string
		spec    string
		want    vm.PortForwarding
		wantErr bool
	}{
		{
			name: "tcp default",
			spec: "2345:2345",
			want: vm.PortForwarding{RuleName: "debug", Protocol: "tcp", HostPort: 2345, GuestPort: 2345},
		},
		{
			name: "udp",
			spec: "5353:53/UDP",
			want: vm.PortForwarding{RuleName: "debug", Protocol: "udp", HostPort: 5353, GuestPort: 53},
		},
		{name: "missing guest", spec: "2345", wantErr: true},
		{name: "not a number", spec: "abc:22", wantErr: true},
		{name: "out of range", spec: "70000:22", wantErr: true},
		{name: "bad protocol", spec: "1:2/sctp", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseForwarding("debug", tt.spec)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseForwarding_InvalidArgument(t *testing.T) {
	_, err := parseForwarding("debug", "0:22")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)
}

func TestParsePortList(t *testing.T) {
	ports, err := parsePortList("10234, 10235,,10236")
	require.NoError(t, err)
	assert.Equal(t, []int{10234, 10235, 10236}, ports)

	_, err = parsePortList(" , ")
	assert.Error(t, err)

	_, err = parsePortList("10234,x")
	assert.Error(t, err)
}

func parseSetFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flags := pflag.NewFlagSet("set", pflag.ContinueOnError)
	addSetFlags(flags)
	require.NoError(t, flags.Parse(args))
	return flags
}

func TestResourceFromFlags(t *testing.T) {
	flags := parseSetFlags(t,
		"--memory", "4096",
		"--cpus", "4",
		"--video-mode", " 1920X1080 ",
		"--shared", "src=/home/dev/src",
		"--shared", "SSH=/home/dev/.ssh",
		"--ssh-port", "2222",
		"--proxy", "Manual",
		"--proxy-servers", "proxy.example.com:3128",
		"--qmllive-ports", "10234,10235",
		"--headless=false",
	)

	be, err := resourceFromFlags("Sailfish OS Build Engine", flags)
	require.NoError(t, err)

	assert.Equal(t, "Sailfish OS Build Engine", be.Name)
	assert.Equal(t, 4096, be.Spec.MemoryMB)
	assert.Equal(t, 4, be.Spec.CPUs)
	assert.Zero(t, be.Spec.StorageSizeMB)
	assert.Equal(t, "1920x1080", be.Spec.VideoMode)
	assert.Equal(t, "/home/dev/src", be.Spec.SharedPaths.Src)
	assert.Equal(t, "/home/dev/.ssh", be.Spec.SharedPaths.SSH)
	assert.Empty(t, be.Spec.SharedPaths.Home)
	assert.Equal(t, 2222, be.Spec.SSH.Port)
	require.NotNil(t, be.Spec.WWWProxy)
	assert.Equal(t, "manual", be.Spec.WWWProxy.Type)
	assert.Equal(t, "proxy.example.com:3128", be.Spec.WWWProxy.Servers)
	assert.Equal(t, []int{10234, 10235}, be.Spec.QmlLivePorts)
	require.NotNil(t, be.Spec.Headless)
	assert.False(t, *be.Spec.Headless)
}

func TestResourceFromFlags_UnsetFlagsStayZero(t *testing.T) {
	be, err := resourceFromFlags("engine", parseSetFlags(t, "--ssh-user", "root"))
	require.NoError(t, err)

	assert.Equal(t, "root", be.Spec.SSH.User)
	assert.Nil(t, be.Spec.Headless)
	assert.Nil(t, be.Spec.WWWProxy)
	assert.Zero(t, be.Spec.MemoryMB)
}

func TestResourceFromFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "nothing to change", args: nil},
		{name: "zero memory", args: []string{"--memory", "0"}},
		{name: "shared without path", args: []string{"--shared", "src"}},
		{name: "unknown shared role", args: []string{"--shared", "data=/tmp"}},
		{name: "servers without proxy type", args: []string{"--proxy-servers", "proxy:3128"}},
		{name: "empty qmllive list", args: []string{"--qmllive-ports", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resourceFromFlags("engine", parseSetFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestExitCodeError(t *testing.T) {
	err := &exitCodeError{code: 3}
	assert.Equal(t, "exit status 3", err.Error())
}
