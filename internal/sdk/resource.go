package sdk

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/engine"
	"github.com/jbweber/anvil/internal/queue"
	"github.com/jbweber/anvil/internal/sshclient"
	"github.com/jbweber/anvil/internal/status"
	"github.com/jbweber/anvil/internal/vm"
)

// Resource converts an engine and its cached VM configuration to the
// resource view. Status carries no phase; see Describe.
func Resource(e *engine.BuildEngine) *v1alpha1.BuildEngine {
	info := e.VirtualMachine().Info()
	ssh := e.SSHParameters()
	proxy := e.WWWProxy()
	headless := e.Headless()

	be := v1alpha1.NewBuildEngine(e.Name())
	if id := e.ID(); id != uuid.Nil {
		be.UID = id.String()
	}

	be.Spec = v1alpha1.BuildEngineSpec{
		Autodetected:  e.Autodetected(),
		Headless:      &headless,
		MemoryMB:      info.MemorySizeMB,
		CPUs:          info.CPUCount,
		StorageSizeMB: info.StorageSizeMB,
		SharedPaths: v1alpha1.SharedPathsSpec{
			Home:   info.SharedPaths[vm.SharedHome],
			Target: info.SharedPaths[vm.SharedTarget],
			Config: info.SharedPaths[vm.SharedConfig],
			Src:    info.SharedPaths[vm.SharedSrc],
			SSH:    info.SharedPaths[vm.SharedSSH],
		},
		SSH: v1alpha1.SSHSpec{
			Host:           ssh.Host,
			User:           ssh.User,
			PrivateKeyFile: ssh.PrivateKeyFile,
			Port:           int(ssh.Port),
			TimeoutSeconds: int(ssh.Timeout / time.Second),
		},
		WWWPort: int(info.WWWPort),
	}
	if !info.VideoMode.IsZero() {
		be.Spec.VideoMode = info.VideoMode.String()
	}
	if proxy.Type != "" {
		be.Spec.WWWProxy = &v1alpha1.ProxySpec{Type: proxy.Type, Servers: proxy.Servers, Excludes: proxy.Excludes}
	}

	if len(info.QmlLivePorts) > 0 {
		be.Status.QmlLivePorts = make(map[string]int, len(info.QmlLivePorts))
		for rule, port := range info.QmlLivePorts {
			be.Status.QmlLivePorts[rule] = int(port)
		}
		be.Spec.QmlLivePorts = qmlLivePorts(info)
	}

	be.Status.StoragePath = info.StoragePath
	be.Status.Snapshots = slices.Clone(info.Snapshots)
	for _, pf := range info.OtherPortForwardings {
		be.Status.PortForwardings = append(be.Status.PortForwardings, v1alpha1.PortForwardingStatus{
			Name:      pf.RuleName,
			Protocol:  pf.Protocol,
			HostPort:  int(pf.HostPort),
			GuestPort: int(pf.GuestPort),
		})
	}
	for _, t := range e.BuildTargets() {
		be.Status.BuildTargets = append(be.Status.BuildTargets, t.Name)
	}
	return be
}

// Describe returns the resource view of e with its phase and Ready
// condition taken from a fresh probe. A failed probe is reported in the
// status, not as an error.
func (s *Sdk) Describe(ctx context.Context, e *engine.BuildEngine) *v1alpha1.BuildEngine {
	be := Resource(e)
	state, err := e.VirtualMachine().Probe().Wait(ctx)
	status.ApplyProbe(be, state, err)
	return be
}

// DescribeAll describes every registered engine. Probes are queued
// together and run concurrently across engines.
func (s *Sdk) DescribeAll(ctx context.Context) []*v1alpha1.BuildEngine {
	engines := s.registry.BuildEngines()
	probes := make([]*queue.Future[vm.State], len(engines))
	for i, e := range engines {
		probes[i] = e.VirtualMachine().Probe()
	}

	out := make([]*v1alpha1.BuildEngine, len(engines))
	for i, e := range engines {
		be := Resource(e)
		state, err := probes[i].Wait(ctx)
		status.ApplyProbe(be, state, err)
		out[i] = be
	}
	return out
}

// SSHClient returns a client for the engine's build shell.
func (s *Sdk) SSHClient(e *engine.BuildEngine) (*sshclient.Client, error) {
	p := e.SSHParameters()
	return sshclient.NewClient(sshclient.Options{
		Host:           p.Host,
		Port:           p.Port,
		User:           p.User,
		PrivateKeyFile: p.PrivateKeyFile,
		Timeout:        p.Timeout,
		Logger:         s.log,
	})
}

// CheckSSH connects to the engine and records the SSHReachable condition
// on be.
func (s *Sdk) CheckSSH(ctx context.Context, e *engine.BuildEngine, be *v1alpha1.BuildEngine) error {
	client, err := s.SSHClient(e)
	if err == nil {
		err = client.Check(ctx)
	}
	status.MarkSSHReachable(be, err)
	return err
}

func qmlLivePorts(info vm.Info) []int {
	var ports []int
	for p := range maps.Values(info.QmlLivePorts) {
		ports = append(ports, int(p))
	}
	slices.Sort(ports)
	return ports
}
