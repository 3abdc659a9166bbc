package sdk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jbweber/anvil/api/v1alpha1"
	"github.com/jbweber/anvil/internal/engine"
	"github.com/jbweber/anvil/internal/vm"
)

// Apply makes the engine described by be match its spec, creating and
// registering it first when no engine is bound to its VM. Zero spec fields
// leave the current value alone. Engine-local fields are set before any
// hypervisor change is queued; the hypervisor changes run in spec order and
// every failure is reported.
func (s *Sdk) Apply(ctx context.Context, be *v1alpha1.BuildEngine) (e *engine.BuildEngine, created bool, err error) {
	name := be.VirtualMachineName()

	e, ok := s.registry.BuildEngine(name)
	if !ok {
		e, err = s.CreateEngine(ctx, name)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create build engine %q: %w", name, err)
		}
		created = true
		e.SetAutodetected(be.Spec.Autodetected)
		e.SetHeadless(be.IsHeadless())
	} else if be.Spec.Headless != nil {
		e.SetHeadless(*be.Spec.Headless)
	}

	if err := applyLocal(e, be.Spec); err != nil {
		return e, created, err
	}

	var waits []func(context.Context) error
	info := e.VirtualMachine().Info()
	machine := e.VirtualMachine()
	spec := be.Spec

	if spec.MemoryMB != 0 && spec.MemoryMB != info.MemorySizeMB {
		waits = append(waits, wait(machine.SetMemorySizeMB(spec.MemoryMB).Wait))
	}
	if spec.CPUs != 0 && spec.CPUs != info.CPUCount {
		waits = append(waits, wait(machine.SetCPUCount(spec.CPUs).Wait))
	}
	if spec.StorageSizeMB != 0 && spec.StorageSizeMB != info.StorageSizeMB {
		waits = append(waits, wait(machine.SetStorageSizeMB(spec.StorageSizeMB).Wait))
	}
	if spec.VideoMode != "" {
		mode, err := vm.ParseVideoMode(spec.VideoMode)
		if err != nil {
			return e, created, err
		}
		if mode != info.VideoMode {
			waits = append(waits, wait(machine.SetVideoMode(mode).Wait))
		}
	}
	for _, p := range spec.SharedPaths.SharedPathList() {
		which, err := vm.ParseSharedPath(p[0])
		if err != nil {
			return e, created, err
		}
		if info.SharedPaths[which] != p[1] {
			waits = append(waits, wait(e.SetSharedPath(which, p[1]).Wait))
		}
	}
	if spec.SSH.Port != 0 && spec.SSH.Port != int(info.SSHPort) {
		waits = append(waits, wait(e.SetSSHPort(spec.SSH.Port).Wait))
	}
	if spec.WWWPort != 0 && spec.WWWPort != int(info.WWWPort) {
		waits = append(waits, wait(e.SetWWWPort(spec.WWWPort).Wait))
	}
	if len(spec.QmlLivePorts) > 0 && !slices.Equal(sortedCopy(spec.QmlLivePorts), qmlLivePorts(info)) {
		waits = append(waits, wait(machine.SetReservedPortListForwarding(vm.QmlLivePorts, spec.QmlLivePorts).Wait))
	}

	var errs []error
	for _, w := range waits {
		if err := w(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return e, created, errors.Join(errs...)
	}

	s.log.Info("build engine applied", "engine", e.Name(), "created", created, "changes", len(waits))
	return e, created, nil
}

// applyLocal sets the fields that are not stored in the hypervisor.
func applyLocal(e *engine.BuildEngine, spec v1alpha1.BuildEngineSpec) error {
	ssh := e.SSHParameters()
	changed := false
	if spec.SSH.Host != "" {
		ssh.Host, changed = spec.SSH.Host, true
	}
	if spec.SSH.User != "" {
		ssh.User, changed = spec.SSH.User, true
	}
	if spec.SSH.PrivateKeyFile != "" {
		ssh.PrivateKeyFile, changed = spec.SSH.PrivateKeyFile, true
	}
	if spec.SSH.TimeoutSeconds != 0 {
		ssh.Timeout, changed = time.Duration(spec.SSH.TimeoutSeconds)*time.Second, true
	}
	if changed {
		if err := e.SetSSHParameters(ssh); err != nil {
			return err
		}
	}

	if spec.WWWProxy != nil {
		return e.SetWWWProxy(engine.WWWProxy{
			Type:     spec.WWWProxy.Type,
			Servers:  spec.WWWProxy.Servers,
			Excludes: spec.WWWProxy.Excludes,
		})
	}
	return nil
}

func wait[T any](fn func(context.Context) (T, error)) func(context.Context) error {
	return func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	}
}

func sortedCopy(ports []int) []int {
	out := slices.Clone(ports)
	slices.Sort(out)
	return out
}
