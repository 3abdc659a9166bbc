package engine

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/queue"
	"github.com/jbweber/anvil/internal/vm"
)

// Defaults for SSH access to a new engine.
const (
	DefaultSSHHost    = "localhost"
	DefaultSSHUser    = "mersdk"
	DefaultSSHTimeout = 30 * time.Second
)

// Proxy types accepted by SetWWWProxy.
const (
	ProxyDirect = "direct"
	ProxyAuto   = "auto"
	ProxyManual = "manual"
)

// SSHParameters describe how to reach the engine's build shell.
type SSHParameters struct {
	Host           string
	User           string
	PrivateKeyFile string
	Port           uint16
	Timeout        time.Duration
}

// WWWProxy is the HTTP proxy configuration pushed into the engine.
type WWWProxy struct {
	Type     string
	Servers  string
	Excludes string
}

// BuildTarget is a build target installed in the engine together with its
// cached toolchain dumps.
type BuildTarget struct {
	Name                string
	GccDumpMachine      string
	GccDumpMacros       string
	GccDumpIncludes     string
	QmakeQuery          string
	RpmValidationSuites string
}

// BuildEngine is one configured build engine. The engine's name is the
// name of its VM. Shared paths and reserved ports live in the VM's cached
// Info; everything else is engine-local.
type BuildEngine struct {
	registry *Registry
	vm       *vm.VirtualMachine

	mu           sync.RWMutex
	id           uuid.UUID
	bound        bool
	autodetected bool
	ssh          SSHParameters
	proxy        WWWProxy
	targets      []BuildTarget
}

func newBuildEngine(r *Registry, machine *vm.VirtualMachine) *BuildEngine {
	return &BuildEngine{
		registry: r,
		vm:       machine,
		bound:    true,
		ssh: SSHParameters{
			Host:    DefaultSSHHost,
			User:    DefaultSSHUser,
			Timeout: DefaultSSHTimeout,
		},
		proxy: WWWProxy{Type: ProxyDirect},
	}
}

// ID returns the ID assigned by AddBuildEngine, or uuid.Nil before that.
func (e *BuildEngine) ID() uuid.UUID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.id
}

// Name returns the engine name, which is its VM name.
func (e *BuildEngine) Name() string {
	return e.vm.Name()
}

// VirtualMachine returns the engine's VM handle.
func (e *BuildEngine) VirtualMachine() *vm.VirtualMachine {
	return e.vm
}

// Autodetected reports whether the engine was registered by an installer
// rather than by the user.
func (e *BuildEngine) Autodetected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.autodetected
}

// SetAutodetected sets the autodetected flag.
func (e *BuildEngine) SetAutodetected(autodetected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autodetected = autodetected
}

// SharedPath returns the host path shared as which, or "".
func (e *BuildEngine) SharedPath(which vm.SharedPath) string {
	return e.vm.Info().SharedPaths[which]
}

// SharedPaths returns a copy of every configured shared path.
func (e *BuildEngine) SharedPaths() map[vm.SharedPath]string {
	paths := e.vm.Info().SharedPaths
	if paths == nil {
		return map[vm.SharedPath]string{}
	}
	return maps.Clone(paths)
}

// SetSharedPath reconfigures a shared folder on the VM.
func (e *BuildEngine) SetSharedPath(which vm.SharedPath, path string) *queue.Future[vm.Done] {
	return e.vm.SetSharedPath(which, path)
}

// SSHParameters returns the SSH connection parameters. The port is the host
// side of the VM's SSH forwarding.
func (e *BuildEngine) SSHParameters() SSHParameters {
	e.mu.RLock()
	p := e.ssh
	e.mu.RUnlock()
	p.Port = e.vm.Info().SSHPort
	return p
}

// SetSSHParameters replaces the host, user, key and timeout. The port is
// ignored; use SetSSHPort. The timeout is persisted in whole seconds, so
// fractional values are rejected.
func (e *BuildEngine) SetSSHParameters(p SSHParameters) error {
	if p.Timeout < 0 {
		return fmt.Errorf("%w: SSH timeout must not be negative", errdefs.ErrInvalidArgument)
	}
	if p.Timeout%time.Second != 0 {
		return fmt.Errorf("%w: SSH timeout must be a whole number of seconds, got %s", errdefs.ErrInvalidArgument, p.Timeout)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p.Port = 0
	e.ssh = p
	return nil
}

// SetSSHPort moves the SSH forwarding to a new host port.
func (e *BuildEngine) SetSSHPort(port int) *queue.Future[vm.Done] {
	return e.vm.SetReservedPortForwarding(vm.SSHPort, port)
}

// WWWPort returns the host side of the VM's WWW forwarding.
func (e *BuildEngine) WWWPort() uint16 {
	return e.vm.Info().WWWPort
}

// SetWWWPort moves the WWW forwarding to a new host port.
func (e *BuildEngine) SetWWWPort(port int) *queue.Future[vm.Done] {
	return e.vm.SetReservedPortForwarding(vm.WWWPort, port)
}

// WWWProxy returns the proxy configuration.
func (e *BuildEngine) WWWProxy() WWWProxy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.proxy
}

// SetWWWProxy replaces the proxy configuration.
func (e *BuildEngine) SetWWWProxy(p WWWProxy) error {
	switch p.Type {
	case ProxyDirect, ProxyAuto:
	case ProxyManual:
		if p.Servers == "" {
			return fmt.Errorf("%w: a manual proxy needs at least one server", errdefs.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: unknown proxy type %q (valid: %s, %s, %s)",
			errdefs.ErrInvalidArgument, p.Type, ProxyDirect, ProxyAuto, ProxyManual)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proxy = p
	return nil
}

// Headless reports whether the VM starts without a display.
func (e *BuildEngine) Headless() bool {
	return e.vm.Headless()
}

// SetHeadless changes the display mode used by the next start.
func (e *BuildEngine) SetHeadless(headless bool) {
	e.vm.SetHeadless(headless)
}

// BuildTargets returns a copy of the engine's build targets.
func (e *BuildEngine) BuildTargets() []BuildTarget {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.targets)
}

// SetBuildTargets replaces the build targets. Names must be unique and
// non-empty.
func (e *BuildEngine) SetBuildTargets(targets []BuildTarget) error {
	seen := make(map[string]bool, len(targets))
	for _, t := range targets {
		if t.Name == "" {
			return fmt.Errorf("%w: build target name is required", errdefs.ErrInvalidArgument)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate build target %q", errdefs.ErrInvalidArgument, t.Name)
		}
		seen[t.Name] = true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.targets = slices.Clone(targets)
	return nil
}

// BuildTarget returns the named build target.
func (e *BuildEngine) BuildTarget(name string) (BuildTarget, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, t := range e.targets {
		if t.Name == name {
			return t, true
		}
	}
	return BuildTarget{}, false
}

// Discard releases the VM name held by an engine that was created but never
// added. Discarding an added engine fails; remove it from the registry
// instead. Discarding twice is a no-op.
func (e *BuildEngine) Discard() error {
	r := e.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.id != uuid.Nil {
		return fmt.Errorf("%w: build engine %q is registered; remove it instead", errdefs.ErrInvalidArgument, e.vm.Name())
	}
	if !e.bound {
		return nil
	}
	e.bound = false
	return r.names.Release(e.vm.Name())
}
