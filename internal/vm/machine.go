package vm

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/queue"
)

// DefaultProbeTimeout bounds Probe when no timeout is configured.
const DefaultProbeTimeout = 10 * time.Second

// Done is the value type of futures that carry no result.
type Done = struct{}

// Options configures a VirtualMachine handle.
type Options struct {
	// ProbeTimeout bounds Probe. Zero means DefaultProbeTimeout.
	ProbeTimeout time.Duration

	Logger logr.Logger
}

// VirtualMachine is a handle to one hypervisor VM. Every operation is
// serialized through the command queue and completes through a Future. The
// queue target is fixed when the handle is created, so operations queued
// before and after a rename share one lane.
//
// The handle caches the Info last reported by the backend. The cache is
// updated only after an operation succeeds. Runtime state is never cached;
// use Probe.
type VirtualMachine struct {
	backend      Backend
	queue        *queue.Queue
	target       string
	probeTimeout time.Duration
	baseLog      logr.Logger

	mu       sync.RWMutex
	log      logr.Logger
	name     string
	headless bool
	info     Info
}

// New creates a handle for the VM registered as name.
func New(name string, backend Backend, q *queue.Queue, opts Options) *VirtualMachine {
	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	return &VirtualMachine{
		backend:      backend,
		queue:        q,
		target:       "vm/" + uuid.NewString(),
		probeTimeout: timeout,
		baseLog:      log,
		log:          log.WithValues("vm", name),
		name:         name,
	}
}

// Target returns the command queue target of the handle's operations.
func (v *VirtualMachine) Target() string {
	return v.target
}

// Name returns the VM's hypervisor name.
func (v *VirtualMachine) Name() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.name
}

// SetName changes the name the handle addresses. The caller is responsible
// for keeping the registry's name set in step; see engine.Registry.
func (v *VirtualMachine) SetName(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.name = name
	v.log = v.baseLog.WithValues("vm", name)
}

// Headless reports whether Start boots without a display.
func (v *VirtualMachine) Headless() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.headless
}

// SetHeadless changes the display mode used by the next Start.
func (v *VirtualMachine) SetHeadless(headless bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.headless = headless
}

// Info returns a copy of the cached configuration.
func (v *VirtualMachine) Info() Info {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.info.Clone()
}

// SetInfo replaces the cached configuration without touching the backend.
// Used when restoring handles from persisted settings.
func (v *VirtualMachine) SetInfo(info Info) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.info = info.Clone()
}

func (v *VirtualMachine) update(fn func(info *Info)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.info)
}

func (v *VirtualMachine) logger() logr.Logger {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.log
}

// fail enqueues an operation that returns err, so validation failures are
// delivered in order and never from inside the caller.
func fail[T any](v *VirtualMachine, op string, err error) *queue.Future[T] {
	return queue.Submit(v.queue, v.target, op, func(ctx context.Context) (T, error) {
		var zero T
		return zero, err
	})
}

func (v *VirtualMachine) submit(op string, fn func(ctx context.Context, name string) error) *queue.Future[Done] {
	name := v.Name()
	return queue.Submit(v.queue, v.target, op, func(ctx context.Context) (Done, error) {
		if err := fn(ctx, name); err != nil {
			return Done{}, fmt.Errorf("failed to %s %q: %w", op, name, err)
		}
		return Done{}, nil
	})
}

// Start boots the VM using the current headless flag.
func (v *VirtualMachine) Start() *queue.Future[Done] {
	headless := v.Headless()
	return v.submit("start", func(ctx context.Context, name string) error {
		v.logger().Info("starting virtual machine", "headless", headless)
		return v.backend.Start(ctx, name, headless)
	})
}

// Stop requests a graceful shutdown.
func (v *VirtualMachine) Stop() *queue.Future[Done] {
	return v.submit("stop", func(ctx context.Context, name string) error {
		v.logger().Info("stopping virtual machine")
		return v.backend.Stop(ctx, name)
	})
}

// Probe asks the backend for the VM's state. The query is bounded by the
// probe timeout; on expiry the result is Unknown with ErrOperationTimedOut.
func (v *VirtualMachine) Probe() *queue.Future[State] {
	name := v.Name()
	timeout := v.probeTimeout
	return queue.Submit(v.queue, v.target, "probe", func(ctx context.Context) (State, error) {
		return probeBounded(ctx, v.backend, name, timeout)
	})
}

func probeBounded(ctx context.Context, backend Backend, name string, timeout time.Duration) (State, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		state State
		err   error
	}
	resultCh := make(chan result, 1)

	// Backends that ignore ctx must not hold the lane past the timeout.
	go func() {
		state, err := backend.Probe(ctx, name)
		resultCh <- result{state: state, err: err}
	}()

	select {
	case <-ctx.Done():
		return Unknown, fmt.Errorf("%w: probing %q exceeded %s", errdefs.ErrOperationTimedOut, name, timeout)
	case res := <-resultCh:
		if res.err != nil {
			return Unknown, fmt.Errorf("failed to probe %q: %w", name, res.err)
		}
		return res.state, nil
	}
}

// Refresh re-reads the VM configuration into the cache.
func (v *VirtualMachine) Refresh() *queue.Future[Info] {
	name := v.Name()
	return queue.Submit(v.queue, v.target, "refresh", func(ctx context.Context) (Info, error) {
		info, err := v.backend.FetchInfo(ctx, name)
		if err != nil {
			return Info{}, fmt.Errorf("failed to fetch info for %q: %w", name, err)
		}
		v.SetInfo(info)
		return info.Clone(), nil
	})
}

// SetMemorySizeMB changes the VM memory.
func (v *VirtualMachine) SetMemorySizeMB(mb int) *queue.Future[Done] {
	if err := ValidateMemorySizeMB(mb); err != nil {
		return fail[Done](v, "set memory", err)
	}
	return v.submit("set memory", func(ctx context.Context, name string) error {
		if err := v.backend.SetMemorySizeMB(ctx, name, mb); err != nil {
			return err
		}
		v.update(func(info *Info) { info.MemorySizeMB = mb })
		return nil
	})
}

// SetCPUCount changes the number of virtual CPUs.
func (v *VirtualMachine) SetCPUCount(n int) *queue.Future[Done] {
	if err := ValidateCPUCount(n); err != nil {
		return fail[Done](v, "set cpu count", err)
	}
	return v.submit("set cpu count", func(ctx context.Context, name string) error {
		if err := v.backend.SetCPUCount(ctx, name, n); err != nil {
			return err
		}
		v.update(func(info *Info) { info.CPUCount = n })
		return nil
	})
}

// SetStorageSizeMB grows the VM's primary disk.
func (v *VirtualMachine) SetStorageSizeMB(mb int) *queue.Future[Done] {
	if err := ValidateStorageSizeMB(mb); err != nil {
		return fail[Done](v, "set storage size", err)
	}
	return v.submit("set storage size", func(ctx context.Context, name string) error {
		if err := v.backend.SetStorageSizeMB(ctx, name, mb); err != nil {
			return err
		}
		v.update(func(info *Info) { info.StorageSizeMB = mb })
		return nil
	})
}

// SetVideoMode changes the guest display resolution.
func (v *VirtualMachine) SetVideoMode(mode VideoMode) *queue.Future[Done] {
	if err := ValidateVideoMode(mode); err != nil {
		return fail[Done](v, "set video mode", err)
	}
	return v.submit("set video mode", func(ctx context.Context, name string) error {
		if err := v.backend.SetVideoMode(ctx, name, mode); err != nil {
			return err
		}
		v.update(func(info *Info) { info.VideoMode = mode })
		return nil
	})
}

// SetSharedPath points one of the shared folders at path.
func (v *VirtualMachine) SetSharedPath(which SharedPath, path string) *queue.Future[Done] {
	if path == "" {
		return fail[Done](v, "set shared path",
			fmt.Errorf("%w: shared %s path is empty", errdefs.ErrInvalidArgument, which))
	}
	return v.submit("set shared path", func(ctx context.Context, name string) error {
		if err := v.backend.SetSharedPath(ctx, name, which, path); err != nil {
			return err
		}
		v.update(func(info *Info) {
			if info.SharedPaths == nil {
				info.SharedPaths = make(map[SharedPath]string)
			}
			info.SharedPaths[which] = path
		})
		return nil
	})
}

// AddPortForwarding adds a free-form NAT rule.
func (v *VirtualMachine) AddPortForwarding(rule PortForwarding) *queue.Future[Done] {
	if err := ValidatePortForwarding(rule); err != nil {
		return fail[Done](v, "add port forwarding", err)
	}
	return v.submit("add port forwarding", func(ctx context.Context, name string) error {
		if err := v.backend.AddPortForwarding(ctx, name, rule); err != nil {
			return err
		}
		v.update(func(info *Info) {
			info.OtherPortForwardings = append(info.OtherPortForwardings, rule)
		})
		return nil
	})
}

// RemovePortForwarding removes a free-form NAT rule by name.
func (v *VirtualMachine) RemovePortForwarding(ruleName string) *queue.Future[Done] {
	if ruleName == "" {
		return fail[Done](v, "remove port forwarding",
			fmt.Errorf("%w: port forwarding rule name is required", errdefs.ErrInvalidArgument))
	}
	return v.submit("remove port forwarding", func(ctx context.Context, name string) error {
		if err := v.backend.RemovePortForwarding(ctx, name, ruleName); err != nil {
			return err
		}
		v.update(func(info *Info) {
			kept := info.OtherPortForwardings[:0]
			for _, r := range info.OtherPortForwardings {
				if r.RuleName != ruleName {
					kept = append(kept, r)
				}
			}
			info.OtherPortForwardings = kept
		})
		return nil
	})
}

// SetReservedPortForwarding sets the host port for the SSH or WWW rule.
func (v *VirtualMachine) SetReservedPortForwarding(which ReservedPort, port int) *queue.Future[Done] {
	p, err := ValidatePort(port)
	if err != nil {
		return fail[Done](v, "set reserved port", err)
	}
	return v.submit("set reserved port", func(ctx context.Context, name string) error {
		if err := v.backend.SetReservedPortForwarding(ctx, name, which, p); err != nil {
			return err
		}
		v.update(func(info *Info) {
			switch which {
			case SSHPort:
				info.SSHPort = p
			case WWWPort:
				info.WWWPort = p
			}
		})
		return nil
	})
}

// SetReservedPortListForwarding replaces a reserved port family. The future
// yields the ports actually configured, which may differ from the request
// when host ports conflict.
func (v *VirtualMachine) SetReservedPortListForwarding(which ReservedPortList, ports []int) *queue.Future[map[string]uint16] {
	if which == QmlLivePorts && len(ports) > MaxQmlLivePorts {
		return fail[map[string]uint16](v, "set reserved port list",
			fmt.Errorf("%w: at most %d QmlLive ports, got %d", errdefs.ErrInvalidArgument, MaxQmlLivePorts, len(ports)))
	}
	validated, err := ValidatePorts(ports)
	if err != nil {
		return fail[map[string]uint16](v, "set reserved port list", err)
	}

	name := v.Name()
	return queue.Submit(v.queue, v.target, "set reserved port list", func(ctx context.Context) (map[string]uint16, error) {
		actual, err := v.backend.SetReservedPortListForwarding(ctx, name, which, validated)
		if err != nil {
			// The backend may have replaced some rules before failing.
			if info, ferr := v.backend.FetchInfo(ctx, name); ferr != nil {
				v.logger().Error(ferr, "failed to refresh after port list change", "ports", which)
			} else {
				v.SetInfo(info)
			}
			return nil, fmt.Errorf("failed to set %s ports on %q: %w", which, name, err)
		}
		v.update(func(info *Info) { info.QmlLivePorts = maps.Clone(actual) })
		return actual, nil
	})
}

// RestoreSnapshot reverts the VM to a named snapshot and refreshes the cache.
func (v *VirtualMachine) RestoreSnapshot(snapshot string) *queue.Future[Done] {
	if snapshot == "" {
		return fail[Done](v, "restore snapshot",
			fmt.Errorf("%w: snapshot name is required", errdefs.ErrInvalidArgument))
	}
	return v.submit("restore snapshot", func(ctx context.Context, name string) error {
		if err := v.backend.RestoreSnapshot(ctx, name, snapshot); err != nil {
			return err
		}
		info, err := v.backend.FetchInfo(ctx, name)
		if err != nil {
			v.logger().Error(err, "failed to refresh after snapshot restore", "snapshot", snapshot)
			return nil
		}
		v.SetInfo(info)
		return nil
	})
}
