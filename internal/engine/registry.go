package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/queue"
	"github.com/jbweber/anvil/internal/vm"
)


// CreateCallback receives the result of CreateBuildEngine.
type CreateCallback func(engine *BuildEngine, err error)

// UnusedCallback receives the result of UnusedVirtualMachines.
type UnusedCallback func(names []string, err error)

// Options configures a Registry.
type Options struct {
	// InstallDir is the SDK installation directory the engines belong to.
	InstallDir string

	// ProbeTimeout is passed to every VM handle the registry creates.
	ProbeTimeout time.Duration

	Logger logr.Logger
}

// Registry owns the configured build engines and the set of VM names they
// are bound to. All mutations happen under one mutex; readers get
// consistent snapshots.
type Registry struct {
	backend vm.Backend
	queue   *queue.Queue
	opts    Options
	log     logr.Logger

	mu         sync.Mutex
	installDir string
	engines    []*BuildEngine
	names      *vm.NameSet
	pending    map[string]bool
	subs       map[int]func(Event)
	nextSub    int
}

// NewRegistry creates an empty registry whose engines use backend through q.
func NewRegistry(backend vm.Backend, q *queue.Queue, opts Options) *Registry {
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Registry{
		backend:    backend,
		queue:      q,
		opts:       opts,
		log:        log.WithName("registry"),
		installDir: opts.InstallDir,
		names:      vm.NewNameSet(),
		pending:    make(map[string]bool),
		subs:       make(map[int]func(Event)),
	}
}

// InstallDir returns the SDK installation directory.
func (r *Registry) InstallDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installDir
}

// SetInstallDir changes the SDK installation directory.
func (r *Registry) SetInstallDir(dir string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installDir = dir
}

// UsedCount returns how many live engines are bound to vmName.
func (r *Registry) UsedCount(vmName string) int {
	return r.names.Count(vmName)
}

func (r *Registry) newMachine(name string) *vm.VirtualMachine {
	return vm.New(name, r.backend, r.queue, vm.Options{
		ProbeTimeout: r.opts.ProbeTimeout,
		Logger:       r.log,
	})
}

// CreateBuildEngine binds a new engine to vmName. The result is delivered
// to done from the command queue, never from inside this call.
//
// It fails with ErrNameInUse when a live engine or another in-flight create
// holds vmName, and with ErrNotFound when the hypervisor does not list it.
// The returned engine holds vmName but is not part of the registry until it
// is passed to AddBuildEngine.
func (r *Registry) CreateBuildEngine(vmName string, done CreateCallback) {
	if done == nil {
		done = func(*BuildEngine, error) {}
	}

	r.mu.Lock()
	var rejected error
	switch {
	case vmName == "":
		rejected = fmt.Errorf("%w: virtual machine name is required", errdefs.ErrInvalidArgument)
	case r.names.Contains(vmName) || r.pending[vmName]:
		rejected = fmt.Errorf("%w: virtual machine %q is already used by a build engine", errdefs.ErrNameInUse, vmName)
	default:
		r.pending[vmName] = true
	}
	r.mu.Unlock()

	if rejected != nil {
		r.queue.Enqueue(vmName, "create build engine",
			func(ctx context.Context) (any, error) { return nil, rejected },
			func(res queue.Result) { done(nil, res.Err) })
		return
	}

	r.queue.Enqueue(vmName, "create build engine",
		func(ctx context.Context) (any, error) {
			registered, err := r.backend.RegisteredVirtualMachines(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to list virtual machines: %w", err)
			}
			if !slices.Contains(registered, vmName) {
				return nil, fmt.Errorf("%w: virtual machine %q is not registered with the hypervisor", errdefs.ErrNotFound, vmName)
			}
			info, err := r.backend.FetchInfo(ctx, vmName)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch info for %q: %w", vmName, err)
			}
			return info, nil
		},
		func(res queue.Result) {
			engine, err := r.commitCreate(vmName, res)
			if err != nil {
				r.log.V(1).Info("create build engine failed", "vm", vmName, "error", err.Error())
			}
			done(engine, err)
		})
}

func (r *Registry) commitCreate(vmName string, res queue.Result) (*BuildEngine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, vmName)
	if res.Err != nil {
		return nil, res.Err
	}
	// A rename or load may have claimed the name while the query ran.
	if r.names.Contains(vmName) {
		return nil, fmt.Errorf("%w: virtual machine %q is already used by a build engine", errdefs.ErrNameInUse, vmName)
	}

	machine := r.newMachine(vmName)
	if info, ok := res.Value.(vm.Info); ok {
		machine.SetInfo(info)
	}
	r.names.Acquire(vmName)
	return newBuildEngine(r, machine), nil
}

// AddBuildEngine makes a created engine part of the registry and returns its
// ID. It is rejected synchronously if the engine belongs to another
// registry, was discarded, or its name is already registered.
func (r *Registry) AddBuildEngine(engine *BuildEngine) (uuid.UUID, error) {
	if engine == nil {
		return uuid.Nil, fmt.Errorf("%w: build engine is nil", errdefs.ErrInvalidArgument)
	}

	r.mu.Lock()
	id, err := r.addLocked(engine)
	r.mu.Unlock()
	if err != nil {
		return uuid.Nil, err
	}

	name := engine.Name()
	r.log.Info("build engine added", "engine", name, "id", id)
	r.emit(Event{Kind: Added, ID: id, Name: name})
	return id, nil
}

func (r *Registry) addLocked(engine *BuildEngine) (uuid.UUID, error) {
	if engine.registry != r {
		return uuid.Nil, fmt.Errorf("%w: build engine %q belongs to another registry", errdefs.ErrInvalidArgument, engine.Name())
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()

	name := engine.vm.Name()
	if engine.id != uuid.Nil || r.findLocked(name) >= 0 {
		return uuid.Nil, fmt.Errorf("%w: build engine %q is already registered", errdefs.ErrNameInUse, name)
	}
	if !engine.bound {
		return uuid.Nil, fmt.Errorf("%w: build engine %q was discarded", errdefs.ErrInvalidArgument, name)
	}

	engine.id = uuid.New()
	r.engines = append(r.engines, engine)
	return engine.id, nil
}

// RemoveBuildEngine removes the named engine and releases its VM name.
// Subscribers get AboutToRemove while the engine is still registered and
// Removed afterwards.
func (r *Registry) RemoveBuildEngine(name string) error {
	engine, ok := r.BuildEngine(name)
	if !ok {
		return fmt.Errorf("%w: build engine %q", errdefs.ErrNotFound, name)
	}
	id := engine.ID()

	r.emit(Event{Kind: AboutToRemove, ID: id, Name: name})

	r.mu.Lock()
	i := slices.Index(r.engines, engine)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: build engine %q was removed concurrently", errdefs.ErrNotFound, name)
	}
	r.engines = slices.Delete(r.engines, i, i+1)
	vmName := engine.Name()
	engine.mu.Lock()
	engine.bound = false
	engine.mu.Unlock()
	err := r.names.Release(vmName)
	r.mu.Unlock()

	if err != nil {
		r.log.Error(err, "used-name set out of step with registry", "engine", name)
	}
	r.log.Info("build engine removed", "engine", name, "id", id)
	r.emit(Event{Kind: Removed, ID: id, Name: name})
	return nil
}

// BuildEngines returns the registered engines in insertion order.
func (r *Registry) BuildEngines() []*BuildEngine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.engines)
}

// BuildEngine returns the registered engine with the given name.
func (r *Registry) BuildEngine(name string) (*BuildEngine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.findLocked(name)
	if i < 0 {
		return nil, false
	}
	return r.engines[i], true
}

func (r *Registry) findLocked(name string) int {
	return slices.IndexFunc(r.engines, func(e *BuildEngine) bool {
		return e.Name() == name
	})
}

// UnusedVirtualMachines lists the VMs registered with the hypervisor that no
// live engine is bound to. The used-name set is sampled when the query
// completes, so an in-flight create does not hide its VM.
func (r *Registry) UnusedVirtualMachines(done UnusedCallback) {
	if done == nil {
		return
	}
	r.queue.Enqueue(queue.HypervisorTarget, "list unused virtual machines",
		func(ctx context.Context) (any, error) {
			names, err := r.backend.RegisteredVirtualMachines(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to list virtual machines: %w", err)
			}
			return names, nil
		},
		func(res queue.Result) {
			if res.Err != nil {
				done(nil, res.Err)
				return
			}
			registered, _ := res.Value.([]string)

			r.mu.Lock()
			unused := make([]string, 0, len(registered))
			for _, name := range registered {
				if !r.names.Contains(name) {
					unused = append(unused, name)
				}
			}
			r.mu.Unlock()

			slices.Sort(unused)
			done(slices.Compact(unused), nil)
		})
}

// RenameVirtualMachine rebinds an engine to a VM that was renamed in the
// hypervisor. The used-name set moves the reference in one step. Renaming to
// the current name is a no-op.
func (r *Registry) RenameVirtualMachine(engineName, newVMName string) error {
	if newVMName == "" {
		return fmt.Errorf("%w: virtual machine name is required", errdefs.ErrInvalidArgument)
	}
	if engineName == newVMName {
		return nil
	}

	r.mu.Lock()
	i := r.findLocked(engineName)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: build engine %q", errdefs.ErrNotFound, engineName)
	}
	if r.pending[newVMName] {
		r.mu.Unlock()
		return fmt.Errorf("%w: virtual machine %q is being bound by another build engine", errdefs.ErrNameInUse, newVMName)
	}
	engine := r.engines[i]
	if err := r.names.Rename(engineName, newVMName); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to rename %q to %q: %w", engineName, newVMName, err)
	}
	engine.vm.SetName(newVMName)
	id := engine.ID()
	r.mu.Unlock()

	r.log.Info("build engine renamed", "from", engineName, "to", newVMName)
	r.emit(Event{Kind: Renamed, ID: id, Name: newVMName, OldName: engineName})
	return nil
}
