// Package sdk assembles an anvil instance from its configuration: the
// command queue, the hypervisor backend, the build engine registry and the
// settings store. Binaries build one Sdk and drive everything through it.
package sdk

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/engine"
	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/libvirt"
	"github.com/jbweber/anvil/internal/queue"
	"github.com/jbweber/anvil/internal/settings"
	"github.com/jbweber/anvil/internal/vbox"
	"github.com/jbweber/anvil/internal/vm"
)

// Options configures New.
type Options struct {
	Logger logr.Logger

	// Registerer receives the queue metrics. Nil means a private registry.
	Registerer prometheus.Registerer

	// Backend replaces the backend selected by the configuration.
	Backend vm.Backend
}

// Sdk owns one anvil instance.
type Sdk struct {
	cfg *config.Config
	log logr.Logger

	queue    *queue.Queue
	backend  vm.Backend
	libvirt  *libvirt.Client
	registry *engine.Registry
	store    *settings.Store
}

// New builds an Sdk from cfg. With the libvirt backend it connects to
// libvirtd; the connection is released by Close.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Sdk, error) {
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	log := opts.Logger
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Sdk{
		cfg:   cfg,
		log:   log.WithName("sdk"),
		store: settings.NewStore(cfg.Settings.SystemPath, cfg.Settings.UserPath),
	}

	s.queue = queue.New(queue.Options{
		Mode:             cfg.ParsedQueueMode(),
		OperationTimeout: cfg.OperationTimeout,
		Logger:           log,
		Metrics:          queue.NewMetrics(reg),
	})

	backend, err := s.newBackend(ctx, opts.Backend, log)
	if err != nil {
		s.queue.Close()
		return nil, err
	}
	s.backend = backend

	s.registry = engine.NewRegistry(backend, s.queue, engine.Options{
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       log,
	})

	s.log.V(1).Info("sdk ready", "backend", cfg.Backend, "queueMode", cfg.QueueMode)
	return s, nil
}

func (s *Sdk) newBackend(ctx context.Context, override vm.Backend, log logr.Logger) (vm.Backend, error) {
	if override != nil {
		return override, nil
	}

	switch s.cfg.Backend {
	case config.BackendVBox:
		runner := vbox.NewExecRunner(s.cfg.VBoxManage, log)
		return vbox.NewBackend(runner, vbox.Options{Logger: log}), nil
	case config.BackendLibvirt:
		client, err := libvirt.ConnectWithContext(ctx, s.cfg.Libvirt.Socket, s.cfg.ProbeTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to libvirt: %w", err)
		}
		s.libvirt = client
		return libvirt.NewBackend(client, libvirt.Options{
			StoragePool: s.cfg.Libvirt.StoragePool,
			Logger:      log,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", errdefs.ErrInvalidArgument, s.cfg.Backend)
	}
}

// Config returns the configuration the Sdk was built with.
func (s *Sdk) Config() *config.Config {
	return s.cfg
}

// Registry returns the build engine registry.
func (s *Sdk) Registry() *engine.Registry {
	return s.registry
}

// Queue returns the command queue.
func (s *Sdk) Queue() *queue.Queue {
	return s.queue
}

// Backend returns the hypervisor backend.
func (s *Sdk) Backend() vm.Backend {
	return s.backend
}

// Close waits for every queued operation to finish, stops the queue and
// releases the hypervisor connection.
func (s *Sdk) Close() error {
	s.queue.Wait()
	s.queue.Close()

	if s.libvirt != nil {
		if err := s.libvirt.Close(); err != nil {
			return fmt.Errorf("failed to close libvirt connection: %w", err)
		}
	}
	return nil
}

// LoadSettings reads the settings document and adds its engines to the
// registry. Entries that cannot be added are reported together; the rest
// are kept.
func (s *Sdk) LoadSettings() (settings.Scope, error) {
	doc, scope, err := s.store.Load()
	if err != nil {
		return settings.ScopeNone, err
	}
	if err := s.registry.Load(doc); err != nil {
		return scope, fmt.Errorf("failed to restore build engines: %w", err)
	}
	s.log.V(1).Info("settings loaded", "scope", scope.String(), "engines", len(doc.Engines))
	return scope, nil
}

// SaveSettings writes the registry to the user settings document.
func (s *Sdk) SaveSettings() error {
	doc := s.registry.Document()
	if err := s.store.Save(doc); err != nil {
		return err
	}
	s.log.V(1).Info("settings saved", "path", s.store.UserPath, "engines", len(doc.Engines))
	return nil
}

// BackendVersion checks that the hypervisor answers and returns its
// version string. The query runs on the command queue's hypervisor lane.
func (s *Sdk) BackendVersion(ctx context.Context) (string, error) {
	return queue.Submit(s.queue, queue.HypervisorTarget, "backend version", s.backendVersion).Wait(ctx)
}

func (s *Sdk) backendVersion(ctx context.Context) (string, error) {
	if s.libvirt != nil {
		if err := s.libvirt.Ping(); err != nil {
			return "", err
		}
		return s.libvirt.Version()
	}

	type versioner interface {
		Version(ctx context.Context) (string, error)
	}
	if v, ok := s.backend.(versioner); ok {
		return v.Version(ctx)
	}

	// Backends without a version query are checked by listing VMs.
	if _, err := s.backend.RegisteredVirtualMachines(ctx); err != nil {
		return "", err
	}
	return "unknown", nil
}

// Engine returns the registered engine with the given name.
func (s *Sdk) Engine(name string) (*engine.BuildEngine, error) {
	e, ok := s.registry.BuildEngine(name)
	if !ok {
		return nil, fmt.Errorf("%w: build engine %q", errdefs.ErrNotFound, name)
	}
	return e, nil
}

// CreateEngine binds a new engine to vmName and adds it to the registry.
func (s *Sdk) CreateEngine(ctx context.Context, vmName string) (*engine.BuildEngine, error) {
	type result struct {
		engine *engine.BuildEngine
		err    error
	}
	ch := make(chan result, 1)
	s.registry.CreateBuildEngine(vmName, func(e *engine.BuildEngine, err error) {
		ch <- result{e, err}
	})

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		// The engine still arrives later; release its name then.
		go func() {
			if late := <-ch; late.engine != nil {
				_ = late.engine.Discard()
			}
		}()
		return nil, errdefs.FromContext(ctx.Err())
	}
	if res.err != nil {
		return nil, res.err
	}

	if _, err := s.registry.AddBuildEngine(res.engine); err != nil {
		return nil, errors.Join(err, res.engine.Discard())
	}
	return res.engine, nil
}

// UnusedVirtualMachines lists the hypervisor VMs no engine is bound to.
func (s *Sdk) UnusedVirtualMachines(ctx context.Context) ([]string, error) {
	type result struct {
		names []string
		err   error
	}
	ch := make(chan result, 1)
	s.registry.UnusedVirtualMachines(func(names []string, err error) {
		ch <- result{names, err}
	})

	select {
	case res := <-ch:
		return res.names, res.err
	case <-ctx.Done():
		return nil, errdefs.FromContext(ctx.Err())
	}
}
