package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/jbweber/anvil/internal/errdefs"
	"github.com/jbweber/anvil/internal/settings"
	"github.com/jbweber/anvil/internal/vm"
)

// Load adds an engine for every entry of doc and takes over its install
// directory. Entries whose VM name is already bound are skipped and
// reported; the others are added. Load does not contact the hypervisor.
func (r *Registry) Load(doc *settings.Document) error {
	if doc.InstallDir != "" {
		r.SetInstallDir(doc.InstallDir)
	}

	var errs []error
	for _, entry := range doc.Engines {
		engine, err := r.restore(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := r.AddBuildEngine(engine); err != nil {
			_ = engine.Discard()
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// restore binds a handle for a persisted entry without querying the backend.
func (r *Registry) restore(entry settings.Engine) (*BuildEngine, error) {
	name := entry.VirtualMachineName
	if name == "" {
		return nil, fmt.Errorf("%w: persisted build engine has no virtual machine name", errdefs.ErrInvalidArgument)
	}

	r.mu.Lock()
	if r.names.Contains(name) || r.pending[name] {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: virtual machine %q is already used by a build engine", errdefs.ErrNameInUse, name)
	}
	r.names.Acquire(name)
	r.mu.Unlock()

	machine := r.newMachine(name)
	machine.SetHeadless(entry.Headless)
	machine.SetInfo(infoFromEntry(entry))

	engine := newBuildEngine(r, machine)
	engine.autodetected = entry.Autodetected
	engine.ssh = SSHParameters{
		Host:           entry.Host,
		User:           entry.UserName,
		PrivateKeyFile: entry.PrivateKeyFile,
		Timeout:        time.Duration(entry.SSHTimeout) * time.Second,
	}
	engine.proxy = WWWProxy{
		Type:     entry.WWWProxyType,
		Servers:  entry.WWWProxyServers,
		Excludes: entry.WWWProxyExcludes,
	}
	if engine.proxy.Type == "" {
		engine.proxy.Type = ProxyDirect
	}
	for _, t := range entry.BuildTargets {
		engine.targets = append(engine.targets, BuildTarget(t))
	}
	return engine, nil
}

func infoFromEntry(entry settings.Engine) vm.Info {
	info := vm.Info{SharedPaths: make(map[vm.SharedPath]string)}
	for which, path := range map[vm.SharedPath]string{
		vm.SharedHome:   entry.SharedHome,
		vm.SharedTarget: entry.SharedTarget,
		vm.SharedConfig: entry.SharedConfig,
		vm.SharedSrc:    entry.SharedSrc,
		vm.SharedSSH:    entry.SharedSSH,
	} {
		if path != "" {
			info.SharedPaths[which] = path
		}
	}
	if p, err := vm.ValidatePort(entry.SSHPort); err == nil {
		info.SSHPort = p
	}
	if p, err := vm.ValidatePort(entry.WWWPort); err == nil {
		info.WWWPort = p
	}
	return info
}

// Document returns the registry as a settings document.
func (r *Registry) Document() *settings.Document {
	doc := settings.NewDocument()
	doc.InstallDir = r.InstallDir()
	for _, engine := range r.BuildEngines() {
		doc.Engines = append(doc.Engines, engine.entry())
	}
	return doc
}

func (e *BuildEngine) entry() settings.Engine {
	info := e.vm.Info()
	ssh := e.SSHParameters()
	proxy := e.WWWProxy()

	entry := settings.Engine{
		VirtualMachineName: e.Name(),
		Autodetected:       e.Autodetected(),
		SharedHome:         info.SharedPaths[vm.SharedHome],
		SharedTarget:       info.SharedPaths[vm.SharedTarget],
		SharedConfig:       info.SharedPaths[vm.SharedConfig],
		SharedSrc:          info.SharedPaths[vm.SharedSrc],
		SharedSSH:          info.SharedPaths[vm.SharedSSH],
		Host:               ssh.Host,
		UserName:           ssh.User,
		PrivateKeyFile:     ssh.PrivateKeyFile,
		SSHPort:            int(ssh.Port),
		SSHTimeout:         int(ssh.Timeout / time.Second),
		WWWPort:            int(info.WWWPort),
		WWWProxyType:       proxy.Type,
		WWWProxyServers:    proxy.Servers,
		WWWProxyExcludes:   proxy.Excludes,
		Headless:           e.Headless(),
	}
	for _, t := range e.BuildTargets() {
		entry.BuildTargets = append(entry.BuildTargets, settings.BuildTarget(t))
	}
	return entry
}
