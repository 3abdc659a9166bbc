package libvirt

import (
	"fmt"
	"sync"

	"github.com/jbweber/anvil/internal/errdefs"
)

// mockHypervisor is an in-memory implementation of hypervisor for testing.
type mockHypervisor struct {
	mu sync.Mutex

	domains map[string]*mockDomain
	volumes map[string]uint64            // path -> capacity in bytes
	pools   map[string]map[string][]byte // pool -> volume name -> data

	// For controlling behavior
	startError  error
	defineError error
	resizeError error

	// For verification
	defined  []string
	resized  map[string]uint64
	started  []string
	shutdown []string
	reverted []string
	deleted  []string
}

type mockDomain struct {
	xml       string
	state     int32
	saved     bool
	snapshots []string
	metadata  string
}

func newMockHypervisor() *mockHypervisor {
	return &mockHypervisor{
		domains: make(map[string]*mockDomain),
		volumes: make(map[string]uint64),
		pools:   make(map[string]map[string][]byte),
		resized: make(map[string]uint64),
	}
}

func (m *mockHypervisor) addDomain(name, xml string) *mockDomain {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &mockDomain{xml: xml, state: domainShutoff}
	m.domains[name] = d
	return d
}

func (m *mockHypervisor) domain(name string) (*mockDomain, error) {
	d, ok := m.domains[name]
	if !ok {
		return nil, fmt.Errorf("%w: domain %q", errdefs.ErrNotFound, name)
	}
	return d, nil
}

func (m *mockHypervisor) DomainNames() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.domains {
		names = append(names, name)
	}
	return names, nil
}

func (m *mockHypervisor) DomainState(name string) (int32, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(name)
	if err != nil {
		return 0, false, err
	}
	return d.state, d.saved, nil
}

func (m *mockHypervisor) DomainXML(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(name)
	if err != nil {
		return "", err
	}
	return d.xml, nil
}

func (m *mockHypervisor) DefineXML(xml string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.defineError != nil {
		return m.defineError
	}
	dom, err := parseDomain(xml)
	if err != nil {
		return err
	}
	d, ok := m.domains[dom.Name]
	if !ok {
		d = &mockDomain{state: domainShutoff}
		m.domains[dom.Name] = d
	}
	d.xml = xml
	m.defined = append(m.defined, dom.Name)
	return nil
}

func (m *mockHypervisor) StartDomain(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(name)
	if err != nil {
		return err
	}
	if m.startError != nil {
		return m.startError
	}
	d.state = domainRunning
	m.started = append(m.started, name)
	return nil
}

func (m *mockHypervisor) ShutdownDomain(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(name)
	if err != nil {
		return err
	}
	d.state = domainShutdown
	m.shutdown = append(m.shutdown, name)
	return nil
}

func (m *mockHypervisor) SnapshotNames(name string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(name)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), d.snapshots...), nil
}

func (m *mockHypervisor) RevertToSnapshot(name, snapshot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(name)
	if err != nil {
		return err
	}
	for _, s := range d.snapshots {
		if s == snapshot {
			m.reverted = append(m.reverted, name+"/"+snapshot)
			return nil
		}
	}
	return fmt.Errorf("%w: snapshot %q", errdefs.ErrNotFound, snapshot)
}

func (m *mockHypervisor) DomainMetadata(name, namespace string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(name)
	if err != nil {
		return "", err
	}
	return d.metadata, nil
}

func (m *mockHypervisor) SetDomainMetadata(name, key, namespace, xml string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.domain(name)
	if err != nil {
		return err
	}
	d.metadata = xml
	return nil
}

func (m *mockHypervisor) VolumePath(pool, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := "/pools/" + pool + "/" + name
	if _, ok := m.volumes[path]; !ok {
		return "", fmt.Errorf("%w: volume %q", errdefs.ErrNotFound, name)
	}
	return path, nil
}

func (m *mockHypervisor) VolumeCapacity(path string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	capacity, ok := m.volumes[path]
	if !ok {
		return 0, fmt.Errorf("%w: volume %s", errdefs.ErrNotFound, path)
	}
	return capacity, nil
}

func (m *mockHypervisor) ResizeVolume(path string, capacity uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resizeError != nil {
		return m.resizeError
	}
	if _, ok := m.volumes[path]; !ok {
		return fmt.Errorf("%w: volume %s", errdefs.ErrNotFound, path)
	}
	m.volumes[path] = capacity
	m.resized[path] = capacity
	return nil
}

func (m *mockHypervisor) WriteVolume(pool, name string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pools[pool] == nil {
		m.pools[pool] = make(map[string][]byte)
	}
	m.pools[pool][name] = append([]byte(nil), data...)
	path := "/pools/" + pool + "/" + name
	m.volumes[path] = uint64(len(data))
	return path, nil
}

func (m *mockHypervisor) DeleteVolume(pool, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools[pool], name)
	delete(m.volumes, "/pools/"+pool+"/"+name)
	m.deleted = append(m.deleted, pool+"/"+name)
	return nil
}
