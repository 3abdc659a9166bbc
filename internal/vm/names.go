package vm

import (
	"fmt"
	"slices"
	"sync"

	"github.com/jbweber/anvil/internal/errdefs"
)

// NameSet is a multiset of VM names bound to live handles. Counts never go
// negative and a name with count zero is not a member.
type NameSet struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewNameSet creates an empty NameSet.
func NewNameSet() *NameSet {
	return &NameSet{counts: make(map[string]int)}
}

// Acquire increments name's count and returns the new count.
func (s *NameSet) Acquire(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name]++
	return s.counts[name]
}

// Release decrements name's count. Releasing an absent name is an error and
// leaves the set unchanged.
func (s *NameSet) Release(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.counts[name]
	if n == 0 {
		return fmt.Errorf("%w: virtual machine name %q is not in use", errdefs.ErrNotFound, name)
	}
	if n == 1 {
		delete(s.counts, name)
		return nil
	}
	s.counts[name] = n - 1
	return nil
}

// Rename moves one reference from oldName to newName in a single step.
// Renaming to the same name is a no-op. It fails without changes if oldName
// is not held or newName is already in use.
func (s *NameSet) Rename(oldName, newName string) error {
	if oldName == newName {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counts[oldName] == 0 {
		return fmt.Errorf("%w: virtual machine name %q is not in use", errdefs.ErrNotFound, oldName)
	}
	if s.counts[newName] > 0 {
		return fmt.Errorf("%w: virtual machine name %q", errdefs.ErrNameInUse, newName)
	}

	if s.counts[oldName] == 1 {
		delete(s.counts, oldName)
	} else {
		s.counts[oldName]--
	}
	s.counts[newName] = 1
	return nil
}

// Count returns how many live handles hold name.
func (s *NameSet) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// Contains reports whether name has a positive count.
func (s *NameSet) Contains(name string) bool {
	return s.Count(name) > 0
}

// Used returns the names with a positive count, sorted.
func (s *NameSet) Used() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.counts))
	for name := range s.counts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
