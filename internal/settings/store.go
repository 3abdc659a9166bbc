package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jbweber/anvil/internal/errdefs"
)

// Scope identifies where a loaded document came from.
type Scope int

const (
	// ScopeNone means neither location held a document.
	ScopeNone Scope = iota
	// ScopeSystem is the read-only, installation-wide location.
	ScopeSystem
	// ScopeUser is the per-user location. It takes precedence and is the
	// only location Save writes to.
	ScopeUser
)

func (s Scope) String() string {
	switch s {
	case ScopeSystem:
		return "system"
	case ScopeUser:
		return "user"
	default:
		return "none"
	}
}

// Store reads documents from a system and a user location.
type Store struct {
	SystemPath string
	UserPath   string
}

// NewStore creates a Store. Either path may be empty.
func NewStore(systemPath, userPath string) *Store {
	return &Store{SystemPath: systemPath, UserPath: userPath}
}

// Load returns the user document if present, else the system document,
// else an empty document at CurrentVersion.
func (s *Store) Load() (*Document, Scope, error) {
	for _, loc := range []struct {
		path  string
		scope Scope
	}{
		{s.UserPath, ScopeUser},
		{s.SystemPath, ScopeSystem},
	} {
		if loc.path == "" {
			continue
		}
		doc, err := readDocument(loc.path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, ScopeNone, err
		}
		return doc, loc.scope, nil
	}
	return NewDocument(), ScopeNone, nil
}

// Save validates doc and writes it to the user location. Validation
// problems are returned together as *ValidationError and nothing is
// written. The write replaces the file atomically.
func (s *Store) Save(doc *Document) error {
	if msgs := Validate(doc); len(msgs) > 0 {
		return &ValidationError{Messages: msgs}
	}
	if s.UserPath == "" {
		return fmt.Errorf("%w: no user settings location configured", errdefs.ErrIO)
	}

	data, err := Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	if err := writeFileAtomic(s.UserPath, data, 0o644); err != nil {
		return fmt.Errorf("%w: failed to save settings to %s: %v", errdefs.ErrIO, s.UserPath, err)
	}
	return nil
}

func readDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to read %s: %v", errdefs.ErrIO, path, err)
	}
	doc, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return doc, nil
}

// writeFileAtomic writes to a temp file in the target directory, syncs it
// and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
