package vbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jbweber/anvil/internal/errdefs"
)

// mockRunner answers VBoxManage invocations from a table keyed by the
// space-joined arguments. Unknown invocations succeed with empty output.
type mockRunner struct {
	mu sync.Mutex

	outputs map[string]string
	errors  map[string]error

	// RunFunc overrides the table when set.
	RunFunc func(ctx context.Context, args ...string) (string, error)

	calls [][]string
}

func newMockRunner() *mockRunner {
	return &mockRunner{
		outputs: make(map[string]string),
		errors:  make(map[string]error),
	}
}

func (m *mockRunner) on(output string, args ...string) *mockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs[strings.Join(args, " ")] = output
	return m
}

func (m *mockRunner) fail(err error, args ...string) *mockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[strings.Join(args, " ")] = err
	return m
}

func (m *mockRunner) Run(ctx context.Context, args ...string) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), args...))
	fn := m.RunFunc
	key := strings.Join(args, " ")
	out, err := m.outputs[key], m.errors[key]
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, args...)
	}
	return out, err
}

// mutations returns the calls that change VM state, space-joined.
func (m *mockRunner) mutations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		switch c[0] {
		case "showvminfo", "list", "getextradata", "showmediuminfo", "--version":
			continue
		}
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func notRegistered(name string) error {
	return fmt.Errorf("%w: Could not find a registered machine named '%s'", errdefs.ErrOperationFailed, name)
}
