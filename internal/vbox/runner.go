package vbox

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"github.com/go-logr/logr"
	pkgerrors "github.com/pkg/errors"

	"github.com/jbweber/anvil/internal/errdefs"
)

// DefaultVBoxManage is looked up in PATH when no path is configured.
const DefaultVBoxManage = "VBoxManage"

// waitDelay bounds how long Run waits for output after the process is
// killed on context expiry.
const waitDelay = 2 * time.Second

// Runner invokes VBoxManage and returns its trimmed standard output.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs the VBoxManage binary.
type ExecRunner struct {
	path string
	log  logr.Logger
}

// NewExecRunner creates a runner for the binary at path. An empty path
// means DefaultVBoxManage.
func NewExecRunner(path string, log logr.Logger) *ExecRunner {
	if path == "" {
		path = DefaultVBoxManage
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &ExecRunner{path: path, log: log.WithName("vboxmanage")}
}

// Run executes VBoxManage with args. Failures are classified as
// ErrBackendUnavailable (binary missing), ErrOperationTimedOut (ctx deadline)
// or ErrOperationFailed (non-zero exit, with stderr attached).
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.path, args...)
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.V(1).Info("running", "args", args)
	err := cmd.Run()
	out := strings.TrimSuffix(stdout.String(), "\n")
	if err == nil {
		return out, nil
	}

	verb := ""
	if len(args) > 0 {
		verb = args[0]
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return out, pkgerrors.Wrapf(errdefs.ErrOperationTimedOut, "VBoxManage %s", verb)
	case ctx.Err() != nil:
		return out, pkgerrors.Wrapf(errdefs.ErrOperationFailed, "VBoxManage %s: %v", verb, ctx.Err())
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return out, pkgerrors.Wrapf(errdefs.ErrBackendUnavailable, "VBoxManage not found at %q", r.path)
	case errors.As(err, &exitErr):
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return out, pkgerrors.Wrapf(errdefs.ErrOperationFailed, "VBoxManage %s exited with code %d: %s", verb, exitErr.ExitCode(), msg)
	default:
		return out, pkgerrors.Wrapf(errdefs.ErrBackendUnavailable, "VBoxManage %s: %v", verb, err)
	}
}
