// Package logging configures the process-wide logger for anvil binaries.
// It uses log/slog as the standard library logger and bridges it to logr,
// which every anvil library accepts.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/go-logr/logr"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables human-readable text output instead of JSON.
	Development bool

	// Verbosity is the highest logr V-level that is emitted. Negative values
	// suppress info messages and keep only errors.
	Verbosity int

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{}
}

// Level maps a logr verbosity onto the slog level used by the handler.
// logr's V(n) is emitted at slog level -n.
func Level(verbosity int) slog.Level {
	if verbosity < 0 {
		return slog.LevelError
	}
	return slog.Level(-verbosity)
}

// Setup installs a slog handler as the default logger and returns a logr
// view of it. This should be called early in main() before any logging.
func Setup(opts Options) logr.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: Level(opts.Verbosity)}

	var handler slog.Handler
	if opts.Development {
		handler = slog.NewTextHandler(out, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))

	return logr.FromSlogHandler(handler)
}
