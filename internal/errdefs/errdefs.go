// Package errdefs defines the error kinds shared by every anvil package.
//
// Producers wrap one of the sentinel errors with context:
//
//	return fmt.Errorf("%w: virtual machine %q", errdefs.ErrNotFound, name)
//
// and consumers test for a kind with errors.Is.
package errdefs

import (
	"context"
	"errors"
)

var (
	// ErrNotFound reports that a named VM or engine does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNameInUse reports that a VM name is already bound to a live engine.
	ErrNameInUse = errors.New("name in use")

	// ErrBackendUnavailable reports that the hypervisor cannot be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrOperationTimedOut reports that an operation exceeded its deadline.
	ErrOperationTimedOut = errors.New("operation timed out")

	// ErrOperationFailed reports that the hypervisor rejected an operation.
	ErrOperationFailed = errors.New("operation failed")

	// ErrSchemaVersionUnsupported reports a settings document this build cannot read.
	ErrSchemaVersionUnsupported = errors.New("schema version unsupported")

	// ErrIO reports a failure reading or writing persisted state.
	ErrIO = errors.New("i/o failure")

	// ErrInvalidArgument reports input rejected before reaching the backend.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Kind returns a stable label for err, suitable for metric labels and
// machine-readable CLI output. Unknown errors map to "OperationFailed".
func Kind(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrNotFound):
		return "NotFound"
	case errors.Is(err, ErrNameInUse):
		return "NameInUse"
	case errors.Is(err, ErrBackendUnavailable):
		return "BackendUnavailable"
	case errors.Is(err, ErrOperationTimedOut), errors.Is(err, context.DeadlineExceeded):
		return "OperationTimedOut"
	case errors.Is(err, ErrSchemaVersionUnsupported):
		return "SchemaVersionUnsupported"
	case errors.Is(err, ErrIO):
		return "IOFailure"
	case errors.Is(err, ErrInvalidArgument):
		return "InvalidArgument"
	default:
		return "OperationFailed"
	}
}

// FromContext converts a context error into the matching kind. A deadline
// becomes ErrOperationTimedOut; cancellation is reported as ErrOperationFailed.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Join(ErrOperationTimedOut, err)
	case errors.Is(err, context.Canceled):
		return errors.Join(ErrOperationFailed, err)
	default:
		return err
	}
}
