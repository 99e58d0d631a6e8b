package process

import (
	"errors"
	"fmt"

	"dspflow/task"
)

var (
	// ErrNotFound is returned when a task or event names an entity that does not
	// exist. It wraps task.ErrDiscard so the queue drops the task.
	ErrNotFound = fmt.Errorf("process: not found: %w", task.ErrDiscard)
	// ErrIllegalTransition is returned by named transitions outside the graph.
	ErrIllegalTransition = errors.New("process: illegal transition")
	// ErrUnsupportedTask and ErrRoleMismatch describe tasks the executor skips.
	// They are logged, not returned.
	ErrUnsupportedTask = errors.New("process: unsupported task")
	ErrRoleMismatch    = errors.New("process: role mismatch")
)

// FatalError marks a handler failure that terminates the process instead of
// retrying the task.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// Fatalf formats a FatalError.
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}

// DispatchFailure reports that a protocol message could not be delivered.
// Dispatch failures are fatal for the process.
func DispatchFailure(messageType string, err error) error {
	return Fatal(fmt.Errorf("dispatch %s: %w", messageType, err))
}
