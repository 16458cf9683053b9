package engine

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTask   = errors.New("invalid task")
	ErrInvalidConfig = errors.New("invalid scheduler config")
)

// InvalidTaskError is returned by Enqueue when the task cannot be scheduled.
type InvalidTaskError struct {
	ID     string
	Reason string
}

func (e *InvalidTaskError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid task: %s", e.Reason)
	}
	return fmt.Sprintf("invalid task %q: %s", e.ID, e.Reason)
}

func (e *InvalidTaskError) Unwrap() error { return ErrInvalidTask }

// PanicError is published with the reject event when a task panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// IsPanic reports whether err carries a recovered task panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
