package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidTask     = errors.New("invalid task")
	ErrInvalidState    = errors.New("invalid state")
	ErrHandlerNotFound = errors.New("handler not found")
	ErrTimeout         = errors.New("handler timed out")
	ErrNotFound        = errors.New("not found")
	ErrQueueClosed     = errors.New("queue closed")
	ErrCancelled       = errors.New("task cancelled")
)

// HandlerExecutionError wraps an error or panic raised by a task handler.
type HandlerExecutionError struct {
	TaskID  string
	JobType string
	Err     error
}

func (e *HandlerExecutionError) Error() string {
	return fmt.Sprintf("handler %s failed for task %s: %v", e.JobType, e.TaskID, e.Err)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// DeliveryError describes an outbound webhook delivery that did not succeed.
type DeliveryError struct {
	URL        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("deliver to %s: HTTP %d after %d attempt(s)", e.URL, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("deliver to %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsTimeout reports whether err came from a handler exceeding its budget.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// TimeoutError builds the error recorded when a handler exceeds timeout.
func TimeoutError(timeout time.Duration) error {
	return fmt.Errorf("%w after %s", ErrTimeout, timeout)
}
