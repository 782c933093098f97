package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEvent marks input that cannot be decoded or validated.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrUnknownEventType marks an envelope whose type has no registered applier.
	ErrUnknownEventType = errors.New("unknown event type")
	// ErrCircuitOpen is wrapped in a TransientError while an event type's breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// TransientError is an effect failure that may succeed on a later attempt.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient effect failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// PermanentError is an effect failure that can never succeed. The event is
// marked processed so it is not retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent effect failure: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsPoison reports whether err means the input must be skipped without retry.
func IsPoison(err error) bool {
	return errors.Is(err, ErrMalformedEvent) || errors.Is(err, ErrUnknownEventType)
}
