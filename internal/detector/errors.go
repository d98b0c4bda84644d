package detector

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// UnavailableError is a transport or service failure. The gateway retries
// these; after the retry budget the frame is recorded as undetermined and
// the scan continues.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("detector %s unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// TimeoutError means the backend did not answer in time. Callers treat it
// exactly like unavailability.
type TimeoutError struct {
	Backend string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("detector %s timed out: %v", e.Backend, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// classify maps a raw transport error onto the taxonomy callers retry on.
// Context cancellation passes through untouched so a canceled run is never
// mistaken for a flaky backend.
func classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Backend: backend, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Backend: backend, Err: err}
	}
	return &UnavailableError{Backend: backend, Err: err}
}

// Retriable reports whether the gateway should spend another attempt on
// the error.
func Retriable(err error) bool {
	var unavailable *UnavailableError
	var timeout *TimeoutError
	return errors.As(err, &unavailable) || errors.As(err, &timeout)
}
