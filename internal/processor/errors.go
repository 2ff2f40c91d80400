package processor

import (
	"errors"
	"fmt"
)

// ErrNotImplemented marks a capability gap: the backend's processor does
// not support the operation. Callers feature-detect with errors.Is rather
// than treating it as a failure.
var ErrNotImplemented = errors.New("operation not supported by processor")

// CardError means the processor rejected the card or token (declined,
// expired, verification failed). Never retried automatically.
type CardError struct {
	Code    string // processor's raw error code
	Message string // processor's human-readable reason
	// ProcessorKey is set when the processor allocated a charge reference
	// before failing.
	ProcessorKey string
}

func (e *CardError) Error() string {
	if e.ProcessorKey != "" {
		return fmt.Sprintf("card error %s: %s (charge %s)", e.Code, e.Message, e.ProcessorKey)
	}
	return fmt.Sprintf("card error %s: %s", e.Code, e.Message)
}

// ProcessorError means transport, authentication, or an unexpected response
// while talking to the processor. May be transient; the caller decides on
// retry with backoff (the core never retries on its own).
type ProcessorError struct {
	Op         string // operation, e.g. "create_payment"
	StatusCode int    // HTTP status when applicable, 0 otherwise
	Err        error
}

func (e *ProcessorError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("processor %s failed: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("processor %s failed: %v", e.Op, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// IsCardError reports whether err is a card decline.
func IsCardError(err error) bool {
	var ce *CardError
	return errors.As(err, &ce)
}

// IsProcessorError reports whether err is a transport/auth failure.
func IsProcessorError(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe)
}
