package telephony

import (
	"errors"
	"fmt"
)

// TransportError is a failed call-control request (network error or non-2xx reply).
// Adapters return it unretried; callers decide on backoff via Retryable.
type TransportError struct {
	Vendor     string
	Op         string
	StatusCode int // 0 for network-level failures
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("telephony: %s %s failed with status %d: %s", e.Vendor, e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("telephony: %s %s failed: %v", e.Vendor, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable is true for network failures, 429 and 5xx replies.
func (e *TransportError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

// IsRetryable reports whether err wraps a retryable TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable()
}

// ErrUnsupportedAction is returned when a vendor cannot express an action.
var ErrUnsupportedAction = errors.New("telephony: unsupported action")
