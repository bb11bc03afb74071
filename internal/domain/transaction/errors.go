package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrForbidden means the access guard predicate is false for the caller.
	ErrForbidden = errors.New("not authorized for this action")
	// ErrNotFound means the transaction id does not resolve.
	ErrNotFound = errors.New("transaction not found")
	// ErrConflict means the conditional update lost to a concurrent
	// transition; callers should re-fetch and may retry.
	ErrConflict = errors.New("transaction state changed")
)

// InvalidStateError means the status guard rejected the action. It carries
// the current status so clients can re-render correctly.
type InvalidStateError struct {
	Current Status
	Reason  string
}

func (e *InvalidStateError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("action not allowed in status %s: %s", e.Current, e.Reason)
	}
	return fmt.Sprintf("action not allowed in status %s", e.Current)
}

// ValidationError means malformed input detected before the guards run.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

// UpstreamError wraps a payment-gateway or identity-provider failure. It is
// transient and retry-safe, unlike guard rejections.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
