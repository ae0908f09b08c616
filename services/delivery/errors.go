package delivery

import "fmt"

// ValidationError rejects malformed input reaching the engine despite
// upstream checks. Nothing is partially applied.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown message, conversation, or cursor. Callers
// should not retry.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// TransientStoreError wraps a store I/O failure that is safe to retry for
// idempotent operations.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// DeliveryFailure is a per-connection send failure. It is logged by the
// router and never fails the overall fan-out or alters message status.
type DeliveryFailure struct {
	SessionID string
	Err       error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("deliver to session %s: %v", e.SessionID, e.Err)
}

func (e *DeliveryFailure) Unwrap() error { return e.Err }
