package core

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the host error taxonomy. Call sites classify with
// errors.Is; wrapped variants carry contextual detail via fmt.Errorf %w.
var (
	// ErrInvalidIdentity marks an unrecognized or malformed principal.
	// Rejected at the boundary, never retried.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrIdentityBanned marks a principal that has been explicitly banned.
	ErrIdentityBanned = errors.New("identity banned")

	// ErrRateLimited marks an external principal over its admission budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrCapabilityDenied marks an operation outside the session's
	// capability set. The operation is rejected before execution.
	ErrCapabilityDenied = errors.New("capability denied")

	// ErrSessionLockTimeout marks a failed session acquisition within the
	// configured wait ceiling.
	ErrSessionLockTimeout = errors.New("session lock timeout")

	// ErrTaskNotFound marks an operation against a task id that does not
	// exist in the durable store.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskTerminal marks a non-idempotent transition attempted on a task
	// already in a terminal state.
	ErrTaskTerminal = errors.New("task already terminal")

	// ErrVersionConflict marks a lost compare-and-update race on a task
	// record. Callers re-read and retry.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrAgentFailure marks a failure raised by the external reasoning
	// call. Never retried automatically; side effects may have occurred.
	ErrAgentFailure = errors.New("agent call failed")
)

// DeliveryError reports an infrastructure-level trigger delivery failure
// after the bounded retry budget was exhausted.
type DeliveryError struct {
	EventID  string
	Target   string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery of event %s to %s failed after %d attempts: %v", e.EventID, e.Target, e.Attempts, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *DeliveryError) Unwrap() error { return e.Err }
