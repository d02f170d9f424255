package domain

import (
	"fmt"
	"time"
)

// The orchestration core never lets these cross a handler or sweep boundary
// as a panic; they are returned and mapped to envelope errors.

// ValidationError rejects malformed creation parameters before any mutation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// LeaseError refuses an operation presented with an invalid, expired, or
// superseded lease token. The caller must re-register.
type LeaseError struct {
	LeaseID string
	Reason  string
}

func (e *LeaseError) Error() string {
	if e.LeaseID == "" {
		return "lease rejected: " + e.Reason
	}
	return fmt.Sprintf("lease %s rejected: %s", e.LeaseID, e.Reason)
}

// TransitionError rejects an illegal state change; the prior state is
// retained. It also covers a compare-and-swap miss (stale state).
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	Stale  bool
}

func (e *TransitionError) Error() string {
	if e.Stale {
		return fmt.Sprintf("%s %s: stale state, transition to %q lost a concurrent write", e.Entity, e.ID, e.To)
	}
	return fmt.Sprintf("%s %s: illegal transition %q -> %q", e.Entity, e.ID, e.From, e.To)
}

// TransientDispatchError marks a device/channel as temporarily unreachable.
// The command stays pending and is retried by the next sweep.
type TransientDispatchError struct {
	Err error
}

func (e *TransientDispatchError) Error() string {
	return "transient dispatch failure: " + e.Err.Error()
}

func (e *TransientDispatchError) Unwrap() error { return e.Err }

// ExpiryError is a time-based terminal failure; never retried automatically.
type ExpiryError struct {
	CommandID string
	ExpiredAt time.Time
}

func (e *ExpiryError) Error() string {
	return fmt.Sprintf("command %s expired at %s", e.CommandID, e.ExpiredAt.UTC().Format(time.RFC3339))
}
