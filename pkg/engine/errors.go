package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/asyncgate/asyncgate/pkg/types"
)

var (
	// ErrTaskNotFound indicates the task does not exist under the
	// tenant.
	ErrTaskNotFound = errors.New("task not found")

	// ErrLeaseInvalidOrExpired indicates the lease is missing, expired,
	// or not owned by the calling worker. Transient: the caller may
	// claim again.
	ErrLeaseInvalidOrExpired = errors.New("lease invalid or expired")

	// ErrUnauthorized indicates the principal is not permitted to
	// perform the operation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation indicates a malformed request (missing required
	// fields, reserved principal prefixes, bad limits).
	ErrValidation = errors.New("invalid request")
)

// InvalidStateTransitionError reports a transition the state machine
// rejects.
type InvalidStateTransitionError struct {
	Current   types.TaskStatus
	Requested types.TaskStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.Current, e.Requested)
}

// LeaseRenewalLimitError reports a renewal beyond the renewal budget.
// The lease is poisoned; the worker should finish or abandon.
type LeaseRenewalLimitError struct {
	RenewalCount int
	Max          int
}

func (e *LeaseRenewalLimitError) Error() string {
	return fmt.Sprintf("lease renewal limit exceeded: %d of %d", e.RenewalCount, e.Max)
}

// LeaseLifetimeError reports a renewal past the wall-clock lifetime
// cap measured from acquired_at.
type LeaseLifetimeError struct {
	Lifetime time.Duration
	Max      time.Duration
}

func (e *LeaseLifetimeError) Error() string {
	return fmt.Sprintf("lease lifetime exceeded: %s of %s", e.Lifetime, e.Max)
}
