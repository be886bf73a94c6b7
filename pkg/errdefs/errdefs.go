package errdefs

import (
	"errors"
	"fmt"
)

// Broker-level error kinds. Callers classify with errors.Is; raw provider
// error text never crosses the API boundary.
var (
	// ErrTransient marks a provider failure worth retrying (network blip,
	// rate limit). The pipeline retries these with backoff.
	ErrTransient = errors.New("transient provider error")

	// ErrPermanent marks a provider failure that retrying cannot fix
	// (invalid image, quota denied). Fails the task and marks the
	// resource Error.
	ErrPermanent = errors.New("permanent provider error")

	// ErrCapacityExhausted is returned when a pool is at MaxCount and no
	// resource can be claimed or created.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrPending signals that an on-demand provision task was submitted
	// and the caller should poll again.
	ErrPending = errors.New("assignment pending")

	// ErrTicketExpired is returned when a tunnel ticket is redeemed past
	// its expiry.
	ErrTicketExpired = errors.New("ticket expired")

	// ErrTicketAlreadyUsed is returned on a second redemption attempt.
	ErrTicketAlreadyUsed = errors.New("ticket already used")

	// ErrConflict means a conditional update lost the race. Callers
	// re-read and retry the whole operation; never fatal.
	ErrConflict = errors.New("concurrent modification conflict")

	// ErrNotFound is returned for missing records.
	ErrNotFound = errors.New("not found")

	// ErrNotLeader is returned when a write lands on a follower.
	ErrNotLeader = errors.New("not the leader")
)

// Transient wraps err as a retryable provider error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

// Permanent wraps err as a non-retryable provider error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// NotFound wraps err (or a description) as a missing-record error.
func NotFound(what string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, what)
}

// Conflict describes a lost conditional update.
func Conflict(what string) error {
	return fmt.Errorf("%w: %s", ErrConflict, what)
}

// Kind reduces err to its broker-level kind string. This is the only error
// text that crosses the API boundary; raw provider detail stays in logs.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTransient):
		return ErrTransient.Error()
	case errors.Is(err, ErrPermanent):
		return ErrPermanent.Error()
	case errors.Is(err, ErrCapacityExhausted):
		return ErrCapacityExhausted.Error()
	case errors.Is(err, ErrTicketExpired):
		return ErrTicketExpired.Error()
	case errors.Is(err, ErrTicketAlreadyUsed):
		return ErrTicketAlreadyUsed.Error()
	case errors.Is(err, ErrConflict):
		return ErrConflict.Error()
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.Is(err, ErrNotLeader):
		return ErrNotLeader.Error()
	case errors.Is(err, ErrPending):
		return ErrPending.Error()
	default:
		return "internal error"
	}
}

// IsRetryable reports whether the pipeline should retry the step that
// produced err. Unclassified errors are treated as transient so that a
// forgotten classification degrades to retry-then-fail rather than an
// immediate permanent failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}
