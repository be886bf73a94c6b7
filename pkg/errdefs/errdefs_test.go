package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrappersPreserveSentinels(t *testing.T) {
	cause := errors.New("connection refused")

	assert.True(t, errors.Is(Transient(cause), ErrTransient))
	assert.True(t, errors.Is(Permanent(cause), ErrPermanent))
	assert.True(t, errors.Is(NotFound("pool x"), ErrNotFound))
	assert.True(t, errors.Is(Conflict("lost race"), ErrConflict))

	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}

func TestKindHidesDetail(t *testing.T) {
	tests := []struct {
		err  error
		kind string
	}{
		{nil, ""},
		{Transient(errors.New("secret-host:5432 refused")), "transient provider error"},
		{Permanent(errors.New("image sha256:abc not found")), "permanent provider error"},
		{ErrCapacityExhausted, "capacity exhausted"},
		{ErrTicketExpired, "ticket expired"},
		{ErrTicketAlreadyUsed, "ticket already used"},
		{fmt.Errorf("wrapped: %w", ErrConflict), "concurrent modification conflict"},
		{ErrNotFound, "not found"},
		{ErrNotLeader, "not the leader"},
		{errors.New("raw provider stack trace"), "internal error"},
	}
	for _, tt := range tests {
		got := Kind(tt.err)
		assert.Equal(t, tt.kind, got)
		if tt.err != nil && !errors.Is(tt.err, ErrConflict) {
			// The kind never carries the original message
			assert.NotContains(t, got, "secret-host")
			assert.NotContains(t, got, "sha256")
		}
	}
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(Permanent(errors.New("bad image"))))
	assert.True(t, IsRetryable(Transient(errors.New("timeout"))))

	// Unclassified errors degrade to retry-then-fail
	assert.True(t, IsRetryable(errors.New("unknown")))
}
