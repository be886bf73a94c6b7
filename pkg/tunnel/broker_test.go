package tunnel

import (
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, ttl time.Duration) (*Broker, *manager.Manager) {
	t.Helper()
	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return NewBroker(mgr, ttl), mgr
}

func seedAssignment(t *testing.T, mgr *manager.Manager, withEndpoint bool) *types.Assignment {
	t.Helper()

	res := &types.Resource{
		ID:      "res-1",
		PoolID:  "pool-1",
		State:   types.ResourceStateAssigned,
		Version: 1,
	}
	if withEndpoint {
		res.Endpoint = &types.Endpoint{Host: "10.1.2.3", Port: 3389, Protocol: "rdp"}
	}
	require.NoError(t, mgr.CreateResource(res))

	a := &types.Assignment{
		ID:         "a-1",
		UserID:     "alice",
		ResourceID: res.ID,
		State:      types.AssignmentStateActive,
		StartedAt:  time.Now(),
	}
	require.NoError(t, mgr.CreateAssignment(a, false))
	return a
}

func TestIssueAndRedeemTicket(t *testing.T) {
	broker, mgr := newTestBroker(t, time.Minute)
	a := seedAssignment(t, mgr, true)

	ticket, err := broker.IssueTicket(a.ID)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile("^[a-zA-Z0-9]{48}$"), ticket.ID)
	assert.Equal(t, "alice", ticket.UserID)
	assert.Equal(t, "10.1.2.3", ticket.Endpoint.Host)

	redeemed, err := broker.Redeem(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TicketStateConsumed, redeemed.State)
	assert.Equal(t, 3389, redeemed.Endpoint.Port)

	// Exactly once
	_, err = broker.Redeem(ticket.ID)
	assert.True(t, errors.Is(err, errdefs.ErrTicketAlreadyUsed))
}

func TestConcurrentRedeemExactlyOnce(t *testing.T) {
	broker, mgr := newTestBroker(t, time.Minute)
	a := seedAssignment(t, mgr, true)

	ticket, err := broker.IssueTicket(a.ID)
	require.NoError(t, err)

	const clients = 16
	var wg sync.WaitGroup
	var successes, refused int32
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := broker.Redeem(ticket.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&successes, 1)
			case errors.Is(err, errdefs.ErrTicketAlreadyUsed):
				atomic.AddInt32(&refused, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes, "exactly one client wins the ticket")
	assert.Equal(t, int32(clients-1), refused)
}

func TestIssueTicketRequiresEndpoint(t *testing.T) {
	broker, mgr := newTestBroker(t, time.Minute)
	a := seedAssignment(t, mgr, false)

	_, err := broker.IssueTicket(a.ID)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
}

func TestIssueTicketRequiresActiveAssignment(t *testing.T) {
	broker, mgr := newTestBroker(t, time.Minute)
	a := seedAssignment(t, mgr, true)

	a.State = types.AssignmentStateReleased
	require.NoError(t, mgr.UpdateAssignment(a))

	_, err := broker.IssueTicket(a.ID)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
}

func TestRedeemExpiredTicket(t *testing.T) {
	broker, mgr := newTestBroker(t, time.Minute)

	id, err := newTicketID()
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, mgr.CreateTicket(&types.TunnelTicket{
		ID:        id,
		State:     types.TicketStateIssued,
		Endpoint:  &types.Endpoint{Host: "10.1.2.3", Port: 3389},
		IssuedAt:  now.Add(-2 * time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	}))

	_, err = broker.Redeem(id)
	assert.True(t, errors.Is(err, errdefs.ErrTicketExpired))
}

func TestRedeemMalformedTicket(t *testing.T) {
	broker, _ := newTestBroker(t, time.Minute)

	for _, bad := range []string{"", "short", string(make([]byte, 48))} {
		_, err := broker.Redeem(bad)
		assert.True(t, errors.Is(err, errdefs.ErrNotFound), "ticket %q", bad)
	}
}

func TestTicketIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := newTicketID()
		require.NoError(t, err)
		assert.Len(t, id, types.TicketLength)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
