package storage

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newReadyResource(id string) *types.Resource {
	now := time.Now()
	return &types.Resource{
		ID:        id,
		PoolID:    "pool-1",
		State:     types.ResourceStateReady,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestCASResourceState(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateResource(newReadyResource("res-1")))

	updated, err := store.CASResourceState(ResourceCAS{
		ID:            "res-1",
		ExpectedState: types.ResourceStateReady,
		NewState:      types.ResourceStateAssigned,
		TouchAssign:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ResourceStateAssigned, updated.State)
	assert.Equal(t, uint64(2), updated.Version)
	assert.False(t, updated.LastAssignedAt.IsZero())

	// Second claim of the same resource loses
	_, err = store.CASResourceState(ResourceCAS{
		ID:            "res-1",
		ExpectedState: types.ResourceStateReady,
		NewState:      types.ResourceStateAssigned,
	})
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
}

func TestCASResourceVersionCheck(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateResource(newReadyResource("res-1")))

	_, err := store.CASResourceState(ResourceCAS{
		ID:              "res-1",
		ExpectedState:   types.ResourceStateReady,
		ExpectedVersion: 99,
		NewState:        types.ResourceStateAssigned,
	})
	assert.True(t, errors.Is(err, errdefs.ErrConflict))

	// Version 0 means any version
	_, err = store.CASResourceState(ResourceCAS{
		ID:            "res-1",
		ExpectedState: types.ResourceStateReady,
		NewState:      types.ResourceStateAssigned,
	})
	assert.NoError(t, err)
}

func TestCASResourceFieldUpdates(t *testing.T) {
	store := newTestStore(t)
	res := newReadyResource("res-1")
	res.State = types.ResourceStateProvisioning
	require.NoError(t, store.CreateResource(res))

	providerID := "backend-42"
	agentReady := true
	updated, err := store.CASResourceState(ResourceCAS{
		ID:            "res-1",
		ExpectedState: types.ResourceStateProvisioning,
		NewState:      types.ResourceStateProvisioning,
		ProviderID:    &providerID,
		Endpoint:      &types.Endpoint{Host: "10.0.0.5", Port: 3389, Protocol: "rdp"},
		AgentReady:    &agentReady,
	})
	require.NoError(t, err)
	assert.Equal(t, "backend-42", updated.ProviderID)
	assert.Equal(t, "10.0.0.5", updated.Endpoint.Host)
	assert.True(t, updated.AgentReady)
}

func TestCASResourceConcurrentClaim(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateResource(newReadyResource("res-1")))

	const claimants = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, claimants)

	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CASResourceState(ResourceCAS{
				ID:            "res-1",
				ExpectedState: types.ResourceStateReady,
				NewState:      types.ResourceStateAssigned,
			})
			if err == nil {
				wins <- struct{}{}
			} else {
				assert.True(t, errors.Is(err, errdefs.ErrConflict))
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Equal(t, 1, len(wins), "exactly one claimant should win")
}

func TestCreateAssignmentExclusivity(t *testing.T) {
	store := newTestStore(t)

	first := &types.Assignment{
		ID:           "a-1",
		UserID:       "alice",
		ServiceDefID: "def-1",
		ResourceID:   "res-1",
		State:        types.AssignmentStateActive,
	}
	require.NoError(t, store.CreateAssignment(first, false))

	// Same resource, different user
	err := store.CreateAssignment(&types.Assignment{
		ID:           "a-2",
		UserID:       "bob",
		ServiceDefID: "def-1",
		ResourceID:   "res-1",
		State:        types.AssignmentStateActive,
	}, false)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))

	// Same user and definition, different resource
	err = store.CreateAssignment(&types.Assignment{
		ID:           "a-3",
		UserID:       "alice",
		ServiceDefID: "def-1",
		ResourceID:   "res-2",
		State:        types.AssignmentStateActive,
	}, false)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))

	// Multi-session definitions allow a second session per user
	err = store.CreateAssignment(&types.Assignment{
		ID:           "a-4",
		UserID:       "alice",
		ServiceDefID: "def-1",
		ResourceID:   "res-3",
		State:        types.AssignmentStateActive,
	}, true)
	assert.NoError(t, err)

	// Released assignments don't block
	first.State = types.AssignmentStateReleased
	require.NoError(t, store.UpdateAssignment(first))
	err = store.CreateAssignment(&types.Assignment{
		ID:           "a-5",
		UserID:       "bob",
		ServiceDefID: "def-1",
		ResourceID:   "res-1",
		State:        types.AssignmentStateActive,
	}, false)
	assert.NoError(t, err)
}

func TestRedeemTicketExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.CreateTicket(&types.TunnelTicket{
		ID:        "ticket-1",
		State:     types.TicketStateIssued,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}))

	const attempts = 16
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RedeemTicket("ticket-1", time.Now())
			if err == nil {
				wins <- struct{}{}
			} else {
				assert.True(t, errors.Is(err, errdefs.ErrTicketAlreadyUsed))
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Equal(t, 1, len(wins), "exactly one redemption should succeed")

	stored, err := store.GetTicket("ticket-1")
	require.NoError(t, err)
	assert.Equal(t, types.TicketStateConsumed, stored.State)
	assert.False(t, stored.ConsumedAt.IsZero())
}

func TestRedeemTicketExpired(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	require.NoError(t, store.CreateTicket(&types.TunnelTicket{
		ID:        "ticket-1",
		State:     types.TicketStateIssued,
		IssuedAt:  now.Add(-2 * time.Minute),
		ExpiresAt: now.Add(-time.Minute),
	}))

	_, err := store.RedeemTicket("ticket-1", now)
	assert.True(t, errors.Is(err, errdefs.ErrTicketExpired))
}

func TestRedeemTicketUnknown(t *testing.T) {
	store := newTestStore(t)
	_, err := store.RedeemTicket("nope", time.Now())
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestActorTokens(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutActorToken(&types.ActorToken{Token: "tok-1", ResourceID: "res-1"}))
	require.NoError(t, store.PutActorToken(&types.ActorToken{Token: "tok-2", ResourceID: "res-1"}))
	require.NoError(t, store.PutActorToken(&types.ActorToken{Token: "tok-3", ResourceID: "res-2"}))

	got, err := store.GetActorToken("tok-1")
	require.NoError(t, err)
	assert.Equal(t, "res-1", got.ResourceID)

	require.NoError(t, store.DeleteActorTokensByResource("res-1"))

	_, err = store.GetActorToken("tok-1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
	_, err = store.GetActorToken("tok-2")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))

	// Other resources' tokens survive
	_, err = store.GetActorToken("tok-3")
	assert.NoError(t, err)
}

func TestListResourcesByPool(t *testing.T) {
	store := newTestStore(t)

	a := newReadyResource("res-a")
	b := newReadyResource("res-b")
	b.PoolID = "pool-2"
	require.NoError(t, store.CreateResource(a))
	require.NoError(t, store.CreateResource(b))

	got, err := store.ListResourcesByPool("pool-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "res-a", got[0].ID)
}
