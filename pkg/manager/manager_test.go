package manager

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(&Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return mgr
}

func TestStandaloneIsLeader(t *testing.T) {
	mgr := newTestManager(t)
	assert.True(t, mgr.IsLeader(), "standalone manager accepts writes")
}

func TestServiceDefLifecycle(t *testing.T) {
	mgr := newTestManager(t)

	def := &types.ServiceDefinition{
		ID:           "def-1",
		Name:         "win11",
		Version:      1,
		ProviderKind: "fake",
		ImageRef:     "registry/win11:stable",
	}
	require.NoError(t, mgr.CreateServiceDef(def))

	got, err := mgr.GetServiceDef("def-1")
	require.NoError(t, err)
	assert.Equal(t, "win11", got.Name)

	byName, err := mgr.GetServiceDefByName("win11")
	require.NoError(t, err)
	assert.Equal(t, "def-1", byName.ID)

	def.Version = 2
	require.NoError(t, mgr.UpdateServiceDef(def))
	got, err = mgr.GetServiceDef("def-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)

	require.NoError(t, mgr.DeleteServiceDef("def-1"))
	_, err = mgr.GetServiceDef("def-1")
	assert.True(t, errors.Is(err, errdefs.ErrNotFound))
}

func TestCASResourceThroughFSM(t *testing.T) {
	mgr := newTestManager(t)

	require.NoError(t, mgr.CreateResource(&types.Resource{
		ID:      "res-1",
		PoolID:  "pool-1",
		State:   types.ResourceStateReady,
		Version: 1,
	}))

	updated, err := mgr.CASResource(storage.ResourceCAS{
		ID:            "res-1",
		ExpectedState: types.ResourceStateReady,
		NewState:      types.ResourceStateAssigned,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ResourceStateAssigned, updated.State)
	assert.Equal(t, uint64(2), updated.Version)

	// Losing precondition surfaces as a conflict through Apply
	_, err = mgr.CASResource(storage.ResourceCAS{
		ID:            "res-1",
		ExpectedState: types.ResourceStateReady,
		NewState:      types.ResourceStateAssigned,
	})
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
}

func TestAssignmentExclusivityThroughFSM(t *testing.T) {
	mgr := newTestManager(t)

	require.NoError(t, mgr.CreateAssignment(&types.Assignment{
		ID:           "a-1",
		UserID:       "alice",
		ServiceDefID: "def-1",
		ResourceID:   "res-1",
		State:        types.AssignmentStateActive,
	}, false))

	err := mgr.CreateAssignment(&types.Assignment{
		ID:           "a-2",
		UserID:       "alice",
		ServiceDefID: "def-1",
		ResourceID:   "res-2",
		State:        types.AssignmentStateActive,
	}, false)
	assert.True(t, errors.Is(err, errdefs.ErrConflict))
}

func TestRedeemTicketThroughFSM(t *testing.T) {
	mgr := newTestManager(t)
	now := time.Now()

	require.NoError(t, mgr.CreateTicket(&types.TunnelTicket{
		ID:        "ticket-1",
		State:     types.TicketStateIssued,
		Endpoint:  &types.Endpoint{Host: "10.0.0.9", Port: 3389},
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
	}))

	ticket, err := mgr.RedeemTicket("ticket-1", now)
	require.NoError(t, err)
	assert.Equal(t, types.TicketStateConsumed, ticket.State)
	assert.Equal(t, "10.0.0.9", ticket.Endpoint.Host)

	_, err = mgr.RedeemTicket("ticket-1", now)
	assert.True(t, errors.Is(err, errdefs.ErrTicketAlreadyUsed))
}

func TestActorTokenRoundTrip(t *testing.T) {
	mgr := newTestManager(t)

	token, err := mgr.GenerateActorToken("res-1")
	require.NoError(t, err)
	require.NotEmpty(t, token.Token)

	resourceID, err := mgr.ValidateActorToken(token.Token)
	require.NoError(t, err)
	assert.Equal(t, "res-1", resourceID)

	_, err = mgr.ValidateActorToken("bogus")
	assert.Error(t, err)

	require.NoError(t, mgr.DeleteActorTokensByResource("res-1"))
	_, err = mgr.ValidateActorToken(token.Token)
	assert.Error(t, err)
}

func TestTaskPersistence(t *testing.T) {
	mgr := newTestManager(t)

	task := &types.Task{
		ID:         "task-1",
		Kind:       types.TaskKindProvision,
		PoolID:     "pool-1",
		ResourceID: "res-1",
		Steps:      []string{"create", "power_on", "wait_ready", "finalize"},
		Status:     types.TaskStatusPending,
	}
	require.NoError(t, mgr.CreateTask(task))

	task.Status = types.TaskStatusRunning
	task.CurrentStep = 2
	task.Retries = 1
	require.NoError(t, mgr.UpdateTask(task))

	got, err := mgr.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentStep)
	assert.Equal(t, 1, got.Retries)
	assert.True(t, got.Active())
}
