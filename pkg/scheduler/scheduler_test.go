package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/pipeline"
	"github.com/cuemby/burrow/pkg/provider"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	mgr   *manager.Manager
	sched *Scheduler
	def   *types.ServiceDefinition
	pool  *types.Pool
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	engine := pipeline.NewEngine(mgr, provider.NewRegistry(), pipeline.Config{
		Workers:      1,
		TaskDeadline: time.Minute,
	})

	sched := NewScheduler(mgr, engine, Config{
		SweepInterval:      time.Hour,
		DefaultIdleTimeout: 30 * time.Minute,
	})

	def := &types.ServiceDefinition{
		ID:           "def-1",
		Name:         "desktop",
		Version:      1,
		ProviderKind: "fake",
		ImageRef:     "registry/desktop:stable",
	}
	require.NoError(t, mgr.CreateServiceDef(def))

	pool := &types.Pool{
		ID:           "pool-1",
		Name:         "floor1",
		ServiceDefID: def.ID,
		DesiredCount: 2,
		MaxCount:     4,
	}
	require.NoError(t, mgr.CreatePool(pool))

	return &testRig{mgr: mgr, sched: sched, def: def, pool: pool}
}

func (r *testRig) addReady(t *testing.T, id string) *types.Resource {
	t.Helper()
	now := time.Now()
	res := &types.Resource{
		ID:           id,
		PoolID:       r.pool.ID,
		ServiceDefID: r.def.ID,
		DefVersion:   r.def.Version,
		ProviderID:   "backend-" + id,
		State:        types.ResourceStateReady,
		Version:      1,
		Endpoint:     &types.Endpoint{Host: "10.0.0.1", Port: 3389, Protocol: "rdp"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, r.mgr.CreateResource(res))
	return res
}

func TestRequestAssignmentClaimsReady(t *testing.T) {
	rig := newTestRig(t)
	rig.addReady(t, "res-1")

	a, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", a.UserID)
	assert.Equal(t, "res-1", a.ResourceID)
	assert.Equal(t, types.AssignmentStateActive, a.State)
	assert.True(t, a.Exclusive)

	res, err := rig.mgr.GetResource("res-1")
	require.NoError(t, err)
	assert.Equal(t, types.ResourceStateAssigned, res.State)
	assert.False(t, res.LastAssignedAt.IsZero())
}

func TestRequestAssignmentReattaches(t *testing.T) {
	rig := newTestRig(t)
	rig.addReady(t, "res-1")

	first, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)

	// Same user asks again (client reconnect): same assignment, no new claim
	second, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	assignments, err := rig.mgr.ListAssignments()
	require.NoError(t, err)
	assert.Len(t, assignments, 1)
}

func TestRequestAssignmentExclusive(t *testing.T) {
	rig := newTestRig(t)
	rig.addReady(t, "res-1")
	rig.addReady(t, "res-2")
	rig.addReady(t, "res-3")

	users := []string{"alice", "bob", "carol"}
	seen := make(map[string]string)
	for _, user := range users {
		a, err := rig.sched.RequestAssignment(context.Background(), user, rig.def.ID)
		require.NoError(t, err)
		_, taken := seen[a.ResourceID]
		assert.False(t, taken, "resource %s assigned twice", a.ResourceID)
		seen[a.ResourceID] = user
	}
}

func TestRequestAssignmentConcurrent(t *testing.T) {
	rig := newTestRig(t)
	for _, id := range []string{"res-1", "res-2", "res-3"} {
		rig.addReady(t, id)
	}

	users := []string{"u1", "u2", "u3"}
	var wg sync.WaitGroup
	results := make(chan *types.Assignment, len(users))
	for _, user := range users {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			a, err := rig.sched.RequestAssignment(context.Background(), u, rig.def.ID)
			if assert.NoError(t, err) {
				results <- a
			}
		}(user)
	}
	wg.Wait()
	close(results)

	resources := make(map[string]bool)
	for a := range results {
		assert.False(t, resources[a.ResourceID], "resource %s double-assigned", a.ResourceID)
		resources[a.ResourceID] = true
	}
	assert.Len(t, resources, 3)
}

func TestRequestAssignmentPendingWhenHeadroom(t *testing.T) {
	rig := newTestRig(t)

	// No ready resources, pool empty: provision on demand
	_, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	assert.True(t, errors.Is(err, errdefs.ErrPending))

	tasks, err := rig.mgr.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskKindProvision, tasks[0].Kind)
}

func TestRequestAssignmentCapacityExhausted(t *testing.T) {
	rig := newTestRig(t)

	// Fill the pool to max with assigned resources
	for i := 0; i < rig.pool.MaxCount; i++ {
		res := rig.addReady(t, "res-"+string(rune('a'+i)))
		_, err := rig.sched.RequestAssignment(context.Background(), "user-"+res.ID, rig.def.ID)
		require.NoError(t, err)
	}

	_, err := rig.sched.RequestAssignment(context.Background(), "late-user", rig.def.ID)
	assert.True(t, errors.Is(err, errdefs.ErrCapacityExhausted))
}

func TestReleaseDestroyPolicy(t *testing.T) {
	rig := newTestRig(t)
	rig.addReady(t, "res-1")

	a, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)

	require.NoError(t, rig.sched.Release(context.Background(), a.ID))

	released, err := rig.mgr.GetAssignment(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentStateReleased, released.State)
	assert.False(t, released.ReleasedAt.IsZero())

	res, err := rig.mgr.GetResource("res-1")
	require.NoError(t, err)
	assert.Equal(t, types.ResourceStateReleasing, res.State)
	assert.False(t, res.AgentReady)

	// Without a recycle policy the resource is torn down
	tasks, err := rig.mgr.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskKindDeprovision, tasks[0].Kind)
}

func TestReleaseRecyclePolicy(t *testing.T) {
	rig := newTestRig(t)
	rig.def.RecyclePolicy = &types.RecyclePolicy{Mode: types.RecycleModeRecycle, MaxReuses: 3}
	require.NoError(t, rig.mgr.UpdateServiceDef(rig.def))

	rig.addReady(t, "res-1")
	a, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)

	require.NoError(t, rig.sched.Release(context.Background(), a.ID))

	tasks, err := rig.mgr.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskKindRecycle, tasks[0].Kind)
}

func TestReleaseRecyclePastMaxReusesDestroys(t *testing.T) {
	rig := newTestRig(t)
	rig.def.RecyclePolicy = &types.RecyclePolicy{Mode: types.RecycleModeRecycle, MaxReuses: 2}
	require.NoError(t, rig.mgr.UpdateServiceDef(rig.def))

	res := rig.addReady(t, "res-1")
	res.UseCount = 2
	require.NoError(t, rig.mgr.UpdateResource(res))

	a, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)
	require.NoError(t, rig.sched.Release(context.Background(), a.ID))

	tasks, err := rig.mgr.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.TaskKindDeprovision, tasks[0].Kind, "worn-out resources are destroyed, not recycled")
}

func TestReleaseIsIdempotent(t *testing.T) {
	rig := newTestRig(t)
	rig.addReady(t, "res-1")

	a, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)

	require.NoError(t, rig.sched.Release(context.Background(), a.ID))
	require.NoError(t, rig.sched.Release(context.Background(), a.ID))

	tasks, err := rig.mgr.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "second release is a no-op")
}

func TestSweepReleasesIdleAssignments(t *testing.T) {
	rig := newTestRig(t)
	rig.addReady(t, "res-1")
	rig.addReady(t, "res-2")

	idle, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)
	active, err := rig.sched.RequestAssignment(context.Background(), "bob", rig.def.ID)
	require.NoError(t, err)

	// Backdate alice's activity past the idle timeout
	idleRecord, err := rig.mgr.GetAssignment(idle.ID)
	require.NoError(t, err)
	idleRecord.LastActiveAt = time.Now().Add(-time.Hour)
	require.NoError(t, rig.mgr.UpdateAssignment(idleRecord))

	require.NoError(t, rig.sched.Sweep())

	got, err := rig.mgr.GetAssignment(idle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentStateReleased, got.State)

	got, err = rig.mgr.GetAssignment(active.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentStateActive, got.State, "live sessions are left alone")
}

func TestTouchKeepsAssignmentAlive(t *testing.T) {
	rig := newTestRig(t)
	rig.addReady(t, "res-1")

	a, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)

	record, err := rig.mgr.GetAssignment(a.ID)
	require.NoError(t, err)
	record.LastActiveAt = time.Now().Add(-time.Hour)
	require.NoError(t, rig.mgr.UpdateAssignment(record))

	require.NoError(t, rig.sched.Touch(a.ID))
	require.NoError(t, rig.sched.Sweep())

	got, err := rig.mgr.GetAssignment(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentStateActive, got.State)
}

func TestClaimPrefersLeastRecentlyUsed(t *testing.T) {
	rig := newTestRig(t)

	older := rig.addReady(t, "res-old")
	older.LastAssignedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, rig.mgr.UpdateResource(older))

	newer := rig.addReady(t, "res-new")
	newer.LastAssignedAt = time.Now().Add(-time.Minute)
	require.NoError(t, rig.mgr.UpdateResource(newer))

	a, err := rig.sched.RequestAssignment(context.Background(), "alice", rig.def.ID)
	require.NoError(t, err)
	assert.Equal(t, "res-old", a.ResourceID)
}
