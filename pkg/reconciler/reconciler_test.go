package reconciler

import (
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/pipeline"
	"github.com/cuemby/burrow/pkg/provider"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	mgr    *manager.Manager
	engine *pipeline.Engine
	recon  *Reconciler
	def    *types.ServiceDefinition
	pool   *types.Pool
}

func newTestRig(t *testing.T, desired, max int) *testRig {
	t.Helper()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	registry := provider.NewRegistry()
	engine := pipeline.NewEngine(mgr, registry, pipeline.Config{
		Workers:      1,
		TaskDeadline: time.Minute,
	})

	recon := NewReconciler(mgr, engine, Config{
		Interval: time.Hour,
		GCGrace:  time.Minute,
	})

	def := &types.ServiceDefinition{
		ID:           "def-1",
		Name:         "desktop",
		Version:      3,
		ProviderKind: "fake",
		ImageRef:     "registry/desktop:stable",
	}
	require.NoError(t, mgr.CreateServiceDef(def))

	pool := &types.Pool{
		ID:           "pool-1",
		Name:         "floor1",
		ServiceDefID: def.ID,
		DesiredCount: desired,
		MaxCount:     max,
	}
	require.NoError(t, mgr.CreatePool(pool))

	return &testRig{mgr: mgr, engine: engine, recon: recon, def: def, pool: pool}
}

func (r *testRig) addResource(t *testing.T, id string, state types.ResourceState) *types.Resource {
	t.Helper()
	now := time.Now()
	res := &types.Resource{
		ID:           id,
		PoolID:       r.pool.ID,
		ServiceDefID: r.def.ID,
		DefVersion:   r.def.Version,
		State:        state,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, r.mgr.CreateResource(res))
	return res
}

func (r *testRig) taskCounts(t *testing.T) (provisions, deprovisions int) {
	t.Helper()
	tasks, err := r.mgr.ListTasks()
	require.NoError(t, err)
	for _, task := range tasks {
		if !task.Active() {
			continue
		}
		switch task.Kind {
		case types.TaskKindProvision:
			provisions++
		case types.TaskKindDeprovision:
			deprovisions++
		}
	}
	return provisions, deprovisions
}

func TestReconcileGrowsToDesired(t *testing.T) {
	rig := newTestRig(t, 5, 10)
	rig.addResource(t, "res-1", types.ResourceStateReady)
	rig.addResource(t, "res-2", types.ResourceStateReady)

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	provisions, deprovisions := rig.taskCounts(t)
	assert.Equal(t, 3, provisions)
	assert.Equal(t, 0, deprovisions)
}

func TestReconcileKeepsReadyCacheWarm(t *testing.T) {
	rig := newTestRig(t, 2, 10)
	rig.pool.ReadyCacheCount = 2
	rig.addResource(t, "res-1", types.ResourceStateReady)
	rig.addResource(t, "res-2", types.ResourceStateReady)

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	provisions, deprovisions := rig.taskCounts(t)
	assert.Equal(t, 2, provisions, "the cache buffer is provisioned on top of desired")
	assert.Equal(t, 0, deprovisions)
}

func TestReconcileCapsProvisionsPerCycle(t *testing.T) {
	rig := newTestRig(t, 6, 10)
	rig.recon.cfg.MaxParallel = 2

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	provisions, _ := rig.taskCounts(t)
	assert.Equal(t, 2, provisions, "ramp is capped even though 6 are wanted")
}

func TestReconcileCountsInFlightProvisions(t *testing.T) {
	rig := newTestRig(t, 5, 10)
	rig.addResource(t, "res-1", types.ResourceStateReady)

	// Two provisions already in flight from the previous cycle
	_, err := rig.engine.SubmitProvision(rig.pool, rig.def)
	require.NoError(t, err)
	_, err = rig.engine.SubmitProvision(rig.pool, rig.def)
	require.NoError(t, err)

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	provisions, _ := rig.taskCounts(t)
	assert.Equal(t, 4, provisions, "1 ready + 2 in flight needs only 2 more")
}

func TestReconcileRespectsMaxHeadroom(t *testing.T) {
	rig := newTestRig(t, 5, 5)
	for i := 0; i < 4; i++ {
		rig.addResource(t, resID(i), types.ResourceStateAssigned)
	}

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	provisions, deprovisions := rig.taskCounts(t)
	assert.Equal(t, 1, provisions, "only one unit of headroom remains under max")
	assert.Equal(t, 0, deprovisions)
}

func TestReconcileFullyAssignedPoolIsStable(t *testing.T) {
	rig := newTestRig(t, 5, 5)
	for i := 0; i < 5; i++ {
		rig.addResource(t, resID(i), types.ResourceStateAssigned)
	}
	rig.addResource(t, "warm-1", types.ResourceStateReady)
	rig.addResource(t, "warm-2", types.ResourceStateReady)

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	provisions, deprovisions := rig.taskCounts(t)
	assert.Equal(t, 0, provisions, "pool is at max")
	assert.Equal(t, 0, deprovisions, "ready cache within desired is kept")
}

func TestReconcileShrinksExcessReady(t *testing.T) {
	rig := newTestRig(t, 2, 10)
	for i := 0; i < 4; i++ {
		rig.addResource(t, resID(i), types.ResourceStateReady)
	}

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	provisions, deprovisions := rig.taskCounts(t)
	assert.Equal(t, 0, provisions)
	assert.Equal(t, 2, deprovisions)

	// Victims were claimed out of the ready set before teardown
	resources, err := rig.mgr.ListResourcesByPool(rig.pool.ID)
	require.NoError(t, err)
	releasing := 0
	for _, res := range resources {
		if res.State == types.ResourceStateReleasing {
			releasing++
		}
	}
	assert.Equal(t, 2, releasing)
}

func TestReconcileNeverDestroysAssigned(t *testing.T) {
	rig := newTestRig(t, 0, 10)
	rig.addResource(t, "assigned-1", types.ResourceStateAssigned)
	rig.addResource(t, "assigned-2", types.ResourceStateAssigned)
	rig.addResource(t, "ready-1", types.ResourceStateReady)

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	_, deprovisions := rig.taskCounts(t)
	assert.Equal(t, 1, deprovisions, "only the unassigned ready unit is torn down")

	for _, id := range []string{"assigned-1", "assigned-2"} {
		res, err := rig.mgr.GetResource(id)
		require.NoError(t, err)
		assert.Equal(t, types.ResourceStateAssigned, res.State)
	}
}

func TestReconcileDrainsErrorResources(t *testing.T) {
	rig := newTestRig(t, 0, 10)
	rig.addResource(t, "broken", types.ResourceStateError)

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	_, deprovisions := rig.taskCounts(t)
	assert.Equal(t, 1, deprovisions)

	// A second cycle does not pile on another teardown
	require.NoError(t, rig.recon.ReconcilePool(rig.pool))
	_, deprovisions = rig.taskCounts(t)
	assert.Equal(t, 1, deprovisions)
}

func TestReconcileCollectsDestroyedRecords(t *testing.T) {
	rig := newTestRig(t, 0, 10)

	old := rig.addResource(t, "gone", types.ResourceStateDestroyed)
	old.UpdatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, rig.mgr.UpdateResource(old))

	fresh := rig.addResource(t, "just-gone", types.ResourceStateDestroyed)
	_ = fresh

	require.NoError(t, rig.recon.ReconcilePool(rig.pool))

	_, err := rig.mgr.GetResource("gone")
	assert.Error(t, err, "record past the grace period is deleted")
	_, err = rig.mgr.GetResource("just-gone")
	assert.NoError(t, err, "recent record is kept for inspection")
}

func TestSelectVictimsOrdering(t *testing.T) {
	now := time.Now()
	mk := func(id string, version int, lastAssigned, created time.Time) *types.Resource {
		return &types.Resource{ID: id, DefVersion: version, LastAssignedAt: lastAssigned, CreatedAt: created}
	}

	ready := []*types.Resource{
		mk("fresh-lru", 3, now.Add(-time.Hour), now.Add(-24*time.Hour)),
		mk("fresh-recent", 3, now.Add(-time.Minute), now.Add(-24*time.Hour)),
		mk("stale", 2, now.Add(-time.Second), now),
		mk("fresh-oldest", 3, now.Add(-time.Hour), now.Add(-48*time.Hour)),
	}

	victims := selectVictims(ready, 3, 3)
	require.Len(t, victims, 3)
	assert.Equal(t, "stale", victims[0].ID, "stale definition versions go first")
	assert.Equal(t, "fresh-oldest", victims[1].ID, "LRU ties break on creation time")
	assert.Equal(t, "fresh-lru", victims[2].ID)

	// Asking for more victims than exist returns everything
	assert.Len(t, selectVictims(ready, 3, 10), 4)
}

func resID(i int) string {
	return "res-" + string(rune('a'+i))
}
