package reconciler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pipeline"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds reconciler tuning
type Config struct {
	Interval time.Duration
	GCGrace  time.Duration

	// MaxParallel caps provisions submitted per pool per cycle so a large
	// desired-count jump ramps up instead of flooding the provider.
	MaxParallel int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		GCGrace:     5 * time.Minute,
		MaxParallel: 8,
	}
}

// Reconciler converges each pool's actual resource set toward its desired
// size. In-flight work is read from the pipeline's live task set, not the
// settled store, so re-running a cycle before prior tasks complete never
// double-counts.
type Reconciler struct {
	manager *manager.Manager
	engine  *pipeline.Engine
	cfg     Config
	logger  zerolog.Logger
	mu      sync.Mutex
	stopCh  chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(mgr *manager.Manager, engine *pipeline.Engine, cfg Config) *Reconciler {
	return &Reconciler{
		manager: mgr,
		engine:  engine,
		cfg:     cfg,
		logger:  log.WithComponent("reconciler"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !r.manager.IsLeader() {
				continue
			}
			if err := r.Reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reconcile cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle over all pools
func (r *Reconciler) Reconcile() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	pools, err := r.manager.ListPools()
	if err != nil {
		return err
	}

	for _, pool := range pools {
		if err := r.ReconcilePool(pool); err != nil {
			r.logger.Error().Err(err).Str("pool_id", pool.ID).Msg("failed to reconcile pool")
		}
	}

	return nil
}

// poolCounts is the snapshot a cycle works from
type poolCounts struct {
	ready    int
	assigned int
}

// ReconcilePool converges one pool:
//
//	toCreate  = max(0, desired - (ready + in-flight provisions)),
//	            capped by the pool's max headroom
//	toDestroy = max(0, ready - desired)
//
// Assigned resources hold user sessions and are never destroyed; only the
// unassigned ready cache shrinks. Victims are claimed with a conditional
// ready->releasing transition so a concurrent assignment wins cleanly.
func (r *Reconciler) ReconcilePool(pool *types.Pool) error {
	def, err := r.manager.GetServiceDef(pool.ServiceDefID)
	if err != nil {
		return err
	}

	resources, err := r.manager.ListResourcesByPool(pool.ID)
	if err != nil {
		return err
	}

	live, err := r.engine.LiveCounts(pool.ID)
	if err != nil {
		return err
	}

	var counts poolCounts
	var ready []*types.Resource
	for _, res := range resources {
		switch res.State {
		case types.ResourceStateReady:
			counts.ready++
			ready = append(ready, res)
		case types.ResourceStateAssigned:
			counts.assigned++
		case types.ResourceStateError:
			r.drainError(res)
		case types.ResourceStateDestroyed:
			r.collectGarbage(res)
		}
	}

	// ReadyCacheCount is an extra warm buffer on top of the desired size
	warmTarget := pool.DesiredCount + pool.ReadyCacheCount
	inFlight := live.Provisioning + live.Recycling
	toCreate := warmTarget - (counts.ready + inFlight)
	if toCreate < 0 {
		toCreate = 0
	}
	headroom := pool.MaxCount - (counts.ready + counts.assigned + inFlight)
	if toCreate > headroom {
		toCreate = headroom
	}
	if toCreate < 0 {
		toCreate = 0
	}
	if r.cfg.MaxParallel > 0 && toCreate > r.cfg.MaxParallel {
		toCreate = r.cfg.MaxParallel
	}

	// Only the unassigned ready cache shrinks; teardowns already in
	// flight count toward convergence
	toDestroy := counts.ready - warmTarget - live.Deprovisioning
	if toDestroy < 0 {
		toDestroy = 0
	}

	for i := 0; i < toCreate; i++ {
		if _, err := r.engine.SubmitProvision(pool, def); err != nil {
			return err
		}
	}

	if toDestroy > 0 {
		r.shrink(pool, def, ready, toDestroy)
	}

	if toCreate > 0 || toDestroy > 0 {
		r.logger.Info().Str("pool_id", pool.ID).
			Int("ready", counts.ready).Int("assigned", counts.assigned).
			Int("provisioning", live.Provisioning).
			Int("to_create", toCreate).Int("to_destroy", toDestroy).
			Msg("pool reconciled")
	}

	return nil
}

// shrink tears down excess unassigned resources, least-recently-used first
func (r *Reconciler) shrink(pool *types.Pool, def *types.ServiceDefinition, ready []*types.Resource, n int) {
	victims := selectVictims(ready, def.Version, n)
	for _, res := range victims {
		// Claim before teardown so a concurrent assignment wins cleanly
		claimed, err := r.manager.CASResource(storage.ResourceCAS{
			ID:            res.ID,
			ExpectedState: types.ResourceStateReady,
			NewState:      types.ResourceStateReleasing,
		})
		if err != nil {
			if errors.Is(err, errdefs.ErrConflict) {
				continue
			}
			r.logger.Error().Err(err).Str("resource_id", res.ID).Msg("failed to claim resource for shrink")
			continue
		}
		if _, err := r.engine.SubmitDeprovision(claimed); err != nil {
			r.logger.Error().Err(err).Str("resource_id", res.ID).Msg("failed to submit destroy task")
		}
	}
}

// selectVictims orders unassigned ready resources for destruction: stale
// definition versions first, then least recently used, oldest creation
// timestamp breaking ties.
func selectVictims(ready []*types.Resource, currentVersion, n int) []*types.Resource {
	sorted := make([]*types.Resource, len(ready))
	copy(sorted, ready)

	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		aStale := a.DefVersion != currentVersion
		bStale := b.DefVersion != currentVersion
		if aStale != bStale {
			return aStale
		}
		if !a.LastAssignedAt.Equal(b.LastAssignedAt) {
			return a.LastAssignedAt.Before(b.LastAssignedAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if n > len(sorted) {
		n = len(sorted)
	}
	return sorted[:n]
}

// drainError submits a teardown for an error resource with no task in
// flight, so pools shed failed units without operator action.
func (r *Reconciler) drainError(res *types.Resource) {
	active, err := r.engine.HasActiveTask(res.ID)
	if err != nil || active {
		return
	}
	if _, err := r.engine.SubmitDeprovision(res); err != nil {
		r.logger.Error().Err(err).Str("resource_id", res.ID).Msg("failed to drain error resource")
	}
}

// collectGarbage deletes destroyed records past the grace period
func (r *Reconciler) collectGarbage(res *types.Resource) {
	if time.Since(res.UpdatedAt) < r.cfg.GCGrace {
		return
	}
	if err := r.manager.DeleteResource(res.ID); err != nil {
		r.logger.Error().Err(err).Str("resource_id", res.ID).Msg("failed to delete destroyed record")
	}
}
