package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pipeline"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds scheduler tuning
type Config struct {
	SweepInterval      time.Duration
	DefaultIdleTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		SweepInterval:      30 * time.Second,
		DefaultIdleTimeout: 30 * time.Minute,
	}
}

// Scheduler maps assignment requests to deployed resources. Exclusivity is
// enforced by the state store's conditional updates, never by in-process
// locking, so multiple broker instances can schedule concurrently.
type Scheduler struct {
	manager *manager.Manager
	engine  *pipeline.Engine
	cfg     Config
	logger  zerolog.Logger
	stopCh  chan struct{}
}

// NewScheduler creates a new scheduler
func NewScheduler(mgr *manager.Manager, engine *pipeline.Engine, cfg Config) *Scheduler {
	return &Scheduler{
		manager: mgr,
		engine:  engine,
		cfg:     cfg,
		logger:  log.WithComponent("scheduler"),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the idle sweep loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// RequestAssignment resolves a user's request for a desktop of the given
// definition:
//
//  1. reattach to an existing active assignment when its resource is healthy
//  2. claim a ready resource with a conditional ready->assigned transition
//  3. submit an on-demand provision task and return errdefs.ErrPending when
//     the pool has headroom
//  4. errdefs.ErrCapacityExhausted when it does not
func (s *Scheduler) RequestAssignment(ctx context.Context, userID, serviceDefID string) (*types.Assignment, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ScheduleDuration)

	def, err := s.manager.GetServiceDef(serviceDefID)
	if err != nil {
		return nil, err
	}

	if a, err := s.reattach(userID, serviceDefID); err != nil {
		return nil, err
	} else if a != nil {
		metrics.AssignmentsScheduled.WithLabelValues("reattached").Inc()
		return a, nil
	}

	pools, err := s.poolsForDef(serviceDefID)
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		return nil, errdefs.NotFound("pool for service definition " + serviceDefID)
	}

	// Claim a ready resource; a lost race just moves on to the next
	// candidate
	for _, pool := range pools {
		a, err := s.claimFromPool(ctx, pool, def, userID)
		if err != nil {
			return nil, err
		}
		if a != nil {
			metrics.AssignmentsScheduled.WithLabelValues("claimed").Inc()
			return a, nil
		}
	}

	// Nothing ready: provision on demand if any pool has headroom
	for _, pool := range pools {
		ok, err := s.hasHeadroom(pool)
		if err != nil {
			return nil, err
		}
		if ok {
			if _, err := s.engine.SubmitProvision(pool, def); err != nil {
				return nil, err
			}
			metrics.AssignmentsScheduled.WithLabelValues("pending").Inc()
			s.logger.Info().Str("user_id", userID).Str("pool_id", pool.ID).
				Msg("no ready resource, provisioning on demand")
			return nil, errdefs.ErrPending
		}
	}

	metrics.AssignmentsScheduled.WithLabelValues("exhausted").Inc()
	return nil, errdefs.ErrCapacityExhausted
}

// reattach returns the user's existing active assignment for the
// definition when its resource is still healthy, supporting reconnects.
func (s *Scheduler) reattach(userID, serviceDefID string) (*types.Assignment, error) {
	assignments, err := s.manager.ListAssignments()
	if err != nil {
		return nil, err
	}

	for _, a := range assignments {
		if a.State != types.AssignmentStateActive || a.UserID != userID || a.ServiceDefID != serviceDefID {
			continue
		}
		res, err := s.manager.GetResource(a.ResourceID)
		if err != nil {
			continue
		}
		if res.State == types.ResourceStateAssigned && res.Error == "" {
			a.LastActiveAt = time.Now()
			if err := s.manager.UpdateAssignment(a); err != nil {
				return nil, err
			}
			return a, nil
		}
	}
	return nil, nil
}

func (s *Scheduler) poolsForDef(serviceDefID string) ([]*types.Pool, error) {
	pools, err := s.manager.ListPools()
	if err != nil {
		return nil, err
	}
	var matched []*types.Pool
	for _, p := range pools {
		if p.ServiceDefID == serviceDefID {
			matched = append(matched, p)
		}
	}
	return matched, nil
}

// claimFromPool atomically claims one ready resource. Candidates are tried
// least recently used first; errdefs.ErrConflict means another scheduler
// won the resource and the next candidate is tried.
func (s *Scheduler) claimFromPool(ctx context.Context, pool *types.Pool, def *types.ServiceDefinition, userID string) (*types.Assignment, error) {
	resources, err := s.manager.ListResourcesByPool(pool.ID)
	if err != nil {
		return nil, err
	}

	var candidates []*types.Resource
	for _, res := range resources {
		if res.State == types.ResourceStateReady {
			candidates = append(candidates, res)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAssignedAt.Before(candidates[j].LastAssignedAt)
	})

	for _, res := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		claimed, err := s.manager.CASResource(storage.ResourceCAS{
			ID:              res.ID,
			ExpectedState:   types.ResourceStateReady,
			ExpectedVersion: res.Version,
			NewState:        types.ResourceStateAssigned,
			TouchAssign:     true,
		})
		if err != nil {
			if errors.Is(err, errdefs.ErrConflict) {
				continue
			}
			return nil, err
		}

		a, err := s.createAssignment(claimed, def, userID)
		if err != nil {
			// The claim succeeded but the assignment lost its own
			// race (e.g. the user got a resource elsewhere); put the
			// resource back
			if errors.Is(err, errdefs.ErrConflict) {
				s.unclaim(claimed)
				if re, rerr := s.reattach(userID, def.ID); rerr == nil && re != nil {
					return re, nil
				}
				continue
			}
			s.unclaim(claimed)
			return nil, err
		}
		return a, nil
	}

	return nil, nil
}

func (s *Scheduler) createAssignment(res *types.Resource, def *types.ServiceDefinition, userID string) (*types.Assignment, error) {
	idle := def.IdleTimeout
	if idle <= 0 {
		idle = s.cfg.DefaultIdleTimeout
	}

	now := time.Now()
	a := &types.Assignment{
		ID:           uuid.New().String(),
		UserID:       userID,
		ServiceDefID: def.ID,
		PoolID:       res.PoolID,
		ResourceID:   res.ID,
		State:        types.AssignmentStateActive,
		Exclusive:    !def.MultiSession,
		StartedAt:    now,
		LastActiveAt: now,
		IdleTimeout:  idle,
	}

	if err := s.manager.CreateAssignment(a, def.MultiSession); err != nil {
		return nil, err
	}

	s.manager.PublishEvent(&events.Event{
		Type:     events.EventAssignmentCreated,
		Message:  "resource assigned",
		Metadata: map[string]string{"assignment_id": a.ID, "user_id": userID, "resource_id": res.ID},
	})
	s.logger.Info().Str("assignment_id", a.ID).Str("user_id", userID).
		Str("resource_id", res.ID).Msg("assignment created")
	return a, nil
}

func (s *Scheduler) unclaim(res *types.Resource) {
	if _, err := s.manager.CASResource(storage.ResourceCAS{
		ID:            res.ID,
		ExpectedState: types.ResourceStateAssigned,
		NewState:      types.ResourceStateReady,
	}); err != nil {
		s.logger.Error().Err(err).Str("resource_id", res.ID).Msg("failed to unclaim resource")
	}
}

// hasHeadroom reports whether the pool can hold one more resource,
// counting live provisioning tasks so concurrent requests cannot
// over-provision past max.
func (s *Scheduler) hasHeadroom(pool *types.Pool) (bool, error) {
	resources, err := s.manager.ListResourcesByPool(pool.ID)
	if err != nil {
		return false, err
	}

	settled := 0
	for _, res := range resources {
		switch res.State {
		case types.ResourceStateReady, types.ResourceStateAssigned, types.ResourceStateReleasing:
			settled++
		}
	}

	live, err := s.engine.LiveCounts(pool.ID)
	if err != nil {
		return false, err
	}

	return settled+live.Provisioning+live.Recycling < pool.MaxCount, nil
}

// Release ends an assignment and applies the definition's recycle policy:
// either a power-cycle back to ready or a full teardown that feeds the
// reconciler's next create cycle.
func (s *Scheduler) Release(ctx context.Context, assignmentID string) error {
	a, err := s.manager.GetAssignment(assignmentID)
	if err != nil {
		return err
	}
	if a.State != types.AssignmentStateActive {
		return nil
	}

	def, err := s.manager.GetServiceDef(a.ServiceDefID)
	if err != nil {
		return err
	}

	res, err := s.manager.CASResource(storage.ResourceCAS{
		ID:            a.ResourceID,
		ExpectedState: types.ResourceStateAssigned,
		NewState:      types.ResourceStateReleasing,
		AgentReady:    boolPtr(false),
	})
	if err != nil && !errors.Is(err, errdefs.ErrConflict) && !errors.Is(err, errdefs.ErrNotFound) {
		return err
	}

	now := time.Now()
	a.State = types.AssignmentStateReleased
	a.ReleasedAt = now
	if err := s.manager.UpdateAssignment(a); err != nil {
		return err
	}

	s.manager.PublishEvent(&events.Event{
		Type:     events.EventAssignmentReleased,
		Message:  "assignment released",
		Metadata: map[string]string{"assignment_id": a.ID, "resource_id": a.ResourceID},
	})
	s.logger.Info().Str("assignment_id", a.ID).Str("resource_id", a.ResourceID).Msg("assignment released")

	if res == nil {
		// Resource already moved on (error rollback, teardown); the
		// assignment record is closed and that is all we can do
		return nil
	}

	if shouldRecycle(def, res) {
		_, err = s.engine.SubmitRecycle(res)
	} else {
		_, err = s.engine.SubmitDeprovision(res)
	}
	return err
}

// shouldRecycle applies the definition's recycle policy. Past MaxReuses a
// recyclable resource is destroyed anyway, bounding image drift.
func shouldRecycle(def *types.ServiceDefinition, res *types.Resource) bool {
	policy := def.RecyclePolicy
	if policy == nil || policy.Mode != types.RecycleModeRecycle {
		return false
	}
	if policy.MaxReuses > 0 && res.UseCount >= policy.MaxReuses {
		return false
	}
	return true
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !s.manager.IsLeader() {
				continue
			}
			if err := s.Sweep(); err != nil {
				s.logger.Error().Err(err).Msg("idle sweep failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Sweep releases assignments idle past their timeout. Expiry is decided
// here and nowhere else; there are no per-assignment timers.
func (s *Scheduler) Sweep() error {
	assignments, err := s.manager.ListAssignments()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, a := range assignments {
		if a.State != types.AssignmentStateActive {
			continue
		}
		idle := a.IdleTimeout
		if idle <= 0 {
			idle = s.cfg.DefaultIdleTimeout
		}
		if now.Sub(a.LastActiveAt) < idle {
			continue
		}
		s.logger.Info().Str("assignment_id", a.ID).
			Dur("idle", now.Sub(a.LastActiveAt)).Msg("releasing idle assignment")
		if err := s.Release(context.Background(), a.ID); err != nil {
			s.logger.Error().Err(err).Str("assignment_id", a.ID).Msg("failed to release idle assignment")
		}
	}

	return nil
}

// Touch records session activity so the sweep does not release a live
// session. Called by the actor's ping/login callbacks.
func (s *Scheduler) Touch(assignmentID string) error {
	a, err := s.manager.GetAssignment(assignmentID)
	if err != nil {
		return err
	}
	if a.State != types.AssignmentStateActive {
		return errdefs.Conflict("assignment " + assignmentID + " is " + string(a.State))
	}
	a.LastActiveAt = time.Now()
	return s.manager.UpdateAssignment(a)
}

func boolPtr(b bool) *bool { return &b }
