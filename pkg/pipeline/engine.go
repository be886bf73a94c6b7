package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/provider"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config holds pipeline engine tuning
type Config struct {
	Workers            int
	MaxRetries         int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	TaskDeadline       time.Duration
	PollInterval       time.Duration
	ReadyProbeInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:            4,
		MaxRetries:         5,
		BackoffBase:        2 * time.Second,
		BackoffCap:         60 * time.Second,
		TaskDeadline:       15 * time.Minute,
		PollInterval:       time.Second,
		ReadyProbeInterval: 2 * time.Second,
	}
}

// Engine executes durable multi-step tasks against provider adapters.
// Task state (current step index, status, retries, last error) is persisted
// through the manager after every step transition, so a restarted broker
// resumes from the last committed step and re-validates provider state
// before continuing.
type Engine struct {
	manager   *manager.Manager
	providers *provider.Registry
	cfg       Config
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]bool // task IDs executing in this process

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates a pipeline engine
func NewEngine(mgr *manager.Manager, providers *provider.Registry, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReadyProbeInterval <= 0 {
		cfg.ReadyProbeInterval = 2 * time.Second
	}
	return &Engine{
		manager:   mgr,
		providers: providers,
		cfg:       cfg,
		logger:    log.WithComponent("pipeline"),
		inflight:  make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the advance workers
func (e *Engine) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop stops the workers and waits for in-flight steps to finish
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// StepsForKind returns the ordered step names a task kind executes
func StepsForKind(kind types.TaskKind) []string {
	switch kind {
	case types.TaskKindProvision:
		return []string{"create", "power_on", "wait_ready", "finalize"}
	case types.TaskKindDeprovision:
		return []string{"power_off", "destroy", "finalize"}
	case types.TaskKindRecycle:
		return []string{"power_off", "power_on", "wait_ready", "finalize"}
	default:
		return nil
	}
}

// SubmitProvision creates a resource record in provisioning state and a
// provision task for it. The 1:1 pairing of record and task means re-running
// the task can never leave two provider resources behind one record.
func (e *Engine) SubmitProvision(pool *types.Pool, def *types.ServiceDefinition) (*types.Task, error) {
	now := time.Now()
	res := &types.Resource{
		ID:           uuid.New().String(),
		PoolID:       pool.ID,
		ServiceDefID: def.ID,
		DefVersion:   def.Version,
		State:        types.ResourceStateProvisioning,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.manager.CreateResource(res); err != nil {
		return nil, err
	}
	e.manager.PublishEvent(&events.Event{
		Type:     events.EventResourceCreated,
		Message:  "resource record created",
		Metadata: map[string]string{"resource_id": res.ID, "pool_id": pool.ID},
	})
	return e.submit(types.TaskKindProvision, pool.ID, res.ID)
}

// SubmitDeprovision submits a teardown task for a resource. If the resource
// already has an active task, that task is returned instead, so redundant
// submissions from concurrent control loops collapse into one.
func (e *Engine) SubmitDeprovision(res *types.Resource) (*types.Task, error) {
	if existing, err := e.activeTaskFor(res.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	return e.submit(types.TaskKindDeprovision, res.PoolID, res.ID)
}

// SubmitRecycle submits a power-cycle task returning a released resource to
// the ready state.
func (e *Engine) SubmitRecycle(res *types.Resource) (*types.Task, error) {
	if existing, err := e.activeTaskFor(res.ID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	return e.submit(types.TaskKindRecycle, res.PoolID, res.ID)
}

func (e *Engine) submit(kind types.TaskKind, poolID, resourceID string) (*types.Task, error) {
	now := time.Now()
	task := &types.Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		PoolID:      poolID,
		ResourceID:  resourceID,
		Steps:       StepsForKind(kind),
		CurrentStep: 0,
		Status:      types.TaskStatusPending,
		Deadline:    now.Add(e.cfg.TaskDeadline),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.manager.CreateTask(task); err != nil {
		return nil, err
	}

	metrics.TasksSubmitted.WithLabelValues(string(kind)).Inc()
	e.manager.PublishEvent(&events.Event{
		Type:     events.EventTaskSubmitted,
		Message:  string(kind) + " task submitted",
		Metadata: map[string]string{"task_id": task.ID, "resource_id": resourceID},
	})
	e.logger.Info().Str("task_id", task.ID).Str("kind", string(kind)).
		Str("resource_id", resourceID).Msg("task submitted")
	return task, nil
}

// Cancel requests cooperative cancellation. The flag is honored at the next
// step boundary, never mid-step; the worker then runs the rollback path.
func (e *Engine) Cancel(taskID string) error {
	task, err := e.manager.GetTask(taskID)
	if err != nil {
		return err
	}
	if !task.Active() {
		return errdefs.Conflict("task " + taskID + " is " + string(task.Status))
	}
	task.CancelRequested = true
	task.UpdatedAt = time.Now()
	return e.manager.UpdateTask(task)
}

// LiveCounts reports in-flight task counts for a pool. The reconciler reads
// these instead of settled store counts so re-running reconciliation before
// prior tasks complete never double-counts.
type LiveCounts struct {
	Provisioning   int
	Deprovisioning int
	Recycling      int
}

// LiveCounts returns the pool's in-flight counts from the live task set
func (e *Engine) LiveCounts(poolID string) (LiveCounts, error) {
	var counts LiveCounts
	tasks, err := e.manager.ListTasks()
	if err != nil {
		return counts, err
	}
	for _, t := range tasks {
		if t.PoolID != poolID || !t.Active() {
			continue
		}
		switch t.Kind {
		case types.TaskKindProvision:
			counts.Provisioning++
		case types.TaskKindDeprovision:
			counts.Deprovisioning++
		case types.TaskKindRecycle:
			counts.Recycling++
		}
	}
	return counts, nil
}

// HasActiveTask reports whether any active task targets the resource
func (e *Engine) HasActiveTask(resourceID string) (bool, error) {
	t, err := e.activeTaskFor(resourceID)
	return t != nil, err
}

func (e *Engine) activeTaskFor(resourceID string) (*types.Task, error) {
	tasks, err := e.manager.ListTasks()
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.ResourceID == resourceID && t.Active() {
			return t, nil
		}
	}
	return nil, nil
}

func (e *Engine) worker() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !e.manager.IsLeader() {
				continue
			}
			task := e.claim()
			if task == nil {
				continue
			}
			e.runTask(task)
			e.release(task.ID)
		case <-e.stopCh:
			return
		}
	}
}

// claim picks one runnable task not already executing in this process.
// Tasks found in running state but not in-flight were interrupted by a
// restart and resume from their committed step index.
func (e *Engine) claim() *types.Task {
	tasks, err := e.manager.ListTasks()
	if err != nil {
		e.logger.Error().Err(err).Msg("failed to list tasks")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tasks {
		if !t.Active() || e.inflight[t.ID] {
			continue
		}
		e.inflight[t.ID] = true
		return t
	}
	return nil
}

func (e *Engine) release(taskID string) {
	e.mu.Lock()
	delete(e.inflight, taskID)
	e.mu.Unlock()
}

// runTask drives a task to a terminal status. Every step transition is
// persisted before the next step runs; that write is the durability
// boundary for crash recovery.
func (e *Engine) runTask(task *types.Task) {
	logger := e.logger.With().Str("task_id", task.ID).Str("kind", string(task.Kind)).Logger()

	if task.Status == types.TaskStatusPending {
		task.Status = types.TaskStatusRunning
		task.UpdatedAt = time.Now()
		if err := e.manager.UpdateTask(task); err != nil {
			logger.Error().Err(err).Msg("failed to mark task running")
			return
		}
	}

	for task.CurrentStep < len(task.Steps) {
		// Cancellation and deadline are checked at step boundaries only
		if fresh, err := e.manager.GetTask(task.ID); err == nil && fresh.CancelRequested {
			task.CancelRequested = true
		}
		if task.CancelRequested {
			e.finishCancelled(task, logger)
			return
		}
		if !task.Deadline.IsZero() && time.Now().After(task.Deadline) {
			e.fail(task, errdefs.Permanent(context.DeadlineExceeded), logger)
			return
		}

		stepName := task.Steps[task.CurrentStep]
		timer := metrics.NewTimer()
		err := e.runStep(task, stepName)
		timer.ObserveDurationVec(metrics.StepDuration, stepName)

		if err != nil {
			if errdefs.IsRetryable(err) && task.Retries < e.cfg.MaxRetries {
				task.Retries++
				task.LastError = errdefs.Kind(err)
				task.UpdatedAt = time.Now()
				if uerr := e.manager.UpdateTask(task); uerr != nil {
					logger.Error().Err(uerr).Msg("failed to persist retry")
					return
				}
				metrics.StepRetries.Inc()
				logger.Warn().Err(err).Str("step", stepName).Int("retry", task.Retries).
					Msg("step failed, backing off")
				if !e.sleep(e.backoff(task.Retries)) {
					return
				}
				continue
			}
			e.fail(task, err, logger)
			return
		}

		task.CurrentStep++
		task.LastError = ""
		task.UpdatedAt = time.Now()
		if err := e.manager.UpdateTask(task); err != nil {
			logger.Error().Err(err).Msg("failed to persist step transition")
			return
		}
		logger.Debug().Str("step", stepName).Int("next_step", task.CurrentStep).Msg("step complete")
	}

	task.Status = types.TaskStatusDone
	task.UpdatedAt = time.Now()
	if err := e.manager.UpdateTask(task); err != nil {
		logger.Error().Err(err).Msg("failed to mark task done")
		return
	}

	e.manager.PublishEvent(&events.Event{
		Type:     events.EventTaskCompleted,
		Message:  string(task.Kind) + " task completed",
		Metadata: map[string]string{"task_id": task.ID, "resource_id": task.ResourceID},
	})
	logger.Info().Msg("task completed")
}

// fail marks the task failed, moves its resource to the error state with
// only the broker-level error kind, and submits a compensating rollback.
func (e *Engine) fail(task *types.Task, cause error, logger zerolog.Logger) {
	task.Status = types.TaskStatusFailed
	task.LastError = errdefs.Kind(cause)
	task.UpdatedAt = time.Now()
	if err := e.manager.UpdateTask(task); err != nil {
		logger.Error().Err(err).Msg("failed to mark task failed")
	}

	metrics.TasksFailed.Inc()
	logger.Error().Err(cause).Int("step", task.CurrentStep).Msg("task failed")

	res := e.markResourceError(task.ResourceID, task.LastError, logger)

	e.manager.PublishEvent(&events.Event{
		Type:     events.EventTaskFailed,
		Message:  task.LastError,
		Metadata: map[string]string{"task_id": task.ID, "resource_id": task.ResourceID},
	})

	// Compensate by tearing down whatever the task left behind. A failed
	// teardown stays in error state for the reconciler to retry.
	if task.Kind != types.TaskKindDeprovision && res != nil {
		if _, err := e.SubmitDeprovision(res); err != nil {
			logger.Error().Err(err).Msg("failed to submit rollback task")
		}
	}
}

func (e *Engine) finishCancelled(task *types.Task, logger zerolog.Logger) {
	task.Status = types.TaskStatusCancelled
	task.UpdatedAt = time.Now()
	if err := e.manager.UpdateTask(task); err != nil {
		logger.Error().Err(err).Msg("failed to mark task cancelled")
	}
	logger.Info().Msg("task cancelled")

	if task.Kind != types.TaskKindDeprovision {
		res, err := e.manager.GetResource(task.ResourceID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load resource for rollback")
			return
		}
		if _, err := e.SubmitDeprovision(res); err != nil {
			logger.Error().Err(err).Msg("failed to submit rollback task")
		}
	}
}

// markResourceError transitions the resource to error from whatever state
// it currently holds, retrying lost races.
func (e *Engine) markResourceError(resourceID, kind string, logger zerolog.Logger) *types.Resource {
	for i := 0; i < 3; i++ {
		res, err := e.manager.GetResource(resourceID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load resource")
			return nil
		}
		if res.State == types.ResourceStateDestroyed {
			return res
		}
		if res.State == types.ResourceStateError {
			return res
		}
		updated, err := e.manager.CASResource(storage.ResourceCAS{
			ID:            res.ID,
			ExpectedState: res.State,
			NewState:      types.ResourceStateError,
			Error:         &kind,
		})
		if err == nil {
			e.manager.PublishEvent(&events.Event{
				Type:     events.EventResourceFailed,
				Message:  kind,
				Metadata: map[string]string{"resource_id": res.ID},
			})
			return updated
		}
		if !errdefs.IsRetryable(err) {
			logger.Error().Err(err).Msg("failed to mark resource error")
			return res
		}
	}
	return nil
}

func (e *Engine) backoff(retries int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 1; i < retries; i++ {
		d *= 2
		if d >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if d > e.cfg.BackoffCap {
		d = e.cfg.BackoffCap
	}
	return d
}

// sleep waits for d or engine shutdown; false means shutting down
func (e *Engine) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-e.stopCh:
		return false
	}
}
