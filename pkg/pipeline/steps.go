package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/health"
	"github.com/cuemby/burrow/pkg/provider"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// stepContext carries the records a step operates on. It is rebuilt from
// the store on every step so a resumed task always sees committed state.
type stepContext struct {
	task    *types.Task
	res     *types.Resource
	def     *types.ServiceDefinition
	adapter provider.Adapter
}

func (e *Engine) buildStepContext(task *types.Task) (*stepContext, error) {
	res, err := e.manager.GetResource(task.ResourceID)
	if err != nil {
		return nil, err
	}
	def, err := e.manager.GetServiceDef(res.ServiceDefID)
	if err != nil {
		return nil, err
	}
	adapter, err := e.providers.ForDefinition(def)
	if err != nil {
		return nil, errdefs.Permanent(err)
	}
	return &stepContext{task: task, res: res, def: def, adapter: adapter}, nil
}

// runStep executes one named step. Steps are idempotent: each queries the
// adapter and compares to the target state before acting, so a crash and
// re-run never double-creates or double-destroys.
func (e *Engine) runStep(task *types.Task, name string) error {
	sc, err := e.buildStepContext(task)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithDeadline(context.Background(), task.Deadline)
	defer cancel()

	switch name {
	case "create":
		return e.stepCreate(ctx, sc)
	case "power_on":
		return e.stepPower(ctx, sc, true)
	case "power_off":
		return e.stepPower(ctx, sc, false)
	case "wait_ready":
		return e.stepWaitReady(ctx, sc)
	case "destroy":
		return e.stepDestroy(ctx, sc)
	case "finalize":
		return e.stepFinalize(sc)
	default:
		return errdefs.Permanent(fmt.Errorf("unknown step: %s", name))
	}
}

// stepCreate provisions the backend resource. If a provider ID is already
// recorded and the backend still knows it, the step is a no-op.
func (e *Engine) stepCreate(ctx context.Context, sc *stepContext) error {
	if sc.res.ProviderID != "" {
		state, err := sc.adapter.QueryState(ctx, sc.res.ProviderID)
		if err != nil {
			return err
		}
		if state != provider.StateMissing {
			return nil
		}
	}

	var env []string
	if sc.def.AgentRequired {
		token, err := e.manager.GenerateActorToken(sc.res.ID)
		if err != nil {
			return errdefs.Transient(err)
		}
		env = append(env, "BURROW_ACTOR_TOKEN="+token.Token)
	}

	providerID, err := sc.adapter.Create(ctx, provider.Spec{
		Name:        "burrow-" + sc.res.ID,
		ImageRef:    sc.def.ImageRef,
		CPUs:        sc.def.CPUs,
		MemoryBytes: sc.def.MemoryBytes,
		ConnectPort: sc.def.ConnectPort,
		Env:         env,
		Config:      sc.def.ProviderConfig,
	})
	if err != nil {
		return err
	}

	return e.casUpdate(sc.res.ID, func(cas *storage.ResourceCAS) {
		cas.ProviderID = &providerID
	})
}

func (e *Engine) stepPower(ctx context.Context, sc *stepContext, on bool) error {
	if sc.res.ProviderID == "" {
		if on {
			return errdefs.Permanent(errors.New("resource has no provider id"))
		}
		return nil
	}

	state, err := sc.adapter.QueryState(ctx, sc.res.ProviderID)
	if err != nil {
		return err
	}

	switch {
	case on && state == provider.StateRunning:
		return nil
	case !on && (state == provider.StateStopped || state == provider.StateMissing):
		return nil
	case on && state == provider.StateMissing:
		return errdefs.Permanent(errors.New("provider resource disappeared"))
	}

	return sc.adapter.SetPower(ctx, sc.res.ProviderID, on)
}

// stepWaitReady polls until the resource is reachable: agent-backed
// definitions wait for the actor's ready callback, others probe the connect
// endpoint. Runs under the task deadline; expiry is a permanent failure
// that triggers the rollback path.
func (e *Engine) stepWaitReady(ctx context.Context, sc *stepContext) error {
	for {
		res, err := e.manager.GetResource(sc.res.ID)
		if err != nil {
			return err
		}

		ready, err := e.checkReady(ctx, sc, res)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}

		if time.Now().After(sc.task.Deadline) {
			return errdefs.Permanent(errors.New("resource did not become ready before deadline"))
		}
		if fresh, err := e.manager.GetTask(sc.task.ID); err == nil && fresh.CancelRequested {
			// Surface cancellation to the step boundary
			sc.task.CancelRequested = true
			return errdefs.Transient(errors.New("cancellation requested"))
		}

		select {
		case <-time.After(e.cfg.ReadyProbeInterval):
		case <-e.stopCh:
			return errdefs.Transient(errors.New("engine stopping"))
		case <-ctx.Done():
			return errdefs.Permanent(errors.New("resource did not become ready before deadline"))
		}
	}
}

func (e *Engine) checkReady(ctx context.Context, sc *stepContext, res *types.Resource) (bool, error) {
	if sc.def.AgentRequired {
		// The actor reports readiness and the guest's connect address
		return res.AgentReady && res.Endpoint != nil, nil
	}

	endpoint := res.Endpoint
	if endpoint == nil {
		addr, err := sc.adapter.Address(ctx, res.ProviderID)
		if err != nil {
			if errdefs.IsRetryable(err) {
				return false, nil
			}
			return false, err
		}
		endpoint = &types.Endpoint{
			Host:     addr,
			Port:     sc.def.ConnectPort,
			Protocol: sc.def.ConnectProtocol,
		}
		if err := e.casUpdate(res.ID, func(cas *storage.ResourceCAS) {
			cas.Endpoint = endpoint
		}); err != nil {
			return false, err
		}
	}

	if sc.def.ConnectPort <= 0 {
		return true, nil
	}

	checker := health.NewTCPChecker(fmt.Sprintf("%s:%d", endpoint.Host, endpoint.Port))
	return checker.Check(ctx).Healthy, nil
}

// stepDestroy tears down the backend resource. An adapter reporting the
// resource missing counts as success, so repeated teardown is harmless.
func (e *Engine) stepDestroy(ctx context.Context, sc *stepContext) error {
	if sc.res.ProviderID == "" {
		return nil
	}

	state, err := sc.adapter.QueryState(ctx, sc.res.ProviderID)
	if err != nil {
		return err
	}
	if state == provider.StateMissing {
		return nil
	}

	return sc.adapter.Destroy(ctx, sc.res.ProviderID)
}

// stepFinalize commits the task's target resource state
func (e *Engine) stepFinalize(sc *stepContext) error {
	switch sc.task.Kind {
	case types.TaskKindProvision:
		_, err := e.manager.CASResource(storage.ResourceCAS{
			ID:            sc.res.ID,
			ExpectedState: types.ResourceStateProvisioning,
			NewState:      types.ResourceStateReady,
		})
		if err != nil {
			// A resumed task may have finalized already
			if res, gerr := e.manager.GetResource(sc.res.ID); gerr == nil && res.State == types.ResourceStateReady {
				return nil
			}
			return err
		}
		e.manager.PublishEvent(&events.Event{
			Type:     events.EventResourceReady,
			Message:  "resource ready",
			Metadata: map[string]string{"resource_id": sc.res.ID, "pool_id": sc.res.PoolID},
		})
		return nil

	case types.TaskKindRecycle:
		_, err := e.manager.CASResource(storage.ResourceCAS{
			ID:            sc.res.ID,
			ExpectedState: types.ResourceStateReleasing,
			NewState:      types.ResourceStateReady,
			IncrementUse:  true,
		})
		if err != nil {
			if res, gerr := e.manager.GetResource(sc.res.ID); gerr == nil && res.State == types.ResourceStateReady {
				return nil
			}
			return err
		}
		e.manager.PublishEvent(&events.Event{
			Type:     events.EventResourceReady,
			Message:  "resource recycled",
			Metadata: map[string]string{"resource_id": sc.res.ID, "pool_id": sc.res.PoolID},
		})
		return nil

	case types.TaskKindDeprovision:
		if err := e.casDestroy(sc.res.ID); err != nil {
			return err
		}
		if err := e.manager.DeleteActorTokensByResource(sc.res.ID); err != nil {
			return err
		}
		e.manager.PublishEvent(&events.Event{
			Type:     events.EventResourceDestroyed,
			Message:  "resource destroyed",
			Metadata: map[string]string{"resource_id": sc.res.ID, "pool_id": sc.res.PoolID},
		})
		return nil

	default:
		return errdefs.Permanent(fmt.Errorf("unknown task kind: %s", sc.task.Kind))
	}
}

// casDestroy moves the resource to destroyed from whatever non-terminal
// state it holds, retrying lost races.
func (e *Engine) casDestroy(resourceID string) error {
	for i := 0; i < 3; i++ {
		res, err := e.manager.GetResource(resourceID)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				return nil
			}
			return err
		}
		if res.State == types.ResourceStateDestroyed {
			return nil
		}
		_, err = e.manager.CASResource(storage.ResourceCAS{
			ID:            res.ID,
			ExpectedState: res.State,
			NewState:      types.ResourceStateDestroyed,
		})
		if err == nil {
			return nil
		}
		if !errors.Is(err, errdefs.ErrConflict) {
			return err
		}
	}
	return errdefs.Conflict("resource " + resourceID + " kept changing during destroy")
}

// casUpdate applies a field update without changing state, retrying lost
// races against concurrent transitions.
func (e *Engine) casUpdate(resourceID string, set func(*storage.ResourceCAS)) error {
	for i := 0; i < 3; i++ {
		res, err := e.manager.GetResource(resourceID)
		if err != nil {
			return err
		}
		cas := storage.ResourceCAS{
			ID:            res.ID,
			ExpectedState: res.State,
			NewState:      res.State,
		}
		set(&cas)
		if _, err := e.manager.CASResource(cas); err == nil {
			return nil
		} else if !errors.Is(err, errdefs.ErrConflict) {
			return err
		}
	}
	return errdefs.Conflict("resource " + resourceID + " kept changing")
}
