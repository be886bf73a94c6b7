package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
)

// BrokerFSM implements the Raft Finite State Machine for broker state.
// All conditional updates (resource CAS, ticket redemption, assignment
// exclusivity) are evaluated here, inside Apply, so every replica reaches
// the same verdict and losing a race surfaces as errdefs.ErrConflict.
type BrokerFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewBrokerFSM creates a new FSM instance
func NewBrokerFSM(store storage.Store) *BrokerFSM {
	return &BrokerFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// assignmentPayload carries an assignment plus the multi-session flag of its
// definition, captured at submit time so Apply stays deterministic.
type assignmentPayload struct {
	Assignment   *types.Assignment `json:"assignment"`
	MultiSession bool              `json:"multi_session"`
}

// redeemPayload carries the redemption time so expiry is evaluated
// identically on every replica.
type redeemPayload struct {
	TicketID string    `json:"ticket_id"`
	Now      time.Time `json:"now"`
}

// Apply applies a Raft log entry to the FSM.
// This is called by Raft when a log entry is committed. The returned value
// is either an error, or the updated record for conditional operations.
func (f *BrokerFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	// Service definition operations
	case "create_servicedef":
		var def types.ServiceDefinition
		if err := json.Unmarshal(cmd.Data, &def); err != nil {
			return err
		}
		return f.store.CreateServiceDef(&def)

	case "update_servicedef":
		var def types.ServiceDefinition
		if err := json.Unmarshal(cmd.Data, &def); err != nil {
			return err
		}
		return f.store.UpdateServiceDef(&def)

	case "delete_servicedef":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteServiceDef(id)

	// Pool operations
	case "create_pool":
		var pool types.Pool
		if err := json.Unmarshal(cmd.Data, &pool); err != nil {
			return err
		}
		return f.store.CreatePool(&pool)

	case "update_pool":
		var pool types.Pool
		if err := json.Unmarshal(cmd.Data, &pool); err != nil {
			return err
		}
		return f.store.UpdatePool(&pool)

	case "delete_pool":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeletePool(id)

	// Resource operations
	case "create_resource":
		var res types.Resource
		if err := json.Unmarshal(cmd.Data, &res); err != nil {
			return err
		}
		return f.store.CreateResource(&res)

	case "update_resource":
		var res types.Resource
		if err := json.Unmarshal(cmd.Data, &res); err != nil {
			return err
		}
		return f.store.UpdateResource(&res)

	case "delete_resource":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteResource(id)

	case "cas_resource":
		var cas storage.ResourceCAS
		if err := json.Unmarshal(cmd.Data, &cas); err != nil {
			return err
		}
		res, err := f.store.CASResourceState(cas)
		if err != nil {
			return err
		}
		return res

	// Assignment operations
	case "create_assignment":
		var p assignmentPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		return f.store.CreateAssignment(p.Assignment, p.MultiSession)

	case "update_assignment":
		var a types.Assignment
		if err := json.Unmarshal(cmd.Data, &a); err != nil {
			return err
		}
		return f.store.UpdateAssignment(&a)

	case "delete_assignment":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteAssignment(id)

	// Task operations
	case "create_task":
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		return f.store.CreateTask(&task)

	case "update_task":
		var task types.Task
		if err := json.Unmarshal(cmd.Data, &task); err != nil {
			return err
		}
		// A cancel request is sticky: a writer holding a copy read before
		// the cancel landed must not clear the flag.
		if existing, err := f.store.GetTask(task.ID); err == nil && existing.CancelRequested {
			task.CancelRequested = true
		}
		return f.store.UpdateTask(&task)

	case "delete_task":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteTask(id)

	// Ticket operations
	case "create_ticket":
		var t types.TunnelTicket
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return err
		}
		return f.store.CreateTicket(&t)

	case "redeem_ticket":
		var p redeemPayload
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		t, err := f.store.RedeemTicket(p.TicketID, p.Now)
		if err != nil {
			return err
		}
		return t

	case "delete_ticket":
		var id string
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteTicket(id)

	// Actor token operations
	case "put_actor_token":
		var t types.ActorToken
		if err := json.Unmarshal(cmd.Data, &t); err != nil {
			return err
		}
		return f.store.PutActorToken(&t)

	case "delete_actor_tokens":
		var resourceID string
		if err := json.Unmarshal(cmd.Data, &resourceID); err != nil {
			return err
		}
		return f.store.DeleteActorTokensByResource(resourceID)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called periodically by Raft to compact the log
func (f *BrokerFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	defs, err := f.store.ListServiceDefs()
	if err != nil {
		return nil, fmt.Errorf("failed to list service definitions: %v", err)
	}

	pools, err := f.store.ListPools()
	if err != nil {
		return nil, fmt.Errorf("failed to list pools: %v", err)
	}

	resources, err := f.store.ListResources()
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %v", err)
	}

	assignments, err := f.store.ListAssignments()
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %v", err)
	}

	tasks, err := f.store.ListTasks()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %v", err)
	}

	tickets, err := f.store.ListTickets()
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %v", err)
	}

	snapshot := &BrokerSnapshot{
		ServiceDefs: defs,
		Pools:       pools,
		Resources:   resources,
		Assignments: assignments,
		Tasks:       tasks,
		Tickets:     tickets,
	}

	return snapshot, nil
}

// Restore restores the FSM from a snapshot
// This is called when a node restarts or joins the cluster
func (f *BrokerFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot BrokerSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, def := range snapshot.ServiceDefs {
		if err := f.store.CreateServiceDef(def); err != nil {
			return fmt.Errorf("failed to restore service definition: %v", err)
		}
	}

	for _, pool := range snapshot.Pools {
		if err := f.store.CreatePool(pool); err != nil {
			return fmt.Errorf("failed to restore pool: %v", err)
		}
	}

	for _, res := range snapshot.Resources {
		if err := f.store.CreateResource(res); err != nil {
			return fmt.Errorf("failed to restore resource: %v", err)
		}
	}

	for _, a := range snapshot.Assignments {
		if err := f.store.UpdateAssignment(a); err != nil {
			return fmt.Errorf("failed to restore assignment: %v", err)
		}
	}

	for _, task := range snapshot.Tasks {
		if err := f.store.CreateTask(task); err != nil {
			return fmt.Errorf("failed to restore task: %v", err)
		}
	}

	for _, t := range snapshot.Tickets {
		if err := f.store.CreateTicket(t); err != nil {
			return fmt.Errorf("failed to restore ticket: %v", err)
		}
	}

	return nil
}

// BrokerSnapshot represents a point-in-time snapshot of broker state
type BrokerSnapshot struct {
	ServiceDefs []*types.ServiceDefinition
	Pools       []*types.Pool
	Resources   []*types.Resource
	Assignments []*types.Assignment
	Tasks       []*types.Task
	Tickets     []*types.TunnelTicket
}

// Persist writes the snapshot to the given SnapshotSink
func (s *BrokerSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *BrokerSnapshot) Release() {}
