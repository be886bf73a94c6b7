package manager

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Manager owns the replicated broker state. Every mutation goes through
// Apply as a command so conditional updates are evaluated once, inside the
// FSM, and every replica reaches the same verdict. Reads are served from
// the local store.
//
// Without Bootstrap or Join the manager runs standalone: commands apply
// directly to the local FSM, which keeps single-node deployments and tests
// free of raft plumbing while exercising the same code path.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft        *raft.Raft
	fsm         *BrokerFSM
	store       storage.Store
	eventBroker *events.Broker
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	eventBroker := events.NewBroker()
	eventBroker.Start()

	return &Manager{
		nodeID:      cfg.NodeID,
		bindAddr:    cfg.BindAddr,
		dataDir:     cfg.DataDir,
		fsm:         NewBrokerFSM(store),
		store:       store,
		eventBroker: eventBroker,
	}, nil
}

// newRaft builds the raft instance shared by Bootstrap and Join
func (m *Manager) newRaft() (*raft.Raft, raft.Transport, error) {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Tuned below the library defaults so broker failover completes in a
	// few seconds on a LAN
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve bind address: %v", err)
	}

	transport, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transport: %v", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(m.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create snapshot store: %v", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create log store: %v", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stable store: %v", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create raft: %v", err)
	}

	return r, transport, nil
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	r, transport, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      raft.ServerID(m.nodeID),
				Address: transport.LocalAddr(),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	return nil
}

// Join starts raft without bootstrapping; an existing leader must AddVoter
// this node's ID and address.
func (m *Manager) Join() error {
	r, _, err := m.newRaft()
	if err != nil {
		return err
	}
	m.raft = r
	return nil
}

// AddVoter adds a broker node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if !m.IsLeader() {
		return errdefs.ErrNotLeader
	}

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}
	return nil
}

// IsLeader returns true if this manager can accept writes. Standalone
// managers are always the leader.
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return true
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return m.bindAddr
	}
	return string(m.raft.Leader())
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return map[string]interface{}{"state": "standalone"}
	}

	return map[string]interface{}{
		"state":          m.raft.State().String(),
		"last_log_index": m.raft.LastIndex(),
		"applied_index":  m.raft.AppliedIndex(),
		"leader":         string(m.raft.Leader()),
	}
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// PublishEvent publishes an event to all subscribers
func (m *Manager) PublishEvent(event *events.Event) {
	if m.eventBroker != nil {
		m.eventBroker.Publish(event)
	}
}

// Apply submits a command and returns the FSM's response. For conditional
// commands the response is the updated record; losing a race surfaces as
// errdefs.ErrConflict.
func (m *Manager) Apply(cmd Command) (interface{}, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %v", err)
	}

	var resp interface{}
	if m.raft == nil {
		resp = m.fsm.Apply(&raft.Log{Data: data})
	} else {
		if !m.IsLeader() {
			return nil, errdefs.ErrNotLeader
		}
		future := m.raft.Apply(data, 5*time.Second)
		if err := future.Error(); err != nil {
			return nil, fmt.Errorf("failed to apply command: %v", err)
		}
		resp = future.Response()
	}

	if err, ok := resp.(error); ok && err != nil {
		return nil, err
	}
	return resp, nil
}

func (m *Manager) apply(op string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = m.Apply(Command{Op: op, Data: data})
	return err
}

// Service definition operations

func (m *Manager) CreateServiceDef(def *types.ServiceDefinition) error {
	return m.apply("create_servicedef", def)
}

func (m *Manager) UpdateServiceDef(def *types.ServiceDefinition) error {
	return m.apply("update_servicedef", def)
}

func (m *Manager) DeleteServiceDef(id string) error {
	return m.apply("delete_servicedef", id)
}

func (m *Manager) GetServiceDef(id string) (*types.ServiceDefinition, error) {
	return m.store.GetServiceDef(id)
}

func (m *Manager) GetServiceDefByName(name string) (*types.ServiceDefinition, error) {
	return m.store.GetServiceDefByName(name)
}

func (m *Manager) ListServiceDefs() ([]*types.ServiceDefinition, error) {
	return m.store.ListServiceDefs()
}

// Pool operations

func (m *Manager) CreatePool(pool *types.Pool) error {
	return m.apply("create_pool", pool)
}

func (m *Manager) UpdatePool(pool *types.Pool) error {
	return m.apply("update_pool", pool)
}

func (m *Manager) DeletePool(id string) error {
	return m.apply("delete_pool", id)
}

func (m *Manager) GetPool(id string) (*types.Pool, error) {
	return m.store.GetPool(id)
}

func (m *Manager) GetPoolByName(name string) (*types.Pool, error) {
	return m.store.GetPoolByName(name)
}

func (m *Manager) ListPools() ([]*types.Pool, error) {
	return m.store.ListPools()
}

// Resource operations

func (m *Manager) CreateResource(res *types.Resource) error {
	return m.apply("create_resource", res)
}

func (m *Manager) UpdateResource(res *types.Resource) error {
	return m.apply("update_resource", res)
}

func (m *Manager) DeleteResource(id string) error {
	return m.apply("delete_resource", id)
}

func (m *Manager) GetResource(id string) (*types.Resource, error) {
	return m.store.GetResource(id)
}

func (m *Manager) ListResources() ([]*types.Resource, error) {
	return m.store.ListResources()
}

func (m *Manager) ListResourcesByPool(poolID string) ([]*types.Resource, error) {
	return m.store.ListResourcesByPool(poolID)
}

// CASResource performs the conditional state transition that backs every
// resource lifecycle change. Returns the updated record, or
// errdefs.ErrConflict when the precondition does not hold.
func (m *Manager) CASResource(cas storage.ResourceCAS) (*types.Resource, error) {
	data, err := json.Marshal(cas)
	if err != nil {
		return nil, err
	}
	resp, err := m.Apply(Command{Op: "cas_resource", Data: data})
	if err != nil {
		return nil, err
	}
	res, ok := resp.(*types.Resource)
	if !ok {
		return nil, fmt.Errorf("unexpected cas_resource response %T", resp)
	}
	return res, nil
}

// Assignment operations

// CreateAssignment creates an assignment, enforcing exclusivity inside the
// FSM: one active assignment per resource, and per (user, definition)
// unless the definition is multi-session.
func (m *Manager) CreateAssignment(a *types.Assignment, multiSession bool) error {
	return m.apply("create_assignment", &assignmentPayload{
		Assignment:   a,
		MultiSession: multiSession,
	})
}

func (m *Manager) UpdateAssignment(a *types.Assignment) error {
	return m.apply("update_assignment", a)
}

func (m *Manager) DeleteAssignment(id string) error {
	return m.apply("delete_assignment", id)
}

func (m *Manager) GetAssignment(id string) (*types.Assignment, error) {
	return m.store.GetAssignment(id)
}

func (m *Manager) ListAssignments() ([]*types.Assignment, error) {
	return m.store.ListAssignments()
}

// Task operations

func (m *Manager) CreateTask(task *types.Task) error {
	return m.apply("create_task", task)
}

func (m *Manager) UpdateTask(task *types.Task) error {
	return m.apply("update_task", task)
}

func (m *Manager) DeleteTask(id string) error {
	return m.apply("delete_task", id)
}

func (m *Manager) GetTask(id string) (*types.Task, error) {
	return m.store.GetTask(id)
}

func (m *Manager) ListTasks() ([]*types.Task, error) {
	return m.store.ListTasks()
}

// Ticket operations

func (m *Manager) CreateTicket(t *types.TunnelTicket) error {
	return m.apply("create_ticket", t)
}

func (m *Manager) DeleteTicket(id string) error {
	return m.apply("delete_ticket", id)
}

func (m *Manager) GetTicket(id string) (*types.TunnelTicket, error) {
	return m.store.GetTicket(id)
}

func (m *Manager) ListTickets() ([]*types.TunnelTicket, error) {
	return m.store.ListTickets()
}

// RedeemTicket atomically consumes a ticket through the FSM, so exactly one
// redemption wins across all broker instances.
func (m *Manager) RedeemTicket(id string, now time.Time) (*types.TunnelTicket, error) {
	data, err := json.Marshal(&redeemPayload{TicketID: id, Now: now})
	if err != nil {
		return nil, err
	}
	resp, err := m.Apply(Command{Op: "redeem_ticket", Data: data})
	if err != nil {
		return nil, err
	}
	t, ok := resp.(*types.TunnelTicket)
	if !ok {
		return nil, fmt.Errorf("unexpected redeem_ticket response %T", resp)
	}
	return t, nil
}

// Actor token operations

func (m *Manager) PutActorToken(t *types.ActorToken) error {
	return m.apply("put_actor_token", t)
}

func (m *Manager) DeleteActorTokensByResource(resourceID string) error {
	return m.apply("delete_actor_tokens", resourceID)
}

func (m *Manager) GetActorToken(token string) (*types.ActorToken, error) {
	return m.store.GetActorToken(token)
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %v", err)
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
	}

	return nil
}
