package storage

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// ResourceCAS describes a conditional state transition on a resource.
// The update applies only if the record's current state (and version, when
// non-zero) matches the expectation; otherwise errdefs.ErrConflict.
type ResourceCAS struct {
	ID              string
	ExpectedState   types.ResourceState
	ExpectedVersion uint64 // 0 = any version
	NewState        types.ResourceState

	// Optional field updates applied together with the transition.
	ProviderID   *string
	Endpoint     *types.Endpoint
	AgentReady   *bool
	Error        *string
	IncrementUse bool
	TouchAssign  bool // stamp LastAssignedAt

	Now time.Time
}

// Store defines the interface for broker state storage.
// Implemented by BoltDB-backed storage; all writes are transactional.
type Store interface {
	// Service definitions
	CreateServiceDef(def *types.ServiceDefinition) error
	GetServiceDef(id string) (*types.ServiceDefinition, error)
	GetServiceDefByName(name string) (*types.ServiceDefinition, error)
	ListServiceDefs() ([]*types.ServiceDefinition, error)
	UpdateServiceDef(def *types.ServiceDefinition) error
	DeleteServiceDef(id string) error

	// Pools
	CreatePool(pool *types.Pool) error
	GetPool(id string) (*types.Pool, error)
	GetPoolByName(name string) (*types.Pool, error)
	ListPools() ([]*types.Pool, error)
	UpdatePool(pool *types.Pool) error
	DeletePool(id string) error

	// Resources
	CreateResource(res *types.Resource) error
	GetResource(id string) (*types.Resource, error)
	ListResources() ([]*types.Resource, error)
	ListResourcesByPool(poolID string) ([]*types.Resource, error)
	UpdateResource(res *types.Resource) error
	DeleteResource(id string) error

	// CASResourceState performs the conditional transition that backs every
	// resource lifecycle change. Returns the updated record, or
	// errdefs.ErrConflict when the precondition does not hold.
	CASResourceState(cas ResourceCAS) (*types.Resource, error)

	// Assignments
	CreateAssignment(a *types.Assignment, multiSession bool) error
	GetAssignment(id string) (*types.Assignment, error)
	ListAssignments() ([]*types.Assignment, error)
	UpdateAssignment(a *types.Assignment) error
	DeleteAssignment(id string) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id string) error

	// Tunnel tickets
	CreateTicket(t *types.TunnelTicket) error
	GetTicket(id string) (*types.TunnelTicket, error)
	ListTickets() ([]*types.TunnelTicket, error)
	DeleteTicket(id string) error

	// RedeemTicket atomically consumes a ticket. Exactly one call succeeds;
	// later calls return errdefs.ErrTicketAlreadyUsed, and redemption past
	// expiry returns errdefs.ErrTicketExpired.
	RedeemTicket(id string, now time.Time) (*types.TunnelTicket, error)

	// Actor tokens
	PutActorToken(t *types.ActorToken) error
	GetActorToken(token string) (*types.ActorToken, error)
	DeleteActorTokensByResource(resourceID string) error

	// Utility
	Close() error
}
