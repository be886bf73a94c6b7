package types

import (
	"time"
)

// ServiceDefinition is the template a pool provisions resources from.
// Definitions are versioned: updating one bumps Version, and resources
// remember the version they were built from so the reconciler can prefer
// stale units when shrinking a pool.
type ServiceDefinition struct {
	ID              string
	Name            string
	Version         int
	ProviderKind    string            // "fake", "docker", "containerd"
	ProviderConfig  map[string]string // adapter-specific settings (socket, host, ...)
	ImageRef        string            // image or snapshot the provider clones from
	CPUs            int
	MemoryBytes     int64
	AgentRequired   bool // wait for the guest actor before marking Ready
	ConnectPort     int
	ConnectProtocol string // "rdp", "spice", "vnc", "ssh"
	RecyclePolicy   *RecyclePolicy
	MultiSession    bool // allow more than one active assignment per user
	IdleTimeout     time.Duration
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RecyclePolicy decides what happens to a resource when its assignment ends.
type RecyclePolicy struct {
	Mode      RecycleMode
	MaxReuses int // 0 = unlimited (recycle mode only)
}

// RecycleMode defines the release behavior
type RecycleMode string

const (
	// RecycleModeRecycle power-cycles the resource back to Ready
	RecycleModeRecycle RecycleMode = "recycle"

	// RecycleModeDestroy tears the resource down on release
	RecycleModeDestroy RecycleMode = "destroy"
)

// Pool is a named group of resources sharing a ServiceDefinition.
// Invariant: 0 <= ready <= DesiredCount <= MaxCount.
type Pool struct {
	ID                string
	Name              string
	ServiceDefID      string
	ServiceDefVersion int
	DesiredCount      int
	MaxCount          int
	ReadyCacheCount   int // ready units kept warm beyond current demand
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Resource is one instantiated unit (VM or session host).
type Resource struct {
	ID             string
	PoolID         string
	ServiceDefID   string
	DefVersion     int    // definition version this unit was built from
	ProviderID     string // backend identifier, set by the create step
	State          ResourceState
	Version        uint64 // optimistic-concurrency counter, bumped on every write
	Endpoint       *Endpoint
	AgentReady     bool
	UseCount       int
	LastAssignedAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Error          string
}

// ResourceState represents the lifecycle state of a resource
type ResourceState string

const (
	ResourceStateProvisioning ResourceState = "provisioning"
	ResourceStateReady        ResourceState = "ready"
	ResourceStateAssigned     ResourceState = "assigned"
	ResourceStateReleasing    ResourceState = "releasing"
	ResourceStateDestroyed    ResourceState = "destroyed"
	ResourceStateError        ResourceState = "error"
)

// Endpoint is where a client ultimately connects. It is never returned to
// clients directly; only the tunnel transport resolves it from a ticket.
type Endpoint struct {
	Host     string
	Port     int
	Protocol string
}

// Assignment binds a user to a resource for a session.
// At most one active assignment per resource, and one per
// (user, service definition) unless the definition is multi-session.
type Assignment struct {
	ID           string
	UserID       string
	ServiceDefID string
	PoolID       string
	ResourceID   string
	State        AssignmentState
	Exclusive    bool
	StartedAt    time.Time
	LastActiveAt time.Time
	IdleTimeout  time.Duration
	ReleasedAt   time.Time
}

// AssignmentState represents the state of an assignment
type AssignmentState string

const (
	AssignmentStateActive    AssignmentState = "active"
	AssignmentStateReleasing AssignmentState = "releasing"
	AssignmentStateReleased  AssignmentState = "released"
)

// Active reports whether the assignment currently holds its resource.
func (a *Assignment) Active() bool {
	return a.State == AssignmentStateActive
}

// Task is a durable unit of pipeline work. The engine persists CurrentStep,
// Status, Retries and LastError after every step transition, so a restarted
// broker resumes from the last committed step.
type Task struct {
	ID              string
	Kind            TaskKind
	PoolID          string
	ResourceID      string
	Steps           []string
	CurrentStep     int
	Status          TaskStatus
	Retries         int
	LastError       string
	CancelRequested bool
	Deadline        time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskKind identifies the step set a task executes
type TaskKind string

const (
	TaskKindProvision   TaskKind = "provision"
	TaskKindDeprovision TaskKind = "deprovision"
	TaskKindRecycle     TaskKind = "recycle"
)

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Active reports whether the task still holds pipeline capacity.
func (t *Task) Active() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusRunning
}

// TicketLength is the length of a tunnel ticket identifier
const TicketLength = 48

// TunnelTicket is a single-use token binding a client session to a resource
// endpoint. Redeemed exactly once by the tunnel transport.
type TunnelTicket struct {
	ID           string // 48-char alphanumeric
	AssignmentID string
	ResourceID   string
	UserID       string
	Endpoint     *Endpoint
	State        TicketState
	IssuedAt     time.Time
	ExpiresAt    time.Time
	ConsumedAt   time.Time
}

// TicketState represents the redemption state of a ticket
type TicketState string

const (
	TicketStateIssued   TicketState = "issued"
	TicketStateConsumed TicketState = "consumed"
)

// ActorToken is the credential a guest actor presents on callbacks.
// Minted during provisioning, persisted so it survives broker restarts.
type ActorToken struct {
	Token      string
	ResourceID string
	CreatedAt  time.Time
}
