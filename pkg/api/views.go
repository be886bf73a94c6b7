package api

import (
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

// Wire views decouple the JSON surface from the stored records. Resource
// and assignment views deliberately omit the connect endpoint: clients
// reach resources only through redeemed tunnel tickets.

type serviceDefView struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Version         int               `json:"version"`
	ProviderKind    string            `json:"provider_kind"`
	ProviderConfig  map[string]string `json:"provider_config,omitempty"`
	ImageRef        string            `json:"image_ref"`
	CPUs            int               `json:"cpus,omitempty"`
	MemoryBytes     int64             `json:"memory_bytes,omitempty"`
	AgentRequired   bool              `json:"agent_required"`
	ConnectPort     int               `json:"connect_port"`
	ConnectProtocol string            `json:"connect_protocol"`
	RecycleMode     string            `json:"recycle_mode,omitempty"`
	MaxReuses       int               `json:"max_reuses,omitempty"`
	MultiSession    bool              `json:"multi_session"`
	IdleTimeout     string            `json:"idle_timeout,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func toServiceDefView(def *types.ServiceDefinition) serviceDefView {
	v := serviceDefView{
		ID:              def.ID,
		Name:            def.Name,
		Version:         def.Version,
		ProviderKind:    def.ProviderKind,
		ProviderConfig:  def.ProviderConfig,
		ImageRef:        def.ImageRef,
		CPUs:            def.CPUs,
		MemoryBytes:     def.MemoryBytes,
		AgentRequired:   def.AgentRequired,
		ConnectPort:     def.ConnectPort,
		ConnectProtocol: def.ConnectProtocol,
		MultiSession:    def.MultiSession,
		CreatedAt:       def.CreatedAt,
		UpdatedAt:       def.UpdatedAt,
	}
	if def.RecyclePolicy != nil {
		v.RecycleMode = string(def.RecyclePolicy.Mode)
		v.MaxReuses = def.RecyclePolicy.MaxReuses
	}
	if def.IdleTimeout > 0 {
		v.IdleTimeout = def.IdleTimeout.String()
	}
	return v
}

type serviceDefRequest struct {
	Name            string            `json:"name"`
	ProviderKind    string            `json:"provider_kind"`
	ProviderConfig  map[string]string `json:"provider_config"`
	ImageRef        string            `json:"image_ref"`
	CPUs            int               `json:"cpus"`
	MemoryBytes     int64             `json:"memory_bytes"`
	AgentRequired   bool              `json:"agent_required"`
	ConnectPort     int               `json:"connect_port"`
	ConnectProtocol string            `json:"connect_protocol"`
	RecycleMode     string            `json:"recycle_mode"`
	MaxReuses       int               `json:"max_reuses"`
	MultiSession    bool              `json:"multi_session"`
	IdleTimeout     string            `json:"idle_timeout"`
}

type poolView struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	ServiceDefID    string    `json:"service_def_id"`
	DesiredCount    int       `json:"desired_count"`
	MaxCount        int       `json:"max_count"`
	ReadyCacheCount int       `json:"ready_cache_count,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func toPoolView(p *types.Pool) poolView {
	return poolView{
		ID:              p.ID,
		Name:            p.Name,
		ServiceDefID:    p.ServiceDefID,
		DesiredCount:    p.DesiredCount,
		MaxCount:        p.MaxCount,
		ReadyCacheCount: p.ReadyCacheCount,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

type poolRequest struct {
	Name            string `json:"name"`
	ServiceDefID    string `json:"service_def_id"`
	DesiredCount    int    `json:"desired_count"`
	MaxCount        int    `json:"max_count"`
	ReadyCacheCount int    `json:"ready_cache_count"`
}

type resourceView struct {
	ID             string    `json:"id"`
	PoolID         string    `json:"pool_id"`
	ServiceDefID   string    `json:"service_def_id"`
	DefVersion     int       `json:"def_version"`
	State          string    `json:"state"`
	AgentReady     bool      `json:"agent_ready"`
	UseCount       int       `json:"use_count"`
	LastAssignedAt time.Time `json:"last_assigned_at,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Error          string    `json:"error,omitempty"`
}

func toResourceView(r *types.Resource) resourceView {
	return resourceView{
		ID:             r.ID,
		PoolID:         r.PoolID,
		ServiceDefID:   r.ServiceDefID,
		DefVersion:     r.DefVersion,
		State:          string(r.State),
		AgentReady:     r.AgentReady,
		UseCount:       r.UseCount,
		LastAssignedAt: r.LastAssignedAt,
		CreatedAt:      r.CreatedAt,
		Error:          r.Error,
	}
}

type assignmentView struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ServiceDefID string    `json:"service_def_id"`
	PoolID       string    `json:"pool_id"`
	ResourceID   string    `json:"resource_id"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	ReleasedAt   time.Time `json:"released_at,omitempty"`
}

func toAssignmentView(a *types.Assignment) assignmentView {
	return assignmentView{
		ID:           a.ID,
		UserID:       a.UserID,
		ServiceDefID: a.ServiceDefID,
		PoolID:       a.PoolID,
		ResourceID:   a.ResourceID,
		State:        string(a.State),
		StartedAt:    a.StartedAt,
		LastActiveAt: a.LastActiveAt,
		ReleasedAt:   a.ReleasedAt,
	}
}

type assignmentRequest struct {
	UserID       string `json:"user_id"`
	ServiceDefID string `json:"service_def_id"`
}

// ticketView is what the requesting client receives: the opaque token and
// its lifetime, never the endpoint behind it.
type ticketView struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

type redeemRequest struct {
	Ticket string `json:"ticket"`
}

// redeemView is returned to the tunnel transport only
type redeemView struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	ResourceID string `json:"resource_id"`
	UserID     string `json:"user_id"`
}

type taskView struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	PoolID      string    `json:"pool_id"`
	ResourceID  string    `json:"resource_id"`
	CurrentStep int       `json:"current_step"`
	Steps       []string  `json:"steps"`
	Status      string    `json:"status"`
	Retries     int       `json:"retries"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toTaskView(t *types.Task) taskView {
	return taskView{
		ID:          t.ID,
		Kind:        string(t.Kind),
		PoolID:      t.PoolID,
		ResourceID:  t.ResourceID,
		CurrentStep: t.CurrentStep,
		Steps:       t.Steps,
		Status:      string(t.Status),
		Retries:     t.Retries,
		LastError:   t.LastError,
		CreatedAt:   t.CreatedAt,
	}
}

type eventView struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type errorView struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}
