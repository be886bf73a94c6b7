package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
)

// Client talks to the broker's control API. Writes that land on a follower
// are retried once against the leader address the follower reports.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the broker at baseURL (e.g. "http://host:8440")
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// ServiceDef mirrors the API's service definition representation
type ServiceDef struct {
	ID              string            `json:"id,omitempty"`
	Name            string            `json:"name"`
	Version         int               `json:"version,omitempty"`
	ProviderKind    string            `json:"provider_kind"`
	ProviderConfig  map[string]string `json:"provider_config,omitempty"`
	ImageRef        string            `json:"image_ref"`
	CPUs            int               `json:"cpus,omitempty"`
	MemoryBytes     int64             `json:"memory_bytes,omitempty"`
	AgentRequired   bool              `json:"agent_required,omitempty"`
	ConnectPort     int               `json:"connect_port,omitempty"`
	ConnectProtocol string            `json:"connect_protocol,omitempty"`
	RecycleMode     string            `json:"recycle_mode,omitempty"`
	MaxReuses       int               `json:"max_reuses,omitempty"`
	MultiSession    bool              `json:"multi_session,omitempty"`
	IdleTimeout     string            `json:"idle_timeout,omitempty"`
}

// Pool mirrors the API's pool representation
type Pool struct {
	ID              string `json:"id,omitempty"`
	Name            string `json:"name"`
	ServiceDefID    string `json:"service_def_id"`
	DesiredCount    int    `json:"desired_count"`
	MaxCount        int    `json:"max_count"`
	ReadyCacheCount int    `json:"ready_cache_count,omitempty"`
}

// Resource mirrors the API's resource representation
type Resource struct {
	ID         string `json:"id"`
	PoolID     string `json:"pool_id"`
	State      string `json:"state"`
	DefVersion int    `json:"def_version"`
	AgentReady bool   `json:"agent_ready"`
	UseCount   int    `json:"use_count"`
	Error      string `json:"error,omitempty"`
}

// Assignment mirrors the API's assignment representation
type Assignment struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ServiceDefID string    `json:"service_def_id"`
	PoolID       string    `json:"pool_id"`
	ResourceID   string    `json:"resource_id"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
}

// Task mirrors the API's task representation
type Task struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	PoolID      string `json:"pool_id"`
	ResourceID  string `json:"resource_id"`
	CurrentStep int    `json:"current_step"`
	Status      string `json:"status"`
	Retries     int    `json:"retries"`
	LastError   string `json:"last_error,omitempty"`
}

// Ticket is an issued tunnel ticket
type Ticket struct {
	Ticket    string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

type apiError struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}

// do performs one request, following a single not-leader redirect
func (c *Client) do(method, path string, body, out interface{}) error {
	err := c.doOnce(c.baseURL, method, path, body, out)
	var nl *notLeaderError
	if ok := asNotLeader(err, &nl); ok && nl.leader != "" {
		return c.doOnce("http://"+nl.leader, method, path, body, out)
	}
	return err
}

type notLeaderError struct {
	leader string
}

func (e *notLeaderError) Error() string {
	return fmt.Sprintf("%v (leader: %s)", errdefs.ErrNotLeader, e.leader)
}

func asNotLeader(err error, target **notLeaderError) bool {
	if nl, ok := err.(*notLeaderError); ok {
		*target = nl
		return true
	}
	return false
}

func (c *Client) doOnce(base, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return errdefs.ErrPending
	case resp.StatusCode >= 400:
		var ae apiError
		if derr := json.NewDecoder(resp.Body).Decode(&ae); derr == nil {
			if resp.StatusCode == http.StatusServiceUnavailable && ae.Leader != "" {
				return &notLeaderError{leader: ae.Leader}
			}
			return mapError(resp.StatusCode, ae.Error)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// mapError restores broker sentinels from their kind strings so callers
// can classify with errors.Is across the wire.
func mapError(status int, msg string) error {
	for _, sentinel := range []error{
		errdefs.ErrCapacityExhausted,
		errdefs.ErrTicketExpired,
		errdefs.ErrTicketAlreadyUsed,
		errdefs.ErrConflict,
		errdefs.ErrNotFound,
		errdefs.ErrNotLeader,
	} {
		if msg == sentinel.Error() {
			return sentinel
		}
	}
	return fmt.Errorf("request failed with status %d: %s", status, msg)
}

// CreateServiceDef creates a service definition
func (c *Client) CreateServiceDef(def *ServiceDef) (*ServiceDef, error) {
	var out ServiceDef
	if err := c.do(http.MethodPost, "/v1/servicedefs", def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateServiceDef replaces a service definition, bumping its version
func (c *Client) UpdateServiceDef(id string, def *ServiceDef) (*ServiceDef, error) {
	var out ServiceDef
	if err := c.do(http.MethodPut, "/v1/servicedefs/"+id, def, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListServiceDefs lists all service definitions
func (c *Client) ListServiceDefs() ([]ServiceDef, error) {
	var out []ServiceDef
	if err := c.do(http.MethodGet, "/v1/servicedefs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteServiceDef deletes a service definition
func (c *Client) DeleteServiceDef(id string) error {
	return c.do(http.MethodDelete, "/v1/servicedefs/"+id, nil, nil)
}

// CreatePool creates a pool
func (c *Client) CreatePool(pool *Pool) (*Pool, error) {
	var out Pool
	if err := c.do(http.MethodPost, "/v1/pools", pool, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdatePool updates a pool's counts
func (c *Client) GetPool(id string) (*Pool, error) {
	var out Pool
	if err := c.do(http.MethodGet, "/v1/pools/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdatePool(id string, pool *Pool) (*Pool, error) {
	var out Pool
	if err := c.do(http.MethodPut, "/v1/pools/"+id, pool, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListPools lists all pools
func (c *Client) ListPools() ([]Pool, error) {
	var out []Pool
	if err := c.do(http.MethodGet, "/v1/pools", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePool deletes a pool
func (c *Client) DeletePool(id string) error {
	return c.do(http.MethodDelete, "/v1/pools/"+id, nil, nil)
}

// ListPoolResources lists the resources in a pool
func (c *Client) ListPoolResources(poolID string) ([]Resource, error) {
	var out []Resource
	if err := c.do(http.MethodGet, "/v1/pools/"+poolID+"/resources", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RequestAssignment asks for a desktop. errdefs.ErrPending means an
// on-demand provision is in flight and the caller should poll again.
func (c *Client) ListTasks() ([]Task, error) {
	var out []Task
	if err := c.do(http.MethodGet, "/v1/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelTask(id string) error {
	return c.do(http.MethodPost, "/v1/tasks/"+id+"/cancel", nil, nil)
}

func (c *Client) RequestAssignment(userID, serviceDefID string) (*Assignment, error) {
	var out Assignment
	req := map[string]string{"user_id": userID, "service_def_id": serviceDefID}
	if err := c.do(http.MethodPost, "/v1/assignments", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAssignments lists all assignments
func (c *Client) ListAssignments() ([]Assignment, error) {
	var out []Assignment
	if err := c.do(http.MethodGet, "/v1/assignments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseAssignment releases an assignment
func (c *Client) ReleaseAssignment(id string) error {
	return c.do(http.MethodDelete, "/v1/assignments/"+id, nil, nil)
}

// IssueTicket mints a tunnel ticket for an assignment
func (c *Client) IssueTicket(assignmentID string) (*Ticket, error) {
	var out Ticket
	if err := c.do(http.MethodPost, "/v1/assignments/"+assignmentID+"/ticket", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ClusterJoin asks the leader to add a broker node as a raft voter
func (c *Client) ClusterJoin(nodeID, address string) error {
	req := map[string]string{"node_id": nodeID, "address": address}
	return c.do(http.MethodPost, "/v1/cluster/join", req, nil)
}

// Redeem consumes a tunnel ticket and returns the endpoint it was bound
// to. Used by standalone tunnel nodes; it satisfies tunnel.Redeemer.
func (c *Client) Redeem(ticketID string) (*types.TunnelTicket, error) {
	var out struct {
		Host       string `json:"host"`
		Port       int    `json:"port"`
		Protocol   string `json:"protocol"`
		ResourceID string `json:"resource_id"`
		UserID     string `json:"user_id"`
	}
	req := map[string]string{"ticket": ticketID}
	if err := c.do(http.MethodPost, "/v1/tunnel/redeem", req, &out); err != nil {
		return nil, err
	}
	return &types.TunnelTicket{
		ID:         ticketID,
		ResourceID: out.ResourceID,
		UserID:     out.UserID,
		Endpoint:   &types.Endpoint{Host: out.Host, Port: out.Port, Protocol: out.Protocol},
		State:      types.TicketStateConsumed,
	}, nil
}
