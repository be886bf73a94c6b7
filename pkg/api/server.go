package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pipeline"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/tunnel"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Server exposes the broker's control API over HTTP+JSON. Admin surface
// (definitions, pools, inspection), the user-facing assignment surface, and
// the ticket endpoints share one listener with /healthz and /metrics.
type Server struct {
	manager   *manager.Manager
	scheduler *scheduler.Scheduler
	engine    *pipeline.Engine
	tickets   *tunnel.Broker
	httpSrv   *http.Server
	logger    zerolog.Logger
}

// NewServer creates a new API server
func NewServer(mgr *manager.Manager, sched *scheduler.Scheduler, engine *pipeline.Engine, tickets *tunnel.Broker) *Server {
	return &Server{
		manager:   mgr,
		scheduler: sched,
		engine:    engine,
		tickets:   tickets,
		logger:    log.WithComponent("api"),
	}
}

// Routes registers all handlers on mux. Split out so the actor callback
// server can share the listener.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/servicedefs", s.handleListServiceDefs)
	mux.HandleFunc("POST /v1/servicedefs", s.leaderOnly(s.handleCreateServiceDef))
	mux.HandleFunc("GET /v1/servicedefs/{id}", s.handleGetServiceDef)
	mux.HandleFunc("PUT /v1/servicedefs/{id}", s.leaderOnly(s.handleUpdateServiceDef))
	mux.HandleFunc("DELETE /v1/servicedefs/{id}", s.leaderOnly(s.handleDeleteServiceDef))

	mux.HandleFunc("GET /v1/pools", s.handleListPools)
	mux.HandleFunc("POST /v1/pools", s.leaderOnly(s.handleCreatePool))
	mux.HandleFunc("GET /v1/pools/{id}", s.handleGetPool)
	mux.HandleFunc("PUT /v1/pools/{id}", s.leaderOnly(s.handleUpdatePool))
	mux.HandleFunc("DELETE /v1/pools/{id}", s.leaderOnly(s.handleDeletePool))
	mux.HandleFunc("GET /v1/pools/{id}/resources", s.handleListPoolResources)

	mux.HandleFunc("GET /v1/resources", s.handleListResources)
	mux.HandleFunc("GET /v1/tasks", s.handleListTasks)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.leaderOnly(s.handleCancelTask))

	mux.HandleFunc("GET /v1/assignments", s.handleListAssignments)
	mux.HandleFunc("POST /v1/assignments", s.leaderOnly(s.handleRequestAssignment))
	mux.HandleFunc("GET /v1/assignments/{id}", s.handleGetAssignment)
	mux.HandleFunc("DELETE /v1/assignments/{id}", s.leaderOnly(s.handleReleaseAssignment))
	mux.HandleFunc("POST /v1/assignments/{id}/ticket", s.leaderOnly(s.handleIssueTicket))

	mux.HandleFunc("POST /v1/tunnel/redeem", s.leaderOnly(s.handleRedeem))

	mux.HandleFunc("POST /v1/cluster/join", s.leaderOnly(s.handleClusterJoin))
	mux.HandleFunc("GET /v1/cluster/status", s.handleClusterStatus)

	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
}

// Start begins serving on addr
func (s *Server) Start(addr string) error {
	return s.StartWith(addr)
}

// StartWith begins serving on addr with additional route sets (the actor
// callback server) sharing the listener.
func (s *Server) StartWith(addr string, extra ...func(*http.ServeMux)) error {
	mux := http.NewServeMux()
	s.Routes(mux)
	for _, register := range extra {
		register(mux)
	}

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("API server listening")
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server failed")
		}
	}()
	return nil
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// leaderOnly rejects writes on followers with the leader's address, so a
// client can retry against the right node.
func (s *Server) leaderOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.manager.IsLeader() {
			writeJSON(w, http.StatusServiceUnavailable, errorView{
				Error:  errdefs.ErrNotLeader.Error(),
				Leader: s.manager.LeaderAddr(),
			})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps broker error kinds onto HTTP statuses. Only the kind
// string leaves the process; provider detail stays in logs.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrConflict),
		errors.Is(err, errdefs.ErrCapacityExhausted),
		errors.Is(err, errdefs.ErrTicketExpired),
		errors.Is(err, errdefs.ErrTicketAlreadyUsed):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrNotLeader):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, errorView{Error: errdefs.Kind(err)})
}

// --- service definitions ---

func (s *Server) handleListServiceDefs(w http.ResponseWriter, r *http.Request) {
	defs, err := s.manager.ListServiceDefs()
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]serviceDefView, 0, len(defs))
	for _, def := range defs {
		views = append(views, toServiceDefView(def))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetServiceDef(w http.ResponseWriter, r *http.Request) {
	def, err := s.manager.GetServiceDef(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDefView(def))
}

func (s *Server) decodeServiceDef(r *http.Request) (*types.ServiceDefinition, error) {
	var req serviceDefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if req.Name == "" {
		return nil, errors.New("name is required")
	}
	if req.ProviderKind == "" {
		return nil, errors.New("provider_kind is required")
	}
	if req.ImageRef == "" {
		return nil, errors.New("image_ref is required")
	}

	def := &types.ServiceDefinition{
		Name:            req.Name,
		ProviderKind:    req.ProviderKind,
		ProviderConfig:  req.ProviderConfig,
		ImageRef:        req.ImageRef,
		CPUs:            req.CPUs,
		MemoryBytes:     req.MemoryBytes,
		AgentRequired:   req.AgentRequired,
		ConnectPort:     req.ConnectPort,
		ConnectProtocol: req.ConnectProtocol,
		MultiSession:    req.MultiSession,
	}
	if req.RecycleMode != "" {
		mode := types.RecycleMode(req.RecycleMode)
		if mode != types.RecycleModeRecycle && mode != types.RecycleModeDestroy {
			return nil, fmt.Errorf("unknown recycle_mode: %s", req.RecycleMode)
		}
		def.RecyclePolicy = &types.RecyclePolicy{Mode: mode, MaxReuses: req.MaxReuses}
	}
	if req.IdleTimeout != "" {
		d, err := time.ParseDuration(req.IdleTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid idle_timeout: %w", err)
		}
		def.IdleTimeout = d
	}
	return def, nil
}

func (s *Server) handleCreateServiceDef(w http.ResponseWriter, r *http.Request) {
	def, err := s.decodeServiceDef(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error()})
		return
	}
	def.ID = uuid.New().String()
	def.Version = 1
	now := time.Now()
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := s.manager.CreateServiceDef(def); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toServiceDefView(def))
}

// handleUpdateServiceDef replaces the definition and bumps its version.
// Existing resources keep their old version and become shrink victims
// first; nothing is rebuilt eagerly.
func (s *Server) handleUpdateServiceDef(w http.ResponseWriter, r *http.Request) {
	existing, err := s.manager.GetServiceDef(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	def, derr := s.decodeServiceDef(r)
	if derr != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: derr.Error()})
		return
	}
	def.ID = existing.ID
	def.Version = existing.Version + 1
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now()

	if err := s.manager.UpdateServiceDef(def); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceDefView(def))
}

// handleDeleteServiceDef refuses while pools still reference the definition
func (s *Server) handleDeleteServiceDef(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	pools, err := s.manager.ListPools()
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, p := range pools {
		if p.ServiceDefID == id {
			s.writeError(w, errdefs.Conflict("definition is referenced by pool "+p.Name))
			return
		}
	}
	if err := s.manager.DeleteServiceDef(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- pools ---

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.manager.ListPools()
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]poolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, toPoolView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.manager.GetPool(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolView(pool))
}

func validatePoolCounts(desired, max, readyCache int) error {
	if desired < 0 {
		return errors.New("desired_count must not be negative")
	}
	if readyCache < 0 {
		return errors.New("ready_cache_count must not be negative")
	}
	if max < desired+readyCache {
		return errors.New("max_count must be at least desired_count plus ready_cache_count")
	}
	return nil
}

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req poolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid request body"})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "name is required"})
		return
	}
	if err := validatePoolCounts(req.DesiredCount, req.MaxCount, req.ReadyCacheCount); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error()})
		return
	}

	def, err := s.manager.GetServiceDef(req.ServiceDefID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	now := time.Now()
	pool := &types.Pool{
		ID:                uuid.New().String(),
		Name:              req.Name,
		ServiceDefID:      def.ID,
		ServiceDefVersion: def.Version,
		DesiredCount:      req.DesiredCount,
		MaxCount:          req.MaxCount,
		ReadyCacheCount:   req.ReadyCacheCount,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.manager.CreatePool(pool); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPoolView(pool))
}

// handleUpdatePool changes desired/max counts; the reconciler converges the
// pool on its next cycle.
func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	pool, err := s.manager.GetPool(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req poolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid request body"})
		return
	}
	if err := validatePoolCounts(req.DesiredCount, req.MaxCount, req.ReadyCacheCount); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: err.Error()})
		return
	}

	pool.DesiredCount = req.DesiredCount
	pool.MaxCount = req.MaxCount
	pool.ReadyCacheCount = req.ReadyCacheCount
	if req.Name != "" {
		pool.Name = req.Name
	}
	pool.UpdatedAt = time.Now()

	if err := s.manager.UpdatePool(pool); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPoolView(pool))
}

// handleDeletePool refuses while the pool still holds live resources;
// operators drain by setting desired to zero first.
func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	resources, err := s.manager.ListResourcesByPool(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	for _, res := range resources {
		if res.State != types.ResourceStateDestroyed {
			s.writeError(w, errdefs.Conflict("pool still has live resources"))
			return
		}
	}
	if err := s.manager.DeletePool(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPoolResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.manager.ListResourcesByPool(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]resourceView, 0, len(resources))
	for _, res := range resources {
		views = append(views, toResourceView(res))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := s.manager.ListResources()
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]resourceView, 0, len(resources))
	for _, res := range resources {
		views = append(views, toResourceView(res))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.manager.ListTasks()
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, toTaskView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

// handleCancelTask requests cooperative cancellation; the pipeline honors
// it at the next step boundary.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- assignments ---

// handleRequestAssignment resolves a user's desktop request. 200 with the
// assignment when a resource was claimed or reattached, 202 while an
// on-demand provision is in flight, 409 when the pool is exhausted.
func (s *Server) handleRequestAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid request body"})
		return
	}
	if req.UserID == "" || req.ServiceDefID == "" {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "user_id and service_def_id are required"})
		return
	}

	a, err := s.scheduler.RequestAssignment(r.Context(), req.UserID, req.ServiceDefID)
	if err != nil {
		if errors.Is(err, errdefs.ErrPending) {
			writeJSON(w, http.StatusAccepted, errorView{Error: errdefs.Kind(err)})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentView(a))
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := s.manager.ListAssignments()
	if err != nil {
		s.writeError(w, err)
		return
	}
	views := make([]assignmentView, 0, len(assignments))
	for _, a := range assignments {
		views = append(views, toAssignmentView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := s.manager.GetAssignment(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAssignmentView(a))
}

func (s *Server) handleReleaseAssignment(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.Release(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- tickets ---

func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	ticket, err := s.tickets.IssueTicket(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticketView{Ticket: ticket.ID, ExpiresAt: ticket.ExpiresAt})
}

// handleRedeem serves standalone tunnel nodes; this is the only place the
// endpoint leaves the broker.
func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid request body"})
		return
	}

	ticket, err := s.tickets.Redeem(req.Ticket)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redeemView{
		Host:       ticket.Endpoint.Host,
		Port:       ticket.Endpoint.Port,
		Protocol:   ticket.Endpoint.Protocol,
		ResourceID: ticket.ResourceID,
		UserID:     ticket.UserID,
	})
}

// --- cluster ---

type joinRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

// handleClusterJoin adds a broker node as a raft voter
func (s *Server) handleClusterJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "invalid request body"})
		return
	}
	if req.NodeID == "" || req.Address == "" {
		writeJSON(w, http.StatusBadRequest, errorView{Error: "node_id and address are required"})
		return
	}
	if err := s.manager.AddVoter(req.NodeID, req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetRaftStats())
}

// --- events / health ---

// handleEvents streams broker events as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	broker := s.manager.GetEventBroker()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			data, err := json.Marshal(eventView{
				Type:      string(event.Type),
				Timestamp: event.Timestamp,
				Message:   event.Message,
				Metadata:  event.Metadata,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"leader": s.manager.IsLeader(),
	})
}
