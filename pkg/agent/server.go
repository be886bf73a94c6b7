package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// TokenHeader carries the actor's credential on every callback. The value
// is injected into the guest as the BURROW_ACTOR_TOKEN environment variable
// during provisioning.
const TokenHeader = "X-Burrow-Actor-Token"

// Sessions is the assignment surface the actor callbacks drive. The
// scheduler implements it.
type Sessions interface {
	Touch(assignmentID string) error
	Release(ctx context.Context, assignmentID string) error
}

// Server handles callbacks from guest actors: readiness, session
// keepalives, and logout-driven release. Every request authenticates with
// a per-resource token; failures are a bare 403 so probes learn nothing.
type Server struct {
	manager  *manager.Manager
	sessions Sessions
	logger   zerolog.Logger
}

// NewServer creates an actor callback server
func NewServer(mgr *manager.Manager, sessions Sessions) *Server {
	return &Server{
		manager:  mgr,
		sessions: sessions,
		logger:   log.WithComponent("agent"),
	}
}

// Routes registers the actor callback endpoints on mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /actor/v1/register", s.authenticated(s.handleRegister))
	mux.HandleFunc("POST /actor/v1/ready", s.authenticated(s.handleReady))
	mux.HandleFunc("POST /actor/v1/ping", s.authenticated(s.handlePing))
	mux.HandleFunc("POST /actor/v1/login", s.authenticated(s.handlePing))
	mux.HandleFunc("POST /actor/v1/logout", s.authenticated(s.handleLogout))
}

type actorHandler func(w http.ResponseWriter, r *http.Request, resourceID string)

func (s *Server) authenticated(next actorHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(TokenHeader)
		if token == "" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		resourceID, err := s.manager.ValidateActorToken(token)
		if err != nil {
			s.logger.Warn().Str("remote", r.RemoteAddr).Msg("actor callback with invalid token")
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next(w, r, resourceID)
	}
}

type registerView struct {
	ResourceID      string `json:"resource_id"`
	ServiceDefID    string `json:"service_def_id"`
	ConnectPort     int    `json:"connect_port"`
	ConnectProtocol string `json:"connect_protocol"`
}

// handleRegister is the actor's bootstrap handshake: it confirms the token
// and returns the connect configuration the guest should report against.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, resourceID string) {
	res, err := s.manager.GetResource(resourceID)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	def, err := s.manager.GetServiceDef(res.ServiceDefID)
	if err != nil {
		http.Error(w, "service definition missing", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Str("resource_id", resourceID).Msg("actor registered")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(registerView{
		ResourceID:      res.ID,
		ServiceDefID:    def.ID,
		ConnectPort:     def.ConnectPort,
		ConnectProtocol: def.ConnectProtocol,
	})
}

type readyRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// handleReady records the guest's connect address and flips the readiness
// flag the provisioning pipeline is waiting on.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, resourceID string) {
	var req readyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Host == "" {
		http.Error(w, "host is required", http.StatusBadRequest)
		return
	}

	res, err := s.manager.GetResource(resourceID)
	if err != nil {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	def, err := s.manager.GetServiceDef(res.ServiceDefID)
	if err != nil {
		http.Error(w, "service definition missing", http.StatusInternalServerError)
		return
	}
	port := req.Port
	if port == 0 {
		port = def.ConnectPort
	}
	protocol := req.Protocol
	if protocol == "" {
		protocol = def.ConnectProtocol
	}

	endpoint := &types.Endpoint{Host: req.Host, Port: port, Protocol: protocol}
	agentReady := true
	if err := s.casResource(resourceID, func(cas *storage.ResourceCAS) {
		cas.Endpoint = endpoint
		cas.AgentReady = &agentReady
	}); err != nil {
		s.logger.Error().Err(err).Str("resource_id", resourceID).Msg("failed to record readiness")
		http.Error(w, "failed to record readiness", http.StatusInternalServerError)
		return
	}

	s.logger.Info().Str("resource_id", resourceID).Str("host", req.Host).Int("port", port).
		Msg("actor reported ready")
	w.WriteHeader(http.StatusNoContent)
}

// handlePing refreshes the assignment's activity clock so the idle sweep
// leaves live sessions alone. A resource with no active assignment still
// gets a 204; the actor pings unconditionally.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request, resourceID string) {
	a, err := s.activeAssignment(resourceID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if a != nil {
		if err := s.sessions.Touch(a.ID); err != nil && !errors.Is(err, errdefs.ErrConflict) {
			http.Error(w, "touch failed", http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLogout releases the resource's active assignment, ending the
// session from the guest side.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, resourceID string) {
	a, err := s.activeAssignment(resourceID)
	if err != nil {
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if a == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := s.sessions.Release(r.Context(), a.ID); err != nil {
		s.logger.Error().Err(err).Str("assignment_id", a.ID).Msg("logout release failed")
		http.Error(w, "release failed", http.StatusInternalServerError)
		return
	}
	s.logger.Info().Str("resource_id", resourceID).Str("assignment_id", a.ID).
		Msg("session ended by actor logout")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activeAssignment(resourceID string) (*types.Assignment, error) {
	assignments, err := s.manager.ListAssignments()
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		if a.ResourceID == resourceID && a.State == types.AssignmentStateActive {
			return a, nil
		}
	}
	return nil, nil
}

// casResource applies a field update to the resource without changing its
// state, retrying lost races.
func (s *Server) casResource(resourceID string, set func(*storage.ResourceCAS)) error {
	for i := 0; i < 3; i++ {
		res, err := s.manager.GetResource(resourceID)
		if err != nil {
			return err
		}
		cas := storage.ResourceCAS{
			ID:            res.ID,
			ExpectedState: res.State,
			NewState:      res.State,
		}
		set(&cas)
		if _, err := s.manager.CASResource(cas); err == nil {
			return nil
		} else if !errors.Is(err, errdefs.ErrConflict) {
			return err
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errdefs.Conflict("resource " + resourceID + " kept changing")
}
