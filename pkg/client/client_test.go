package client

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowerRedirectsToLeader(t *testing.T) {
	var leaderHits int
	leader := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaderHits++
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "pool-1", "name": "floor1"})
	}))
	defer leader.Close()

	leaderAddr := strings.TrimPrefix(leader.URL, "http://")
	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":  errdefs.ErrNotLeader.Error(),
			"leader": leaderAddr,
		})
	}))
	defer follower.Close()

	c := New(follower.URL)
	pool, err := c.CreatePool(&Pool{Name: "floor1", DesiredCount: 1, MaxCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "pool-1", pool.ID)
	assert.Equal(t, 1, leaderHits)
}

func TestNotLeaderWithoutLeaderAddr(t *testing.T) {
	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": errdefs.ErrNotLeader.Error()})
	}))
	defer follower.Close()

	// No leader to redirect to; the error still surfaces
	_, err := New(follower.URL).ListPools()
	assert.Error(t, err)
}

func TestSentinelsSurviveTheWire(t *testing.T) {
	tests := []struct {
		status   int
		kind     string
		sentinel error
	}{
		{http.StatusConflict, errdefs.ErrCapacityExhausted.Error(), errdefs.ErrCapacityExhausted},
		{http.StatusConflict, errdefs.ErrTicketAlreadyUsed.Error(), errdefs.ErrTicketAlreadyUsed},
		{http.StatusConflict, errdefs.ErrTicketExpired.Error(), errdefs.ErrTicketExpired},
		{http.StatusNotFound, errdefs.ErrNotFound.Error(), errdefs.ErrNotFound},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": tt.kind})
		}))
		_, err := New(srv.URL).RequestAssignment("alice", "def-1")
		assert.True(t, errors.Is(err, tt.sentinel), tt.kind)
		srv.Close()
	}
}

func TestAcceptedMapsToPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	_, err := New(srv.URL).RequestAssignment("alice", "def-1")
	assert.True(t, errors.Is(err, errdefs.ErrPending))
}
