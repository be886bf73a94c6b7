package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/pipeline"
	"github.com/cuemby/burrow/pkg/provider"
	"github.com/cuemby/burrow/pkg/scheduler"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	mgr   *manager.Manager
	sched *scheduler.Scheduler
	srv   *httptest.Server
	token string
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "test-node",
		BindAddr: "127.0.0.1:0",
		DataDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })

	engine := pipeline.NewEngine(mgr, provider.NewRegistry(), pipeline.Config{
		Workers:      1,
		TaskDeadline: time.Minute,
	})
	sched := scheduler.NewScheduler(mgr, engine, scheduler.DefaultConfig())

	def := &types.ServiceDefinition{
		ID:              "def-1",
		Name:            "desktop",
		Version:         1,
		ProviderKind:    "fake",
		ImageRef:        "registry/desktop:stable",
		AgentRequired:   true,
		ConnectPort:     3389,
		ConnectProtocol: "rdp",
	}
	require.NoError(t, mgr.CreateServiceDef(def))

	require.NoError(t, mgr.CreatePool(&types.Pool{
		ID:           "pool-1",
		Name:         "floor1",
		ServiceDefID: def.ID,
		DesiredCount: 1,
		MaxCount:     2,
	}))

	require.NoError(t, mgr.CreateResource(&types.Resource{
		ID:           "res-1",
		PoolID:       "pool-1",
		ServiceDefID: def.ID,
		State:        types.ResourceStateProvisioning,
		Version:      1,
	}))

	token, err := mgr.GenerateActorToken("res-1")
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewServer(mgr, sched).Routes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testRig{mgr: mgr, sched: sched, srv: srv, token: token.Token}
}

func (r *testRig) post(t *testing.T, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, r.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCallbacksRequireToken(t *testing.T) {
	rig := newTestRig(t)

	for _, path := range []string{"/actor/v1/register", "/actor/v1/ready", "/actor/v1/ping", "/actor/v1/login", "/actor/v1/logout"} {
		resp := rig.post(t, path, "", `{}`)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)

		resp = rig.post(t, path, "wrong-token", `{}`)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, path)
	}
}

func TestRegisterReturnsConnectConfig(t *testing.T) {
	rig := newTestRig(t)

	resp := rig.post(t, "/actor/v1/register", rig.token, `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		ResourceID      string `json:"resource_id"`
		ConnectPort     int    `json:"connect_port"`
		ConnectProtocol string `json:"connect_protocol"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "res-1", view.ResourceID)
	assert.Equal(t, 3389, view.ConnectPort)
	assert.Equal(t, "rdp", view.ConnectProtocol)
}

func TestReadyCallbackRecordsEndpoint(t *testing.T) {
	rig := newTestRig(t)

	resp := rig.post(t, "/actor/v1/ready", rig.token, `{"host":"192.168.1.50"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	res, err := rig.mgr.GetResource("res-1")
	require.NoError(t, err)
	assert.True(t, res.AgentReady)
	require.NotNil(t, res.Endpoint)
	assert.Equal(t, "192.168.1.50", res.Endpoint.Host)
	// Port and protocol fall back to the definition
	assert.Equal(t, 3389, res.Endpoint.Port)
	assert.Equal(t, "rdp", res.Endpoint.Protocol)
}

func TestReadyCallbackRequiresHost(t *testing.T) {
	rig := newTestRig(t)

	resp := rig.post(t, "/actor/v1/ready", rig.token, `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPingRefreshesActivity(t *testing.T) {
	rig := newTestRig(t)

	// Move the resource into an assigned session
	_, err := rig.mgr.CASResource(casTo("res-1", types.ResourceStateProvisioning, types.ResourceStateReady))
	require.NoError(t, err)
	a, err := rig.sched.RequestAssignment(context.Background(), "alice", "def-1")
	require.NoError(t, err)

	stale := time.Now().Add(-time.Hour)
	record, err := rig.mgr.GetAssignment(a.ID)
	require.NoError(t, err)
	record.LastActiveAt = stale
	require.NoError(t, rig.mgr.UpdateAssignment(record))

	resp := rig.post(t, "/actor/v1/ping", rig.token, `{}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := rig.mgr.GetAssignment(a.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActiveAt.After(stale))
}

func TestPingWithoutAssignmentIsHarmless(t *testing.T) {
	rig := newTestRig(t)
	resp := rig.post(t, "/actor/v1/ping", rig.token, `{}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestLogoutReleasesAssignment(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.mgr.CASResource(casTo("res-1", types.ResourceStateProvisioning, types.ResourceStateReady))
	require.NoError(t, err)
	a, err := rig.sched.RequestAssignment(context.Background(), "alice", "def-1")
	require.NoError(t, err)

	resp := rig.post(t, "/actor/v1/logout", rig.token, `{}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	got, err := rig.mgr.GetAssignment(a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssignmentStateReleased, got.State)
}

func casTo(id string, from, to types.ResourceState) storage.ResourceCAS {
	return storage.ResourceCAS{ID: id, ExpectedState: from, NewState: to}
}
