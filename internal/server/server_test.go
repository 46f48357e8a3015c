package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vlab-project/vlab/internal/api"
	"github.com/vlab-project/vlab/internal/command"
	"github.com/vlab-project/vlab/internal/config"
	"github.com/vlab-project/vlab/internal/hardware"
	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/session"
	"github.com/vlab-project/vlab/internal/state"
	"github.com/vlab-project/vlab/internal/websocket"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *state.State) {
	t.Helper()

	log, err := logger.NewLogger(&config.LogConfig{Level: "error"}, "test")
	require.NoError(t, err)

	st := state.New(state.Identity{ID: "lab-pi-01", Name: "Lab Pi 01"})
	gate := hardware.NewSimulatedGate()

	ctrl, err := session.NewController(&session.ControllerConfig{
		State:  st,
		Gate:   gate,
		Logger: log,
	})
	require.NoError(t, err)

	handler := api.NewHandler(&api.HandlerConfig{
		State:      st,
		Controller: ctrl,
		Executor:   command.NewExecutor(&command.ExecutorConfig{Logger: log}),
		Logger:     log,
	})

	srv, err := NewServer(&Config{
		Host:   "127.0.0.1",
		Port:   5001,
		APIKey: apiKey,
	}, handler, websocket.NewManager(log), log)
	require.NoError(t, err)

	return srv, st
}

func TestRoutesRegistered(t *testing.T) {
	srv, _ := newTestServer(t, "")

	routes := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/status"},
		{http.MethodGet, "/api/status"},
		{http.MethodPost, "/api/lab-node/session-start"},
		{http.MethodPost, "/api/lab-node/session-end"},
		{http.MethodPost, "/api/command"},
		{http.MethodPost, "/api/relay/on"},
		{http.MethodPost, "/api/relay/off"},
		{http.MethodGet, "/api/relay/status"},
		{http.MethodPost, "/api/session/end"},
		{http.MethodGet, "/api/events"},
	}

	registered := srv.GetEngine().Routes()
	for _, want := range routes {
		found := false
		for _, r := range registered {
			if r.Method == want.method && r.Path == want.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", want.method, want.path)
	}
}

func TestPushSurfaceRequiresAPIKey(t *testing.T) {
	srv, st := newTestServer(t, "secret")

	body, _ := json.Marshal(api.SessionStartRequest{SessionKey: "sess-1"})

	// Without the key the push command is rejected.
	req := httptest.NewRequest(http.MethodPost, "/api/lab-node/session-start", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.GetEngine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, active := st.ActiveSession()
	assert.False(t, active)

	// With the key it goes through.
	req = httptest.NewRequest(http.MethodPost, "/api/lab-node/session-start", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	srv.GetEngine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	_, active = st.ActiveSession()
	assert.True(t, active)
}

func TestStatusOpenWithoutAPIKey(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.GetEngine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
