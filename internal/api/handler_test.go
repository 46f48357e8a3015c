package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vlab-project/vlab/internal/command"
	"github.com/vlab-project/vlab/internal/config"
	"github.com/vlab-project/vlab/internal/hardware"
	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/session"
	"github.com/vlab-project/vlab/internal/state"
	"github.com/vlab-project/vlab/internal/types"
)

type testHarness struct {
	router   *gin.Engine
	state    *state.State
	gate     *hardware.SimulatedGate
	commands *commandRecorder
}

type commandRecorder struct {
	mu  sync.Mutex
	ran [][]string
}

func (r *commandRecorder) run(name string, args ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ran = append(r.ran, append([]string{name}, args...))
	return nil
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	recorder := &commandRecorder{}
	executor := command.NewExecutor(&command.ExecutorConfig{
		Runner: recorder.run,
		Logger: log,
	})

	handler := NewHandler(&HandlerConfig{
		State:      st,
		Controller: ctrl,
		Executor:   executor,
		Logger:     log,
	})

	router := gin.New()
	router.Use(RequestID())
	router.GET("/status", handler.HandleStatus)
	router.GET("/api/status", handler.HandleStatus)
	router.POST("/api/lab-node/session-start", handler.HandleSessionStart)
	router.POST("/api/lab-node/session-end", handler.HandleSessionEnd)
	router.POST("/api/command", handler.HandleCommand)
	router.POST("/api/relay/on", handler.HandleRelayOn)
	router.POST("/api/relay/off", handler.HandleRelayOff)
	router.GET("/api/relay/status", handler.HandleRelayStatus)
	router.POST("/api/session/end", handler.HandleLocalSessionEnd)

	return &testHarness{router: router, state: st, gate: gate, commands: recorder}
}

func (h *testHarness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestSessionStart(t *testing.T) {
	h := newTestHarness(t)

	w := h.do(t, http.MethodPost, "/api/lab-node/session-start", SessionStartRequest{
		ID:         "lab-pi-01",
		SessionKey: "sess-1",
		UserEmail:  "alice@example.com",
	})

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, true, resp["success"])

	current, active := h.state.ActiveSession()
	require.True(t, active)
	assert.Equal(t, "sess-1", current.Key)
	assert.True(t, h.gate.Energized())
}

func TestSessionStartValidation(t *testing.T) {
	h := newTestHarness(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{
			name:       "missing session key",
			body:       map[string]string{"id": "lab-pi-01"},
			wantStatus: http.StatusBadRequest,
			wantCode:   string(types.ErrInvalidRequest),
		},
		{
			name:       "wrong node id",
			body:       SessionStartRequest{ID: "other-node", SessionKey: "sess-1"},
			wantStatus: http.StatusUnauthorized,
			wantCode:   string(types.ErrNodeMismatch),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/api/lab-node/session-start", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			resp := decodeResponse(t, w)
			errInfo, ok := resp["error"].(map[string]interface{})
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, errInfo["code"])
		})
	}
}

func TestSessionEnd(t *testing.T) {
	h := newTestHarness(t)

	h.do(t, http.MethodPost, "/api/lab-node/session-start", SessionStartRequest{SessionKey: "sess-1"})

	w := h.do(t, http.MethodPost, "/api/lab-node/session-end", SessionEndRequest{SessionKey: "sess-1"})
	assert.Equal(t, http.StatusOK, w.Code)

	_, active := h.state.ActiveSession()
	assert.False(t, active)
	assert.False(t, h.gate.Energized())
}

func TestSessionEndWithoutSession(t *testing.T) {
	h := newTestHarness(t)

	w := h.do(t, http.MethodPost, "/api/lab-node/session-end", SessionEndRequest{SessionKey: "sess-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeResponse(t, w)
	errInfo := resp["error"].(map[string]interface{})
	assert.Equal(t, string(types.ErrNoActiveSession), errInfo["code"])
}

func TestCommandUnknown(t *testing.T) {
	h := newTestHarness(t)

	w := h.do(t, http.MethodPost, "/api/command", CommandRequest{Command: "halt"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeResponse(t, w)
	errInfo := resp["error"].(map[string]interface{})
	assert.Equal(t, string(types.ErrUnknownCommand), errInfo["code"])
}

func TestCommandAccepted(t *testing.T) {
	h := newTestHarness(t)

	w := h.do(t, http.MethodPost, "/api/command", CommandRequest{Command: command.Restart})
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	assert.Equal(t, true, resp["success"])
}

func TestStatus(t *testing.T) {
	h := newTestHarness(t)

	w := h.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeResponse(t, w)
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "lab-pi-01", data["id"])
	assert.Equal(t, string(types.StatusOnline), data["status"])
	assert.Equal(t, false, data["sessionActive"])
	assert.Regexp(t, `^\d{2}:\d{2}:\d{2}$`, data["uptime"])
}

func TestStatusDuringSession(t *testing.T) {
	h := newTestHarness(t)

	h.do(t, http.MethodPost, "/api/lab-node/session-start", SessionStartRequest{
		SessionKey: "sess-1",
		UserEmail:  "alice@example.com",
	})

	w := h.do(t, http.MethodGet, "/status", nil)
	data := decodeResponse(t, w)["data"].(map[string]interface{})

	assert.Equal(t, true, data["sessionActive"])
	assert.Equal(t, "sess-1", data["sessionKey"])
	assert.Equal(t, "alice@example.com", data["userEmail"])
	assert.Equal(t, true, data["relayEnergized"])
}

func TestRelayOnRequiresSession(t *testing.T) {
	h := newTestHarness(t)

	w := h.do(t, http.MethodPost, "/api/relay/on", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, h.gate.Energized())
}

func TestRelayOnDuringSession(t *testing.T) {
	h := newTestHarness(t)

	h.do(t, http.MethodPost, "/api/lab-node/session-start", SessionStartRequest{SessionKey: "sess-1"})
	h.do(t, http.MethodPost, "/api/relay/off", nil)
	require.False(t, h.gate.Energized())

	w := h.do(t, http.MethodPost, "/api/relay/on", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, h.gate.Energized())
}

func TestRelayOffAlwaysAllowed(t *testing.T) {
	h := newTestHarness(t)

	w := h.do(t, http.MethodPost, "/api/relay/off", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	data := decodeResponse(t, w)["data"].(map[string]interface{})
	assert.Equal(t, false, data["energized"])
}

func TestRelayStatus(t *testing.T) {
	h := newTestHarness(t)

	h.do(t, http.MethodPost, "/api/lab-node/session-start", SessionStartRequest{SessionKey: "sess-1"})

	w := h.do(t, http.MethodGet, "/api/relay/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	data := decodeResponse(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["energized"])
	assert.Equal(t, true, data["sessionActive"])
}

func TestLocalSessionEnd(t *testing.T) {
	h := newTestHarness(t)

	h.do(t, http.MethodPost, "/api/lab-node/session-start", SessionStartRequest{SessionKey: "sess-1"})

	w := h.do(t, http.MethodPost, "/api/session/end", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	_, active := h.state.ActiveSession()
	assert.False(t, active)

	// A second end reports no active session.
	w = h.do(t, http.MethodPost, "/api/session/end", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RequestID(), APIKeyAuth("secret"))
	router.POST("/protected", func(c *gin.Context) { SuccessWithMessage(c, "ok") })

	// Missing key.
	req := httptest.NewRequest(http.MethodPost, "/protected", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong key.
	req = httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Correct key.
	req = httptest.NewRequest(http.MethodPost, "/protected", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
