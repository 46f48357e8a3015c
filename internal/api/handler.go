package api

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vlab-project/vlab/internal/command"
	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/session"
	"github.com/vlab-project/vlab/internal/state"
	"github.com/vlab-project/vlab/internal/types"
	"github.com/vlab-project/vlab/internal/version"
	"github.com/vlab-project/vlab/internal/websocket"
)

// AudioStatus exposes the audio pipeline state for status responses.
type AudioStatus interface {
	IsActive() bool
	Sent() uint64
	Dropped() uint64
}

// Handler implements the node's HTTP endpoints.
type Handler struct {
	state      *state.State
	controller *session.Controller
	executor   *command.Executor
	audio      AudioStatus        // may be nil
	ws         *websocket.Manager // may be nil

	log *logger.Logger
}

// HandlerConfig configures the API handler.
type HandlerConfig struct {
	State      *state.State
	Controller *session.Controller
	Executor   *command.Executor
	Audio      AudioStatus
	WebSocket  *websocket.Manager
	Logger     *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(cfg *HandlerConfig) *Handler {
	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	return &Handler{
		state:      cfg.State,
		controller: cfg.Controller,
		executor:   cfg.Executor,
		audio:      cfg.Audio,
		ws:         cfg.WebSocket,
		log:        log,
	}
}

// SessionStartRequest is the push command that starts a session.
type SessionStartRequest struct {
	ID         string     `json:"id"`
	SessionKey string     `json:"sessionKey" binding:"required"`
	UserEmail  string     `json:"userEmail"`
	EndTime    *time.Time `json:"endTime"`
}

// SessionEndRequest is the push command that ends a session.
type SessionEndRequest struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
}

// CommandRequest is a Master-issued node command.
type CommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// SessionStateResponse reports the session result of a push command.
type SessionStateResponse struct {
	SessionActive bool   `json:"sessionActive"`
	SessionKey    string `json:"sessionKey,omitempty"`
	HardwareReady bool   `json:"hardwareReady"`
}

// StatusResponse is the node status payload served to the Master and to the
// local operator surface.
type StatusResponse struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Status        types.NodeStatus `json:"status"`
	Version       string           `json:"version"`
	Registered    bool             `json:"registered"`
	Uptime        string           `json:"uptime"`
	SessionActive bool             `json:"sessionActive"`
	SessionKey    string           `json:"sessionKey,omitempty"`
	UserEmail     string           `json:"userEmail,omitempty"`
	SessionStart  *time.Time       `json:"sessionStart,omitempty"`
	SessionEnd    *time.Time       `json:"sessionEnd,omitempty"`

	RelayEnergized bool `json:"relayEnergized"`
	HardwareReady  bool `json:"hardwareReady"`

	HeartbeatFailures int        `json:"heartbeatFailures"`
	LastHeartbeat     *time.Time `json:"lastHeartbeat,omitempty"`

	AudioActive  bool   `json:"audioActive"`
	AudioSent    uint64 `json:"audioSent"`
	AudioDropped uint64 `json:"audioDropped"`

	OperatorClients int `json:"operatorClients"`
}

// RelayStatusResponse reports the relay gate state.
type RelayStatusResponse struct {
	Energized     bool `json:"energized"`
	HardwareReady bool `json:"hardwareReady"`
	SessionActive bool `json:"sessionActive"`
}

// checkNodeID rejects commands addressed to a different node id. An empty id
// is accepted for Masters that address nodes purely by URL.
func (h *Handler) checkNodeID(c *gin.Context, id string) bool {
	if id != "" && id != h.state.Identity().ID {
		Error(c, types.ErrNodeMismatch, "command addressed to a different node")
		return false
	}
	return true
}

// HandleSessionStart handles POST /api/lab-node/session-start.
func (h *Handler) HandleSessionStart(c *gin.Context) {
	var req SessionStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err)
		return
	}
	if !h.checkNodeID(c, req.ID) {
		return
	}

	if err := h.controller.Start(req.SessionKey, req.UserEmail, req.EndTime); err != nil {
		ErrorWithDetails(c, types.ErrInternalError, "failed to start session", err.Error())
		return
	}

	snap := h.state.Snapshot()
	Success(c, SessionStateResponse{
		SessionActive: snap.SessionActive,
		SessionKey:    snap.Session.Key,
		HardwareReady: snap.HardwareReady,
	})
}

// HandleSessionEnd handles POST /api/lab-node/session-end.
func (h *Handler) HandleSessionEnd(c *gin.Context) {
	var req SessionEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err)
		return
	}
	if !h.checkNodeID(c, req.ID) {
		return
	}

	if err := h.controller.End(req.SessionKey, "master request"); err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			Error(c, types.ErrNoActiveSession, "no active session to end")
			return
		}
		ErrorWithDetails(c, types.ErrInternalError, "failed to end session", err.Error())
		return
	}

	Success(c, SessionStateResponse{SessionActive: false})
}

// HandleCommand handles POST /api/command. The command is acknowledged
// before it executes so the response reaches the Master.
func (h *Handler) HandleCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ValidationError(c, err)
		return
	}

	if err := h.executor.Execute(req.Command); err != nil {
		Error(c, types.ErrUnknownCommand, err.Error())
		return
	}

	SuccessWithMessage(c, "command accepted: "+req.Command)
}

// HandleStatus handles GET /status and GET /api/status.
func (h *Handler) HandleStatus(c *gin.Context) {
	snap := h.state.Snapshot()

	status := types.StatusOnline
	if snap.SessionActive && !snap.HardwareReady {
		status = types.StatusDegraded
	}

	resp := StatusResponse{
		ID:                snap.Identity.ID,
		Name:              snap.Identity.Name,
		Status:            status,
		Version:           version.Version,
		Registered:        snap.Registered,
		Uptime:            h.state.UptimeString(),
		SessionActive:     snap.SessionActive,
		RelayEnergized:    snap.RelayEnergized,
		HardwareReady:     snap.HardwareReady,
		HeartbeatFailures: snap.HeartbeatFailures,
		LastHeartbeat:     snap.LastHeartbeatSent,
	}

	if snap.SessionActive {
		resp.SessionKey = snap.Session.Key
		resp.UserEmail = snap.Session.UserEmail
		start := snap.Session.StartedAt
		resp.SessionStart = &start
		resp.SessionEnd = snap.Session.EndTime
	}

	if h.audio != nil {
		resp.AudioActive = h.audio.IsActive()
		resp.AudioSent = h.audio.Sent()
		resp.AudioDropped = h.audio.Dropped()
	}
	if h.ws != nil {
		resp.OperatorClients = h.ws.ConnectionCount()
	}

	Success(c, resp)
}

// HandleRelayOn handles POST /api/relay/on. Energizing outside a session is
// refused: relay power is only ever on while a session is active. The check
// and the hardware write happen inside the session controller's critical
// section so a concurrent session end cannot slip between them.
func (h *Handler) HandleRelayOn(c *gin.Context) {
	if err := h.controller.RelayOn(); err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			Forbidden(c, "relay can only be energized during an active session")
			return
		}
		h.log.Errorf("manual relay energize failed: %v", err)
		Error(c, types.ErrHardwareFault, "relay driver rejected energize")
		return
	}

	Success(c, h.relayStatus())
}

// HandleRelayOff handles POST /api/relay/off. Allowed at any time: powering
// the hardware down is always safe.
func (h *Handler) HandleRelayOff(c *gin.Context) {
	if err := h.controller.RelayOff(); err != nil {
		h.log.Errorf("manual relay deenergize failed: %v", err)
		Error(c, types.ErrHardwareFault, "relay driver rejected deenergize")
		return
	}

	Success(c, h.relayStatus())
}

// HandleRelayStatus handles GET /api/relay/status.
func (h *Handler) HandleRelayStatus(c *gin.Context) {
	Success(c, h.relayStatus())
}

func (h *Handler) relayStatus() RelayStatusResponse {
	snap := h.state.Snapshot()
	return RelayStatusResponse{
		Energized:     snap.RelayEnergized,
		HardwareReady: snap.HardwareReady,
		SessionActive: snap.SessionActive,
	}
}

// HandleLocalSessionEnd handles POST /api/session/end, the local operator's
// way to end whatever session is running.
func (h *Handler) HandleLocalSessionEnd(c *gin.Context) {
	current, active := h.state.ActiveSession()
	if !active {
		Error(c, types.ErrNoActiveSession, "no active session to end")
		return
	}

	if err := h.controller.End(current.Key, "local request"); err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			Error(c, types.ErrNoActiveSession, "no active session to end")
			return
		}
		ErrorWithDetails(c, types.ErrInternalError, "failed to end session", err.Error())
		return
	}

	SuccessWithMessage(c, "session ended")
}
