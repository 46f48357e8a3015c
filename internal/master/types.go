// Package master provides the HTTP client for Master coordination calls:
// registration, heartbeats, session-end notification, session polling and
// audio frame ingest.
package master

import (
	"time"

	"github.com/vlab-project/vlab/internal/metrics"
	"github.com/vlab-project/vlab/internal/types"
)

// RegisterRequest registers this node's identity with the Master.
type RegisterRequest struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MAC          string `json:"mac"`
	IP           string `json:"ip"`
	Hostname     string `json:"hostname"`
	ExperimentID int    `json:"experimentId"`
}

// RegisterResponse carries the Master's record id for this node.
type RegisterResponse struct {
	NodeRecordID string `json:"nodeRecordId"`
}

// HeartbeatRequest is the periodic liveness report. The metrics snapshot is
// embedded so absent sensors are simply omitted from the payload.
type HeartbeatRequest struct {
	ID            string           `json:"id"`
	Timestamp     time.Time        `json:"timestamp"`
	Status        types.NodeStatus `json:"status"`
	SessionActive bool             `json:"sessionActive"`
	SessionKey    string           `json:"sessionKey,omitempty"`
	RelayState    bool             `json:"relayState"`
	HardwareReady bool             `json:"hardwareReady"`
	Uptime        string           `json:"uptime"`

	metrics.Snapshot
}

// SessionAssignment is a session the Master hands to this node, either
// embedded in a heartbeat response or discovered by polling.
type SessionAssignment struct {
	SessionKey string     `json:"sessionKey"`
	UserEmail  string     `json:"userEmail"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat and optionally carries a newly
// assigned session.
type HeartbeatResponse struct {
	Ack        bool               `json:"ack"`
	NewSession *SessionAssignment `json:"newSession,omitempty"`
}

// SessionEndRequest notifies the Master that a session ended on this node.
type SessionEndRequest struct {
	ID         string `json:"id"`
	SessionKey string `json:"sessionKey"`
}

// AudioFrameRequest posts one captured audio frame to the Master's ingest
// endpoint. AudioPayload is base64-encoded int16 PCM.
type AudioFrameRequest struct {
	ID           string `json:"id"`
	AudioPayload string `json:"audioPayload"`
	SampleRate   int    `json:"sampleRate"`
	Channels     int    `json:"channels"`
}

// Session poll outcomes reported by the Master.
const (
	SessionStatusRunning = "running"
	SessionStatusStopped = "stopped"
)

// ActiveSessionResponse is the Master's answer to "what should be running".
type ActiveSessionResponse struct {
	Status     string     `json:"status"` // running or stopped
	SessionKey string     `json:"sessionKey,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
}
