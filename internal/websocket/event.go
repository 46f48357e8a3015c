// Package websocket pushes live node events to local operator UI clients.
package websocket

import "time"

// EventType represents the type of an operator event
type EventType string

const (
	EventTypeSessionStarted EventType = "sessionStarted"
	EventTypeSessionEnded   EventType = "sessionEnded"
	EventTypeRelay          EventType = "relay"
	EventTypeHeartbeat      EventType = "heartbeat"
)

// Event is one operator event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	SessionKey string `json:"sessionKey,omitempty"`
	UserEmail  string `json:"userEmail,omitempty"`
	Reason     string `json:"reason,omitempty"`

	RelayEnergized bool `json:"relayEnergized,omitempty"`
	Success        bool `json:"success,omitempty"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}
