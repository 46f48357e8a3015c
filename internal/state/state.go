// Package state holds the shared mutable record of the lab node: identity,
// registration status, current session and hardware state. Every loop in the
// runtime reads and mutates node state exclusively through the transition
// methods here, so the safety invariants hold at a single choke point:
//
//   - the relay flag can only be raised while a session is active
//   - at most one session key is active at a time; installing a new session
//     replaces the prior one atomically
//   - the heartbeat failure counter resets only on a verified success
package state

import (
	"fmt"
	"sync"
	"time"
)

// Identity is the immutable identity of this node, loaded at startup.
type Identity struct {
	ID           string
	Name         string
	MAC          string
	ExperimentID int
}

// Session describes the currently assigned session.
type Session struct {
	Key       string
	UserEmail string
	StartedAt time.Time
	EndTime   *time.Time
}

// Snapshot is a consistent point-in-time copy of the node state, used to
// build heartbeats and status responses without holding the lock.
type Snapshot struct {
	Identity     Identity
	Registered   bool
	RecordID     string
	RegisteredAt *time.Time

	SessionActive bool
	Session       Session

	HardwareReady  bool
	RelayEnergized bool

	LastHeartbeatSent  *time.Time
	LastHeartbeatError string
	HeartbeatFailures  int

	ProcessStart time.Time
}

// State is the single shared mutable state of the node process.
type State struct {
	mu sync.RWMutex

	identity Identity

	registered   bool
	recordID     string
	registeredAt *time.Time

	sessionActive bool
	session       Session

	hardwareReady  bool
	relayEnergized bool

	lastHeartbeatSent  *time.Time
	lastHeartbeatError string
	heartbeatFailures  int

	processStart time.Time

	now func() time.Time
}

// New creates the node state for the given identity.
func New(identity Identity) *State {
	return &State{
		identity:     identity,
		processStart: time.Now().UTC(),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the state's clock. Used by tests.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Identity returns the node identity.
func (s *State) Identity() Identity {
	return s.identity
}

// MarkRegistered records a successful registration with the Master.
func (s *State) MarkRegistered(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.registered = true
	s.recordID = recordID
	s.registeredAt = &now
}

// MarkUnregistered clears the registration, forcing the heartbeat loop to
// re-register before the next report.
func (s *State) MarkUnregistered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered = false
}

// Registered reports whether the node is currently registered.
func (s *State) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// InstallSession activates a session on this node. If a different session is
// already active it is replaced in the same critical section, so no observer
// ever sees two keys active at once. The replaced session and true are
// returned when a replacement happened.
func (s *State) InstallSession(key, userEmail string, endTime *time.Time) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced Session
	didReplace := false
	if s.sessionActive && s.session.Key != key {
		replaced = s.session
		didReplace = true
	}

	s.sessionActive = true
	s.session = Session{
		Key:       key,
		UserEmail: userEmail,
		StartedAt: s.now(),
		EndTime:   endTime,
	}

	return replaced, didReplace
}

// ClearSession deactivates the current session and, in the same critical
// section, drops the relay and hardware-ready flags so the safety invariant
// holds for every observer. Returns the cleared session and true when a
// session was active.
func (s *State) ClearSession() (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.sessionActive {
		return Session{}, false
	}

	ended := s.session
	s.sessionActive = false
	s.session = Session{}
	s.relayEnergized = false
	s.hardwareReady = false

	return ended, true
}

// ActiveSession returns the current session and whether one is active.
func (s *State) ActiveSession() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session, s.sessionActive
}

// SetRelay records the relay target state. Raising the relay flag without an
// active session is refused: power must never be recorded on outside a
// session.
func (s *State) SetRelay(energized bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if energized && !s.sessionActive {
		return fmt.Errorf("refusing to energize relay without an active session")
	}

	s.relayEnergized = energized
	return nil
}

// SetHardwareReady records whether the hardware driver confirmed the last
// relay transition.
func (s *State) SetHardwareReady(ready bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardwareReady = ready
}

// RecordHeartbeatSuccess records a verified successful heartbeat and resets
// the consecutive failure counter.
func (s *State) RecordHeartbeatSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.lastHeartbeatSent = &now
	s.lastHeartbeatError = ""
	s.heartbeatFailures = 0
}

// RecordHeartbeatFailure increments the consecutive failure counter and
// returns the new count.
func (s *State) RecordHeartbeatFailure(err error) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastHeartbeatError = err.Error()
	}
	s.heartbeatFailures++
	return s.heartbeatFailures
}

// HeartbeatFailures returns the current consecutive failure count.
func (s *State) HeartbeatFailures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heartbeatFailures
}

// Snapshot returns a consistent copy of the node state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Snapshot{
		Identity:           s.identity,
		Registered:         s.registered,
		RecordID:           s.recordID,
		RegisteredAt:       s.registeredAt,
		SessionActive:      s.sessionActive,
		Session:            s.session,
		HardwareReady:      s.hardwareReady,
		RelayEnergized:     s.relayEnergized,
		LastHeartbeatSent:  s.lastHeartbeatSent,
		LastHeartbeatError: s.lastHeartbeatError,
		HeartbeatFailures:  s.heartbeatFailures,
		ProcessStart:       s.processStart,
	}
}

// Uptime returns the elapsed time since process start.
func (s *State) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Sub(s.processStart)
}

// UptimeString returns the uptime formatted as HH:MM:SS, the format the
// Master expects in heartbeat reports.
func (s *State) UptimeString() string {
	total := int(s.Uptime().Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
