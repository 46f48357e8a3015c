// Package session implements the node's session transition primitives.
// Every control path that can start or end a session — the push command
// surface, heartbeat-delivered assignments, the poll fallback and the
// timeout monitor — goes through the one Controller here, so the transitions
// serialize and converge no matter which path fires first.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vlab-project/vlab/internal/hardware"
	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/state"
	"github.com/vlab-project/vlab/internal/websocket"
)

// ErrNoActiveSession is returned by End when no session is active. Callers
// report it to the requester but it is harmless.
var ErrNoActiveSession = errors.New("no active session")

// Notifier tells the Master a session ended. Notification is best-effort:
// the local transition never depends on it succeeding.
type Notifier interface {
	NotifySessionEnd(ctx context.Context, sessionKey string) error
}

// EventSink receives operator events. May be nil.
type EventSink interface {
	Publish(event *websocket.Event)
}

// AudioStreamer follows the session lifecycle: streaming starts when a
// session starts and stops when it ends. May be nil when audio is disabled.
type AudioStreamer interface {
	Start() bool
	Stop()
}

// Controller owns the session lifecycle of the node. All transitions run
// inside its mutex so concurrent invocations from different loops serialize
// instead of interleaving.
type Controller struct {
	mu sync.Mutex

	state    *state.State
	gate     hardware.Gate
	notifier Notifier
	events   EventSink
	audio    AudioStreamer
	log      *logger.Logger

	maxDuration   time.Duration
	checkInterval time.Duration
	notifyTimeout time.Duration

	now func() time.Time

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ControllerConfig configures the session controller.
type ControllerConfig struct {
	State    *state.State
	Gate     hardware.Gate
	Notifier Notifier
	Events   EventSink
	Audio    AudioStreamer
	Logger   *logger.Logger

	MaxDuration   time.Duration // default 1 hour
	CheckInterval time.Duration // timeout monitor period, default 60s
	NotifyTimeout time.Duration // session-end notify budget, default 10s
}

// NewController creates a session controller.
func NewController(cfg *ControllerConfig) (*Controller, error) {
	if cfg == nil || cfg.State == nil || cfg.Gate == nil {
		return nil, fmt.Errorf("session controller requires state and gate")
	}

	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = time.Hour
	}
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 60 * time.Second
	}
	if cfg.NotifyTimeout == 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		state:         cfg.State,
		gate:          cfg.Gate,
		notifier:      cfg.Notifier,
		events:        cfg.Events,
		audio:         cfg.Audio,
		log:           log,
		maxDuration:   cfg.MaxDuration,
		checkInterval: cfg.CheckInterval,
		notifyTimeout: cfg.NotifyTimeout,
		now:           func() time.Time { return time.Now().UTC() },
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// SetClock replaces the controller's clock. Used by tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Start activates a session and energizes the hardware gate. Repeated
// delivery of the same session key is a no-op. A start for a different key
// while a session is active replaces the prior session: the old session is
// reported ended to the Master and the new one installed in the same
// critical section, so no window exists with two keys active.
//
// A gate driver error does not reject the session: the session starts in a
// degraded state with hardware-ready false.
func (c *Controller) Start(sessionKey, userEmail string, endTime *time.Time) error {
	if sessionKey == "" {
		return fmt.Errorf("session key must not be empty")
	}

	c.mu.Lock()

	if current, active := c.state.ActiveSession(); active && current.Key == sessionKey {
		c.mu.Unlock()
		c.log.Debugf("session %s already active, ignoring duplicate start", sessionKey)
		return nil
	}

	replaced, didReplace := c.state.InstallSession(sessionKey, userEmail, endTime)
	if didReplace {
		c.log.Warnf("session %s replaced still-active session %s", sessionKey, replaced.Key)
	}

	hardwareReady := true
	if err := c.gate.Energize(); err != nil {
		// Degraded but active: the session proceeds, power state unconfirmed.
		c.log.Errorf("failed to energize relay for session %s: %v", sessionKey, err)
		hardwareReady = false
	}

	if err := c.state.SetRelay(true); err != nil {
		c.log.Errorf("record relay state: %v", err)
	}
	c.state.SetHardwareReady(hardwareReady)

	if c.audio != nil {
		if !c.audio.Start() {
			c.log.Warnf("audio streaming unavailable for session %s", sessionKey)
		}
	}

	c.mu.Unlock()

	if didReplace {
		c.notifyEnd(replaced.Key)
	}

	c.log.Infof("session started: %s (user: %s)", sessionKey, userEmail)
	c.publish(&websocket.Event{
		Type:           websocket.EventTypeSessionStarted,
		Timestamp:      c.clockNow().UnixMilli(),
		SessionKey:     sessionKey,
		UserEmail:      userEmail,
		RelayEnergized: true,
		Success:        hardwareReady,
	})

	return nil
}

// End deactivates the current session, deenergizes the gate and clears the
// session state. Returns ErrNoActiveSession when nothing is active, which
// makes concurrent end invocations from different loops naturally
// idempotent: the second caller observes no session and is a no-op.
func (c *Controller) End(sessionKey, reason string) error {
	c.mu.Lock()

	current, active := c.state.ActiveSession()
	if !active {
		c.mu.Unlock()
		return ErrNoActiveSession
	}

	if sessionKey != "" && sessionKey != current.Key {
		// End whatever is active anyway: a stale key must not keep power on.
		c.log.Warnf("session end for %s but %s is active, ending active session", sessionKey, current.Key)
	}

	if c.audio != nil {
		c.audio.Stop()
	}

	if err := c.gate.Deenergize(); err != nil {
		c.log.Errorf("failed to deenergize relay for session %s: %v, retrying", current.Key, err)
		c.retryDeenergize()
	}

	c.state.ClearSession()

	c.mu.Unlock()

	// The Master call can block for the full notify timeout, so it runs
	// outside the mutex where it cannot stall other transitions.
	c.notifyEnd(current.Key)

	c.log.Infof("session ended: %s (%s)", current.Key, reason)
	c.publish(&websocket.Event{
		Type:       websocket.EventTypeSessionEnded,
		Timestamp:  c.clockNow().UnixMilli(),
		SessionKey: current.Key,
		Reason:     reason,
	})

	return nil
}

// RelayOn manually energizes the gate for the running session. The session
// check and the hardware write share the controller mutex, so a session end
// landing at the same moment serializes before or after the whole operation
// and the gate always ends up matching the session state.
func (c *Controller) RelayOn() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, active := c.state.ActiveSession(); !active {
		return ErrNoActiveSession
	}

	if err := c.gate.Energize(); err != nil {
		return fmt.Errorf("energize relay: %w", err)
	}

	if err := c.state.SetRelay(true); err != nil {
		return err
	}
	c.state.SetHardwareReady(true)

	c.publish(&websocket.Event{
		Type:           websocket.EventTypeRelay,
		Timestamp:      c.now().UnixMilli(),
		RelayEnergized: true,
	})

	return nil
}

// RelayOff manually deenergizes the gate. Permitted at any time: powering
// the hardware down is the safe direction.
func (c *Controller) RelayOff() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.gate.Deenergize(); err != nil {
		return fmt.Errorf("deenergize relay: %w", err)
	}

	if err := c.state.SetRelay(false); err != nil {
		return err
	}

	c.publish(&websocket.Event{
		Type:      websocket.EventTypeRelay,
		Timestamp: c.now().UnixMilli(),
	})

	return nil
}

// notifyEnd reports a session end to the Master. Best-effort: transport
// errors are logged and swallowed. Called outside the controller mutex so a
// slow Master cannot block concurrent transitions.
func (c *Controller) notifyEnd(sessionKey string) {
	if c.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.notifyTimeout)
	defer cancel()

	if err := c.notifier.NotifySessionEnd(ctx, sessionKey); err != nil {
		c.log.Warnf("session-end notification for %s failed: %v", sessionKey, err)
	}
}

// retryDeenergize retries a failed power-off in the background. A relay
// stuck on is a safety problem, so the failure is not dropped after one
// attempt.
func (c *Controller) retryDeenergize() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for attempt := 1; attempt <= 3; attempt++ {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}

			if err := c.gate.Deenergize(); err == nil {
				c.log.Info("relay deenergize retry succeeded")
				return
			}
		}
		c.log.Error("relay deenergize retries exhausted, relay state unconfirmed")
	}()
}

// StartMonitor launches the session timeout monitor. The monitor is the
// node's only defense against a Master that crashed after starting a
// session and never sends the end command.
func (c *Controller) StartMonitor() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.monitorLoop()

	c.log.Infof("session timeout monitor started (max duration %v, check every %v)", c.maxDuration, c.checkInterval)
}

// Stop stops the monitor and any pending retries.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *Controller) monitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.checkTimeout()
		}
	}
}

// checkTimeout force-ends the session when it exceeded the maximum duration
// or ran past its scheduled end time.
func (c *Controller) checkTimeout() {
	current, active := c.state.ActiveSession()
	if !active {
		return
	}

	now := c.clockNow()

	expired := now.Sub(current.StartedAt) > c.maxDuration
	pastDeadline := current.EndTime != nil && !now.Before(*current.EndTime)
	if !expired && !pastDeadline {
		return
	}

	reason := "max duration exceeded"
	if pastDeadline && !expired {
		reason = "scheduled end time elapsed"
	}

	c.log.Warnf("session %s timed out (%s), forcing end", current.Key, reason)
	if err := c.End(current.Key, reason); err != nil && !errors.Is(err, ErrNoActiveSession) {
		c.log.Errorf("timeout end failed: %v", err)
	}
}

func (c *Controller) clockNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

func (c *Controller) publish(event *websocket.Event) {
	if c.events != nil {
		c.events.Publish(event)
	}
}
