// Package node runs the registration and heartbeat loop that keeps the lab
// node visible to the Master.
package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/master"
	"github.com/vlab-project/vlab/internal/metrics"
	"github.com/vlab-project/vlab/internal/netutil"
	"github.com/vlab-project/vlab/internal/session"
	"github.com/vlab-project/vlab/internal/state"
	"github.com/vlab-project/vlab/internal/types"
	"github.com/vlab-project/vlab/internal/websocket"
)

// HeartbeatManager runs the node's registration and heartbeat loop.
//
// Unregistered nodes attempt registration each period. Registered nodes post
// a heartbeat built from the node state and a metrics snapshot; a response
// may carry a new session assignment, which is installed through the session
// controller. After FailureLimit consecutive heartbeat failures the node
// drops its registration and re-registers immediately, before the next
// scheduled heartbeat.
type HeartbeatManager struct {
	state      *state.State
	client     *master.Client
	probe      *metrics.Probe
	controller *session.Controller
	events     session.EventSink

	interval     time.Duration
	failureLimit int

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Logger
}

// HeartbeatConfig configures the heartbeat manager.
type HeartbeatConfig struct {
	State      *state.State
	Client     *master.Client
	Probe      *metrics.Probe
	Controller *session.Controller
	Events     session.EventSink

	Interval     time.Duration // default 30s
	FailureLimit int           // consecutive failures before re-registration, default 5

	Logger *logger.Logger
}

// NewHeartbeatManager creates a heartbeat manager.
func NewHeartbeatManager(cfg *HeartbeatConfig) (*HeartbeatManager, error) {
	if cfg == nil || cfg.State == nil || cfg.Client == nil || cfg.Controller == nil {
		return nil, fmt.Errorf("heartbeat manager requires state, client and controller")
	}

	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.FailureLimit == 0 {
		cfg.FailureLimit = 5
	}
	if cfg.Probe == nil {
		cfg.Probe = metrics.NewProbe()
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &HeartbeatManager{
		state:        cfg.State,
		client:       cfg.Client,
		probe:        cfg.Probe,
		controller:   cfg.Controller,
		events:       cfg.Events,
		interval:     cfg.Interval,
		failureLimit: cfg.FailureLimit,
		ctx:          ctx,
		cancel:       cancel,
		log:          log,
	}, nil
}

// Start launches the heartbeat loop. The first iteration runs immediately.
func (hm *HeartbeatManager) Start() error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hm.running {
		return fmt.Errorf("heartbeat manager already running")
	}
	hm.running = true

	hm.wg.Add(1)
	go hm.loop()

	hm.log.Infof("heartbeat manager started (interval %v, failure limit %d)", hm.interval, hm.failureLimit)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (hm *HeartbeatManager) Stop() {
	hm.mu.Lock()
	if !hm.running {
		hm.mu.Unlock()
		return
	}
	hm.running = false
	hm.mu.Unlock()

	hm.cancel()
	hm.wg.Wait()
}

// IsRunning reports whether the loop is active.
func (hm *HeartbeatManager) IsRunning() bool {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.running
}

func (hm *HeartbeatManager) loop() {
	defer hm.wg.Done()

	hm.Tick()

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.Tick()
		}
	}
}

// Tick runs one iteration of the loop: registration while unregistered,
// a heartbeat otherwise. Exported so tests can drive the loop directly.
func (hm *HeartbeatManager) Tick() {
	if !hm.state.Registered() {
		hm.register()
		return
	}
	hm.heartbeat()
}

// register sends the node identity to the Master. On failure the node stays
// unregistered and the next tick retries; there is no extra backoff beyond
// the loop period.
func (hm *HeartbeatManager) register() {
	identity := hm.state.Identity()
	ip := netutil.GetBestLocalIP()

	mac := identity.MAC
	if mac == "" {
		mac = netutil.GetHardwareAddr(ip)
	}

	recordID, err := hm.client.Register(hm.ctx, &master.RegisterRequest{
		ID:           identity.ID,
		Name:         identity.Name,
		MAC:          mac,
		IP:           ip,
		Hostname:     netutil.GetHostname(),
		ExperimentID: identity.ExperimentID,
	})
	if err != nil {
		hm.log.Warnf("registration failed: %v", err)
		return
	}

	hm.state.MarkRegistered(recordID)
	hm.log.Infof("registered with master (record id: %s)", recordID)
}

// heartbeat posts one liveness report and absorbs any session assignment
// the Master returns.
func (hm *HeartbeatManager) heartbeat() {
	report := hm.BuildReport()

	resp, err := hm.client.Heartbeat(hm.ctx, report)
	if err != nil {
		failures := hm.state.RecordHeartbeatFailure(err)
		hm.log.Warnf("heartbeat failed (%d consecutive): %v", failures, err)
		hm.publishResult(false)

		if failures >= hm.failureLimit {
			hm.log.Warnf("%d consecutive heartbeat failures, re-registering", failures)
			hm.state.MarkUnregistered()
			hm.register()
		}
		return
	}

	hm.state.RecordHeartbeatSuccess()
	hm.publishResult(true)

	if resp.NewSession != nil {
		assignment := resp.NewSession
		hm.log.Infof("heartbeat delivered new session: %s", assignment.SessionKey)
		if err := hm.controller.Start(assignment.SessionKey, assignment.UserEmail, assignment.EndTime); err != nil {
			hm.log.Errorf("failed to start heartbeat-assigned session %s: %v", assignment.SessionKey, err)
		}
	}
}

// BuildReport builds a heartbeat request from the current node state and a
// fresh metrics snapshot.
func (hm *HeartbeatManager) BuildReport() *master.HeartbeatRequest {
	snap := hm.state.Snapshot()

	status := types.StatusOnline
	if snap.SessionActive && !snap.HardwareReady {
		status = types.StatusDegraded
	}

	return &master.HeartbeatRequest{
		ID:            snap.Identity.ID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		SessionActive: snap.SessionActive,
		SessionKey:    snap.Session.Key,
		RelayState:    snap.RelayEnergized,
		HardwareReady: snap.HardwareReady,
		Uptime:        hm.state.UptimeString(),
		Snapshot:      *hm.probe.Read(),
	}
}

func (hm *HeartbeatManager) publishResult(success bool) {
	if hm.events == nil {
		return
	}

	event := websocket.NewEvent(websocket.EventTypeHeartbeat)
	event.Success = success
	hm.events.Publish(event)
}
