// Package poller implements the poll-fallback control mode: instead of
// waiting for pushed commands, the node periodically asks the Master what
// session should be running and corrects the relay to match. It drives the
// same session primitives as the push surface, so both paths converge on
// the same node state no matter which fires first.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/master"
	"github.com/vlab-project/vlab/internal/session"
	"github.com/vlab-project/vlab/internal/state"
)

// Poller periodically pulls the desired session state from the Master.
type Poller struct {
	state      *state.State
	client     *master.Client
	controller *session.Controller

	interval time.Duration
	backoff  time.Duration

	now func() time.Time

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Logger
}

// Config configures the poller.
type Config struct {
	State      *state.State
	Client     *master.Client
	Controller *session.Controller

	Interval time.Duration // default 5s
	Backoff  time.Duration // wait while unknown to the Master, default 10s

	Logger *logger.Logger
}

// New creates a poller.
func New(cfg *Config) (*Poller, error) {
	if cfg == nil || cfg.State == nil || cfg.Client == nil || cfg.Controller == nil {
		return nil, fmt.Errorf("poller requires state, client and controller")
	}

	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Backoff == 0 {
		cfg.Backoff = 10 * time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Poller{
		state:      cfg.State,
		client:     cfg.Client,
		controller: cfg.Controller,
		interval:   cfg.Interval,
		backoff:    cfg.Backoff,
		now:        func() time.Time { return time.Now().UTC() },
		ctx:        ctx,
		cancel:     cancel,
		log:        log,
	}, nil
}

// SetClock replaces the poller's clock. Used by tests.
func (p *Poller) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// Start launches the poll loop.
func (p *Poller) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("poller already running")
	}
	p.running = true

	p.wg.Add(1)
	go p.loop()

	p.log.Infof("session poller started (interval %v)", p.interval)
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Poller) loop() {
	defer p.wg.Done()

	// First poll runs immediately; each poll decides its own next wait so
	// the loop slows down while the Master does not know this node.
	var wait time.Duration
	for {
		timer := time.NewTimer(wait)
		select {
		case <-p.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		wait = p.Poll()
	}
}

// Poll runs one poll iteration and returns how long to wait before the
// next. Exported so tests can drive the loop directly.
func (p *Poller) Poll() time.Duration {
	resp, err := p.client.ActiveSession(p.ctx)
	if err != nil {
		if errors.Is(err, master.ErrNodeUnknown) {
			p.log.Warnf("master does not know node, backing off %v", p.backoff)
			p.endIfActive("node unknown to master")
			return p.backoff
		}

		// Transport and protocol errors are non-fatal; next tick retries.
		p.log.Debugf("session poll failed: %v", err)
		return p.interval
	}

	switch resp.Status {
	case master.SessionStatusRunning:
		p.handleRunning(resp)
	case master.SessionStatusStopped:
		p.endIfActive("master reports stopped")
	default:
		p.log.Warnf("session poll returned unknown status %q", resp.Status)
	}

	return p.interval
}

// handleRunning starts a newly assigned session and ends a session whose
// scheduled end time has already elapsed.
func (p *Poller) handleRunning(resp *master.ActiveSessionResponse) {
	if resp.SessionKey == "" {
		p.log.Warn("session poll reported running without a session key")
		return
	}

	current, active := p.state.ActiveSession()
	if !active || current.Key != resp.SessionKey {
		p.log.Infof("poll discovered session %s", resp.SessionKey)
		if err := p.controller.Start(resp.SessionKey, "", resp.EndTime); err != nil {
			p.log.Errorf("failed to start polled session %s: %v", resp.SessionKey, err)
			return
		}
	}

	if resp.EndTime != nil && !p.clockNow().Before(*resp.EndTime) {
		p.log.Infof("session %s past scheduled end time", resp.SessionKey)
		p.endIfActive("scheduled end time elapsed")
	}
}

// endIfActive ends the locally remembered session if one exists.
func (p *Poller) endIfActive(reason string) {
	current, active := p.state.ActiveSession()
	if !active {
		return
	}

	if err := p.controller.End(current.Key, reason); err != nil && !errors.Is(err, session.ErrNoActiveSession) {
		p.log.Errorf("failed to end session %s: %v", current.Key, err)
	}
}

func (p *Poller) clockNow() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now()
}
