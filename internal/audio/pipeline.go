package audio

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/master"
)

// Sender posts encoded audio frames to the Master.
type Sender interface {
	PostAudioFrame(ctx context.Context, req *master.AudioFrameRequest) error
}

// Pipeline streams captured audio frames to the Master through a bounded
// queue. The capture side never blocks on a slow network: when the queue is
// full past a short grace period the frame is dropped and counted. The
// sender side swallows transport errors, so audio is strictly best-effort
// and can never stall session control.
type Pipeline struct {
	capture Capture
	sender  Sender
	nodeID  string

	queueSize      int
	enqueueTimeout time.Duration
	postTimeout    time.Duration

	dropped uint64
	sent    uint64

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Logger
}

// PipelineConfig configures the audio pipeline.
type PipelineConfig struct {
	Capture Capture
	Sender  Sender
	NodeID  string

	QueueSize      int           // default 10 frames
	EnqueueTimeout time.Duration // grace before dropping a frame, default 500ms
	PostTimeout    time.Duration // per-frame send budget, default 1s

	Logger *logger.Logger
}

// NewPipeline creates an audio pipeline.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if cfg == nil || cfg.Capture == nil || cfg.Sender == nil {
		return nil, fmt.Errorf("audio pipeline requires capture and sender")
	}

	if cfg.QueueSize == 0 {
		cfg.QueueSize = 10
	}
	if cfg.EnqueueTimeout == 0 {
		cfg.EnqueueTimeout = 500 * time.Millisecond
	}
	if cfg.PostTimeout == 0 {
		cfg.PostTimeout = time.Second
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	return &Pipeline{
		capture:        cfg.Capture,
		sender:         cfg.Sender,
		nodeID:         cfg.NodeID,
		queueSize:      cfg.QueueSize,
		enqueueTimeout: cfg.EnqueueTimeout,
		postTimeout:    cfg.PostTimeout,
		log:            log,
	}, nil
}

// Start opens the capture device and launches the capture and sender loops.
// Returns false when the device cannot be opened; the node keeps running
// without audio. Calling Start while already streaming is a no-op returning
// true.
func (p *Pipeline) Start() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())

	frames, err := p.capture.Start(ctx)
	if err != nil {
		cancel()
		p.log.Warnf("audio capture unavailable (%s): %v", p.capture.Name(), err)
		return false
	}

	p.ctx = ctx
	p.cancel = cancel
	p.running = true

	queue := make(chan *master.AudioFrameRequest, p.queueSize)

	p.wg.Add(2)
	go p.captureLoop(frames, queue)
	go p.senderLoop(queue)

	p.log.Infof("audio pipeline started (device %s, queue %d)", p.capture.Name(), p.queueSize)
	return true
}

// Stop tears down the capture device and both loops. Idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	if err := p.capture.Close(); err != nil {
		p.log.Warnf("audio capture close: %v", err)
	}
	p.wg.Wait()

	p.log.Infof("audio pipeline stopped (sent %d, dropped %d)", p.Sent(), p.Dropped())
}

// IsActive reports whether the pipeline is streaming.
func (p *Pipeline) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Dropped returns the number of frames dropped because the queue stayed full.
func (p *Pipeline) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Sent returns the number of frames delivered to the Master.
func (p *Pipeline) Sent() uint64 {
	return atomic.LoadUint64(&p.sent)
}

// captureLoop encodes captured frames and enqueues them for sending. The
// queue closes when capture ends, which drains and stops the sender loop.
func (p *Pipeline) captureLoop(frames <-chan Frame, queue chan<- *master.AudioFrameRequest) {
	defer p.wg.Done()
	defer close(queue)

	for {
		select {
		case <-p.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				p.log.Debug("audio capture channel closed")
				return
			}
			p.enqueue(queue, p.encode(frame))
		}
	}
}

// enqueue offers one frame to the queue, waiting at most the enqueue grace
// period. A full queue past the grace means the network is behind; the frame
// is dropped rather than letting capture back up.
func (p *Pipeline) enqueue(queue chan<- *master.AudioFrameRequest, req *master.AudioFrameRequest) {
	timer := time.NewTimer(p.enqueueTimeout)
	defer timer.Stop()

	select {
	case queue <- req:
	case <-timer.C:
		dropped := atomic.AddUint64(&p.dropped, 1)
		if dropped == 1 || dropped%100 == 0 {
			p.log.Warnf("audio queue full, dropped %d frames so far", dropped)
		}
	case <-p.ctx.Done():
	}
}

// senderLoop posts queued frames to the Master in order. Transport errors
// drop the frame; delivery is best-effort.
func (p *Pipeline) senderLoop(queue <-chan *master.AudioFrameRequest) {
	defer p.wg.Done()

	for req := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.postTimeout)
		err := p.sender.PostAudioFrame(ctx, req)
		cancel()

		if err != nil {
			p.log.Debugf("audio frame post failed: %v", err)
			continue
		}
		atomic.AddUint64(&p.sent, 1)
	}
}

func (p *Pipeline) encode(frame Frame) *master.AudioFrameRequest {
	return &master.AudioFrameRequest{
		ID:           p.nodeID,
		AudioPayload: base64.StdEncoding.EncodeToString(frame.Data),
		SampleRate:   frame.Format.SampleRate,
		Channels:     frame.Format.Channels,
	}
}
