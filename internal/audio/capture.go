// Package audio captures microphone frames and streams them to the Master
// over a lossy best-effort pipeline.
package audio

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// Format describes the PCM format of captured frames.
type Format struct {
	SampleRate int
	Channels   int
}

// Frame is one fixed-size unit of captured audio.
type Frame struct {
	Data      []byte
	Format    Format
	Timestamp time.Time
}

// Capture delivers fixed-size audio frames from an input device. The
// returned channel closes when the device stops delivering.
type Capture interface {
	Name() string
	Start(ctx context.Context) (<-chan Frame, error)
	Close() error
}

// ALSACapture records raw PCM from an ALSA device by running arecord and
// reading its stdout. Failing to start the recorder (no binary, no device)
// surfaces as an error from Start, which disables the audio pipeline
// without affecting the coordination loops.
type ALSACapture struct {
	device    string
	format    Format
	frameSize int // samples per frame

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewALSACapture creates a capture reading frameSize-sample frames from the
// given ALSA device.
func NewALSACapture(device string, format Format, frameSize int) *ALSACapture {
	if device == "" {
		device = "default"
	}
	return &ALSACapture{
		device:    device,
		format:    format,
		frameSize: frameSize,
	}
}

// Name returns the capture device name.
func (c *ALSACapture) Name() string {
	return c.device
}

// Start launches the recorder process and begins delivering frames.
func (c *ALSACapture) Start(ctx context.Context) (<-chan Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, fmt.Errorf("capture already started")
	}

	cmd := exec.CommandContext(ctx, "arecord",
		"-D", c.device,
		"-f", "S16_LE",
		"-r", fmt.Sprintf("%d", c.format.SampleRate),
		"-c", fmt.Sprintf("%d", c.format.Channels),
		"-t", "raw",
		"-q",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open recorder pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start recorder for device %s: %w", c.device, err)
	}
	c.cmd = cmd

	out := make(chan Frame, 1)
	go c.readLoop(ctx, stdout, out)

	return out, nil
}

// readLoop reads fixed-size frames from the recorder until it exits.
func (c *ALSACapture) readLoop(ctx context.Context, r io.Reader, out chan<- Frame) {
	defer close(out)

	// int16 samples
	frameBytes := c.frameSize * 2 * c.format.Channels

	for {
		buf := make([]byte, frameBytes)
		if _, err := io.ReadFull(r, buf); err != nil {
			return
		}

		frame := Frame{
			Data:      buf,
			Format:    c.format,
			Timestamp: time.Now().UTC(),
		}

		select {
		case out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the recorder process.
func (c *ALSACapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		return nil
	}

	cmd := c.cmd
	c.cmd = nil

	if cmd.Process != nil {
		// Teardown tolerates a recorder that already exited.
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
	return nil
}

// ReaderCapture reads fixed-size frames from an io.Reader. Used by tests
// and by deployments that pipe PCM through a FIFO instead of ALSA.
type ReaderCapture struct {
	name      string
	reader    io.Reader
	format    Format
	frameSize int
}

// NewReaderCapture creates a capture reading frames from r.
func NewReaderCapture(name string, r io.Reader, format Format, frameSize int) *ReaderCapture {
	return &ReaderCapture{
		name:      name,
		reader:    r,
		format:    format,
		frameSize: frameSize,
	}
}

// Name returns the capture name.
func (c *ReaderCapture) Name() string {
	return c.name
}

// Start begins delivering frames read from the underlying reader. The
// channel closes at EOF.
func (c *ReaderCapture) Start(ctx context.Context) (<-chan Frame, error) {
	out := make(chan Frame, 1)
	frameBytes := c.frameSize * 2 * c.format.Channels

	go func() {
		defer close(out)
		for {
			buf := make([]byte, frameBytes)
			if _, err := io.ReadFull(c.reader, buf); err != nil {
				return
			}

			frame := Frame{
				Data:      buf,
				Format:    c.format,
				Timestamp: time.Now().UTC(),
			}

			select {
			case out <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close is a no-op; the caller owns the reader.
func (c *ReaderCapture) Close() error { return nil }
