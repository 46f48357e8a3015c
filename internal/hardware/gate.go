// Package hardware owns the physical relay output that powers the
// experiment. The relay is modeled as a Gate interface with a real sysfs
// GPIO implementation and a simulated one, selected at startup, so the
// coordination logic never branches on what hardware is present.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/vlab-project/vlab/internal/config"
	"github.com/vlab-project/vlab/internal/logger"
)

// Gate is the switched output applying power to the experiment hardware.
// Implementations must be idempotent: energizing an energized gate and
// deenergizing a deenergized gate both succeed without side effects.
type Gate interface {
	// Energize applies power to the experiment hardware.
	Energize() error

	// Deenergize cuts power to the experiment hardware.
	Deenergize() error

	// Energized reports the last state the driver confirmed.
	Energized() bool

	// Close releases the underlying output.
	Close() error
}

// New selects a gate implementation for the given hardware configuration.
// When the GPIO sysfs interface is unavailable (development machines, CI),
// it falls back to the simulated gate so the runtime behaves identically.
func New(cfg *config.HardwareConfig, log *logger.Logger) Gate {
	if cfg.Simulated {
		log.Info("relay: using simulated gate (configured)")
		return NewSimulatedGate()
	}

	gate, err := NewSysfsGate(cfg.RelayPin)
	if err != nil {
		log.Warnf("relay: GPIO pin %d unavailable (%v), using simulated gate", cfg.RelayPin, err)
		return NewSimulatedGate()
	}

	log.Infof("relay: using GPIO pin %d", cfg.RelayPin)
	return gate
}

// SysfsGate drives a relay through the Linux GPIO sysfs interface.
type SysfsGate struct {
	pin       int
	valuePath string

	mu        sync.Mutex
	energized bool
}

const gpioRoot = "/sys/class/gpio"

// NewSysfsGate exports the given pin and configures it as an output.
func NewSysfsGate(pin int) (*SysfsGate, error) {
	pinDir := filepath.Join(gpioRoot, fmt.Sprintf("gpio%d", pin))

	if _, err := os.Stat(pinDir); os.IsNotExist(err) {
		exportPath := filepath.Join(gpioRoot, "export")
		if err := os.WriteFile(exportPath, []byte(strconv.Itoa(pin)), 0644); err != nil {
			return nil, fmt.Errorf("export GPIO pin %d: %w", pin, err)
		}
	}

	directionPath := filepath.Join(pinDir, "direction")
	if err := os.WriteFile(directionPath, []byte("out"), 0644); err != nil {
		return nil, fmt.Errorf("configure GPIO pin %d as output: %w", pin, err)
	}

	g := &SysfsGate{
		pin:       pin,
		valuePath: filepath.Join(pinDir, "value"),
	}

	// Start from a safe, deenergized output.
	if err := g.write(false); err != nil {
		return nil, err
	}

	return g, nil
}

// Energize applies power to the relay output.
func (g *SysfsGate) Energize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.energized {
		return nil
	}
	if err := g.write(true); err != nil {
		return err
	}
	g.energized = true
	return nil
}

// Deenergize cuts power to the relay output.
func (g *SysfsGate) Deenergize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.energized {
		return nil
	}
	if err := g.write(false); err != nil {
		return err
	}
	g.energized = false
	return nil
}

// Energized reports the last confirmed relay state.
func (g *SysfsGate) Energized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.energized
}

// Close drives the output low and releases it.
func (g *SysfsGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.write(false); err != nil {
		return err
	}
	g.energized = false
	return nil
}

func (g *SysfsGate) write(on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	if err := os.WriteFile(g.valuePath, []byte(value), 0644); err != nil {
		return fmt.Errorf("write GPIO pin %d: %w", g.pin, err)
	}
	return nil
}

// SimulatedGate is an in-memory gate used on hosts without GPIO hardware
// and in tests. It counts transitions and can inject driver failures.
type SimulatedGate struct {
	mu        sync.Mutex
	energized bool

	energizeCalls   int
	deenergizeCalls int

	failEnergize   error
	failDeenergize error
}

// NewSimulatedGate creates a simulated relay gate.
func NewSimulatedGate() *SimulatedGate {
	return &SimulatedGate{}
}

// Energize records power-on. Idempotent.
func (g *SimulatedGate) Energize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failEnergize != nil {
		return g.failEnergize
	}
	if g.energized {
		return nil
	}
	g.energized = true
	g.energizeCalls++
	return nil
}

// Deenergize records power-off. Idempotent.
func (g *SimulatedGate) Deenergize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failDeenergize != nil {
		return g.failDeenergize
	}
	if !g.energized {
		return nil
	}
	g.energized = false
	g.deenergizeCalls++
	return nil
}

// Energized reports the simulated relay state.
func (g *SimulatedGate) Energized() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.energized
}

// Close resets the simulated output.
func (g *SimulatedGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.energized = false
	return nil
}

// FailWith makes subsequent transitions return the given errors. Passing nil
// clears the injected failure.
func (g *SimulatedGate) FailWith(energize, deenergize error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failEnergize = energize
	g.failDeenergize = deenergize
}

// Calls returns how many confirmed energize and deenergize transitions the
// gate performed.
func (g *SimulatedGate) Calls() (energize, deenergize int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.energizeCalls, g.deenergizeCalls
}
