package hardware

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vlab-project/vlab/internal/config"
	"github.com/vlab-project/vlab/internal/logger"
)

func TestSimulatedGateTransitions(t *testing.T) {
	g := NewSimulatedGate()
	assert.False(t, g.Energized())

	require.NoError(t, g.Energize())
	assert.True(t, g.Energized())

	require.NoError(t, g.Deenergize())
	assert.False(t, g.Energized())
}

func TestSimulatedGateIdempotent(t *testing.T) {
	g := NewSimulatedGate()

	require.NoError(t, g.Energize())
	require.NoError(t, g.Energize())
	require.NoError(t, g.Deenergize())
	require.NoError(t, g.Deenergize())

	energize, deenergize := g.Calls()
	assert.Equal(t, 1, energize)
	assert.Equal(t, 1, deenergize)
}

func TestSimulatedGateFailureInjection(t *testing.T) {
	g := NewSimulatedGate()
	driverErr := errors.New("driver fault")

	g.FailWith(driverErr, nil)
	assert.ErrorIs(t, g.Energize(), driverErr)
	assert.False(t, g.Energized())

	g.FailWith(nil, driverErr)
	require.NoError(t, g.Energize())
	assert.ErrorIs(t, g.Deenergize(), driverErr)
	assert.True(t, g.Energized())

	g.FailWith(nil, nil)
	require.NoError(t, g.Deenergize())
	assert.False(t, g.Energized())
}

func TestSimulatedGateClose(t *testing.T) {
	g := NewSimulatedGate()
	require.NoError(t, g.Energize())
	require.NoError(t, g.Close())
	assert.False(t, g.Energized())
}

func TestNewFallsBackToSimulated(t *testing.T) {
	log, err := logger.NewLogger(&config.LogConfig{Level: "error"}, "test")
	require.NoError(t, err)

	// Configured simulated.
	g := New(&config.HardwareConfig{Simulated: true}, log)
	_, ok := g.(*SimulatedGate)
	assert.True(t, ok)

	// A pin that cannot be exported on the test host falls back too.
	g = New(&config.HardwareConfig{RelayPin: 26}, log)
	require.NotNil(t, g)
	require.NoError(t, g.Energize())
	require.NoError(t, g.Close())
}
