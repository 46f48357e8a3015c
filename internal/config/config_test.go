package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5001, cfg.Server.Port)
	assert.Equal(t, ModeNode, cfg.Node.Mode)
	assert.Equal(t, 30, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 5, cfg.Node.HeartbeatFailureLimit)
	assert.Equal(t, 5, cfg.Node.PollInterval)
	assert.Equal(t, 10, cfg.Node.PollBackoff)
	assert.Equal(t, 3600, cfg.Node.MaxSessionDuration)
	assert.Equal(t, 60, cfg.Node.SessionCheckInterval)
	assert.Equal(t, 26, cfg.Hardware.RelayPin)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 1, cfg.Audio.Channels)
	assert.Equal(t, 1024, cfg.Audio.FrameSize)
	assert.Equal(t, 10, cfg.Audio.QueueSize)
	assert.NotEmpty(t, cfg.Node.ID)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 5001, cfg.Server.Port)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
node:
  id: lab-pi-42
  name: Chamber 42
  mode: hybrid
  heartbeat_interval: 15
master:
  url: http://master.lab:5000
  api_key: topsecret
hardware:
  relay_pin: 17
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "lab-pi-42", cfg.Node.ID)
	assert.Equal(t, "Chamber 42", cfg.Node.Name)
	assert.Equal(t, ModeHybrid, cfg.Node.Mode)
	assert.Equal(t, 15, cfg.Node.HeartbeatInterval)
	assert.Equal(t, "http://master.lab:5000", cfg.Master.URL)
	assert.Equal(t, "topsecret", cfg.Master.APIKey)
	assert.Equal(t, 17, cfg.Hardware.RelayPin)

	// Untouched fields keep their defaults.
	assert.Equal(t, 5001, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Audio.QueueSize)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: ["), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VLAB_NODE_ID", "env-node")
	t.Setenv("VLAB_NODE_MODE", "poller")
	t.Setenv("MASTER_URL", "http://env-master:5000")
	t.Setenv("MASTER_API_KEY", "env-key")
	t.Setenv("LAB_PORT", "6001")
	t.Setenv("HEARTBEAT_INTERVAL", "45")
	t.Setenv("MAX_SESSION_DURATION", "1800")
	t.Setenv("RELAY_PIN", "21")
	t.Setenv("RELAY_SIMULATED", "true")
	t.Setenv("AUDIO_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "env-node", cfg.Node.ID)
	assert.Equal(t, ModePoller, cfg.Node.Mode)
	assert.Equal(t, "http://env-master:5000", cfg.Master.URL)
	assert.Equal(t, "env-key", cfg.Master.APIKey)
	assert.Equal(t, 6001, cfg.Server.Port)
	assert.Equal(t, 45, cfg.Node.HeartbeatInterval)
	assert.Equal(t, 1800, cfg.Node.MaxSessionDuration)
	assert.Equal(t, 21, cfg.Hardware.RelayPin)
	assert.True(t, cfg.Hardware.Simulated)
	assert.False(t, cfg.Audio.Enabled)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{name: "defaults", mutate: func(c *Config) {}, valid: true},
		{name: "empty node id", mutate: func(c *Config) { c.Node.ID = "" }, valid: false},
		{name: "bad mode", mutate: func(c *Config) { c.Node.Mode = "watcher" }, valid: false},
		{name: "empty master url", mutate: func(c *Config) { c.Master.URL = "" }, valid: false},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 70000 }, valid: false},
		{name: "zero heartbeat interval", mutate: func(c *Config) { c.Node.HeartbeatInterval = 0 }, valid: false},
		{name: "zero poll interval", mutate: func(c *Config) { c.Node.PollInterval = 0 }, valid: false},
		{name: "zero max session", mutate: func(c *Config) { c.Node.MaxSessionDuration = 0 }, valid: false},
		{name: "zero queue size", mutate: func(c *Config) { c.Audio.QueueSize = 0 }, valid: false},
		{name: "zero sample rate", mutate: func(c *Config) { c.Audio.SampleRate = 0 }, valid: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Node.ID = "lab-pi-01"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
