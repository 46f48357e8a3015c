// Package config provides configuration management for the lab node.
// Configuration is loaded from an optional YAML file and then overridden by
// environment variables, since deployed nodes are configured almost entirely
// through their service environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/vlab-project/vlab/internal/netutil"
	"gopkg.in/yaml.v3"
)

// Run modes for the lab node.
const (
	// ModeNode runs the full runtime: push command surface, heartbeat loop,
	// session timeout monitor and audio pipeline.
	ModeNode = "node"
	// ModePoller runs only the poll-fallback loop against the Master.
	ModePoller = "poller"
	// ModeHybrid runs the full runtime plus the poll-fallback loop.
	ModeHybrid = "hybrid"
)

// Config represents the complete lab node configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Node     NodeConfig     `yaml:"node" json:"node"`
	Master   MasterConfig   `yaml:"master" json:"master"`
	Hardware HardwareConfig `yaml:"hardware" json:"hardware"`
	Audio    AudioConfig    `yaml:"audio" json:"audio"`
	Log      LogConfig      `yaml:"log" json:"log"`
}

// ServerConfig contains HTTP server configuration for the local surface.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"write_timeout" json:"writeTimeout"` // seconds
}

// NodeConfig contains the node identity and loop timing.
type NodeConfig struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	MAC          string `yaml:"mac" json:"mac"`
	ExperimentID int    `yaml:"experiment_id" json:"experimentId"`
	Mode         string `yaml:"mode" json:"mode"` // node, poller, hybrid

	HeartbeatInterval     int `yaml:"heartbeat_interval" json:"heartbeatInterval"`           // seconds
	HeartbeatFailureLimit int `yaml:"heartbeat_failure_limit" json:"heartbeatFailureLimit"` // consecutive failures before re-registration
	PollInterval          int `yaml:"poll_interval" json:"pollInterval"`                     // seconds
	PollBackoff           int `yaml:"poll_backoff" json:"pollBackoff"`                       // seconds, while unknown to the Master
	MaxSessionDuration    int `yaml:"max_session_duration" json:"maxSessionDuration"`       // seconds
	SessionCheckInterval  int `yaml:"session_check_interval" json:"sessionCheckInterval"`   // seconds
}

// MasterConfig contains the Master coordination endpoint settings.
type MasterConfig struct {
	URL     string `yaml:"url" json:"url"`
	APIKey  string `yaml:"api_key" json:"apiKey"`
	Timeout int    `yaml:"timeout" json:"timeout"` // seconds, coordination calls
}

// HardwareConfig contains relay output settings.
type HardwareConfig struct {
	RelayPin  int    `yaml:"relay_pin" json:"relayPin"`
	GPIOChip  string `yaml:"gpio_chip" json:"gpioChip"`
	Simulated bool   `yaml:"simulated" json:"simulated"`
}

// AudioConfig contains audio capture and streaming settings.
type AudioConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Device         string `yaml:"device" json:"device"`
	SampleRate     int    `yaml:"sample_rate" json:"sampleRate"`
	Channels       int    `yaml:"channels" json:"channels"`
	FrameSize      int    `yaml:"frame_size" json:"frameSize"`             // samples per frame
	QueueSize      int    `yaml:"queue_size" json:"queueSize"`             // frames
	EnqueueTimeout int    `yaml:"enqueue_timeout" json:"enqueueTimeout"`   // milliseconds
	PostTimeout    int    `yaml:"post_timeout" json:"postTimeout"`         // milliseconds
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level     string `yaml:"level" json:"level"`         // debug, info, warn, error
	Format    string `yaml:"format" json:"format"`       // json, text
	Output    string `yaml:"output" json:"output"`       // stdout, file, both
	Directory string `yaml:"directory" json:"directory"` // log directory
	MaxAge    int    `yaml:"max_age" json:"maxAge"`      // days
}

// DefaultConfig returns the configuration defaults for a lab node.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         5001,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Node: NodeConfig{
			ID:                    netutil.GetHostname(),
			Name:                  "Lab Node",
			ExperimentID:          1,
			Mode:                  ModeNode,
			HeartbeatInterval:     30,
			HeartbeatFailureLimit: 5,
			PollInterval:          5,
			PollBackoff:           10,
			MaxSessionDuration:    3600,
			SessionCheckInterval:  60,
		},
		Master: MasterConfig{
			URL:     "http://localhost:5000",
			Timeout: 10,
		},
		Hardware: HardwareConfig{
			RelayPin: 26,
			GPIOChip: "gpiochip0",
		},
		Audio: AudioConfig{
			Enabled:        true,
			Device:         "default",
			SampleRate:     16000,
			Channels:       1,
			FrameSize:      1024,
			QueueSize:      10,
			EnqueueTimeout: 500,
			PostTimeout:    1000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
			MaxAge: 7,
		},
	}
}

// Load reads the configuration file at path (when it exists), applies
// environment overrides on top and validates the result. A missing file is
// not an error: deployed nodes usually run on defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides applies the environment variables the original node
// deployment uses on top of the loaded configuration.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Node.ID, "VLAB_NODE_ID")
	setString(&cfg.Node.Name, "VLAB_NODE_NAME")
	setString(&cfg.Node.MAC, "VLAB_NODE_MAC")
	setString(&cfg.Node.Mode, "VLAB_NODE_MODE")
	setInt(&cfg.Node.ExperimentID, "EXPERIMENT_ID")
	setInt(&cfg.Node.HeartbeatInterval, "HEARTBEAT_INTERVAL")
	setInt(&cfg.Node.PollInterval, "POLL_INTERVAL")
	setInt(&cfg.Node.MaxSessionDuration, "MAX_SESSION_DURATION")

	setString(&cfg.Master.URL, "MASTER_URL")
	setString(&cfg.Master.APIKey, "MASTER_API_KEY")

	setString(&cfg.Server.Host, "LAB_HOST")
	setInt(&cfg.Server.Port, "LAB_PORT")

	setInt(&cfg.Hardware.RelayPin, "RELAY_PIN")
	setBool(&cfg.Hardware.Simulated, "RELAY_SIMULATED")

	setString(&cfg.Audio.Device, "AUDIO_DEVICE")
	setBool(&cfg.Audio.Enabled, "AUDIO_ENABLED")

	setString(&cfg.Log.Level, "LOG_LEVEL")
}

func setString(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*target = true
		case "0", "false", "no", "off":
			*target = false
		}
	}
}

// Validate checks the configuration for invalid or missing values.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}

	switch c.Node.Mode {
	case ModeNode, ModePoller, ModeHybrid:
	default:
		return fmt.Errorf("invalid node mode %q (must be %s, %s or %s)",
			c.Node.Mode, ModeNode, ModePoller, ModeHybrid)
	}

	if c.Master.URL == "" {
		return fmt.Errorf("master url must not be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	if c.Node.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}

	if c.Node.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}

	if c.Node.MaxSessionDuration <= 0 {
		return fmt.Errorf("max session duration must be positive")
	}

	if c.Audio.QueueSize <= 0 {
		return fmt.Errorf("audio queue size must be positive")
	}

	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 || c.Audio.FrameSize <= 0 {
		return fmt.Errorf("invalid audio format configuration")
	}

	return nil
}
