// Package command executes Master-issued node commands: restarting the node
// service and rebooting the host.
package command

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/vlab-project/vlab/internal/logger"
)

// Known node commands.
const (
	Restart = "restart"
	Reboot  = "reboot"
)

// Runner executes one system command. Swapped out in tests.
type Runner func(name string, args ...string) error

func defaultRunner(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// Executor runs node commands. Execution is deferred a short delay so the
// HTTP acknowledgment reaches the Master before the process goes away.
type Executor struct {
	serviceName string
	delay       time.Duration
	run         Runner
	log         *logger.Logger
}

// ExecutorConfig configures the command executor.
type ExecutorConfig struct {
	ServiceName string        // systemd unit to restart, default "labnode"
	Delay       time.Duration // grace before executing, default 1s
	Runner      Runner
	Logger      *logger.Logger
}

// NewExecutor creates a command executor.
func NewExecutor(cfg *ExecutorConfig) *Executor {
	if cfg == nil {
		cfg = &ExecutorConfig{}
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "labnode"
	}
	if cfg.Delay == 0 {
		cfg.Delay = time.Second
	}
	if cfg.Runner == nil {
		cfg.Runner = defaultRunner
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	return &Executor{
		serviceName: cfg.ServiceName,
		delay:       cfg.Delay,
		run:         cfg.Runner,
		log:         log,
	}
}

// Execute validates the command and schedules it. The command runs in the
// background after the grace delay; validation errors are returned
// immediately so the caller can reject unknown commands.
func (e *Executor) Execute(name string) error {
	switch name {
	case Restart, Reboot:
	default:
		return fmt.Errorf("unknown command %q", name)
	}

	e.log.Warnf("executing node command: %s (in %v)", name, e.delay)

	go func() {
		time.Sleep(e.delay)

		var err error
		switch name {
		case Restart:
			err = e.run("systemctl", "restart", e.serviceName)
		case Reboot:
			err = e.run("sudo", "reboot")
		}
		if err != nil {
			e.log.Errorf("command %s failed: %v", name, err)
		}
	}()

	return nil
}
