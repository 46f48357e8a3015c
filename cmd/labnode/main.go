// labnode runs a remote lab experiment node: it registers with the central
// Master, reports heartbeats, executes session commands against the relay
// gate and streams experiment audio.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vlab-project/vlab/internal/api"
	"github.com/vlab-project/vlab/internal/audio"
	"github.com/vlab-project/vlab/internal/command"
	"github.com/vlab-project/vlab/internal/config"
	"github.com/vlab-project/vlab/internal/hardware"
	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/master"
	"github.com/vlab-project/vlab/internal/metrics"
	"github.com/vlab-project/vlab/internal/node"
	"github.com/vlab-project/vlab/internal/poller"
	"github.com/vlab-project/vlab/internal/server"
	"github.com/vlab-project/vlab/internal/session"
	"github.com/vlab-project/vlab/internal/shutdown"
	"github.com/vlab-project/vlab/internal/state"
	"github.com/vlab-project/vlab/internal/version"
	"github.com/vlab-project/vlab/internal/websocket"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	mode := flag.String("mode", "", "run mode: node, poller, hybrid")
	showVersion := flag.Bool("version", false, "print version information")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Get())
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Node.Mode = *mode
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := logger.InitLogger(&cfg.Log, cfg.Node.ID); err != nil {
		fmt.Printf("warning: failed to initialize logging: %v\n", err)
	}
	log := logger.GetLogger()

	log.Infof("%s starting", version.Get())
	log.Infof("node id: %s, mode: %s, master: %s", cfg.Node.ID, cfg.Node.Mode, cfg.Master.URL)

	nodeState := state.New(state.Identity{
		ID:           cfg.Node.ID,
		Name:         cfg.Node.Name,
		MAC:          cfg.Node.MAC,
		ExperimentID: cfg.Node.ExperimentID,
	})

	gate := hardware.New(&cfg.Hardware, log)

	client, err := master.NewClient(&master.ClientConfig{
		BaseURL: cfg.Master.URL,
		NodeID:  cfg.Node.ID,
		APIKey:  cfg.Master.APIKey,
		Timeout: time.Duration(cfg.Master.Timeout) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to create master client: %v", err)
	}

	wsMgr := websocket.NewManager(log)

	var pipeline *audio.Pipeline
	if cfg.Audio.Enabled {
		capture := audio.NewALSACapture(cfg.Audio.Device, audio.Format{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
		}, cfg.Audio.FrameSize)

		pipeline, err = audio.NewPipeline(&audio.PipelineConfig{
			Capture:        capture,
			Sender:         client,
			NodeID:         cfg.Node.ID,
			QueueSize:      cfg.Audio.QueueSize,
			EnqueueTimeout: time.Duration(cfg.Audio.EnqueueTimeout) * time.Millisecond,
			PostTimeout:    time.Duration(cfg.Audio.PostTimeout) * time.Millisecond,
			Logger:         log,
		})
		if err != nil {
			log.Fatalf("failed to create audio pipeline: %v", err)
		}
	}

	controllerCfg := &session.ControllerConfig{
		State:         nodeState,
		Gate:          gate,
		Notifier:      client,
		Events:        wsMgr,
		Logger:        log,
		MaxDuration:   time.Duration(cfg.Node.MaxSessionDuration) * time.Second,
		CheckInterval: time.Duration(cfg.Node.SessionCheckInterval) * time.Second,
	}
	if pipeline != nil {
		controllerCfg.Audio = pipeline
	}

	controller, err := session.NewController(controllerCfg)
	if err != nil {
		log.Fatalf("failed to create session controller: %v", err)
	}

	executor := command.NewExecutor(&command.ExecutorConfig{Logger: log})

	handlerCfg := &api.HandlerConfig{
		State:      nodeState,
		Controller: controller,
		Executor:   executor,
		WebSocket:  wsMgr,
		Logger:     log,
	}
	if pipeline != nil {
		handlerCfg.Audio = pipeline
	}
	handler := api.NewHandler(handlerCfg)

	srv, err := server.NewServer(&server.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		APIKey:       cfg.Master.APIKey,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}, handler, wsMgr, log)
	if err != nil {
		log.Fatalf("failed to create HTTP server: %v", err)
	}

	heartbeat, err := node.NewHeartbeatManager(&node.HeartbeatConfig{
		State:        nodeState,
		Client:       client,
		Probe:        metrics.NewProbe(),
		Controller:   controller,
		Events:       wsMgr,
		Interval:     time.Duration(cfg.Node.HeartbeatInterval) * time.Second,
		FailureLimit: cfg.Node.HeartbeatFailureLimit,
		Logger:       log,
	})
	if err != nil {
		log.Fatalf("failed to create heartbeat manager: %v", err)
	}

	var sessionPoller *poller.Poller
	if cfg.Node.Mode == config.ModePoller || cfg.Node.Mode == config.ModeHybrid {
		sessionPoller, err = poller.New(&poller.Config{
			State:      nodeState,
			Client:     client,
			Controller: controller,
			Interval:   time.Duration(cfg.Node.PollInterval) * time.Second,
			Backoff:    time.Duration(cfg.Node.PollBackoff) * time.Second,
			Logger:     log,
		})
		if err != nil {
			log.Fatalf("failed to create session poller: %v", err)
		}
	}

	fullRuntime := cfg.Node.Mode == config.ModeNode || cfg.Node.Mode == config.ModeHybrid

	if fullRuntime {
		if err := srv.Start(); err != nil {
			log.Fatalf("failed to start HTTP server: %v", err)
		}
		if err := heartbeat.Start(); err != nil {
			log.Fatalf("failed to start heartbeat manager: %v", err)
		}
		controller.StartMonitor()
	} else {
		// Poller-only nodes still register and heartbeat so the Master sees
		// them, but carry no push surface.
		if err := heartbeat.Start(); err != nil {
			log.Fatalf("failed to start heartbeat manager: %v", err)
		}
	}

	if sessionPoller != nil {
		if err := sessionPoller.Start(); err != nil {
			log.Fatalf("failed to start session poller: %v", err)
		}
	}

	shutdownMgr := shutdown.NewManager(10 * time.Second)

	if fullRuntime {
		shutdownMgr.Register("http-server", func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		}, shutdown.PriorityCritical)
	}

	shutdownMgr.Register("active-session", func(ctx context.Context) error {
		if current, active := nodeState.ActiveSession(); active {
			return controller.End(current.Key, "node shutting down")
		}
		return nil
	}, shutdown.PriorityHigh)

	shutdownMgr.Register("loops", func(ctx context.Context) error {
		if sessionPoller != nil {
			sessionPoller.Stop()
		}
		heartbeat.Stop()
		controller.Stop()
		if pipeline != nil {
			pipeline.Stop()
		}
		return nil
	}, shutdown.PriorityNormal)

	shutdownMgr.Register("hardware", func(ctx context.Context) error {
		return gate.Close()
	}, shutdown.PriorityNormal)

	shutdownMgr.Register("logger", func(ctx context.Context) error {
		return log.Close()
	}, shutdown.PriorityLow)

	shutdownMgr.Start()

	log.Info("labnode running, waiting for shutdown signal")
	shutdownMgr.Wait()
}
