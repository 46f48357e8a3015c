// Package server provides the HTTP server of the lab node. It exposes the
// push command surface for the Master and the local status, relay and event
// endpoints for operators.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/vlab-project/vlab/internal/api"
	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/websocket"
)

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config
	handler    *api.Handler
	wsMgr      *websocket.Manager

	log *logger.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config contains server configuration
type Config struct {
	Host         string
	Port         int
	APIKey       string // shared key required on push endpoints
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Debug        bool
}

// NewServer creates a new HTTP server
func NewServer(cfg *Config, handler *api.Handler, wsMgr *websocket.Manager, log *logger.Logger) (*Server, error) {
	if cfg == nil || handler == nil {
		return nil, fmt.Errorf("server requires config and handler")
	}
	if cfg.Port == 0 {
		cfg.Port = 5001
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 15 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:  cfg,
		handler: handler,
		wsMgr:   wsMgr,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}

	if cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

// setupMiddleware configures server middleware
func (s *Server) setupMiddleware() {
	s.engine.Use(
		api.RequestID(),
		api.RecoveryMiddleware(s.log),
		api.LoggerMiddleware(s.log),
	)
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Legacy status path, kept for Masters that probe the root path.
	s.engine.GET("/status", s.handler.HandleStatus)

	apiGroup := s.engine.Group("/api")
	{
		apiGroup.GET("/status", s.handler.HandleStatus)

		// Push command surface for the Master.
		labNode := apiGroup.Group("/lab-node", api.APIKeyAuth(s.config.APIKey))
		{
			labNode.POST("/session-start", s.handler.HandleSessionStart)
			labNode.POST("/session-end", s.handler.HandleSessionEnd)
		}
		apiGroup.POST("/command", api.APIKeyAuth(s.config.APIKey), s.handler.HandleCommand)

		// Local operator surface.
		relay := apiGroup.Group("/relay")
		{
			relay.POST("/on", s.handler.HandleRelayOn)
			relay.POST("/off", s.handler.HandleRelayOff)
			relay.GET("/status", s.handler.HandleRelayStatus)
		}
		apiGroup.POST("/session/end", s.handler.HandleLocalSessionEnd)

		if s.wsMgr != nil {
			apiGroup.GET("/events", s.wsMgr.HandleConnection)
		}
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	if s.wsMgr != nil {
		s.wsMgr.Start()
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.log.Infof("HTTP server listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("HTTP server error: %v", err)
		}
		s.log.Info("HTTP server stopped")
	}()

	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.httpServer == nil {
		s.mu.Unlock()
		return fmt.Errorf("server not started")
	}
	s.mu.Unlock()

	s.cancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("HTTP server shutdown failed: %v", err)
			s.httpServer.Close()
		}
		s.httpServer = nil
	}
	s.mu.Unlock()

	if s.wsMgr != nil {
		s.wsMgr.Stop()
	}

	s.wg.Wait()
	return nil
}

// Shutdown performs graceful shutdown with context
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)

	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		s.log.Warn("graceful shutdown timed out, forcing close")
		s.mu.Lock()
		if s.httpServer != nil {
			s.httpServer.Close()
			s.httpServer = nil
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}

// GetEngine returns the Gin engine (for testing)
func (s *Server) GetEngine() *gin.Engine {
	return s.engine
}
