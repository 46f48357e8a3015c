// Package api provides the HTTP surface of the lab node: push command
// handlers, local status and relay endpoints, and the middleware around them.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vlab-project/vlab/internal/logger"
	"github.com/vlab-project/vlab/internal/types"
)

// RequestID middleware adds a unique request ID to each request
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.New().String()
		c.Set("requestId", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// RecoveryMiddleware handles panics and converts them to errors
func RecoveryMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("Panic recovered: %v", r)
				ErrorWithDetails(c, types.ErrInternalError, "Internal server error", "A panic occurred")
				c.Abort()
			}
		}()
		c.Next()
	}
}

// LoggerMiddleware logs request information
func LoggerMiddleware(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}
		log.Infof("API Request: method=%s path=%s status=%d latency=%v",
			c.Request.Method,
			path,
			statusCode,
			latency,
		)
	}
}

// APIKeyAuth rejects push commands that do not carry the shared Master API
// key. When no key is configured the check is disabled, which matches
// closed-network deployments where the Master and nodes share a LAN.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		if c.GetHeader("X-API-Key") != apiKey {
			Error(c, types.ErrNotAuthenticated, "invalid or missing API key")
			c.Abort()
			return
		}
		c.Next()
	}
}
