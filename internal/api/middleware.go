// Package api wires the gin router: admin endpoints, OpenAI-compatible
// endpoints and the shared middleware stack.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/nghyane/qwen-pool-proxy/internal/logging"
)

// corsMiddleware adds permissive CORS headers, matching the upstream
// client's expectation that the proxy is reachable from a browser-based
// dashboard.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware stamps every request with an id, stored in the gin
// context as "request_id" and echoed back in the X-Request-ID response
// header. Log lines do not carry it.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// authMiddleware rejects every request whose bearer token doesn't match
// the configured password. Installed on every route except /health and
// /login, which are public.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token != s.cfg.Password {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
			return
		}
		c.Next()
	}
}

func (s *Server) setupMiddleware() {
	s.engine.Use(log.GinRecovery())
	s.engine.Use(requestIDMiddleware())
	s.engine.Use(log.GinAccessLogger())
	s.engine.Use(corsMiddleware())
}
