// Package server wires the public HTTP surface: routing, CORS, API-key
// admission, and request logging.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zz80900/Antigravity2Api/internal/config"
	"github.com/zz80900/Antigravity2Api/internal/logging"
)

// CORSMiddleware answers preflight and stamps every response.
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, anthropic-api-key, x-goog-api-key, anthropic-version")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// clientKey pulls the API key out of the request; the first populated
// header wins.
func clientKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	for _, header := range []string{"x-api-key", "anthropic-api-key", "x-goog-api-key"} {
		if key := c.GetHeader(header); key != "" {
			return key
		}
	}
	return ""
}

// APIKeyMiddleware guards /v1/* and /v1beta/* when keys are configured.
func APIKeyMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AuthRequired() {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		if !strings.HasPrefix(path, "/v1/") && !strings.HasPrefix(path, "/v1beta/") {
			c.Next()
			return
		}
		if !cfg.KeyAllowed(clientKey(c)) {
			logging.Warnf("[API] rejected request from %s: invalid api key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "Invalid API Key"},
			})
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs one line per request.
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		line := "[HTTP] %s %s %d (%dms)"
		args := []any{c.Request.Method, c.Request.URL.Path, status, time.Since(start).Milliseconds()}
		switch {
		case status >= 500:
			logging.Errorf(line, args...)
		case status >= 400:
			logging.Warnf(line, args...)
		default:
			logging.Infof(line, args...)
		}
	}
}
