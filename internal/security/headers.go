// Package security provides HTTP middleware for the agent API.
package security

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware adds security headers to all responses. The API serves
// JSON only, so the content policy denies everything.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// OriginMatcher reports whether an Origin header is permitted. Entries are
// exact origins, "*" for any, or a prefix ending in "*" such as
// "chrome-extension://*".
type OriginMatcher struct {
	exact    map[string]bool
	prefixes []string
	any      bool
}

// NewOriginMatcher builds a matcher from configured origins.
func NewOriginMatcher(origins []string) OriginMatcher {
	m := OriginMatcher{exact: make(map[string]bool)}
	for _, o := range origins {
		switch {
		case o == "*":
			m.any = true
		case strings.HasSuffix(o, "*"):
			m.prefixes = append(m.prefixes, strings.TrimSuffix(o, "*"))
		default:
			m.exact[o] = true
		}
	}
	return m
}

// Allows reports whether origin matches.
func (m OriginMatcher) Allows(origin string) bool {
	if m.any || m.exact[origin] {
		return true
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// CORSMiddleware handles CORS for API endpoints
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	m := NewOriginMatcher(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && m.Allows(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
