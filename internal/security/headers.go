// Package security provides the response hardening of the operator console.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContentSecurityPolicy allows nothing but the dispute event feed.
const ContentSecurityPolicy = "default-src 'none'; connect-src 'self' ws: wss:; frame-ancestors 'none'"

var consoleHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	{"Content-Security-Policy", ContentSecurityPolicy},
	// Dispute payloads carry chat and payout details.
	{"Cache-Control", "no-store"},
}

// HeadersMiddleware adds the console headers to every response.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, h := range consoleHeaders {
			c.Header(h[0], h[1])
		}
		c.Next()
	}
}

// Origins is the set of browser origins allowed to read the console.
type Origins struct {
	allowed  map[string]struct{}
	wildcard bool
}

// NewOrigins builds the set. "*" allows any origin without credentials.
func NewOrigins(origins []string) Origins {
	o := Origins{allowed: make(map[string]struct{}, len(origins))}
	for _, origin := range origins {
		if origin == "*" {
			o.wildcard = true
			continue
		}
		o.allowed[origin] = struct{}{}
	}
	return o
}

// Allows reports whether a request from origin may be answered with CORS
// headers. An empty origin is a same-origin or non-browser request and is
// never given them.
func (o Origins) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if o.wildcard {
		return true
	}
	_, ok := o.allowed[origin]
	return ok
}

// CORSMiddleware lets the listed origins read the console. Only GET is
// offered since the console never changes dispute state.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := NewOrigins(allowedOrigins)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origins.Allows(origin) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
			if !origins.wildcard {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
