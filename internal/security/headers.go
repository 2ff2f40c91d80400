// Package security provides the HTTP hardening middleware and endpoint
// vetting for the PayBroker API.
package security

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// apiHeaders go on every response. The API serves JSON to machines
// only, so the policy is the strictest one: nothing renders, nothing
// frames, nothing is cached (responses carry card receipts and ledger
// amounts).
var apiHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "no-referrer",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Cache-Control":           "no-store",
}

// HeadersMiddleware attaches the hardening headers to every response.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for name, value := range apiHeaders {
			c.Header(name, value)
		}
		c.Next()
	}
}

// CORSMiddleware grants browser clients access from the given origins.
// "*" in the list allows any origin, in which case credentials are
// never granted alongside it.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || allowed[origin] || allowed["*"] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID, X-Idempotency-Key")
			c.Header("Access-Control-Max-Age", "86400")
			if !allowed["*"] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
