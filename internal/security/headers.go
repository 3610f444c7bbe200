// Package security carries the response-header and CORS middleware for
// the public API surface.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// staticHeaders are set on every response. The API serves JSON only, so
// the CSP forbids loading anything.
var staticHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"X-Frame-Options":         "DENY",
	"Referrer-Policy":         "strict-origin-when-cross-origin",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
}

// HeadersMiddleware applies the static security headers.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for name, value := range staticHeaders {
			c.Header(name, value)
		}
		c.Next()
	}
}

var corsAllowHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-Request-ID",
	"X-Principal-Id",
	"X-Principal-Kind",
	"X-Principal-Role",
}, ", ")

// CORSMiddleware answers cross-origin requests for the listed origins.
// An empty list or a "*" entry allows any origin; credentials are only
// offered when origins are named explicitly.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	anyOrigin := len(allowedOrigins) == 0 || allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (anyOrigin || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			if !anyOrigin {
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
