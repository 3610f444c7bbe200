// Package api provides the shared JSON response envelope for the v1 API.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response is the envelope every v1 endpoint returns.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// OK writes a success envelope.
func OK(c *gin.Context, status int, message string, data any) {
	c.JSON(status, Response{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Fail writes a failure envelope with a stable machine-readable error code.
func Fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, Response{
		Success: false,
		Message: message,
		Error:   code,
	})
}

// Internal writes a generic 500 without leaking storage details to the client.
func Internal(c *gin.Context) {
	Fail(c, http.StatusInternalServerError, "internal_error", "An internal error occurred")
}
