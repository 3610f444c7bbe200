// Package validation provides input validation helpers for the Vieclance API.
package validation

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxTitleLength limits service titles
const MaxTitleLength = 200

// MaxTextLength limits free-text fields (descriptions, notes, reasons)
const MaxTextLength = 5000

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString trims whitespace, strips null bytes, and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length of " + strconv.Itoa(max)}
		}
		return nil
	}
}

// PositiveAmount checks that a VND amount is a positive integer.
// Amounts are whole dong; there are no minor units.
func PositiveAmount(field string, amount int64) func() *ValidationError {
	return func() *ValidationError {
		if amount <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive amount in VND"}
		}
		return nil
	}
}

// ValidRating checks a 1-5 star rating. Zero means not rated.
func ValidRating(field string, rating int) func() *ValidationError {
	return func() *ValidationError {
		if rating != 0 && (rating < 1 || rating > 5) {
			return &ValidationError{Field: field, Message: "must be between 1 and 5"}
		}
		return nil
	}
}
