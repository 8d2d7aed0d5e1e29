// Package httperrors writes JSON error responses for HTTP endpoints.
// Internal failures are reported with generic messages so implementation
// details never reach clients.
package httperrors

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	chaterrors "github.com/real-rm/chatdesk/internal/errors"
)

// ErrorResponse represents an error response for clients
type ErrorResponse struct {
	Error        string `json:"error"`
	Code         string `json:"code,omitempty"`
	RetryAfterMs int    `json:"retry_after_ms,omitempty"`
}

// Generic error messages that don't expose internal details
const (
	MsgUnauthorized       = "Authentication required"
	MsgInvalidToken       = "Invalid or expired authentication token"
	MsgInvalidAuthHeader  = "Invalid authorization header"
	MsgForbidden          = "Insufficient permissions"
	MsgInternalError      = "An internal error occurred"
	MsgServiceUnavailable = "Service temporarily unavailable"
	MsgResourceNotFound   = "Resource not found"
	MsgBadRequest         = "Bad request"
	MsgRateLimited        = "Too many requests, please slow down"
)

// Error codes for client-side handling
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeRateLimited        = "RATE_LIMIT_EXCEEDED"
)

// StatusOf maps an error category onto an HTTP status.
func StatusOf(category chaterrors.ErrorCategory) int {
	switch category {
	case chaterrors.CategoryNotFound:
		return http.StatusNotFound
	case chaterrors.CategoryForbidden:
		return http.StatusForbidden
	case chaterrors.CategoryConflict:
		return http.StatusConflict
	case chaterrors.CategoryInvalidArgument:
		return http.StatusBadRequest
	case chaterrors.CategoryUnavailable:
		return http.StatusServiceUnavailable
	case chaterrors.CategoryAuth:
		return http.StatusUnauthorized
	case chaterrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// RespondError writes err with the status of its category. Errors that are
// not ChatErrors, and service errors, get a generic message.
func RespondError(c *gin.Context, err error) {
	ce, ok := chaterrors.As(err)
	if !ok || ce.Category == chaterrors.CategoryService {
		RespondInternalError(c)
		return
	}

	status := StatusOf(ce.Category)
	if status == http.StatusTooManyRequests {
		RespondTooManyRequests(c, ce.RetryAfter)
		return
	}
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ce.Message,
		Code:  string(ce.Code),
	})
}

// RespondUnauthorized sends a 401 response with a generic message
func RespondUnauthorized(c *gin.Context, message string) {
	if message == "" {
		message = MsgUnauthorized
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error: message,
		Code:  CodeUnauthorized,
	})
}

// RespondInvalidToken sends a 401 response for invalid tokens
func RespondInvalidToken(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error: MsgInvalidToken,
		Code:  CodeInvalidToken,
	})
}

// RespondForbidden sends a 403 response with a generic message
func RespondForbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
		Error: MsgForbidden,
		Code:  CodeForbidden,
	})
}

// RespondBadRequest sends a 400 response
func RespondBadRequest(c *gin.Context, message string) {
	if message == "" {
		message = MsgBadRequest
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error: message,
		Code:  CodeBadRequest,
	})
}

// RespondInternalError sends a 500 response with a generic message
func RespondInternalError(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
		Error: MsgInternalError,
		Code:  CodeInternalError,
	})
}

// RespondServiceUnavailable sends a 503 response
func RespondServiceUnavailable(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: MsgServiceUnavailable,
		Code:  CodeServiceUnavailable,
	})
}

// RespondNotFound sends a 404 response
func RespondNotFound(c *gin.Context, message string) {
	if message == "" {
		message = MsgResourceNotFound
	}
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error: message,
		Code:  CodeNotFound,
	})
}

// RespondTooManyRequests sends a 429 response. The Retry-After header is
// rounded up to whole seconds and is at least 1.
func RespondTooManyRequests(c *gin.Context, retryAfterMs int) {
	seconds := (retryAfterMs + 999) / 1000
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
		Error:        MsgRateLimited,
		Code:         CodeRateLimited,
		RetryAfterMs: retryAfterMs,
	})
}
