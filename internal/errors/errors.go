// Package errors defines the error taxonomy shared by every chatdesk component.
// Each ChatError carries a category that maps onto a transport-level outcome
// (HTTP status, WebSocket error frame) and a recoverability flag.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/real-rm/chatdesk/internal/message"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryNotFound: the referenced session, ticket or agent does not exist in the tenant
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryForbidden: the caller is authenticated but may not act on the target
	CategoryForbidden ErrorCategory = "forbidden"
	// CategoryConflict: a state transition lost a race or is not allowed from the current state
	CategoryConflict ErrorCategory = "conflict"
	// CategoryInvalidArgument: malformed or empty input
	CategoryInvalidArgument ErrorCategory = "invalid_argument"
	// CategoryUnavailable: no capacity or a collaborator cannot serve the request
	CategoryUnavailable ErrorCategory = "unavailable"
	// CategoryService: persistence or infrastructure failure
	CategoryService ErrorCategory = "service"
	// CategoryAuth: missing or invalid credentials
	CategoryAuth ErrorCategory = "auth"
	// CategoryRateLimit: the caller exceeded its message budget
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// ErrorCode represents specific error codes
type ErrorCode string

const (
	ErrCodeSessionNotFound ErrorCode = "SESSION_NOT_FOUND"
	ErrCodeTicketNotFound  ErrorCode = "TICKET_NOT_FOUND"
	ErrCodeAgentNotFound   ErrorCode = "AGENT_NOT_FOUND"

	ErrCodeTenantMismatch    ErrorCode = "TENANT_MISMATCH"
	ErrCodeNotParticipant    ErrorCode = "NOT_PARTICIPANT"
	ErrCodeInsufficientPerms ErrorCode = "INSUFFICIENT_PERMISSIONS"

	ErrCodeAlreadyClaimed    ErrorCode = "ALREADY_CLAIMED"
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	ErrCodeInvalidFormat ErrorCode = "INVALID_FORMAT"
	ErrCodeMissingField  ErrorCode = "MISSING_FIELD"
	ErrCodeEmptyMessage  ErrorCode = "EMPTY_MESSAGE"

	ErrCodeAgentAtCapacity ErrorCode = "AGENT_AT_CAPACITY"
	ErrCodeNoAgents        ErrorCode = "NO_AVAILABLE_AGENTS"
	ErrCodeAgentOffline    ErrorCode = "AGENT_OFFLINE"

	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrCodeServiceError  ErrorCode = "SERVICE_ERROR"

	ErrCodeMissingToken ErrorCode = "MISSING_TOKEN"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	ErrCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"
	ErrCodeConnectionLimit ErrorCode = "CONNECTION_LIMIT_EXCEEDED"
)

// ChatError represents an application error with category and recoverability information
type ChatError struct {
	Category    ErrorCategory
	Code        ErrorCode
	Message     string
	Recoverable bool
	RetryAfter  int // milliseconds, only for rate limit errors
	Cause       error
}

// Error implements the error interface
func (e *ChatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *ChatError) Unwrap() error {
	return e.Cause
}

// Is matches any ChatError of the same category, so callers can write
// errors.Is(err, errors.NotFound) without caring about the code.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	if !ok {
		return false
	}
	if t.Code != "" {
		return t.Code == e.Code
	}
	return t.Category == e.Category
}

// IsFatal returns true if the error is fatal and requires connection closure
func (e *ChatError) IsFatal() bool {
	return !e.Recoverable
}

// ToErrorInfo converts a ChatError to a message.ErrorInfo for the wire protocol
func (e *ChatError) ToErrorInfo() *message.ErrorInfo {
	return &message.ErrorInfo{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		RetryAfter:  e.RetryAfter,
	}
}

// Category targets for errors.Is
var (
	NotFound        = &ChatError{Category: CategoryNotFound}
	Forbidden       = &ChatError{Category: CategoryForbidden}
	Conflict        = &ChatError{Category: CategoryConflict}
	InvalidArgument = &ChatError{Category: CategoryInvalidArgument}
	Unavailable     = &ChatError{Category: CategoryUnavailable}
)

// As extracts the ChatError from err, if any.
func As(err error) (*ChatError, bool) {
	var ce *ChatError
	if stderrors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CategoryOf returns the category of err, or CategoryService for foreign errors.
func CategoryOf(err error) ErrorCategory {
	if ce, ok := As(err); ok {
		return ce.Category
	}
	return CategoryService
}

func IsNotFound(err error) bool        { return stderrors.Is(err, NotFound) }
func IsForbidden(err error) bool       { return stderrors.Is(err, Forbidden) }
func IsConflict(err error) bool        { return stderrors.Is(err, Conflict) }
func IsInvalidArgument(err error) bool { return stderrors.Is(err, InvalidArgument) }
func IsUnavailable(err error) bool     { return stderrors.Is(err, Unavailable) }

func newError(cat ErrorCategory, code ErrorCode, msg string, recoverable bool, cause error) *ChatError {
	return &ChatError{
		Category:    cat,
		Code:        code,
		Message:     msg,
		Recoverable: recoverable,
		Cause:       cause,
	}
}

// NewNotFoundError creates a not-found error (recoverable)
func NewNotFoundError(code ErrorCode, msg string) *ChatError {
	return newError(CategoryNotFound, code, msg, true, nil)
}

// NewForbiddenError creates a forbidden error (recoverable: the connection may keep acting elsewhere)
func NewForbiddenError(code ErrorCode, msg string) *ChatError {
	return newError(CategoryForbidden, code, msg, true, nil)
}

// NewConflictError creates a conflict error (recoverable)
func NewConflictError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryConflict, code, msg, true, cause)
}

// NewValidationError creates an invalid-argument error (recoverable)
func NewValidationError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryInvalidArgument, code, msg, true, cause)
}

// NewUnavailableError creates an unavailable error (recoverable)
func NewUnavailableError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryUnavailable, code, msg, true, cause)
}

// NewServiceError creates a service error (recoverable with retry)
func NewServiceError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryService, code, msg, true, cause)
}

// NewAuthError creates a new authentication error (fatal)
func NewAuthError(code ErrorCode, msg string, cause error) *ChatError {
	return newError(CategoryAuth, code, msg, false, cause)
}

// NewRateLimitError creates a new rate limit error (recoverable with retry after)
func NewRateLimitError(code ErrorCode, msg string, retryAfter int, cause error) *ChatError {
	e := newError(CategoryRateLimit, code, msg, true, cause)
	e.RetryAfter = retryAfter
	return e
}

// Common error constructors for convenience

func ErrSessionNotFound(sessionID string) *ChatError {
	return NewNotFoundError(ErrCodeSessionNotFound, fmt.Sprintf("Chat session not found: %s", sessionID))
}

func ErrTicketNotFound(ticketID string) *ChatError {
	return NewNotFoundError(ErrCodeTicketNotFound, fmt.Sprintf("Handoff ticket not found: %s", ticketID))
}

func ErrAgentNotFound(agentID string) *ChatError {
	return NewNotFoundError(ErrCodeAgentNotFound, fmt.Sprintf("Agent not found: %s", agentID))
}

func ErrTenantMismatch() *ChatError {
	return NewForbiddenError(ErrCodeTenantMismatch, "Caller does not belong to this tenant")
}

func ErrNotParticipant() *ChatError {
	return NewForbiddenError(ErrCodeNotParticipant, "Caller is not a participant of this session")
}

func ErrInsufficientPermissions() *ChatError {
	return NewForbiddenError(ErrCodeInsufficientPerms, "Insufficient permissions for this operation")
}

func ErrAlreadyClaimed(ticketID string, cause error) *ChatError {
	return NewConflictError(ErrCodeAlreadyClaimed, fmt.Sprintf("Ticket %s was already claimed", ticketID), cause)
}

func ErrInvalidTransition(from, to string) *ChatError {
	return NewConflictError(ErrCodeInvalidTransition, fmt.Sprintf("Cannot move ticket from %s to %s", from, to), nil)
}

func ErrInvalidMessageFormat(details string, cause error) *ChatError {
	return NewValidationError(ErrCodeInvalidFormat, fmt.Sprintf("Invalid message format: %s", details), cause)
}

func ErrMissingField(fieldName string) *ChatError {
	return NewValidationError(ErrCodeMissingField, fmt.Sprintf("Required field missing: %s", fieldName), nil)
}

func ErrEmptyMessage() *ChatError {
	return NewValidationError(ErrCodeEmptyMessage, "Message has neither content nor attachments", nil)
}

func ErrAgentAtCapacity(agentID string) *ChatError {
	return NewUnavailableError(ErrCodeAgentAtCapacity, fmt.Sprintf("Agent %s has no free session slots", agentID), nil)
}

func ErrNoAvailableAgents() *ChatError {
	return NewUnavailableError(ErrCodeNoAgents, "No agent is available to take this ticket", nil)
}

func ErrAgentOffline(agentID string) *ChatError {
	return NewUnavailableError(ErrCodeAgentOffline, fmt.Sprintf("Agent %s is logged out", agentID), nil)
}

func ErrDatabaseError(cause error) *ChatError {
	return NewServiceError(ErrCodeDatabaseError, "Database operation failed", cause)
}

func ErrMissingToken() *ChatError {
	return NewAuthError(ErrCodeMissingToken, "Authentication token required", nil)
}

func ErrInvalidToken(cause error) *ChatError {
	return NewAuthError(ErrCodeInvalidToken, "Invalid authentication token", cause)
}

func ErrExpiredToken(cause error) *ChatError {
	return NewAuthError(ErrCodeExpiredToken, "Authentication token has expired", cause)
}

func ErrTooManyRequests(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeTooManyRequests, "Too many requests, please slow down", retryAfter, nil)
}

func ErrConnectionLimitExceeded(retryAfter int) *ChatError {
	return NewRateLimitError(ErrCodeConnectionLimit, "Connection limit exceeded, please try again later", retryAfter, nil)
}
