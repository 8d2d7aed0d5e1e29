package httperrors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chaterrors "github.com/real-rm/chatdesk/internal/errors"
)

func respond(t *testing.T, fn func(c *gin.Context)) (*httptest.ResponseRecorder, ErrorResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	fn(c)

	var response ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.True(t, c.IsAborted())
	return w, response
}

func TestRespondError_StatusByCategory(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", chaterrors.ErrSessionNotFound("s1"), http.StatusNotFound, string(chaterrors.ErrCodeSessionNotFound)},
		{"forbidden", chaterrors.ErrTenantMismatch(), http.StatusForbidden, string(chaterrors.ErrCodeTenantMismatch)},
		{"conflict", chaterrors.ErrAlreadyClaimed("t1", nil), http.StatusConflict, string(chaterrors.ErrCodeAlreadyClaimed)},
		{"invalid", chaterrors.ErrEmptyMessage(), http.StatusBadRequest, string(chaterrors.ErrCodeEmptyMessage)},
		{"unavailable", chaterrors.ErrNoAvailableAgents(), http.StatusServiceUnavailable, string(chaterrors.ErrCodeNoAgents)},
		{"auth", chaterrors.ErrMissingToken(), http.StatusUnauthorized, string(chaterrors.ErrCodeMissingToken)},
		{"service", chaterrors.ErrDatabaseError(errors.New("socket closed")), http.StatusInternalServerError, CodeInternalError},
		{"foreign", errors.New("boom"), http.StatusInternalServerError, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := respond(t, func(c *gin.Context) { RespondError(c, tt.err) })
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, resp.Code)
			assert.NotContains(t, resp.Error, "socket closed")
		})
	}
}

func TestRespondError_RateLimit(t *testing.T) {
	w, resp := respond(t, func(c *gin.Context) { RespondError(c, chaterrors.ErrTooManyRequests(1500)) })
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, 1500, resp.RetryAfterMs)

	w, _ = respond(t, func(c *gin.Context) { RespondTooManyRequests(c, 0) })
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestGenericResponders(t *testing.T) {
	tests := []struct {
		name   string
		fn     func(c *gin.Context)
		status int
		msg    string
		code   string
	}{
		{"unauthorized", func(c *gin.Context) { RespondUnauthorized(c, "") }, http.StatusUnauthorized, MsgUnauthorized, CodeUnauthorized},
		{"invalid header", func(c *gin.Context) { RespondUnauthorized(c, MsgInvalidAuthHeader) }, http.StatusUnauthorized, MsgInvalidAuthHeader, CodeUnauthorized},
		{"invalid token", RespondInvalidToken, http.StatusUnauthorized, MsgInvalidToken, CodeInvalidToken},
		{"forbidden", RespondForbidden, http.StatusForbidden, MsgForbidden, CodeForbidden},
		{"bad request", func(c *gin.Context) { RespondBadRequest(c, "") }, http.StatusBadRequest, MsgBadRequest, CodeBadRequest},
		{"internal", RespondInternalError, http.StatusInternalServerError, MsgInternalError, CodeInternalError},
		{"unavailable", RespondServiceUnavailable, http.StatusServiceUnavailable, MsgServiceUnavailable, CodeServiceUnavailable},
		{"not found", func(c *gin.Context) { RespondNotFound(c, "") }, http.StatusNotFound, MsgResourceNotFound, CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, resp := respond(t, tt.fn)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.msg, resp.Error)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}
