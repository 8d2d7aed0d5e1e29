package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestNewWithWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "warn", ServiceName: "chatdesk"}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str(FieldTenantID, "acme").Msg("kept")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["message"])
	assert.Equal(t, "chatdesk", entries[0][FieldService])
	assert.Equal(t, "acme", entries[0][FieldTenantID])
	assert.Contains(t, entries[0], "time")
}

func TestNewWithWriter_Pretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "info", Pretty: true}, &buf)
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "pretty output is not JSON")
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(zerolog.New(&buf), "router")
	logger.Info().Msg("x")
	assert.Equal(t, "router", decodeLines(t, &buf)[0][FieldComponent])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		" info ":  zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"warn":    zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"fatal":   zerolog.FatalLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestProperty_ParseLevelIsTotal(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("every input maps onto a level between trace and fatal", prop.ForAll(
		func(s string) bool {
			l := ParseLevel(s)
			return l >= zerolog.TraceLevel && l <= zerolog.FatalLevel
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	stored := zerolog.New(&buf).With().Str("scope", "request").Logger()
	fallback := zerolog.Nop()

	got := Ctx(WithLogger(context.Background(), stored), fallback)
	got.Info().Msg("x")
	assert.Equal(t, "request", decodeLines(t, &buf)[0]["scope"])

	assert.Equal(t, fallback, Ctx(context.Background(), fallback))
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := gin.New()
	r.Use(GinMiddleware(logger))
	r.GET("/x", func(c *gin.Context) {
		c.Set(FieldTenantID, "acme")
		c.Set(FieldUserID, "u1")
		reqLogger := Ctx(c.Request.Context(), zerolog.Nop())
		reqLogger.Info().Msg("inside")
		c.Status(http.StatusTeapot)
	})

	t.Run("generates a request id", func(t *testing.T) {
		buf.Reset()
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x?token=secret", nil))

		reqID := w.Header().Get(headerRequestID)
		require.NotEmpty(t, reqID)
		entries := decodeLines(t, &buf)
		require.Len(t, entries, 2)
		assert.Equal(t, reqID, entries[0][FieldRequestID], "handlers log with the request logger")
		done := entries[1]
		assert.Equal(t, "request completed", done["message"])
		assert.Equal(t, float64(http.StatusTeapot), done[FieldStatus])
		assert.Equal(t, "/x", done[FieldPath], "the query string is not logged")
		assert.Equal(t, "acme", done[FieldTenantID])
		assert.Equal(t, "u1", done[FieldUserID])
	})

	t.Run("keeps a caller request id", func(t *testing.T) {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set(headerRequestID, "req-123")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "req-123", w.Header().Get(headerRequestID))
		assert.Equal(t, "req-123", decodeLines(t, &buf)[1][FieldRequestID])
	})
}
