package answer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContainsPhrase(t *testing.T) {
	tests := []struct {
		text, phrase string
		want         bool
	}{
		{"I want to talk to a HUMAN!", "human", true},
		{"inhuman response", "human", false},
		{"Need a real person, please", "real person", true},
		{"person real", "real person", false},
		{"anything", "", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContainsPhrase(tt.text, tt.phrase), "%q in %q", tt.phrase, tt.text)
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider([]Entry{
		{Keywords: []string{"refund", "policy"}, Answer: "Refunds take 5 days."},
		{TenantID: "acme", Keywords: []string{"opening hours"}, Answer: "We open at 9."},
	})
	ctx := context.Background()

	_, err := p.Answer(ctx, "acme", "refund")
	require.Error(t, err, "uninitialized provider refuses to answer")

	require.NoError(t, p.Init(ctx))

	ans, err := p.Answer(ctx, "acme", "What is your refund policy?")
	require.NoError(t, err)
	assert.Equal(t, "Refunds take 5 days.", ans.Text)
	assert.Equal(t, 1.0, ans.Confidence)

	ans, err = p.Answer(ctx, "globex", "refund please")
	require.NoError(t, err)
	assert.Equal(t, 0.5, ans.Confidence)

	_, err = p.Answer(ctx, "globex", "what are your opening hours")
	assert.ErrorIs(t, err, ErrNoAnswer, "tenant-specific entries stay with their tenant")

	ans, err = p.Answer(ctx, "acme", "opening hours?")
	require.NoError(t, err)
	assert.Equal(t, "We open at 9.", ans.Text)

	require.NoError(t, p.Close())
}

func TestStaticProvider_InitRejectsBadEntries(t *testing.T) {
	p := NewStaticProvider([]Entry{{Answer: "no keywords"}})
	assert.Error(t, p.Init(context.Background()))
}

func TestHTTPProvider_Answer(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantText  string
		wantConf  float64
		wantNoAns bool
		wantErr   bool
	}{
		{name: "answer", status: http.StatusOK, body: `{"answer":"Try turning it off and on.","confidence":0.82}`, wantText: "Try turning it off and on.", wantConf: 0.82},
		{name: "confidence clamped", status: http.StatusOK, body: `{"answer":"yes","confidence":3}`, wantText: "yes", wantConf: 1},
		{name: "empty answer", status: http.StatusOK, body: `{"answer":"  ","confidence":0.9}`, wantNoAns: true},
		{name: "not found", status: http.StatusNotFound, body: `{}`, wantNoAns: true},
		{name: "server error", status: http.StatusBadGateway, body: `upstream down`, wantErr: true},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/answer", r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

				var req answerRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "acme", req.TenantID)
				assert.Equal(t, "printer broken", req.Question)

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			p := NewHTTPProvider(HTTPConfig{Endpoint: server.URL + "/", APIKey: "secret"}, zerolog.Nop())
			require.NoError(t, p.Init(context.Background()))
			defer p.Close()

			ans, err := p.Answer(context.Background(), "acme", "printer broken")
			switch {
			case tt.wantNoAns:
				assert.ErrorIs(t, err, ErrNoAnswer)
			case tt.wantErr:
				assert.Error(t, err)
				assert.NotErrorIs(t, err, ErrNoAnswer)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantText, ans.Text)
				assert.InDelta(t, tt.wantConf, ans.Confidence, 1e-9)
			}
		})
	}
}

func TestHTTPProvider_Init(t *testing.T) {
	assert.Error(t, NewHTTPProvider(HTTPConfig{}, zerolog.Nop()).Init(context.Background()))
	assert.Error(t, NewHTTPProvider(HTTPConfig{Endpoint: "ftp://faq"}, zerolog.Nop()).Init(context.Background()))
	assert.NoError(t, NewHTTPProvider(HTTPConfig{Endpoint: "https://faq.example.com"}, zerolog.Nop()).Init(context.Background()))
}
