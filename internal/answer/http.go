package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk/internal/constants"
)

// maxErrorBodySize caps how much of an error response is read into the error.
const maxErrorBodySize = 4096

// HTTPConfig configures an HTTP answer service.
type HTTPConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// HTTPProvider asks a remote FAQ/RAG service for answers.
//
// Request:  POST {endpoint}/answer {"tenant_id": "...", "question": "..."}
// Response: {"answer": "...", "confidence": 0.83}
//
// 404 or an empty answer means no answer.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
	logger   zerolog.Logger
}

type answerRequest struct {
	TenantID string `json:"tenant_id"`
	Question string `json:"question"`
}

// NewHTTPProvider creates a provider for cfg.
func NewHTTPProvider(cfg HTTPConfig, logger zerolog.Logger) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = constants.AnswerTimeout
	}
	return &HTTPProvider{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "answer").Logger(),
	}
}

// Init checks the endpoint is usable.
func (p *HTTPProvider) Init(ctx context.Context) error {
	if p.endpoint == "" {
		return fmt.Errorf("answer endpoint is required")
	}
	if !strings.HasPrefix(p.endpoint, "http://") && !strings.HasPrefix(p.endpoint, "https://") {
		return fmt.Errorf("answer endpoint must be an http(s) URL: %s", p.endpoint)
	}
	return nil
}

// Answer sends the question and decodes the reply.
func (p *HTTPProvider) Answer(ctx context.Context, tenantID, question string) (ans *Answer, err error) {
	start := time.Now()
	defer func() { Observe(start, err) }()

	body, err := json.Marshal(answerRequest{TenantID: tenantID, Question: question})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/answer", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNoAnswer
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("answer service error (status %d): %s", resp.StatusCode, string(msg))
	}

	var out Answer
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return nil, ErrNoAnswer
	}
	if out.Confidence < 0 {
		out.Confidence = 0
	} else if out.Confidence > 1 {
		out.Confidence = 1
	}

	p.logger.Debug().
		Str("tenant_id", tenantID).
		Float64("confidence", out.Confidence).
		Dur("duration", time.Since(start)).
		Msg("Answer received")
	return &out, nil
}

// Close releases idle connections.
func (p *HTTPProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
