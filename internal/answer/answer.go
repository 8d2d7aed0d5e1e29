// Package answer looks up automatic replies for visitor questions. The bot
// uses the confidence of an answer to decide whether to reply or hand the
// session to a human.
package answer

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/real-rm/chatdesk/internal/metrics"
)

// ErrNoAnswer is returned when the provider has nothing to say.
var ErrNoAnswer = errors.New("no answer available")

// Answer is a candidate reply and how sure the provider is of it, in [0, 1].
type Answer struct {
	Text       string  `json:"answer"`
	Confidence float64 `json:"confidence"`
}

// Provider answers visitor questions for a tenant.
type Provider interface {
	// Init prepares the provider. It is called once before the first Answer.
	Init(ctx context.Context) error
	Answer(ctx context.Context, tenantID, question string) (*Answer, error)
	Close() error
}

// Observe records the outcome and latency of one provider call.
func Observe(start time.Time, err error) {
	metrics.AnswerLatency.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.AnswerRequests.WithLabelValues("answered").Inc()
	case errors.Is(err, ErrNoAnswer):
		metrics.AnswerRequests.WithLabelValues("no_answer").Inc()
	default:
		metrics.AnswerRequests.WithLabelValues("error").Inc()
	}
}

// Words lowercases s and splits it on anything that is not a letter or digit.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

// ContainsPhrase reports whether phrase occurs in text as whole words,
// ignoring case and punctuation.
func ContainsPhrase(text, phrase string) bool {
	want := Words(phrase)
	if len(want) == 0 {
		return false
	}
	have := Words(text)
	for i := 0; i+len(want) <= len(have); i++ {
		match := true
		for j, w := range want {
			if have[i+j] != w {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
