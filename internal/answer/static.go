package answer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Entry is one canned answer and the keywords that select it.
type Entry struct {
	TenantID string   `mapstructure:"tenant_id" json:"tenant_id"`
	Keywords []string `mapstructure:"keywords" json:"keywords"`
	Answer   string   `mapstructure:"answer" json:"answer"`
}

// StaticProvider answers from a fixed FAQ. Confidence is the share of an
// entry's keywords found in the question. Entries without a tenant apply
// to every tenant.
type StaticProvider struct {
	mu      sync.RWMutex
	entries []Entry
	ready   bool
}

// NewStaticProvider creates a provider over entries.
func NewStaticProvider(entries []Entry) *StaticProvider {
	return &StaticProvider{entries: entries}
}

// Init validates the entries.
func (p *StaticProvider) Init(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, e := range p.entries {
		if e.Answer == "" || len(e.Keywords) == 0 {
			return fmt.Errorf("faq entry %d needs an answer and at least one keyword", i)
		}
	}
	p.ready = true
	return nil
}

// Answer returns the best matching entry.
func (p *StaticProvider) Answer(ctx context.Context, tenantID, question string) (ans *Answer, err error) {
	start := time.Now()
	defer func() { Observe(start, err) }()

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.ready {
		return nil, fmt.Errorf("static provider not initialized")
	}

	var best *Answer
	for _, e := range p.entries {
		if e.TenantID != "" && e.TenantID != tenantID {
			continue
		}
		hits := 0
		for _, kw := range e.Keywords {
			if ContainsPhrase(question, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := float64(hits) / float64(len(e.Keywords))
		if best == nil || conf > best.Confidence {
			best = &Answer{Text: e.Answer, Confidence: conf}
		}
	}
	if best == nil {
		return nil, ErrNoAnswer
	}
	return best, nil
}

// Close releases nothing; it exists to satisfy Provider.
func (p *StaticProvider) Close() error {
	p.mu.Lock()
	p.ready = false
	p.mu.Unlock()
	return nil
}
