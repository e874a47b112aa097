package provider

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	StubEmbeddingModel = "stub-hash-64"
	stubDimensions     = 64
)

// StubProvider is a scripted provider for tests and offline demos. It
// answers completions from Responses in order and embeds text with a
// deterministic token hash.
type StubProvider struct {
	Responses []string
	// Fallback is returned once the script is exhausted.
	Fallback string
	// Delay simulates model latency.
	Delay time.Duration
	// Err, when set, fails every completion.
	Err error
	// EmbedErr, when set, fails every embedding call.
	EmbedErr error

	mu       sync.Mutex
	requests []Request
}

func NewStubProvider(responses ...string) *StubProvider {
	return &StubProvider{
		Responses: responses,
		Fallback:  `{"enkidu_agent":{"type":"final","text":"Done."}}`,
	}
}

func (m *StubProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, cloneRequest(req))
	if m.Err != nil {
		return nil, m.Err
	}

	content := m.Fallback
	if len(m.Responses) > 0 {
		content = m.Responses[0]
		m.Responses = m.Responses[1:]
	}
	n := len(strings.Fields(content))
	return &Response{
		Content: content,
		Model:   "stub",
		Usage:   Usage{CompletionTokens: n, TotalTokens: n},
	}, nil
}

// Requests returns the completion requests seen so far.
func (m *StubProvider) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

func (m *StubProvider) Embed(ctx context.Context, text string, _ Task) (Embedding, error) {
	if m.EmbedErr != nil {
		return Embedding{}, m.EmbedErr
	}
	return Embedding{Vector: HashVector(text), Model: StubEmbeddingModel}, nil
}

func (m *StubProvider) EmbedBatch(ctx context.Context, texts []string, task Task) ([]Embedding, error) {
	out := make([]Embedding, 0, len(texts))
	for _, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := m.Embed(ctx, t, task)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *StubProvider) Name() string {
	return "stub"
}

// HashVector buckets lowercased alphanumeric words into a fixed-size unit
// vector. Texts sharing words land close together.
func HashVector(text string) []float32 {
	vec := make([]float32, stubDimensions)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		vec[h.Sum32()%stubDimensions]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

func cloneRequest(req Request) Request {
	msgs := make([]Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	return req
}
