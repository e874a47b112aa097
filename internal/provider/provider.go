package provider

import (
	"context"
	"time"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

// Message is one transcript turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion call. The whole transcript is replayed on
// every call.
type Request struct {
	System   string    `json:"system,omitempty"`
	Messages []Message `json:"messages"`
	Model    string    `json:"model,omitempty"`
}

// Response represents the output from the model.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completer is the completion capability.
type Completer interface {
	// Complete sends the transcript to the model and returns its raw text.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Name returns the provider identifier (e.g., "stub", "openai").
	Name() string
}

// Task is an embedding task hint. Backends without task support ignore it.
type Task int

const (
	TaskQuery Task = iota
	TaskDocument
)

func (t Task) String() string {
	if t == TaskDocument {
		return "RETRIEVAL_DOCUMENT"
	}
	return "RETRIEVAL_QUERY"
}

// Embedding is a vector together with the model that produced it.
type Embedding struct {
	Vector []float32
	Model  string
}

// Embedder is the embedding capability.
type Embedder interface {
	Embed(ctx context.Context, text string, task Task) (Embedding, error)

	// EmbedBatch returns one embedding per input, in input order.
	EmbedBatch(ctx context.Context, texts []string, task Task) ([]Embedding, error)

	Name() string
}

// checkBatch turns a short or long batch response into an UpstreamError.
func checkBatch(service string, want, got int) error {
	if want == got {
		return nil
	}
	return &errs.UpstreamError{
		Service: service,
		Op:      "embed batch",
		Err:     errs.Invalid("embeddings", "expected %d vectors, got %d", want, got),
	}
}

// WithTimeout bounds every completion by d and classifies failures as
// upstream errors.
func WithTimeout(c Completer, d time.Duration) Completer {
	return &timeoutCompleter{next: c, timeout: d}
}

type timeoutCompleter struct {
	next    Completer
	timeout time.Duration
}

func (t *timeoutCompleter) Name() string { return t.next.Name() }

func (t *timeoutCompleter) Complete(ctx context.Context, req Request) (*Response, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	resp, err := t.next.Complete(ctx, req)
	if err != nil {
		return nil, errs.Upstream(t.next.Name(), "complete", err)
	}
	return resp, nil
}

// EmbedWithTimeout bounds every embedding call by d.
func EmbedWithTimeout(e Embedder, d time.Duration) Embedder {
	return &timeoutEmbedder{next: e, timeout: d}
}

type timeoutEmbedder struct {
	next    Embedder
	timeout time.Duration
}

func (t *timeoutEmbedder) Name() string { return t.next.Name() }

func (t *timeoutEmbedder) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string, task Task) (Embedding, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	emb, err := t.next.Embed(ctx, text, task)
	if err != nil {
		return Embedding{}, errs.Upstream(t.next.Name(), "embed", err)
	}
	return emb, nil
}

func (t *timeoutEmbedder) EmbedBatch(ctx context.Context, texts []string, task Task) ([]Embedding, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	out, err := t.next.EmbedBatch(ctx, texts, task)
	if err != nil {
		return nil, errs.Upstream(t.next.Name(), "embed batch", err)
	}
	if err := checkBatch(t.next.Name(), len(texts), len(out)); err != nil {
		return nil, err
	}
	return out, nil
}
