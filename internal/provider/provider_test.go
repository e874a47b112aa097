package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

func TestOpenAIProvider(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "gpt-4",
			"choices": [{"message": {"content": "hello", "role": "assistant"}}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("test-key", server.URL, "gpt-4")
	if p.Name() != "openai" {
		t.Errorf("Expected 'openai', got '%s'", p.Name())
	}

	resp, err := p.Complete(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Expected 'hello', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if !strings.Contains(gotBody, "be brief") {
		t.Error("Expected system prompt to be sent as a system message")
	}
}

func TestOpenAIProvider_Embed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.3, 0.4]},
				{"object": "embedding", "index": 0, "embedding": [0.1, 0.2]}
			]
		}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider("test-key", server.URL, "")
	out, err := p.EmbedBatch(context.Background(), []string{"a", "b"}, TaskDocument)
	if err != nil {
		t.Fatalf("EmbedBatch failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("Expected 2 embeddings, got %d", len(out))
	}
	if out[0].Vector[0] != 0.1 || out[1].Vector[0] != 0.3 {
		t.Errorf("Expected embeddings in input order, got %v", out)
	}
	if out[0].Model != "text-embedding-3-small" {
		t.Errorf("Expected model tag 'text-embedding-3-small', got '%s'", out[0].Model)
	}

	_, err = p.EmbedBatch(context.Background(), []string{"a", "b", "c"}, TaskDocument)
	var ue *errs.UpstreamError
	if !errors.As(err, &ue) {
		t.Errorf("Expected UpstreamError on batch size mismatch, got %v", err)
	}
}

func TestOllamaProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/embed":
			w.Write([]byte(`{"model": "nomic-embed-text", "embeddings": [[0.5, 0.5]]}`))
		default:
			w.Write([]byte(`{"message": {"role": "assistant", "content": "hi from ollama"}, "done": true, "eval_count": 10, "prompt_eval_count": 5}`))
		}
	}))
	defer server.Close()

	t.Setenv("OLLAMA_HOST", server.URL)

	p, _ := NewOllamaProvider("llama3")
	if p.Name() != "ollama" {
		t.Errorf("Expected 'ollama', got '%s'", p.Name())
	}

	resp, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "hi from ollama" {
		t.Errorf("Expected 'hi from ollama', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}

	emb, err := p.Embed(context.Background(), "hello", TaskQuery)
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(emb.Vector) != 2 || emb.Model != "nomic-embed-text" {
		t.Errorf("Unexpected embedding: %+v", emb)
	}
}

func TestAnthropicProvider(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "msg_123",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "hello from claude"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 5}
		}`))
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider("test-key", server.URL, "claude-test")
	if p.Name() != "anthropic" {
		t.Errorf("Expected 'anthropic', got '%s'", p.Name())
	}

	resp, err := p.Complete(context.Background(), Request{
		System: "sys",
		Messages: []Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
			{Role: "user", Content: "again"},
		},
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.Content != "hello from claude" {
		t.Errorf("Expected 'hello from claude', got '%s'", resp.Content)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("Expected 10 total tokens, got %d", resp.Usage.TotalTokens)
	}
	if !strings.HasSuffix(gotPath, "/v1/messages") {
		t.Errorf("Expected messages endpoint, got '%s'", gotPath)
	}
}

func TestGeminiProvider_Name(t *testing.T) {
	// genai.NewClient does not connect on construction.
	p, err := NewGeminiProvider("fake-key", "gemini-pro")
	if err != nil {
		t.Logf("Skipping Gemini Name test due to client init error: %v", err)
		return
	}
	defer p.Close()
	if p.Name() != "gemini" {
		t.Errorf("Expected 'gemini', got '%s'", p.Name())
	}
}

func TestProvider_Init(t *testing.T) {
	if _, err := NewOpenAIProvider("", "", ""); err == nil {
		t.Error("Expected error for empty OpenAI key")
	}
	if _, err := NewAnthropicProvider("", "", ""); err == nil {
		t.Error("Expected error for empty Anthropic key")
	}
	if _, err := NewGeminiProvider("", ""); err == nil {
		t.Error("Expected error for empty Gemini key")
	}
	if _, err := NewCLIProvider("", nil); err == nil {
		t.Error("Expected error for empty CLI binary")
	}
}

func TestStubProvider(t *testing.T) {
	p := NewStubProvider("first", "second")
	if p.Name() != "stub" {
		t.Errorf("Expected 'stub', got '%s'", p.Name())
	}

	for _, want := range []string{"first", "second"} {
		resp, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
		if err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		if resp.Content != want {
			t.Errorf("Expected '%s', got '%s'", want, resp.Content)
		}
	}

	resp, _ := p.Complete(context.Background(), Request{})
	if resp.Content != p.Fallback {
		t.Errorf("Expected fallback once the script is exhausted, got '%s'", resp.Content)
	}
	if len(p.Requests()) != 3 {
		t.Errorf("Expected 3 recorded requests, got %d", len(p.Requests()))
	}
}

func TestStubProvider_Canceled(t *testing.T) {
	p := NewStubProvider()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Complete(ctx, Request{}); err == nil {
		t.Error("Expected error on canceled context")
	}
}

func TestHashVector(t *testing.T) {
	dot := func(a, b []float32) float32 {
		var s float32
		for i := range a {
			s += a[i] * b[i]
		}
		return s
	}

	a := HashVector("schedule a meeting tomorrow")
	b := HashVector("meeting schedule")
	c := HashVector("grocery list milk eggs")

	if len(a) != stubDimensions {
		t.Fatalf("Expected %d dimensions, got %d", stubDimensions, len(a))
	}
	if dot(a, b) <= dot(a, c) {
		t.Error("Expected overlapping texts to be closer than unrelated texts")
	}
	if v := HashVector(""); v[0] != 1 {
		t.Error("Expected empty text to map to a unit vector")
	}
}

func TestWithTimeout(t *testing.T) {
	t.Run("Deadline Becomes Upstream", func(t *testing.T) {
		stub := NewStubProvider("late")
		stub.Delay = 200 * time.Millisecond
		c := WithTimeout(stub, 10*time.Millisecond)

		_, err := c.Complete(context.Background(), Request{})
		var ue *errs.UpstreamError
		if !errors.As(err, &ue) {
			t.Fatalf("Expected UpstreamError, got %v", err)
		}
		if !errs.IsTimeout(err) {
			t.Error("Expected timeout to be detectable")
		}
	})

	t.Run("Transport Error", func(t *testing.T) {
		stub := NewStubProvider()
		stub.Err = errors.New("connection refused")
		_, err := WithTimeout(stub, time.Second).Complete(context.Background(), Request{})
		if errs.KindOf(err) != errs.KindUpstream {
			t.Errorf("Expected upstream kind, got '%s'", errs.KindOf(err))
		}
	})

	t.Run("Embed", func(t *testing.T) {
		stub := NewStubProvider()
		stub.EmbedErr = errors.New("boom")
		_, err := EmbedWithTimeout(stub, time.Second).Embed(context.Background(), "x", TaskQuery)
		if errs.KindOf(err) != errs.KindUpstream {
			t.Errorf("Expected upstream kind, got '%s'", errs.KindOf(err))
		}
	})
}

func TestProvider_Errors(t *testing.T) {
	t.Run("OpenAI Error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
		}))
		defer server.Close()
		p, _ := NewOpenAIProvider("key", server.URL, "")
		_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
		var ue *errs.UpstreamError
		if !errors.As(err, &ue) {
			t.Fatalf("Expected UpstreamError, got %v", err)
		}
		if ue.Status != 500 {
			t.Errorf("Expected status 500, got %d", ue.Status)
		}
	})

	t.Run("Anthropic Error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(401)
			w.Write([]byte(`{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`))
		}))
		defer server.Close()
		p, _ := NewAnthropicProvider("key", server.URL, "")
		_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
		var ue *errs.UpstreamError
		if !errors.As(err, &ue) {
			t.Fatalf("Expected UpstreamError, got %v", err)
		}
		if ue.Status != 401 {
			t.Errorf("Expected status 401, got %d", ue.Status)
		}
	})
}
