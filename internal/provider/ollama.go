package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/ollama/ollama/api"
)

type OllamaProvider struct {
	client     *api.Client
	model      string
	embedModel string
}

func NewOllamaProvider(model string) (*OllamaProvider, error) {
	if model == "" {
		model = "llama3.2"
	}

	baseURL := "http://localhost:11434"
	if envURL := os.Getenv("OLLAMA_HOST"); envURL != "" {
		baseURL = envURL
	}
	uri, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST: %w", err)
	}
	client := api.NewClient(uri, http.DefaultClient)

	return &OllamaProvider{
		client:     client,
		model:      model,
		embedModel: "nomic-embed-text",
	}, nil
}

// WithEmbeddingModel overrides the embedding model name.
func (p *OllamaProvider) WithEmbeddingModel(model string) *OllamaProvider {
	if model != "" {
		p.embedModel = model
	}
	return p
}

func (p *OllamaProvider) Name() string {
	return "ollama"
}

func (p *OllamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	apiMsgs := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		apiMsgs = append(apiMsgs, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		apiMsgs = append(apiMsgs, api.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: apiMsgs,
		Stream:   new(bool), // false
	}

	var respContent string
	var usage Usage

	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		respContent += resp.Message.Content
		if resp.Done {
			usage = Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.EvalCount + resp.PromptEvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat failed: %w", err)
	}

	return &Response{
		Content: respContent,
		Model:   model,
		Usage:   usage,
	}, nil
}

func (p *OllamaProvider) Embed(ctx context.Context, text string, task Task) (Embedding, error) {
	out, err := p.EmbedBatch(ctx, []string{text}, task)
	if err != nil {
		return Embedding{}, err
	}
	return out[0], nil
}

func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string, _ Task) ([]Embedding, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{
		Model: p.embedModel,
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embed failed: %w", err)
	}
	if err := checkBatch(p.Name(), len(texts), len(resp.Embeddings)); err != nil {
		return nil, err
	}

	out := make([]Embedding, len(resp.Embeddings))
	for i, vec := range resp.Embeddings {
		out[i] = Embedding{Vector: vec, Model: p.embedModel}
	}
	return out, nil
}
