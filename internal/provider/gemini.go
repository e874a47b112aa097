package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type GeminiProvider struct {
	client     *genai.Client
	model      string
	embedModel string
}

func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	if model == "" {
		model = "gemini-1.5-flash"
	}

	return &GeminiProvider{
		client:     client,
		model:      model,
		embedModel: "text-embedding-004",
	}, nil
}

// WithEmbeddingModel overrides the embedding model name.
func (p *GeminiProvider) WithEmbeddingModel(model string) *GeminiProvider {
	if model != "" {
		p.embedModel = model
	}
	return p
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("gemini completion needs at least one message")
	}

	name := p.model
	if req.Model != "" {
		name = req.Model
	}
	geminiModel := p.client.GenerativeModel(name)
	if req.System != "" {
		geminiModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}

	cs := geminiModel.StartChat()
	var history []*genai.Content
	for _, m := range req.Messages[:len(req.Messages)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	cs.History = history

	lastMsg := req.Messages[len(req.Messages)-1]
	resp, err := cs.SendMessage(ctx, genai.Text(lastMsg.Content))
	if err != nil {
		return nil, fmt.Errorf("gemini completion failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates returned")
	}

	var contentStr string
	for _, part := range resp.Candidates[0].Content.Parts {
		if v, ok := part.(genai.Text); ok {
			contentStr += string(v)
		}
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return &Response{
		Content: contentStr,
		Model:   name,
		Usage:   usage,
	}, nil
}

func geminiTask(t Task) genai.TaskType {
	if t == TaskDocument {
		return genai.TaskTypeRetrievalDocument
	}
	return genai.TaskTypeRetrievalQuery
}

func (p *GeminiProvider) Embed(ctx context.Context, text string, task Task) (Embedding, error) {
	em := p.client.EmbeddingModel(p.embedModel)
	em.TaskType = geminiTask(task)
	res, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return Embedding{}, err
	}
	if res.Embedding == nil {
		return Embedding{}, fmt.Errorf("no embedding returned")
	}
	return Embedding{Vector: res.Embedding.Values, Model: p.embedModel}, nil
}

func (p *GeminiProvider) EmbedBatch(ctx context.Context, texts []string, task Task) ([]Embedding, error) {
	em := p.client.EmbeddingModel(p.embedModel)
	em.TaskType = geminiTask(task)
	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	res, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, err
	}
	if err := checkBatch(p.Name(), len(texts), len(res.Embeddings)); err != nil {
		return nil, err
	}

	out := make([]Embedding, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("empty embedding at position %d", i)
		}
		out[i] = Embedding{Vector: e.Values, Model: p.embedModel}
	}
	return out, nil
}

func (p *GeminiProvider) Close() error {
	return p.client.Close()
}
