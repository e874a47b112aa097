package provider

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/felixgeelhaar/enkidu/internal/errs"
)

type OpenAIProvider struct {
	client     *openai.Client
	model      string
	embedModel string
}

func NewOpenAIProvider(apiKey, baseURL, model string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("API key is required")
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	client := openai.NewClientWithConfig(config)
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIProvider{
		client:     client,
		model:      model,
		embedModel: string(openai.SmallEmbedding3),
	}, nil
}

// WithEmbeddingModel overrides the embedding model name.
func (p *OpenAIProvider) WithEmbeddingModel(model string) *OpenAIProvider {
	if model != "" {
		p.embedModel = model
	}
	return p
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	reqMsgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		reqMsgs = append(reqMsgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		reqMsgs = append(reqMsgs, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	resp, err := p.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:    model,
			Messages: reqMsgs,
		},
	)
	if err != nil {
		return nil, openaiError("complete", err)
	}
	if len(resp.Choices) == 0 {
		return nil, &errs.UpstreamError{Service: p.Name(), Op: "complete", Err: errors.New("no choices returned")}
	}

	return &Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string, task Task) (Embedding, error) {
	out, err := p.EmbedBatch(ctx, []string{text}, task)
	if err != nil {
		return Embedding{}, err
	}
	return out[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string, _ Task) ([]Embedding, error) {
	resp, err := p.client.CreateEmbeddings(
		ctx,
		openai.EmbeddingRequest{
			Input: texts,
			Model: openai.EmbeddingModel(p.embedModel),
		},
	)
	if err != nil {
		return nil, openaiError("embed", err)
	}
	if err := checkBatch(p.Name(), len(texts), len(resp.Data)); err != nil {
		return nil, err
	}

	out := make([]Embedding, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) {
			idx = i
		}
		out[idx] = Embedding{Vector: d.Embedding, Model: p.embedModel}
	}
	return out, nil
}

func openaiError(op string, err error) error {
	ue := &errs.UpstreamError{Service: "openai", Op: op, Err: err}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		ue.Status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		ue.Status = reqErr.HTTPStatusCode
	default:
		ue.Err = fmt.Errorf("openai %s failed: %w", op, err)
	}
	return ue
}
