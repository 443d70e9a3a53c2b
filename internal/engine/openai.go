package engine

import (
	"context"

	"github.com/kalambet/ragd/internal/openai"
)

// OpenAIEngine talks to any OpenAI-compatible server.
type OpenAIEngine struct {
	client *openai.Client
}

func NewOpenAIEngine(apiKey, baseURL string) *OpenAIEngine {
	return &OpenAIEngine{client: openai.NewClient(apiKey, baseURL)}
}

func (e *OpenAIEngine) Name() string { return "openai" }

func (e *OpenAIEngine) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	msgs := make([]openai.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.Message{Role: m.Role, Content: m.Content}
	}
	resp, err := e.client.Chat(ctx, openai.ChatRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return ChatResponse{}, providerError("openai", "chat", err)
	}
	out := ChatResponse{
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if len(resp.Choices) > 0 {
		out.Content = resp.Choices[0].Message.Content
	}
	return out, nil
}

func (e *OpenAIEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, model, text)
	if err != nil {
		return nil, providerError("openai", "embed", err)
	}
	return vec, nil
}
