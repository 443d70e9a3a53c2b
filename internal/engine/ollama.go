package engine

import (
	"context"

	"github.com/kalambet/ragd/internal/ollama"
)

// OllamaEngine adapts the internal/ollama.Client to the Engine interface.
type OllamaEngine struct {
	client *ollama.Client
}

// NewOllamaEngine creates an OllamaEngine backed by an Ollama server at baseURL.
func NewOllamaEngine(baseURL string) *OllamaEngine {
	return &OllamaEngine{client: ollama.New(baseURL)}
}

func (e *OllamaEngine) Name() string { return "ollama" }

func (e *OllamaEngine) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	msgs := make([]ollama.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = ollama.Message{Role: m.Role, Content: m.Content}
	}
	res, err := e.client.Chat(ctx, req.Model, msgs, &ollama.Options{
		Temperature: req.Temperature,
		NumPredict:  req.MaxTokens,
	})
	if err != nil {
		return ChatResponse{}, providerError("ollama", "chat", err)
	}
	return ChatResponse{
		Content: res.Content,
		Usage: Usage{
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
			TotalTokens:      res.PromptTokens + res.CompletionTokens,
		},
	}, nil
}

func (e *OllamaEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	vec, err := e.client.Embed(ctx, model, text)
	if err != nil {
		return nil, providerError("ollama", "embed", err)
	}
	return vec, nil
}

func (e *OllamaEngine) IsRunning(ctx context.Context) bool {
	return e.client.IsRunning(ctx)
}

func (e *OllamaEngine) HasModel(ctx context.Context, name string) (bool, error) {
	return e.client.HasModel(ctx, name)
}

func (e *OllamaEngine) PullModel(ctx context.Context, name string, status func(string)) error {
	return e.client.PullModel(ctx, name, status)
}
