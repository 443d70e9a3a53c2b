package engine

import (
	"context"
	"fmt"
)

// Config selects and configures a provider.
type Config struct {
	Provider      string // ollama, openai, gemini
	OllamaBaseURL string
	OpenAIBaseURL string
	OpenAIAPIKey  string
	GeminiAPIKey  string
}

// New builds the Engine for cfg.Provider. Gemini engines hold a client
// that should be released with Close.
func New(ctx context.Context, cfg Config) (Engine, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaEngine(cfg.OllamaBaseURL), nil
	case "openai":
		return NewOpenAIEngine(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case "gemini":
		return NewGeminiEngine(ctx, cfg.GeminiAPIKey)
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Provider)
	}
}
