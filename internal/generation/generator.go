// Package generation produces a grounded answer from assembled context with
// a single completion call.
package generation

import (
	"context"
	"errors"
	"strings"

	"github.com/kalambet/ragd/internal/composer"
	"github.com/kalambet/ragd/internal/engine"
	apperrors "github.com/kalambet/ragd/internal/errors"
)

const (
	DefaultMaxTokens   = 500
	DefaultTemperature = 0.7
)

// ErrEmptyAnswer is returned when the provider responds without text.
var ErrEmptyAnswer = errors.New("completion returned an empty answer")

// Answer is the generated text and its token accounting.
type Answer struct {
	Text  string
	Model string
	Usage engine.Usage
}

type Generator struct {
	engine      engine.Engine
	model       string
	maxTokens   int
	temperature float64
}

// New creates a Generator. Non-positive maxTokens and negative temperature
// fall back to the defaults.
func New(e engine.Engine, model string, maxTokens int, temperature float64) *Generator {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if temperature < 0 {
		temperature = DefaultTemperature
	}
	return &Generator{engine: e, model: model, maxTokens: maxTokens, temperature: temperature}
}

// Generate makes exactly one completion call. Transport errors and blank
// answers are both generation failures.
func (g *Generator) Generate(ctx context.Context, query string, contexts []string) (Answer, error) {
	resp, err := g.engine.Chat(ctx, engine.ChatRequest{
		Model:       g.model,
		Messages:    composer.BuildMessages(query, contexts),
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return Answer{}, failed(err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return Answer{}, failed(ErrEmptyAnswer)
	}
	usage := resp.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return Answer{Text: text, Model: g.model, Usage: usage}, nil
}

func failed(err error) error {
	return apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeGenerationFailed,
		"failed to generate an answer", true)
}
