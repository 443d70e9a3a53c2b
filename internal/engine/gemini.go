package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiEngine uses the Google generative AI SDK.
type GeminiEngine struct {
	client *genai.Client
}

func NewGeminiEngine(ctx context.Context, apiKey string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiEngine{client: client}, nil
}

func (e *GeminiEngine) Name() string { return "gemini" }

// Chat maps system messages to the model's system instruction and sends
// the remaining turns as a single content request.
func (e *GeminiEngine) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	model := e.client.GenerativeModel(req.Model)

	var system []genai.Part
	var parts []genai.Part
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, genai.Text(m.Content))
			continue
		}
		parts = append(parts, genai.Text(m.Content))
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: system}
	}

	temp := float32(req.Temperature)
	maxTokens := int32(req.MaxTokens)
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens: &maxTokens,
		Temperature:     &temp,
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return ChatResponse{}, providerError("gemini", "chat", err)
	}

	var out ChatResponse
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out, nil
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		}
	}
	out.Content = text.String()
	return out, nil
}

func (e *GeminiEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	res, err := e.client.EmbeddingModel(model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, providerError("gemini", "embed", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini embedding: empty vector")
	}
	return res.Embedding.Values, nil
}

func (e *GeminiEngine) Close() error {
	return e.client.Close()
}
