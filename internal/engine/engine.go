package engine

import "context"

// Engine abstracts the embedding and completion provider. The retriever
// and the answer generator depend on this interface, never on a concrete
// client.
type Engine interface {
	// Name identifies the provider for logs. It is never sent to clients.
	Name() string

	// Chat runs one completion and returns the text with token usage.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Embed returns the embedding vector for text using model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// ModelManager is implemented by local providers that can report and
// download models.
type ModelManager interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) (bool, error)
	PullModel(ctx context.Context, name string, status func(string)) error
}
