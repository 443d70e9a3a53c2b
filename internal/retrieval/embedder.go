package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ragd/internal/engine"
)

// embedConcurrency caps in-flight embedding calls during indexing.
const embedConcurrency = 4

var errEmptyText = errors.New("cannot embed empty text")

// DimensionError means the model returned vectors of a different size than
// the vector store was created for, usually after switching embed models.
type DimensionError struct {
	Got  int
	Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("embedding has %d dimensions, store expects %d", e.Got, e.Want)
}

// Embedder turns text into vectors with one engine model and enforces the
// store's dimension.
type Embedder struct {
	engine    engine.Engine
	model     string
	dimension int
}

// NewEmbedder returns an Embedder. dimension 0 accepts any length.
func NewEmbedder(e engine.Engine, model string, dimension int) *Embedder {
	return &Embedder{engine: e, model: model, dimension: dimension}
}

func (e *Embedder) Dimension() int { return e.dimension }

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errEmptyText
	}
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("%s embed with %s: %w", e.engine.Name(), e.model, err)
	}
	if e.dimension > 0 && len(vec) != e.dimension {
		return nil, &DimensionError{Got: len(vec), Want: e.dimension}
	}
	return vec, nil
}

// EmbedBatch embeds texts in parallel and returns vectors in input order.
// The first failure cancels the rest.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("passage %d: %w", i, err)
			}
			out[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
