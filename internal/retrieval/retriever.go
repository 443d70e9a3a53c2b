package retrieval

import (
	"context"
	"errors"
	"sort"
	"time"

	apperrors "github.com/kalambet/ragd/internal/errors"
)

// Passage is a retrieved chunk. It lives only for one request.
type Passage struct {
	ID         string
	SourceURL  string
	Content    string
	Similarity float64
}

// Retriever combines embedding and vector search.
type Retriever struct {
	embedder *Embedder
	store    VectorStore
	now      func() time.Time
}

// NewRetriever creates a Retriever backed by the given Embedder and VectorStore.
func NewRetriever(embedder *Embedder, store VectorStore) *Retriever {
	return &Retriever{embedder: embedder, store: store, now: time.Now}
}

// Retrieve embeds query and returns at most matchCount passages with
// similarity strictly above minSimilarity, most similar first. No match is
// an empty slice and a nil error.
//
// report, when non-nil, receives the wall-clock time spent in this call
// whether or not it succeeds. Errors are classified internal with code
// retrieval_failed or embedding_dimension_mismatch; nothing is retried.
func (r *Retriever) Retrieve(ctx context.Context, query string, matchCount int, minSimilarity float64, report func(time.Duration)) ([]Passage, error) {
	start := r.now()
	if report != nil {
		defer func() { report(r.now().Sub(start)) }()
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		var dimErr *DimensionError
		if errors.As(err, &dimErr) {
			return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeDimensionMismatch,
				"internal server error", false)
		}
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeRetrievalFailed,
			"failed to retrieve context", true)
	}

	scored, err := r.store.Search(ctx, vec, matchCount, minSimilarity)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CategoryInternal, apperrors.CodeRetrievalFailed,
			"failed to retrieve context", true)
	}

	return toPassages(scored, matchCount, minSimilarity), nil
}

// toPassages re-applies the threshold, ordering and cap regardless of what
// the store returned.
func toPassages(scored []ScoredRecord, matchCount int, minSimilarity float64) []Passage {
	out := make([]Passage, 0, len(scored))
	for _, s := range scored {
		if s.Score <= minSimilarity {
			continue
		}
		out = append(out, Passage{
			ID:         s.ID,
			SourceURL:  s.SourceURL,
			Content:    s.Content,
			Similarity: clamp01(s.Score),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if matchCount >= 0 && len(out) > matchCount {
		out = out[:matchCount]
	}
	return out
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}
