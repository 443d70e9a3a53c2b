package retrieval

import (
	"context"
	"time"
)

// VectorStore is the vector-search boundary. SQLiteStore scans every row
// with brute-force cosine similarity; QdrantStore delegates to a Qdrant
// server.
type VectorStore interface {
	// Insert adds records. Records with an existing ID are replaced.
	Insert(ctx context.Context, records []Record) error

	// Search returns at most topK records whose cosine similarity to vector
	// is strictly greater than minScore, most similar first.
	Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]ScoredRecord, error)

	// DeleteDocument removes every record that belongs to documentID.
	DeleteDocument(ctx context.Context, documentID string) error

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)
}

// Record is one stored passage.
type Record struct {
	ID         string
	DocumentID string
	SourceURL  string
	Content    string
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredRecord is a Record with a cosine similarity attached.
type ScoredRecord struct {
	Record
	Score float64
}
