package retrieval

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore keeps passage vectors in the passages table and answers
// searches with an exact cosine scan. Fine for a personal knowledge base;
// switch retrieval.backend to qdrant past a few hundred thousand passages.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore uses a database already migrated by storage.Open.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const upsertPassage = `
INSERT INTO passages (id, document_id, source_url, content, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	document_id = excluded.document_id,
	source_url  = excluded.source_url,
	content     = excluded.content,
	embedding   = excluded.embedding`

// Insert writes all records or none.
func (s *SQLiteStore) Insert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		created := r.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		_, err := tx.ExecContext(ctx, upsertPassage,
			r.ID, r.DocumentID, r.SourceURL, r.Content,
			marshalVector(r.Embedding), created.UTC().Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("inserting passage %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// Search returns at most topK passages scoring strictly above minScore,
// best first.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]ScoredRecord, error) {
	qNorm := l2norm(vector)
	if topK <= 0 || qNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, source_url, content, embedding, created_at FROM passages`)
	if err != nil {
		return nil, fmt.Errorf("scanning passages: %w", err)
	}
	defer rows.Close()

	// best stays sorted by descending score and never exceeds topK.
	best := make([]ScoredRecord, 0, topK)
	var vec []float32
	for rows.Next() {
		var (
			r       Record
			blob    []byte
			created string
		)
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.SourceURL, &r.Content, &blob, &created); err != nil {
			return nil, fmt.Errorf("reading passage: %w", err)
		}
		if vec, err = unmarshalVector(vec, blob); err != nil {
			return nil, fmt.Errorf("passage %s: %w", r.ID, err)
		}

		score := cosine(vector, vec, qNorm)
		if score <= minScore {
			continue
		}
		if len(best) == topK && score <= best[topK-1].Score {
			continue
		}
		if r.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("passage %s: created_at: %w", r.ID, err)
		}

		i, _ := slices.BinarySearchFunc(best, score, func(sr ScoredRecord, target float64) int {
			return cmp.Compare(target, sr.Score)
		})
		if len(best) == topK {
			best = best[:topK-1]
		}
		best = slices.Insert(best, i, ScoredRecord{Record: r, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning passages: %w", err)
	}
	if len(best) == 0 {
		return nil, nil
	}
	return best, nil
}

// DeleteDocument drops every passage of documentID.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM passages WHERE document_id = ?`, documentID)
	return err
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n)
	return n, err
}

// marshalVector packs v as little-endian float32s.
func marshalVector(v []float32) []byte {
	b := make([]byte, 0, 4*len(v))
	for _, f := range v {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

// unmarshalVector decodes into dst, reusing its backing array.
func unmarshalVector(dst []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes is truncated", len(b))
	}
	dst = slices.Grow(dst[:0], len(b)/4)
	for off := 0; off < len(b); off += 4 {
		dst = append(dst, math.Float32frombits(binary.LittleEndian.Uint32(b[off:])))
	}
	return dst, nil
}

func l2norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine returns the similarity of a and b given a's precomputed norm.
// Mismatched dimensions and zero vectors score 0.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bb float64
	for i, x := range a {
		y := float64(b[i])
		dot += float64(x) * y
		bb += y * y
	}
	if bb == 0 || aNorm == 0 {
		return 0
	}
	return dot / (aNorm * math.Sqrt(bb))
}
