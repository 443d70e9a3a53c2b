package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var _ VectorStore = (*QdrantStore)(nil)

// QdrantConfig configures the Qdrant REST backend.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

// QdrantStore is a minimal REST client for a Qdrant collection using
// cosine distance.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
}

func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantStore{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

// EnsureCollection creates the collection with the given dimension if it
// does not exist yet.
func (s *QdrantStore) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("qdrant: invalid dimension %d", dimension)
	}
	status, err := s.do(ctx, http.MethodGet, s.collectionURL(""), nil, nil)
	if err == nil {
		return nil
	}
	if status != http.StatusNotFound {
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dimension, "distance": "Cosine"},
	}
	if _, err := s.do(ctx, http.MethodPut, s.collectionURL(""), body, nil); err != nil {
		return fmt.Errorf("creating collection: %w", err)
	}
	return nil
}

// Insert upserts points. Qdrant only accepts UUIDs or integers as point
// IDs, so non-UUID record IDs are mapped to a name-based UUID and the
// original is kept in the payload.
func (s *QdrantStore) Insert(ctx context.Context, records []Record) error {
	points := make([]map[string]any, len(records))
	for i, r := range records {
		points[i] = map[string]any{
			"id":     pointID(r.ID),
			"vector": r.Embedding,
			"payload": map[string]any{
				"passage_id":  r.ID,
				"document_id": r.DocumentID,
				"source_url":  r.SourceURL,
				"content":     r.Content,
			},
		}
	}
	_, err := s.do(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), map[string]any{"points": points}, nil)
	if err != nil {
		return fmt.Errorf("upserting points: %w", err)
	}
	return nil
}

type qdrantSearchResponse struct {
	Result []struct {
		ID      any     `json:"id"`
		Score   float64 `json:"score"`
		Payload struct {
			PassageID  string `json:"passage_id"`
			DocumentID string `json:"document_id"`
			SourceURL  string `json:"source_url"`
			Content    string `json:"content"`
		} `json:"payload"`
	} `json:"result"`
}

// Search asks Qdrant for topK points above minScore. Qdrant's threshold
// is inclusive, so equal scores are dropped here.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]ScoredRecord, error) {
	if topK <= 0 {
		return nil, nil
	}
	req := map[string]any{
		"vector":          vector,
		"limit":           topK,
		"with_payload":    true,
		"score_threshold": minScore,
	}
	var resp qdrantSearchResponse
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, fmt.Errorf("searching points: %w", err)
	}

	results := make([]ScoredRecord, 0, len(resp.Result))
	for _, r := range resp.Result {
		if r.Score <= minScore {
			continue
		}
		id := r.Payload.PassageID
		if id == "" {
			id = fmt.Sprint(r.ID)
		}
		results = append(results, ScoredRecord{
			Record: Record{
				ID:         id,
				DocumentID: r.Payload.DocumentID,
				SourceURL:  r.Payload.SourceURL,
				Content:    r.Payload.Content,
			},
			Score: r.Score,
		})
	}
	return results, nil
}

// DeleteDocument removes every point whose payload carries documentID.
func (s *QdrantStore) DeleteDocument(ctx context.Context, documentID string) error {
	body := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{
				{"key": "document_id", "match": map[string]any{"value": documentID}},
			},
		},
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/delete?wait=true"), body, nil); err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	return nil
}

// Count returns the exact number of points in the collection.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL("/points/count"), map[string]any{"exact": true}, &resp); err != nil {
		return 0, fmt.Errorf("counting points: %w", err)
	}
	return resp.Result.Count, nil
}

func (s *QdrantStore) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

func (s *QdrantStore) do(ctx context.Context, method, url string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("qdrant %s %s: %s", method, url, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding qdrant response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func pointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}
