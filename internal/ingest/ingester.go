// Package ingest turns files and raw text into indexed knowledge-base
// passages: extract, dedup by keyed content hash, chunk, embed, store.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/storage"
)

// ErrEmptyDocument is returned when a document has no text after
// extraction.
var ErrEmptyDocument = errors.New("document has no text")

// DocumentStore is the slice of storage.Store the ingester needs.
type DocumentStore interface {
	SaveDocument(ctx context.Context, d storage.Document) error
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	FindDocumentByHash(ctx context.Context, hash string) (storage.Document, error)
	SetDocumentStatus(ctx context.Context, id, status string, passages int) error
	DeleteDocument(ctx context.Context, id string) error
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// BatchEmbedder embeds many texts in one call, in order.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ContentHasher keys the dedup hash so stored hashes reveal nothing about
// content without the salt.
type ContentHasher interface {
	Sum(s string) string
}

// Chunker splits document text into passages.
type Chunker interface {
	Chunk(text string) []string
}

// Result describes the outcome of adding one document.
type Result struct {
	DocumentID string `json:"id"`
	Title      string `json:"title"`
	Passages   int    `json:"passage_count"`
	Duplicate  bool   `json:"duplicate"`
	Queued     bool   `json:"queued"`
}

type Ingester struct {
	store    DocumentStore
	hasher   ContentHasher
	embedder BatchEmbedder
	vectors  retrieval.VectorStore
	chunker  Chunker
	logger   *slog.Logger
	now      func() time.Time
}

func New(store DocumentStore, hasher ContentHasher, embedder BatchEmbedder, vectors retrieval.VectorStore, chunker Chunker, logger *slog.Logger) *Ingester {
	if chunker == nil {
		chunker = NewSentenceChunker(5, 1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		store:    store,
		hasher:   hasher,
		embedder: embedder,
		vectors:  vectors,
		chunker:  chunker,
		logger:   logger,
		now:      time.Now,
	}
}

// AddFile extracts path and indexes it synchronously.
func (in *Ingester) AddFile(ctx context.Context, path string) (Result, error) {
	ex, err := ExtractFile(path)
	if err != nil {
		return Result{}, err
	}
	source := path
	if abs, err := filepath.Abs(path); err == nil {
		source = abs
	}
	return in.AddText(ctx, ex.Title, "file://"+source, ex.Text)
}

// AddText stores and indexes text synchronously. Text already in the
// knowledge base is reported as a duplicate and not re-indexed.
func (in *Ingester) AddText(ctx context.Context, title, sourceURL, text string) (Result, error) {
	doc, dup, err := in.save(ctx, title, sourceURL, text)
	if err != nil || dup {
		return resultFor(doc, dup), err
	}

	n, err := in.Index(ctx, doc.ID)
	if err != nil {
		if statusErr := in.store.SetDocumentStatus(ctx, doc.ID, storage.DocumentFailed, 0); statusErr != nil {
			in.logger.Warn("marking document failed", "document_id", doc.ID, "error", statusErr)
		}
		return resultFor(doc, false), err
	}
	doc.PassageCount = n
	return resultFor(doc, false), nil
}

// Enqueue stores text and leaves indexing to the worker.
func (in *Ingester) Enqueue(ctx context.Context, title, sourceURL, text string) (Result, error) {
	doc, dup, err := in.save(ctx, title, sourceURL, text)
	if err != nil || dup {
		return resultFor(doc, dup), err
	}

	payload, err := json.Marshal(indexPayload{DocumentID: doc.ID})
	if err != nil {
		return Result{}, err
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobIndexDocument,
		PayloadJSON: string(payload),
	}
	if err := in.store.EnqueueJob(ctx, job); err != nil {
		return Result{}, fmt.Errorf("enqueueing index job: %w", err)
	}
	r := resultFor(doc, false)
	r.Queued = true
	return r, nil
}

// Index chunks, embeds and stores the passages of a saved document,
// replacing any passages it already has. It returns the passage count.
func (in *Ingester) Index(ctx context.Context, documentID string) (int, error) {
	doc, err := in.store.GetDocument(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("loading document %s: %w", documentID, err)
	}

	chunks := in.chunker.Chunk(doc.Content)
	if len(chunks) == 0 {
		return 0, ErrEmptyDocument
	}

	vecs, err := in.embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("embedding passages: %w", err)
	}

	now := in.now().UTC()
	records := make([]retrieval.Record, len(chunks))
	for i, chunk := range chunks {
		records[i] = retrieval.Record{
			ID:         passageID(doc.ID, i),
			DocumentID: doc.ID,
			SourceURL:  doc.SourceURL,
			Content:    chunk,
			Embedding:  vecs[i],
			CreatedAt:  now,
		}
	}

	if err := in.vectors.DeleteDocument(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("clearing old passages: %w", err)
	}
	if err := in.vectors.Insert(ctx, records); err != nil {
		return 0, fmt.Errorf("inserting passages: %w", err)
	}
	if err := in.store.SetDocumentStatus(ctx, doc.ID, storage.DocumentIndexed, len(records)); err != nil {
		return 0, fmt.Errorf("updating document status: %w", err)
	}

	in.logger.Info("document indexed", "document_id", doc.ID, "passages", len(records))
	return len(records), nil
}

// Remove deletes a document and its passages.
func (in *Ingester) Remove(ctx context.Context, documentID string) error {
	if _, err := in.store.GetDocument(ctx, documentID); err != nil {
		return err
	}
	if err := in.vectors.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("deleting passages: %w", err)
	}
	return in.store.DeleteDocument(ctx, documentID)
}

func (in *Ingester) save(ctx context.Context, title, sourceURL, text string) (storage.Document, bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return storage.Document{}, false, ErrEmptyDocument
	}
	hash := in.hasher.Sum(text)

	if existing, err := in.store.FindDocumentByHash(ctx, hash); err == nil {
		return existing, true, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.Document{}, false, fmt.Errorf("checking for duplicate: %w", err)
	}

	if title = strings.TrimSpace(title); title == "" {
		title = defaultTitle(text)
	}
	doc := storage.Document{
		ID:          uuid.New().String(),
		Title:       title,
		SourceURL:   sourceURL,
		Content:     text,
		ContentHash: hash,
		Status:      storage.DocumentPending,
	}
	err := in.store.SaveDocument(ctx, doc)
	if errors.Is(err, storage.ErrDuplicate) {
		// Lost a race with a concurrent add of the same text.
		existing, findErr := in.store.FindDocumentByHash(ctx, hash)
		if findErr != nil {
			return storage.Document{}, false, findErr
		}
		return existing, true, nil
	}
	if err != nil {
		return storage.Document{}, false, fmt.Errorf("saving document: %w", err)
	}
	return doc, false, nil
}

func resultFor(d storage.Document, dup bool) Result {
	return Result{DocumentID: d.ID, Title: d.Title, Passages: d.PassageCount, Duplicate: dup}
}

// passageID is stable per document and position so re-indexing replaces
// rather than duplicates.
func passageID(documentID string, i int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, fmt.Appendf(nil, "%s/%d", documentID, i)).String()
}

func defaultTitle(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > 60 {
		return string(r[:60]) + "..."
	}
	return line
}
