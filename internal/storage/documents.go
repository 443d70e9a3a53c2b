package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate is returned by SaveDocument when a document with the same
// content hash already exists.
var ErrDuplicate = errors.New("duplicate document")

const documentColumns = `id, title, source_url, content, content_hash, status, passage_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	if err := row.Scan(&d.ID, &d.Title, &d.SourceURL, &d.Content, &d.ContentHash,
		&d.Status, &d.PassageCount, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, err
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

// SaveDocument inserts d with status pending. It returns ErrDuplicate when
// d.ContentHash is already stored.
func (s *Store) SaveDocument(ctx context.Context, d Document) error {
	now := s.timestamp()
	createdAt := now
	if !d.CreatedAt.IsZero() {
		createdAt = d.CreatedAt.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING`,
		d.ID, d.Title, d.SourceURL, d.Content, d.ContentHash, DocumentPending, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("saving document %s: %w", d.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// FindDocumentByHash looks a document up by its content fingerprint.
func (s *Store) FindDocumentByHash(ctx context.Context, hash string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE content_hash = ?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns documents newest first.
func (s *Store) ListDocuments(ctx context.Context, limit, offset int) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// SetDocumentStatus records the outcome of indexing a document.
func (s *Store) SetDocumentStatus(ctx context.Context, id, status string, passages int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, passage_count = ?, updated_at = ? WHERE id = ?`,
		status, passages, s.timestamp(), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteDocument removes the document row. Its passages live in the vector
// store and are removed by the caller.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// CountDocuments returns the number of stored documents.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
