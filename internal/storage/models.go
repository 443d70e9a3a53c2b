package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Document statuses.
const (
	DocumentPending = "pending"
	DocumentIndexed = "indexed"
	DocumentFailed  = "failed"
)

// Document is one ingested source. ContentHash is the keyed fingerprint of
// Content and is unique, so the same text is never indexed twice.
type Document struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	SourceURL    string    `json:"source_url"`
	Content      string    `json:"-"`
	ContentHash  string    `json:"content_hash"`
	Status       string    `json:"status"`
	PassageCount int       `json:"passage_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
