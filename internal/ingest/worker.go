package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/ragd/internal/storage"
)

// JobStore is the slice of storage.Store the worker drives.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// DocumentIndexer indexes one stored document and reports its passage
// count. *Ingester implements it.
type DocumentIndexer interface {
	Index(ctx context.Context, documentID string) (int, error)
}

var errBadPayload = errors.New("malformed job payload")

// Worker drains kb_index jobs queued by Enqueue. Failed jobs are handed
// back to the store, which decides on retry or final failure.
type Worker struct {
	store   JobStore
	indexer DocumentIndexer
	idle    time.Duration
	logger  *slog.Logger
}

// NewWorker returns a worker that sleeps idle between empty polls
// (500ms when idle <= 0).
func NewWorker(store JobStore, indexer DocumentIndexer, idle time.Duration) *Worker {
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	return &Worker{store: store, indexer: indexer, idle: idle, logger: slog.Default().With("component", "ingest_worker")}
}

// Run works the queue until ctx is done. A busy queue is drained without
// sleeping between jobs.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		worked, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("job queue", "error", err)
		}
		if worked {
			timer.Reset(0)
		} else {
			timer.Reset(w.idle)
		}
	}
}

// RunOnce claims at most one job and processes it. It reports whether a
// job was claimed; a job that failed still counts.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobIndexDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	started := time.Now()
	passages, err := w.index(ctx, job)
	if err != nil {
		w.logger.Warn("indexing failed", "job_id", job.ID, "attempt", job.Attempts+1, "max_attempts", job.MaxAttempts, "error", err)
		if ferr := w.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
			return true, fmt.Errorf("recording failure of job %s: %w", job.ID, ferr)
		}
		return true, nil
	}

	w.logger.Debug("indexed document", "job_id", job.ID, "passages", passages, "elapsed", time.Since(started))
	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

type indexPayload struct {
	DocumentID string `json:"document_id"`
}

func (w *Worker) index(ctx context.Context, job *storage.Job) (int, error) {
	var p indexPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return 0, fmt.Errorf("%w: %v", errBadPayload, err)
	}
	if p.DocumentID == "" {
		return 0, fmt.Errorf("%w: no document_id", errBadPayload)
	}
	n, err := w.indexer.Index(ctx, p.DocumentID)
	if err != nil {
		return 0, fmt.Errorf("document %s: %w", p.DocumentID, err)
	}
	return n, nil
}
