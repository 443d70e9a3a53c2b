// Package metrics records one sample per answered request. Samples are kept
// in a bounded in-memory ring and appended to a bounded JSONL log.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/ragd/internal/telemetry"
)

const (
	DefaultRingSize    = 200
	DefaultLogMaxLines = 500
	breadcrumbCategory = "metrics"
	diskQueueCapacity  = 256
)

// Options configures a Tracker. Zero values take the defaults.
type Options struct {
	RingSize    int
	LogPath     string // empty disables the on-disk log
	LogMaxLines int
	Estimator   CostEstimator
	Logger      *slog.Logger
	Sink        telemetry.Sink
	Now         func() time.Time
}

// Tracker owns the ring buffer and the disk log writer.
type Tracker struct {
	logger    *slog.Logger
	sink      telemetry.Sink
	estimator CostEstimator
	now       func() time.Time

	mu    sync.Mutex
	ring  []Sample
	next  int
	count int

	disk *diskLog
}

// NewTracker creates a Tracker and starts its disk writer when a log path
// is configured.
func NewTracker(opts Options) *Tracker {
	if opts.RingSize <= 0 {
		opts.RingSize = DefaultRingSize
	}
	if opts.LogMaxLines <= 0 {
		opts.LogMaxLines = DefaultLogMaxLines
	}
	if opts.Estimator == nil {
		opts.Estimator = UnknownCost{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sink == nil {
		opts.Sink = telemetry.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := &Tracker{
		logger:    opts.Logger,
		sink:      opts.Sink,
		estimator: opts.Estimator,
		now:       opts.Now,
		ring:      make([]Sample, opts.RingSize),
	}
	if opts.LogPath != "" {
		t.disk = newDiskLog(opts.LogPath, opts.LogMaxLines, opts.Logger)
	}
	return t
}

// Start opens a handle for one request. qHash may be empty when the
// fingerprint is not yet known.
func (t *Tracker) Start(qHash string) *Handle {
	return &Handle{
		tracker: t,
		started: t.now(),
		sample:  Sample{QueryHash: qHash},
	}
}

func (t *Tracker) publish(s Sample) {
	t.logger.LogAttrs(context.Background(), slog.LevelInfo, "request metrics", sampleAttrs(s)...)
	t.sink.Breadcrumb(context.Background(), breadcrumbCategory, "request finalized", sampleData(s))

	t.mu.Lock()
	t.ring[t.next] = s
	t.next = (t.next + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}
	t.mu.Unlock()

	if t.disk != nil {
		t.disk.enqueue(s)
	}
}

// Recent returns the buffered samples, oldest first.
func (t *Tracker) Recent() []Sample {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Sample, 0, t.count)
	start := (t.next - t.count + len(t.ring)) % len(t.ring)
	for i := 0; i < t.count; i++ {
		out = append(out, t.ring[(start+i)%len(t.ring)])
	}
	return out
}

// Reset empties the ring buffer. The disk log is left alone.
func (t *Tracker) Reset() {
	t.mu.Lock()
	clear(t.ring)
	t.next = 0
	t.count = 0
	t.mu.Unlock()
}

// Close drains pending disk writes. Samples finalized afterwards are kept
// in memory only.
func (t *Tracker) Close() error {
	if t.disk != nil {
		t.disk.close()
	}
	return nil
}

func sampleAttrs(s Sample) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("q_hash", s.QueryHash),
		slog.Int64("latency_ms", s.LatencyMs),
		slog.Bool("success", s.Success),
	}
	if s.RetrievalMs != nil {
		attrs = append(attrs, slog.Int64("retrieval_ms", *s.RetrievalMs))
	}
	if s.ChunksReturned != nil {
		attrs = append(attrs, slog.Int("chunks", *s.ChunksReturned))
	}
	if s.TokensUsed != nil {
		attrs = append(attrs, slog.Int("tokens", *s.TokensUsed))
	}
	if s.CostEstimate != nil {
		attrs = append(attrs, slog.Float64("cost_usd", *s.CostEstimate))
	}
	if s.Note != "" {
		attrs = append(attrs, slog.String("note", s.Note))
	}
	return attrs
}

func sampleData(s Sample) map[string]any {
	data := map[string]any{
		"qHash":     s.QueryHash,
		"ts":        s.Timestamp.Format(time.RFC3339Nano),
		"latencyMs": s.LatencyMs,
		"success":   s.Success,
	}
	if s.RetrievalMs != nil {
		data["retrievalMs"] = *s.RetrievalMs
	}
	if s.ChunksReturned != nil {
		data["chunksReturned"] = *s.ChunksReturned
	}
	if s.TokensUsed != nil {
		data["tokensUsed"] = *s.TokensUsed
	}
	if s.CostEstimate != nil {
		data["costEstimate"] = *s.CostEstimate
	}
	if s.Note != "" {
		data["note"] = s.Note
	}
	return data
}
