package metrics

import (
	"sync"
	"time"
)

// Sample is the finalized record of one request. It carries the query
// fingerprint hash only.
type Sample struct {
	QueryHash      string    `json:"qHash"`
	Timestamp      time.Time `json:"ts"`
	LatencyMs      int64     `json:"latencyMs"`
	RetrievalMs    *int64    `json:"retrievalMs,omitempty"`
	ChunksReturned *int      `json:"chunksReturned,omitempty"`
	Success        bool      `json:"success"`
	TokensUsed     *int      `json:"tokensUsed,omitempty"`
	CostEstimate   *float64  `json:"costEstimate,omitempty"`
	Note           string    `json:"note,omitempty"`
}

// Handle accumulates one request's sample. It is safe to call from the
// goroutine that owns the request and from deferred cleanup alike.
type Handle struct {
	tracker *Tracker
	started time.Time

	mu     sync.Mutex
	sample Sample

	once  sync.Once
	final Sample
}

// SetQueryHash attaches the fingerprint once it is known. Requests rejected
// before fingerprinting keep an empty hash.
func (h *Handle) SetQueryHash(hash string) {
	h.mu.Lock()
	h.sample.QueryHash = hash
	h.mu.Unlock()
}

// RecordRetrievalLatency has the shape of the retriever's timing callback.
func (h *Handle) RecordRetrievalLatency(d time.Duration) {
	ms := d.Milliseconds()
	h.mu.Lock()
	h.sample.RetrievalMs = &ms
	h.mu.Unlock()
}

func (h *Handle) SetPassageCount(n int) {
	h.mu.Lock()
	h.sample.ChunksReturned = &n
	h.mu.Unlock()
}

// SetTokenUsage records the total tokens of the completion call and prices
// it with the tracker's estimator when the model is known.
func (h *Handle) SetTokenUsage(model string, prompt, completion, total int) {
	if total == 0 {
		total = prompt + completion
	}
	h.mu.Lock()
	h.sample.TokensUsed = &total
	h.mu.Unlock()

	if usd, ok := h.tracker.estimator.Estimate(model, prompt, completion); ok {
		h.SetCost(usd)
	}
}

func (h *Handle) SetCost(usd float64) {
	h.mu.Lock()
	h.sample.CostEstimate = &usd
	h.mu.Unlock()
}

func (h *Handle) MarkSuccess() {
	h.mu.Lock()
	h.sample.Success = true
	h.sample.Note = ""
	h.mu.Unlock()
}

// MarkFailure flags the sample as failed. note must not contain query text.
func (h *Handle) MarkFailure(note string) {
	h.mu.Lock()
	h.sample.Success = false
	h.sample.Note = note
	h.mu.Unlock()
}

// Finalize stamps the sample and publishes it exactly once. Later calls
// return the same Sample without publishing again.
func (h *Handle) Finalize() Sample {
	h.once.Do(func() {
		now := h.tracker.now()
		h.mu.Lock()
		s := h.sample
		h.mu.Unlock()

		s.Timestamp = now.UTC()
		s.LatencyMs = now.Sub(h.started).Milliseconds()
		h.final = s
		h.tracker.publish(s)
	})
	return h.final
}
