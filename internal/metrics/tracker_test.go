package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/ragd/internal/telemetry"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFinalize_ComputesLatencyAndFields(t *testing.T) {
	clock := newFakeClock()
	rec := &telemetry.Recorder{}
	tr := NewTracker(Options{Now: clock.Now, Sink: rec, Logger: quietLogger()})

	h := tr.Start("")
	h.SetQueryHash("abc")
	h.RecordRetrievalLatency(40 * time.Millisecond)
	h.SetPassageCount(3)
	h.SetTokenUsage("m", 100, 20, 0)
	h.SetCost(0.002)
	h.MarkSuccess()
	clock.Advance(250 * time.Millisecond)

	s := h.Finalize()
	if s.QueryHash != "abc" {
		t.Errorf("QueryHash = %q", s.QueryHash)
	}
	if s.LatencyMs != 250 {
		t.Errorf("LatencyMs = %d, want 250", s.LatencyMs)
	}
	if s.RetrievalMs == nil || *s.RetrievalMs != 40 {
		t.Errorf("RetrievalMs = %v, want 40", s.RetrievalMs)
	}
	if s.ChunksReturned == nil || *s.ChunksReturned != 3 {
		t.Errorf("ChunksReturned = %v, want 3", s.ChunksReturned)
	}
	if s.TokensUsed == nil || *s.TokensUsed != 120 {
		t.Errorf("TokensUsed = %v, want 120", s.TokensUsed)
	}
	if s.CostEstimate == nil || *s.CostEstimate != 0.002 {
		t.Errorf("CostEstimate = %v", s.CostEstimate)
	}
	if !s.Success {
		t.Error("Success = false")
	}
	if !s.Timestamp.Equal(clock.Now()) {
		t.Errorf("Timestamp = %v, want %v", s.Timestamp, clock.Now())
	}

	crumbs := rec.ByCategory("metrics")
	if len(crumbs) != 1 {
		t.Fatalf("breadcrumbs = %d, want 1", len(crumbs))
	}
	if crumbs[0].Data["qHash"] != "abc" {
		t.Errorf("breadcrumb qHash = %v", crumbs[0].Data["qHash"])
	}
}

func TestFinalize_Idempotent(t *testing.T) {
	clock := newFakeClock()
	rec := &telemetry.Recorder{}
	tr := NewTracker(Options{Now: clock.Now, Sink: rec, Logger: quietLogger()})

	h := tr.Start("h1")
	h.MarkFailure("retrieval_failed")
	clock.Advance(10 * time.Millisecond)
	first := h.Finalize()

	clock.Advance(time.Second)
	h.MarkSuccess()
	second := h.Finalize()

	if first != second {
		t.Errorf("second Finalize = %+v, want %+v", second, first)
	}
	if second.LatencyMs != 10 {
		t.Errorf("LatencyMs = %d, want 10", second.LatencyMs)
	}
	if got := len(tr.Recent()); got != 1 {
		t.Errorf("ring holds %d samples, want 1", got)
	}
	if got := len(rec.Entries()); got != 1 {
		t.Errorf("telemetry entries = %d, want 1", got)
	}
}

func TestFinalize_OptionalFieldsOmitted(t *testing.T) {
	tr := NewTracker(Options{Logger: quietLogger()})
	h := tr.Start("h")
	h.MarkFailure("validation_error")

	b, err := json.Marshal(h.Finalize())
	if err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"retrievalMs", "chunksReturned", "tokensUsed", "costEstimate"} {
		if strings.Contains(string(b), key) {
			t.Errorf("serialized sample contains %q: %s", key, b)
		}
	}
	if !strings.Contains(string(b), `"note":"validation_error"`) {
		t.Errorf("serialized sample missing note: %s", b)
	}
}

func TestFinalize_LogLineHasNoQueryText(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	rec := &telemetry.Recorder{}
	tr := NewTracker(Options{Logger: logger, Sink: rec})

	query := "What is retrieval augmented generation?"
	h := tr.Start("deadbeef")
	h.SetPassageCount(0)
	h.MarkSuccess()
	h.Finalize()

	if strings.Contains(buf.String(), query) {
		t.Error("log line contains raw query")
	}
	if !strings.Contains(buf.String(), "deadbeef") {
		t.Errorf("log line missing q_hash: %s", buf.String())
	}
	for _, e := range rec.Entries() {
		b, _ := json.Marshal(e.Data)
		if strings.Contains(string(b), query) {
			t.Error("breadcrumb contains raw query")
		}
	}
}

func TestRing_EvictsOldestFirst(t *testing.T) {
	tr := NewTracker(Options{RingSize: 3, Logger: quietLogger()})
	for i := 0; i < 5; i++ {
		tr.Start(fmt.Sprintf("h%d", i)).Finalize()
	}

	got := tr.Recent()
	if len(got) != 3 {
		t.Fatalf("Recent() len = %d, want 3", len(got))
	}
	for i, want := range []string{"h2", "h3", "h4"} {
		if got[i].QueryHash != want {
			t.Errorf("Recent()[%d] = %q, want %q", i, got[i].QueryHash, want)
		}
	}
}

func TestRing_ConcurrentFinalize(t *testing.T) {
	tr := NewTracker(Options{RingSize: 50, Logger: quietLogger()})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h := tr.Start(fmt.Sprintf("h%d", i))
			h.MarkSuccess()
			h.Finalize()
		}(i)
	}
	wg.Wait()

	got := tr.Recent()
	if len(got) != 50 {
		t.Fatalf("Recent() len = %d, want 50", len(got))
	}
	for i, s := range got {
		if s.QueryHash == "" {
			t.Errorf("Recent()[%d] is empty", i)
		}
	}
}

func TestReset(t *testing.T) {
	tr := NewTracker(Options{Logger: quietLogger()})
	tr.Start("a").Finalize()
	tr.Reset()

	if got := tr.Recent(); len(got) != 0 {
		t.Errorf("Recent() after Reset = %d samples", len(got))
	}
	tr.Start("b").Finalize()
	if got := tr.Recent(); len(got) != 1 || got[0].QueryHash != "b" {
		t.Errorf("Recent() = %+v", got)
	}
}

func TestSummary(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(Options{Now: clock.Now, Logger: quietLogger()})

	h := tr.Start("a")
	h.SetPassageCount(4)
	h.SetCost(0.01)
	h.MarkSuccess()
	clock.Advance(100 * time.Millisecond)
	h.Finalize()

	h = tr.Start("b")
	h.SetPassageCount(0)
	h.MarkSuccess()
	clock.Advance(300 * time.Millisecond)
	h.Finalize()

	h = tr.Start("c")
	h.MarkFailure("generation_failed")
	clock.Advance(200 * time.Millisecond)
	h.Finalize()

	s := tr.Summary()
	if s.Count != 3 {
		t.Errorf("Count = %d, want 3", s.Count)
	}
	if math.Abs(s.SuccessRate-2.0/3) > 1e-9 {
		t.Errorf("SuccessRate = %v", s.SuccessRate)
	}
	if math.Abs(s.ErrorRate-1.0/3) > 1e-9 {
		t.Errorf("ErrorRate = %v", s.ErrorRate)
	}
	if s.AvgLatencyMs != 200 {
		t.Errorf("AvgLatencyMs = %v, want 200", s.AvgLatencyMs)
	}
	if s.AvgChunks != 2 {
		t.Errorf("AvgChunks = %v, want 2", s.AvgChunks)
	}
	if s.AvgCost == nil || *s.AvgCost != 0.01 {
		t.Errorf("AvgCost = %v, want 0.01", s.AvgCost)
	}
	if s.WindowSize != DefaultRingSize {
		t.Errorf("WindowSize = %d", s.WindowSize)
	}
}

func TestSummary_Empty(t *testing.T) {
	s := NewTracker(Options{Logger: quietLogger()}).Summary()
	if s.Count != 0 || s.SuccessRate != 0 || s.AvgCost != nil {
		t.Errorf("Summary() = %+v", s)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func TestDiskLog_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "metrics.jsonl")
	tr := NewTracker(Options{LogPath: path, Logger: quietLogger()})

	h := tr.Start("a")
	h.SetPassageCount(2)
	h.MarkSuccess()
	h.Finalize()
	tr.Start("b").Finalize()
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var s Sample
	if err := json.Unmarshal([]byte(lines[0]), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.QueryHash != "a" || s.ChunksReturned == nil || *s.ChunksReturned != 2 {
		t.Errorf("first line = %s", lines[0])
	}
}

func TestDiskLog_TrimsToMaxLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")

	var seed strings.Builder
	for i := 0; i < 8; i++ {
		fmt.Fprintf(&seed, `{"qHash":"old%d"}`+"\n", i)
	}
	if err := os.WriteFile(path, []byte(seed.String()), 0o600); err != nil {
		t.Fatal(err)
	}

	tr := NewTracker(Options{LogPath: path, LogMaxLines: 5, Logger: quietLogger()})
	for i := 0; i < 3; i++ {
		tr.Start(fmt.Sprintf("new%d", i)).Finalize()
	}
	tr.Close()

	lines := readLines(t, path)
	if len(lines) != 5 {
		t.Fatalf("lines = %d, want 5: %v", len(lines), lines)
	}
	if !strings.Contains(lines[4], "new2") {
		t.Errorf("last line = %s, want new2", lines[4])
	}
	if !strings.Contains(lines[0], "old6") {
		t.Errorf("first line = %s, want old6", lines[0])
	}
}

func TestDiskLog_FailureIsSwallowed(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	// parent is a regular file, so every write fails
	tr := NewTracker(Options{LogPath: filepath.Join(blocker, "metrics.jsonl"), Logger: quietLogger()})

	h := tr.Start("a")
	h.MarkSuccess()
	if s := h.Finalize(); !s.Success {
		t.Error("Finalize lost the sample")
	}
	tr.Close()
	if got := len(tr.Recent()); got != 1 {
		t.Errorf("Recent() = %d, want 1", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	tr := NewTracker(Options{LogPath: filepath.Join(t.TempDir(), "m.jsonl"), Logger: quietLogger()})
	tr.Close()
	tr.Close()
	tr.Start("after").Finalize()
	if got := len(tr.Recent()); got != 1 {
		t.Errorf("Recent() = %d, want 1", got)
	}
}
