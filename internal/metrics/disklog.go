package metrics

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// diskLog appends samples as JSON lines from a single goroutine and keeps
// the file at no more than maxLines lines. Every failure is logged and
// dropped.
type diskLog struct {
	path     string
	maxLines int
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan Sample
	done   chan struct{}

	lines int // -1 until counted
}

func newDiskLog(path string, maxLines int, logger *slog.Logger) *diskLog {
	d := &diskLog{
		path:     path,
		maxLines: maxLines,
		logger:   logger,
		queue:    make(chan Sample, diskQueueCapacity),
		done:     make(chan struct{}),
		lines:    -1,
	}
	go d.run()
	return d
}

// enqueue never blocks the caller. A full queue drops the sample.
func (d *diskLog) enqueue(s Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- s:
	default:
		d.logger.Warn("metrics log queue full, sample dropped", "q_hash", s.QueryHash)
	}
}

func (d *diskLog) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *diskLog) run() {
	defer close(d.done)
	for s := range d.queue {
		if err := d.write(s); err != nil {
			d.logger.Warn("metrics log write failed", "path", d.path, "error", err)
			d.lines = -1
		}
	}
}

func (d *diskLog) write(s Sample) error {
	line, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	if d.lines < 0 {
		n, err := countLines(d.path)
		if err != nil {
			return err
		}
		d.lines = n
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0o700); err != nil {
		return fmt.Errorf("create metrics log dir: %w", err)
	}
	f, err := os.OpenFile(d.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open metrics log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append metrics log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close metrics log: %w", err)
	}
	d.lines++

	if d.lines > d.maxLines {
		kept, err := trimLog(d.path, d.maxLines)
		if err != nil {
			return err
		}
		d.lines = kept
	}
	return nil
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read metrics log: %w", err)
	}
	return bytes.Count(data, []byte{'\n'}), nil
}

// trimLog rewrites path keeping only its last keep lines. The rewrite goes
// through a temp file and rename so readers never see a partial file.
func trimLog(path string, keep int) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open metrics log: %w", err)
	}
	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, append([]byte(nil), sc.Bytes()...))
	}
	f.Close()
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("scan metrics log: %w", err)
	}
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".metrics-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("create temp metrics log: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		w.Write(l)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write temp metrics log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("close temp metrics log: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("replace metrics log: %w", err)
	}
	return len(lines), nil
}
