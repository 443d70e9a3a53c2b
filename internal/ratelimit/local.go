package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sweepThreshold is the number of tracked keys above which idle, fully
// refilled buckets are dropped.
const sweepThreshold = 10000

// Local is a per-process token bucket per key: capacity limit, refilled at
// limit/window tokens per second. It has no cross-process consistency.
type Local struct {
	limit int
	every rate.Limit
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewLocal(limit int, window time.Duration) *Local {
	return &Local{
		limit:   limit,
		every:   rate.Limit(float64(limit) / window.Seconds()),
		now:     time.Now,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= sweepThreshold {
			l.sweep(now)
		}
		b = rate.NewLimiter(l.every, l.limit)
		l.buckets[key] = b
	}

	d := Decision{Limit: l.limit}
	r := b.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		d.RetryAfter = delay
	} else {
		d.Allowed = true
	}
	d.Remaining = max(int(b.TokensAt(now)), 0)
	return d, nil
}

// Reset forgets every bucket.
func (l *Local) Reset() {
	l.mu.Lock()
	clear(l.buckets)
	l.mu.Unlock()
}

func (l *Local) sweep(now time.Time) {
	for k, b := range l.buckets {
		if b.TokensAt(now) >= float64(l.limit) {
			delete(l.buckets, k)
		}
	}
}
