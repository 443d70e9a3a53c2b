// Package ratelimit decides whether a client may make another answer
// request. The shared SQLite sliding window is authoritative across
// processes; the in-memory token bucket is a single-process approximation.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	apperrors "github.com/kalambet/ragd/internal/errors"
)

// ErrStoreUnavailable marks a failure of the shared store.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Decision is the outcome of one Allow call. Limit and Remaining are set
// even when the request is denied so they can be echoed in headers.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	Degraded   bool // decided by the local fallback
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, minimum 1.
func (d Decision) RetryAfterSeconds() int {
	s := int((d.RetryAfter + time.Second - 1) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// Backend counts requests per key.
type Backend interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// FailurePolicy selects what happens when the shared store cannot be
// reached. The zero value fails closed.
type FailurePolicy int

const (
	FailClosed FailurePolicy = iota
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail_open"
	}
	return "fail_closed"
}

// ParsePolicy accepts "fail_open" or "fail_closed".
func ParsePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fail_open":
		return FailOpen, nil
	case "fail_closed":
		return FailClosed, nil
	default:
		return FailClosed, fmt.Errorf("unknown rate limit failure policy %q (want fail_open or fail_closed)", s)
	}
}

// PolicyForEnvironment fails closed in production and open everywhere else.
func PolicyForEnvironment(env string) FailurePolicy {
	if strings.EqualFold(strings.TrimSpace(env), "production") {
		return FailClosed
	}
	return FailOpen
}

// Limiter applies a FailurePolicy around a primary backend.
type Limiter struct {
	primary  Backend
	fallback Backend
	policy   FailurePolicy
	limit    int
	logger   *slog.Logger
}

// New builds a Limiter. fallback is used only under FailOpen; it may be nil,
// in which case store failures are returned even under FailOpen.
func New(primary, fallback Backend, policy FailurePolicy, limit int, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if _, ok := primary.(*Local); ok {
		logger.Warn("rate limiting is in-memory only; unsafe for deployments with more than one process")
	}
	return &Limiter{
		primary:  primary,
		fallback: fallback,
		policy:   policy,
		limit:    limit,
		logger:   logger,
	}
}

func (l *Limiter) Policy() FailurePolicy { return l.policy }

// Allow consults the primary backend. A backend failure under FailClosed,
// or with no fallback, is a service_unavailable error.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	d, err := l.primary.Allow(ctx, key)
	if err == nil {
		return d, nil
	}

	if l.policy == FailClosed || l.fallback == nil {
		l.logger.Error("rate limit store unreachable, rejecting request", "policy", l.policy.String(), "error", err)
		return Decision{Limit: l.limit}, unavailable(err)
	}

	l.logger.Warn("rate limit store unreachable, using local limiter", "policy", l.policy.String(), "error", err)
	d, ferr := l.fallback.Allow(ctx, key)
	if ferr != nil {
		return Decision{Limit: l.limit}, unavailable(ferr)
	}
	d.Degraded = true
	return d, nil
}

func unavailable(err error) error {
	if !errors.Is(err, ErrStoreUnavailable) {
		err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return apperrors.Wrap(err, apperrors.CategoryUnavailable, apperrors.CodeStoreUnavailable,
		"service temporarily unavailable", true)
}

// Denied converts a denying Decision into a classified rate_limited error.
func Denied(d Decision) error {
	return apperrors.Wrap(fmt.Errorf("rate limit exceeded, retry in %s", d.RetryAfter),
		apperrors.CategoryRateLimited, apperrors.CodeRateLimited, "rate limit exceeded", true)
}
