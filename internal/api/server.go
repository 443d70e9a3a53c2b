package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/ragd/internal/metrics"
	"github.com/kalambet/ragd/internal/pipeline"
	"github.com/kalambet/ragd/internal/ratelimit"
)

const maxRequestBodySize = 64 << 10 // 64KB; a query is at most 1000 characters

// Answerer is satisfied by *pipeline.Orchestrator.
type Answerer interface {
	Handle(ctx context.Context, req pipeline.Request) pipeline.Result
	Ask(ctx context.Context, clientID, query string) pipeline.Result
}

var _ Answerer = (*pipeline.Orchestrator)(nil)

// MetricsSource is satisfied by *metrics.Tracker.
type MetricsSource interface {
	Summary() metrics.Summary
	Recent() []metrics.Sample
}

type Deps struct {
	Answerer   Answerer
	Metrics    MetricsSource
	KB         KnowledgeBase // optional; knowledge-base routes are not mounted when nil
	AdminToken string
	HTTPClient *http.Client
	Logger     *slog.Logger

	// TrustProxyHeaders takes the client address from X-Forwarded-For /
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
}

// NewRouter returns the HTTP surface: the public answer endpoint, health,
// and the admin endpoints.
func NewRouter(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if deps.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Get("/health", handleHealth)
	r.Post("/v1/answer", handleAnswer(deps))

	r.Group(func(r chi.Router) {
		r.Use(AdminAuth(deps.AdminToken))
		r.Get("/v1/metrics/summary", handleMetricsSummary(deps))
		r.Get("/v1/metrics/recent", handleMetricsRecent(deps))
	})

	// Writes to the knowledge base always need a token.
	if deps.KB != nil && deps.AdminToken != "" {
		r.Route("/v1/kb", func(r chi.Router) {
			r.Use(BearerAuth(deps.AdminToken))
			r.Post("/documents", handleAddDocument(deps))
			r.Get("/documents", handleListDocuments(deps))
			r.Get("/documents/{id}", handleGetDocument(deps))
			r.Delete("/documents/{id}", handleDeleteDocument(deps))
		})
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleAnswer(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		// A truncated body fails JSON validation downstream, so read errors
		// still flow through the pipeline and get rate limited and counted.
		body, err := io.ReadAll(r.Body)
		if err != nil {
			deps.Logger.Debug("reading answer request body", "request_id", middleware.GetReqID(r.Context()), "error", err)
		}

		res := deps.Answerer.Handle(r.Context(), pipeline.Request{
			ClientID: clientIP(r),
			Body:     body,
		})

		writeRateLimitHeaders(w, res.Status, res.RateLimit)
		writeJSON(w, res.Status, res.Body)
	}
}

func writeRateLimitHeaders(w http.ResponseWriter, status int, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	if status == http.StatusTooManyRequests {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

// clientIP is the rate-limit key: the remote address without its port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// httpError writes the same envelope the answer endpoint uses.
func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
