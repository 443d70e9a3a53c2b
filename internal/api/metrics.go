package api

import (
	"net/http"

	"github.com/kalambet/ragd/internal/metrics"
)

func handleMetricsSummary(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Metrics.Summary())
	}
}

// handleMetricsRecent returns the ring buffer newest first, capped by
// ?limit (default 20, max 200).
func handleMetricsRecent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, metrics.DefaultRingSize)

		recent := deps.Metrics.Recent()
		out := make([]metrics.Sample, 0, min(limit, len(recent)))
		for i := len(recent) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, recent[i])
		}
		writeJSON(w, http.StatusOK, out)
	}
}
