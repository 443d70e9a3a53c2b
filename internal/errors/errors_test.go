package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapRoundTrip(t *testing.T) {
	base := stderrors.New("dial tcp: connection refused")
	err := Wrap(base, CategoryInternal, CodeRetrievalFailed, "retrieval failed", true)
	if err == nil {
		t.Fatal("expected wrapped error")
	}
	if CategoryOf(err) != CategoryInternal {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if CodeOf(err) != CodeRetrievalFailed {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if HintOf(err) != "retrieval failed" {
		t.Fatalf("unexpected hint: %s", HintOf(err))
	}
	if !RetryableOf(err) {
		t.Fatal("expected retryable true")
	}
	if !stderrors.Is(err, base) {
		t.Fatal("expected wrapped error to preserve cause")
	}
}

func TestClassificationSurvivesFmtWrap(t *testing.T) {
	inner := Invalid("query", "query must be at least 3 characters")
	err := fmt.Errorf("validating: %w", inner)
	if CategoryOf(err) != CategoryValidation {
		t.Fatalf("unexpected category: %s", CategoryOf(err))
	}
	if FieldOf(err) != "query" {
		t.Fatalf("unexpected field: %q", FieldOf(err))
	}
}

func TestRejectKeepsCode(t *testing.T) {
	err := Reject("query", CodeGuardBlocked, "query was rejected")
	if CategoryOf(err) != CategoryValidation || CodeOf(err) != CodeGuardBlocked {
		t.Fatalf("unexpected classification: %s/%s", CategoryOf(err), CodeOf(err))
	}
	if FieldOf(err) != "query" || HintOf(err) != "query was rejected" {
		t.Fatalf("unexpected field/hint: %q/%q", FieldOf(err), HintOf(err))
	}
}

func TestUnknownErrorDefaults(t *testing.T) {
	err := stderrors.New("plain")
	if CategoryOf(err) != "" || CodeOf(err) != "" || HintOf(err) != "" || FieldOf(err) != "" {
		t.Fatal("expected empty classification for plain error")
	}
	if RetryableOf(err) {
		t.Fatal("unexpected retryable true")
	}
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	if got := Wrap(nil, CategoryInternal, CodeGenerationFailed, "", false); got != nil {
		t.Fatalf("expected nil wrapped error, got=%v", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		category Category
		want     int
	}{
		{CategoryValidation, http.StatusBadRequest},
		{CategoryRateLimited, http.StatusTooManyRequests},
		{CategoryInternal, http.StatusInternalServerError},
		{CategoryUnavailable, http.StatusServiceUnavailable},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.category); got != tt.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tt.category, got, tt.want)
		}
	}
}
