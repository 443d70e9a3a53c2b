package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/ragd/internal/config"
	"github.com/kalambet/ragd/internal/metrics"
	"github.com/kalambet/ragd/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

type cannedResponse struct {
	status int
	body   string
}

func newTestServer(t *testing.T, responses map[string]cannedResponse) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			if resp.status != 0 {
				w.WriteHeader(resp.status)
			}
			w.Write([]byte(resp.body))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

var ctx = context.Background()

func TestAsk(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/answer": {body: `{"answer":"RAG grounds answers [1].","citations":[{"source_url":"https://kb.example/rag","content":"Retrieval-augmented generation...","similarity":0.87}],"q_hash":"` + strings.Repeat("a", 64) + `","q_len":12}`},
	})

	res, err := ask(ctx, ts.client(), "What is RAG?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.QueryLen != 12 || len(res.Citations) != 1 || res.Citations[0].Similarity != 0.87 {
		t.Errorf("res = %+v", res)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatalf("body parse error: %v", err)
	}
	if body["query"] != "What is RAG?" {
		t.Errorf("body.query = %q", body["query"])
	}
}

func TestAsk_RateLimited(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"POST /v1/answer": {status: 429, body: `{"error":{"type":"rate_limited","message":"rate limit exceeded"},"retryAfterSeconds":42}`},
	})

	_, err := ask(ctx, ts.client(), "What is RAG?")
	if err == nil {
		t.Fatal("expected error for 429")
	}
	for _, want := range []string{"429", "rate limit exceeded", "42s"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %q, want it to contain %q", err.Error(), want)
		}
	}
}

func TestPrintAnswer(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var res answerResult
	json.Unmarshal([]byte(`{"answer":"An answer.","citations":[{"source_url":"https://kb.example/a","content":"`+strings.Repeat("x", 300)+`","similarity":0.9}],"q_hash":"abc","q_len":5}`), &res)

	var out bytes.Buffer
	printAnswer(&out, res)

	got := out.String()
	for _, want := range []string{"An answer.", "[1]", "0.900", "https://kb.example/a", "...", "q_hash abc"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, strings.Repeat("x", 200)) {
		t.Error("citation content not truncated")
	}
}

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]cannedResponse{
		"GET /v1/metrics/summary": {body: `{"count":0}`},
	})

	client := ts.client()
	client.token = "my-secret-token"

	if err := client.call(ctx, http.MethodGet, "/v1/metrics/summary", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.token = ""
	if err := client.call(ctx, http.MethodGet, "/v1/metrics/summary", nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
	if ts.requests[1].Auth != "" {
		t.Errorf("auth without token = %q, want empty", ts.requests[1].Auth)
	}
}

func TestCall_ErrorResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(401)
		w.Write([]byte(`{"error":{"message":"invalid or missing bearer token","type":"authentication_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "bad-token", httpClient: ts.Client()}

	var result any
	err := client.call(ctx, http.MethodGet, "/v1/metrics/summary", nil, &result)
	var se *serverError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *serverError", err)
	}
	if se.Status != 401 || se.Type != "authentication_error" {
		t.Errorf("serverError = %+v", se)
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "authentication_error") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestCall_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	err := (&apiClient{baseURL: ts.URL, httpClient: ts.Client()}).call(ctx, http.MethodGet, "/", nil, new(any))
	if err == nil || !strings.Contains(err.Error(), "upstream exploded") {
		t.Errorf("error = %v", err)
	}
}

func TestServerNotReachable(t *testing.T) {
	client := &apiClient{baseURL: "http://127.0.0.1:1", httpClient: &http.Client{Timeout: time.Second}}
	err := client.call(ctx, http.MethodGet, "/health", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "ragd serve") {
		t.Errorf("error = %v, want a hint to start the server", err)
	}
}

func TestPrintSamples(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	printSamples(&out, nil)
	if !strings.Contains(out.String(), "No requests") {
		t.Errorf("empty output = %q", out.String())
	}

	out.Reset()
	printSamples(&out, []metrics.Sample{
		{QueryHash: strings.Repeat("b", 64), Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC), LatencyMs: 812, Success: true},
		{Timestamp: time.Date(2026, 5, 1, 12, 0, 1, 0, time.UTC), LatencyMs: 3, Note: "query_invalid"},
	})
	got := out.String()
	for _, want := range []string{"bbbbbbbbbbbb ", "812 ms", "fail", "query_invalid", "2026-05-01 12:00:01"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, strings.Repeat("b", 13)) {
		t.Error("hash not shortened")
	}
}

func TestPrintDocuments(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()
	noColor = true

	var out bytes.Buffer
	printDocuments(&out, []storage.Document{{ID: "doc-1", Title: "Notes", Status: storage.DocumentIndexed, PassageCount: 7}})
	if got := out.String(); !strings.Contains(got, "doc-1") || !strings.Contains(got, "indexed") || !strings.Contains(got, "Notes") {
		t.Errorf("output = %q", got)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := render(errorStyle, "text"); got != "text" {
		t.Errorf("render with noColor=true = %q, want plain text", got)
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.Config{Log: config.LogConfig{Level: "debug", Format: "json"}}
	newLogger(cfg, &buf).Debug("hello", "q_hash", "abc")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("json handler output %q: %v", buf.String(), err)
	}
	if rec["msg"] != "hello" || rec["q_hash"] != "abc" {
		t.Errorf("record = %v", rec)
	}

	buf.Reset()
	cfg.Log = config.LogConfig{Level: "bogus"}
	newLogger(cfg, &buf).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug emitted at default level: %q", buf.String())
	}
}

func TestNewLimiter_Policy(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	logger := newLogger(config.Config{Log: config.LogConfig{Level: "error"}}, &bytes.Buffer{})

	tests := []struct {
		env, policy, want string
		wantErr           bool
	}{
		{"production", "", "fail_closed", false},
		{"development", "", "fail_open", false},
		{"production", "fail_open", "fail_open", false},
		{"development", "sometimes", "", true},
	}
	for _, tt := range tests {
		cfg := config.Config{}
		cfg.Deployment.Environment = tt.env
		cfg.RateLimit = config.RateLimitConfig{Requests: 10, WindowSeconds: 60, Store: "sqlite", FailurePolicy: tt.policy}

		l, err := newLimiter(cfg, store, logger)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s/%s: expected error", tt.env, tt.policy)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s/%s: %v", tt.env, tt.policy, err)
		}
		if got := l.Policy().String(); got != tt.want {
			t.Errorf("%s/%s: policy = %s, want %s", tt.env, tt.policy, got, tt.want)
		}
	}
}

func TestOpenKnowledgeBase_RequiresSalt(t *testing.T) {
	cfg := config.Config{}
	cfg.Storage.DataDir = t.TempDir()

	_, err := openKnowledgeBase(ctx, cfg, newLogger(cfg, &bytes.Buffer{}))
	if err == nil {
		t.Fatal("expected error without a hash salt")
	}
	if !strings.Contains(err.Error(), "RAGD_QUERY_HASH_SALT") {
		t.Errorf("error = %q, want a hint naming the env var", err.Error())
	}
}

func TestCommandTree(t *testing.T) {
	want := []string{"serve", "ask", "metrics", "kb add", "kb count", "kb list", "kb rm", "config show", "config set", "config unset", "mcp"}
	for _, path := range want {
		cmd, _, err := rootCmd.Find(strings.Fields(path))
		if err != nil || cmd == rootCmd {
			t.Errorf("command %q not registered", path)
		}
	}
}
