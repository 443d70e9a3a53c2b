package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaEngine_Chat(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{
			"message":           map[string]string{"role": "assistant", "content": "hello from ollama"},
			"prompt_eval_count": 30,
			"eval_count":        5,
		})
	}))
	defer srv.Close()

	e := NewOllamaEngine(srv.URL)
	res, err := e.Chat(context.Background(), ChatRequest{
		Model:       "llama3.2",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		MaxTokens:   500,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "hello from ollama" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Usage != (Usage{PromptTokens: 30, CompletionTokens: 5, TotalTokens: 35}) {
		t.Errorf("usage = %+v", res.Usage)
	}
	opts, _ := captured["options"].(map[string]any)
	if opts["num_predict"] != float64(500) || opts["temperature"] != 0.7 {
		t.Errorf("options = %v", captured["options"])
	}
}

func TestOllamaEngine_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embeddings": [][]float32{{0.1, 0.2, 0.3}}})
	}))
	defer srv.Close()

	vec, err := NewOllamaEngine(srv.URL).Embed(context.Background(), "nomic-embed-text", "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("got %d floats, want 3", len(vec))
	}
}

func TestOpenAIEngine_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"answer"}}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`)
	}))
	defer srv.Close()

	res, err := NewOpenAIEngine("k", srv.URL).Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "answer" || res.Usage.TotalTokens != 10 {
		t.Errorf("res = %+v", res)
	}
}

func TestOpenAIEngine_ChatNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	res, err := NewOpenAIEngine("k", srv.URL).Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Content != "" {
		t.Errorf("content = %q, want empty", res.Content)
	}
}

func TestProviderError_EchoedRequestNotInMessage(t *testing.T) {
	const secret = "card 4111 1111 1111 1111 was declined"
	echo := func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "rejected request: " + string(raw)})
	}
	srv := httptest.NewServer(http.HandlerFunc(echo))
	defer srv.Close()

	engines := []Engine{NewOpenAIEngine("k", srv.URL), NewOllamaEngine(srv.URL)}
	for _, e := range engines {
		t.Run(e.Name(), func(t *testing.T) {
			_, chatErr := e.Chat(context.Background(), ChatRequest{
				Model:    "m",
				Messages: []Message{{Role: "user", Content: secret}},
			})
			_, embedErr := e.Embed(context.Background(), "m", secret)

			for _, err := range []error{chatErr, embedErr} {
				var pe *ProviderError
				if !errors.As(err, &pe) {
					t.Fatalf("err = %v, want *ProviderError", err)
				}
				if pe.Status != http.StatusBadRequest || pe.Provider != e.Name() {
					t.Errorf("ProviderError = %+v", pe)
				}
				if strings.Contains(err.Error(), "4111") {
					t.Errorf("error message echoes the request: %s", err)
				}
				if !strings.Contains(err.Error(), "status 400") {
					t.Errorf("error message lost the status: %s", err)
				}
			}
		})
	}
}

func TestProviderError_TransportKeepsCause(t *testing.T) {
	_, err := NewOpenAIEngine("k", "http://127.0.0.1:1").Chat(context.Background(), ChatRequest{Model: "m"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
	if pe.Status != 0 || !strings.Contains(err.Error(), "openai chat: ") || pe.Unwrap() == nil {
		t.Errorf("err = %v", err)
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		provider string
		want     string
	}{
		{"", "ollama"},
		{"ollama", "ollama"},
		{"openai", "openai"},
	}
	for _, tt := range tests {
		e, err := New(ctx, Config{Provider: tt.provider, OllamaBaseURL: "http://localhost:11434"})
		if err != nil {
			t.Fatalf("New(%q): %v", tt.provider, err)
		}
		if e.Name() != tt.want {
			t.Errorf("New(%q).Name() = %q, want %q", tt.provider, e.Name(), tt.want)
		}
	}

	if _, err := New(ctx, Config{Provider: "gemini"}); err == nil {
		t.Error("gemini without api key should fail")
	}
	if _, err := New(ctx, Config{Provider: "mlx"}); err == nil {
		t.Error("unknown provider should fail")
	}
}

type mockManager struct {
	running bool
	models  map[string]bool
	pulled  []string
}

func (m *mockManager) Name() string { return "mock" }
func (m *mockManager) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, nil
}
func (m *mockManager) Embed(context.Context, string, string) ([]float32, error) {
	return nil, nil
}
func (m *mockManager) IsRunning(context.Context) bool { return m.running }
func (m *mockManager) HasModel(_ context.Context, name string) (bool, error) {
	return m.models[name], nil
}
func (m *mockManager) PullModel(_ context.Context, name string, status func(string)) error {
	m.pulled = append(m.pulled, name)
	if status != nil {
		status("success")
	}
	return nil
}

func TestEnsureReady_PullsMissingOnce(t *testing.T) {
	m := &mockManager{running: true, models: map[string]bool{"llama3.2": true}}
	err := EnsureReady(context.Background(), m, io.Discard, "llama3.2", "nomic-embed-text", "nomic-embed-text", "")
	if err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("pulled = %v", m.pulled)
	}
}

func TestEnsureReady_Down(t *testing.T) {
	m := &mockManager{running: false}
	err := EnsureReady(context.Background(), m, io.Discard, "llama3.2")
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Fatalf("expected not running error, got %v", err)
	}
}

func TestEnsureReady_SkipsRemoteProviders(t *testing.T) {
	if err := EnsureReady(context.Background(), NewOpenAIEngine("", "http://127.0.0.1:1"), io.Discard, "m"); err != nil {
		t.Fatalf("remote provider should be skipped: %v", err)
	}
}
