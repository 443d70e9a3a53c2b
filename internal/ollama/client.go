package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message represents a chat message in the Ollama API format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the sampling parameters Ollama accepts per request.
type Options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatResult is the assistant reply plus the token counts Ollama reports.
type ChatResult struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Client communicates with an Ollama instance over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given Ollama base URL. Requests are
// bounded by the caller's context; the client itself sets no timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
}

// StatusError is a non-200 reply. Message is Ollama's {"error": ...} text
// when the body has one; it can quote the request, so Error omits it.
type StatusError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama %s: status %d", e.Endpoint, e.Code)
}

// send issues a request with an optional JSON body and returns the
// response only when it is a 200.
func (c *Client) send(ctx context.Context, method, endpoint string, in any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("ollama %s: encoding request: %w", endpoint, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama %s: %w", endpoint, err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()

	se := &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
	var eb struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&eb) == nil {
		se.Message = eb.Error
	}
	return nil, se
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, in, out any) error {
	resp, err := c.send(ctx, method, endpoint, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ollama %s: decoding response: %w", endpoint, err)
	}
	return nil
}

// IsRunning reports whether the server answers /api/tags within two seconds.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	resp, err := c.send(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// HasModel reports whether name is present locally. An untagged name
// matches any tag of that model.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	var tags tagsResponse
	if err := c.roundTrip(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		return false, err
	}
	for _, m := range tags.Models {
		base, _, _ := strings.Cut(m.Name, ":")
		if m.Name == name || base == name {
			return true, nil
		}
	}
	return false, nil
}

// PullModel downloads a model, passing each progress status to status
// (which may be nil), and returns when the stream ends.
func (c *Client) PullModel(ctx context.Context, name string, status func(string)) error {
	resp, err := c.send(ctx, http.MethodPost, "/api/pull", map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	dec := json.NewDecoder(resp.Body)
	for {
		var progress struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		}
		err := dec.Decode(&progress)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ollama /api/pull: reading progress: %w", err)
		}
		if progress.Error != "" {
			return fmt.Errorf("pulling %s: %s", name, progress.Error)
		}
		if status != nil {
			status(progress.Status)
		}
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

type chatResponse struct {
	Message         Message `json:"message"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

// Chat runs one non-streaming completion.
func (c *Client) Chat(ctx context.Context, model string, messages []Message, opts *Options) (ChatResult, error) {
	var out chatResponse
	in := chatRequest{Model: model, Messages: messages, Options: opts}
	if err := c.roundTrip(ctx, http.MethodPost, "/api/chat", in, &out); err != nil {
		return ChatResult{}, err
	}
	return ChatResult{
		Content:          out.Message.Content,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns the vector for a single input.
func (c *Client) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	var out embedResponse
	if err := c.roundTrip(ctx, http.MethodPost, "/api/embed", embedRequest{Model: model, Input: text}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) == 0 || len(out.Embeddings[0]) == 0 {
		return nil, errors.New("ollama /api/embed: no embedding returned")
	}
	return out.Embeddings[0], nil
}
