package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/ragd/internal/config"
)

// apiClient talks to a running `ragd serve` on the loopback interface.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port),
		token:      cfg.Server.AdminToken,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// serverError is a non-2xx reply, decoded from the error envelope when the
// body carries one.
type serverError struct {
	Status     int
	Type       string
	Message    string
	RetryAfter int
}

func (e *serverError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "server returned %d", e.Status)
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, " (%s)", e.Type)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, ", retry in %ds", e.RetryAfter)
	}
	return b.String()
}

// call sends in as JSON (when non-nil) and decodes a 2xx reply into out
// (when non-nil).
func (c *apiClient) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("server not reachable, is ragd serve running? (%w)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return readServerError(resp)
	}
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func readServerError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &serverError{Status: resp.StatusCode}

	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		RetryAfterSeconds int `json:"retryAfterSeconds"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		e.Type = envelope.Error.Type
		e.Message = envelope.Error.Message
		e.RetryAfter = envelope.RetryAfterSeconds
		return e
	}
	e.Message = strings.TrimSpace(string(raw))
	return e
}
