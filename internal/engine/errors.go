package engine

import (
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"

	"github.com/kalambet/ragd/internal/ollama"
	"github.com/kalambet/ragd/internal/openai"
)

// ProviderError is returned by every adapter when a provider call fails.
// When the provider answered with an error status the message carries only
// that status: providers echo request text back in their error bodies, and
// the request text here is the user's query.
type ProviderError struct {
	Provider string
	Op       string // "chat" or "embed"
	Status   int    // 0 when no HTTP status was received
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: provider returned status %d", e.Provider, e.Op, e.Status)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func providerError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Status: statusOf(err), Err: err}
}

// statusOf finds the HTTP status in any of the client error types.
func statusOf(err error) int {
	var oe *openai.StatusError
	if errors.As(err, &oe) {
		return oe.Status
	}
	var le *ollama.StatusError
	if errors.As(err, &le) {
		return le.Code
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	var coded interface{ HTTPCode() int }
	if errors.As(err, &coded) && coded.HTTPCode() > 0 {
		return coded.HTTPCode()
	}
	return 0
}
