package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that a local provider is reachable and has the given
// models, pulling any that are missing. Providers that do not manage models
// are assumed ready.
func EnsureReady(ctx context.Context, e Engine, w io.Writer, models ...string) error {
	mm, ok := e.(ModelManager)
	if !ok {
		return nil
	}
	if !mm.IsRunning(ctx) {
		return fmt.Errorf("%s is not running; start the backend and retry", e.Name())
	}

	seen := make(map[string]bool, len(models))
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		has, err := mm.HasModel(ctx, model)
		if err != nil {
			return fmt.Errorf("checking model %s: %w", model, err)
		}
		if has {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		if err := mm.PullModel(ctx, model, func(s string) { fmt.Fprintf(w, "  %s\n", s) }); err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}
	return nil
}
