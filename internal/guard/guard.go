// Package guard screens queries against a table of prompt-injection
// patterns.
//
// This is a heuristic filter. It catches common phrasings of instruction
// override and markup injection and nothing more; paraphrases and
// encodings will pass. It is not a security boundary.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/ragd/internal/telemetry"
)

// Category is the telemetry category used for guard events.
const Category = "prompt_guard"

type Mode string

const (
	ModeLog   Mode = "log"
	ModeBlock Mode = "block"
)

// ParseMode accepts "log" or "block". Empty means log.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLog:
		return ModeLog, nil
	case ModeBlock:
		return ModeBlock, nil
	default:
		return "", fmt.Errorf("unknown guard mode %q (want log or block)", s)
	}
}

// Verdict is computed once per request and never persisted.
type Verdict struct {
	Flagged  bool
	Triggers []string
}

// ShouldBlock reports whether v must stop the request under mode.
func ShouldBlock(v Verdict, mode Mode) bool {
	return v.Flagged && mode == ModeBlock
}

type Guard struct {
	rules   []compiledRule
	version string
	digest  string
	mode    Mode
	sink    telemetry.Sink
}

// New compiles rs. A nil sink discards events.
func New(rs RuleSet, mode Mode, sink telemetry.Sink) (*Guard, error) {
	compiled, err := compile(rs)
	if err != nil {
		return nil, err
	}
	digest, err := rs.Digest()
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = telemetry.Discard
	}
	return &Guard{
		rules:   compiled,
		version: rs.Version,
		digest:  digest,
		mode:    mode,
		sink:    sink,
	}, nil
}

func (g *Guard) Mode() Mode      { return g.mode }
func (g *Guard) Version() string { return g.version }
func (g *Guard) Digest() string  { return g.digest }
func (g *Guard) RuleCount() int  { return len(g.rules) }

// Evaluate runs every rule against query in table order. When anything
// matches, a warning carrying the trigger labels and qHash is sent to the
// sink. The query itself is never forwarded.
func (g *Guard) Evaluate(ctx context.Context, query, qHash string) Verdict {
	var triggers []string
	for _, r := range g.rules {
		if r.re.MatchString(query) {
			triggers = append(triggers, r.label)
		}
	}
	v := Verdict{Flagged: len(triggers) > 0, Triggers: triggers}
	if v.Flagged {
		g.sink.Event(ctx, slog.LevelWarn, Category, "prompt flagged by guard", map[string]any{
			"q_hash":        qHash,
			"triggers":      triggers,
			"mode":          string(g.mode),
			"rules_version": g.version,
		})
	}
	return v
}
