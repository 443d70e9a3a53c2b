// Package pipeline runs one answer request end to end: rate limit,
// validation, fingerprint, prompt guard, retrieval, generation and
// citations, finalizing a metrics sample on every path.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/ragd/internal/composer"
	apperrors "github.com/kalambet/ragd/internal/errors"
	"github.com/kalambet/ragd/internal/fingerprint"
	"github.com/kalambet/ragd/internal/generation"
	"github.com/kalambet/ragd/internal/guard"
	"github.com/kalambet/ragd/internal/metrics"
	"github.com/kalambet/ragd/internal/ratelimit"
	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/schema"
	"github.com/kalambet/ragd/internal/telemetry"
)

const (
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.5
)

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

type Fingerprinter interface {
	Fingerprint(q string) (fingerprint.Fingerprint, error)
}

// Screener is satisfied by *guard.Guard.
type Screener interface {
	Evaluate(ctx context.Context, query, qHash string) guard.Verdict
	Mode() guard.Mode
}

type PassageRetriever interface {
	Retrieve(ctx context.Context, query string, matchCount int, minSimilarity float64, report func(time.Duration)) ([]retrieval.Passage, error)
}

type AnswerGenerator interface {
	Generate(ctx context.Context, query string, contexts []string) (generation.Answer, error)
}

// Deps wires an Orchestrator. Logger may be nil. A nil Sink writes events
// to Logger.
type Deps struct {
	Limiter       RateLimiter
	Hasher        Fingerprinter
	Guard         Screener
	Retriever     PassageRetriever
	Generator     AnswerGenerator
	Tracker       *metrics.Tracker
	Sink          telemetry.Sink
	Logger        *slog.Logger
	TopK          int
	MinSimilarity float64
}

// Request is one answer request. ClientID keys the rate limiter.
type Request struct {
	ClientID string
	Body     []byte
}

// Result is everything the transport needs to respond. Body is an
// *AnswerResponse when Status is 200 and an *ErrorResponse otherwise.
type Result struct {
	Status    int
	Body      any
	RateLimit ratelimit.Decision
	Sample    metrics.Sample
}

type Orchestrator struct {
	limiter       RateLimiter
	hasher        Fingerprinter
	guard         Screener
	retriever     PassageRetriever
	generator     AnswerGenerator
	tracker       *metrics.Tracker
	sink          telemetry.Sink
	logger        *slog.Logger
	topK          int
	minSimilarity float64
}

func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Sink == nil {
		d.Sink = telemetry.NewLogSink(d.Logger)
	}
	if d.TopK <= 0 {
		d.TopK = DefaultTopK
	}
	return &Orchestrator{
		limiter:       d.Limiter,
		hasher:        d.Hasher,
		guard:         d.Guard,
		retriever:     d.Retriever,
		generator:     d.Generator,
		tracker:       d.Tracker,
		sink:          d.Sink,
		logger:        d.Logger,
		topK:          d.TopK,
		minSimilarity: d.MinSimilarity,
	}
}

// Ask runs query through Handle as if it arrived as a JSON body.
func (o *Orchestrator) Ask(ctx context.Context, clientID, query string) Result {
	body, _ := json.Marshal(map[string]string{"query": query})
	return o.Handle(ctx, Request{ClientID: clientID, Body: body})
}

// Handle runs the stages in order and stops at the first failure. The
// metrics sample is finalized exactly once whatever the outcome, and is
// successful only when Status is 200.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (res Result) {
	h := o.tracker.Start("")
	defer func() { res.Sample = h.Finalize() }()

	decision, err := o.limiter.Allow(ctx, req.ClientID)
	res.RateLimit = decision
	if err != nil {
		return o.fail(ctx, h, res, err, "", "")
	}
	if !decision.Allowed {
		res = o.fail(ctx, h, res, ratelimit.Denied(decision), "", "")
		secs := decision.RetryAfterSeconds()
		body := res.Body.(*ErrorResponse)
		body.RetryAfterSeconds = &secs
		body.Error.Details = map[string]int{"limit": decision.Limit}
		return res
	}

	query, err := schema.ValidateAnswerRequest(req.Body)
	if err != nil {
		return o.fail(ctx, h, res, err, "", "")
	}

	fp, err := o.hasher.Fingerprint(query)
	if err != nil {
		return o.fail(ctx, h, res, err, query, "")
	}
	h.SetQueryHash(fp.Hash)

	verdict := o.guard.Evaluate(ctx, query, fp.Hash)
	if guard.ShouldBlock(verdict, o.guard.Mode()) {
		blocked := apperrors.Reject("query", apperrors.CodeGuardBlocked, "query was rejected by the content policy")
		return o.fail(ctx, h, res, blocked, query, fp.Hash)
	}

	passages, err := o.retriever.Retrieve(ctx, query, o.topK, o.minSimilarity, h.RecordRetrievalLatency)
	if err != nil {
		return o.fail(ctx, h, res, err, query, fp.Hash)
	}
	h.SetPassageCount(len(passages))

	if len(passages) == 0 {
		h.MarkSuccess()
		res.Status = http.StatusOK
		res.Body = &AnswerResponse{
			Answer:    NoMatchAnswer,
			Citations: composer.Citations(nil),
			QueryHash: fp.Hash,
			QueryLen:  fp.Length,
		}
		return res
	}

	answer, err := o.generator.Generate(ctx, query, composer.Assemble(passages))
	if err != nil {
		return o.fail(ctx, h, res, err, query, fp.Hash)
	}
	u := answer.Usage
	h.SetTokenUsage(answer.Model, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	h.MarkSuccess()

	out := &AnswerResponse{
		Answer:    answer.Text,
		Citations: composer.Citations(passages),
		QueryHash: fp.Hash,
		QueryLen:  fp.Length,
	}
	if u.TotalTokens > 0 {
		tokens := u.TotalTokens
		out.TokensUsed = &tokens
	}
	res.Status = http.StatusOK
	res.Body = out
	return res
}

// fail marks the sample failed and renders err. Server-side failures go to
// the telemetry sink with the cause scrubbed of query; the client sees
// only the classified hint. Provider errors never carry response bodies,
// so a provider echoing part of the query cannot reach the sink.
func (o *Orchestrator) fail(ctx context.Context, h *metrics.Handle, res Result, err error, query, qHash string) Result {
	status, body := errorResponse(err)
	code := apperrors.CodeOf(err)
	if code == "" {
		code = string(body.Error.Type)
	}
	h.MarkFailure(code)

	if status >= http.StatusInternalServerError {
		o.sink.Event(ctx, slog.LevelError, "pipeline", "answer request failed", map[string]any{
			"q_hash": qHash,
			"code":   code,
			"status": status,
			"error":  scrub(err.Error(), query),
		})
	} else {
		o.logger.Debug("answer request rejected", "q_hash", qHash, "code", code, "status", status)
	}

	res.Status = status
	res.Body = body
	return res
}

func scrub(msg, query string) string {
	if query == "" {
		return msg
	}
	return strings.ReplaceAll(msg, query, "[query]")
}
