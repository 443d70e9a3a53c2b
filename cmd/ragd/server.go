package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ragd/internal/api"
	"github.com/kalambet/ragd/internal/config"
	"github.com/kalambet/ragd/internal/engine"
	"github.com/kalambet/ragd/internal/fingerprint"
	"github.com/kalambet/ragd/internal/generation"
	"github.com/kalambet/ragd/internal/guard"
	"github.com/kalambet/ragd/internal/ingest"
	"github.com/kalambet/ragd/internal/metrics"
	"github.com/kalambet/ragd/internal/pipeline"
	"github.com/kalambet/ragd/internal/ratelimit"
	"github.com/kalambet/ragd/internal/retrieval"
	"github.com/kalambet/ragd/internal/storage"
	"github.com/kalambet/ragd/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the answer server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

// newLogger builds the process logger from log.level and log.format.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// knowledgeBase is the storage, model and vector-store half of the
// service. serve, mcp and the kb commands all start from it.
type knowledgeBase struct {
	store    *storage.Store
	engine   engine.Engine
	embedder *retrieval.Embedder
	vectors  retrieval.VectorStore
	hasher   *fingerprint.Hasher
	ingester *ingest.Ingester
}

func (kb *knowledgeBase) Close() {
	if c, ok := kb.engine.(io.Closer); ok {
		c.Close()
	}
	if err := kb.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

// admin exposes the knowledge base to the HTTP and MCP surfaces.
func (kb *knowledgeBase) admin() api.KnowledgeBase {
	return struct {
		*ingest.Ingester
		*storage.Store
	}{kb.ingester, kb.store}
}

// openKnowledgeBase fails fast when the salt is missing: every document
// and query fingerprint depends on it.
func openKnowledgeBase(ctx context.Context, cfg config.Config, logger *slog.Logger) (*knowledgeBase, error) {
	hasher, err := fingerprint.New(cfg.Query.HashSalt)
	if err != nil {
		return nil, fmt.Errorf("%w (set RAGD_QUERY_HASH_SALT or run: ragd config set query.hash_salt <value>)", err)
	}

	eng, err := engine.New(ctx, engine.Config{
		Provider:      cfg.Engine.Provider,
		OllamaBaseURL: cfg.Ollama.BaseURL,
		OpenAIBaseURL: cfg.OpenAI.BaseURL,
		OpenAIAPIKey:  cfg.OpenAI.APIKey,
		GeminiAPIKey:  cfg.Gemini.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		if c, ok := eng.(io.Closer); ok {
			c.Close()
		}
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	kb := &knowledgeBase{
		store:    store,
		engine:   eng,
		embedder: retrieval.NewEmbedder(eng, cfg.Engine.EmbedModel, cfg.Retrieval.EmbeddingDimension),
		hasher:   hasher,
	}

	switch cfg.Retrieval.Backend {
	case "", "sqlite":
		kb.vectors = retrieval.NewSQLiteStore(store.DB())
	case "qdrant":
		q := retrieval.NewQdrantStore(retrieval.QdrantConfig{
			URL:        cfg.Qdrant.URL,
			APIKey:     cfg.Qdrant.APIKey,
			Collection: cfg.Qdrant.Collection,
		})
		if err := q.EnsureCollection(ctx, cfg.Retrieval.EmbeddingDimension); err != nil {
			kb.Close()
			return nil, fmt.Errorf("preparing qdrant collection: %w", err)
		}
		kb.vectors = q
	default:
		kb.Close()
		return nil, fmt.Errorf("unknown retrieval backend %q (want sqlite or qdrant)", cfg.Retrieval.Backend)
	}

	kb.ingester = ingest.New(store, hasher, kb.embedder, kb.vectors, nil, logger)
	return kb, nil
}

// newLimiter resolves the backend and failure policy. With no explicit
// policy, production fails closed and everything else fails open.
func newLimiter(cfg config.Config, db *storage.Store, logger *slog.Logger) (*ratelimit.Limiter, error) {
	policy := ratelimit.PolicyForEnvironment(cfg.Deployment.Environment)
	if cfg.RateLimit.FailurePolicy != "" {
		p, err := ratelimit.ParsePolicy(cfg.RateLimit.FailurePolicy)
		if err != nil {
			return nil, err
		}
		policy = p
	}

	window := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
	var primary, fallback ratelimit.Backend
	switch cfg.RateLimit.Store {
	case "", "sqlite":
		primary = ratelimit.NewSQLiteWindow(db.DB(), cfg.RateLimit.Requests, window)
		if policy == ratelimit.FailOpen {
			fallback = ratelimit.NewLocal(cfg.RateLimit.Requests, window)
		}
	case "memory":
		primary = ratelimit.NewLocal(cfg.RateLimit.Requests, window)
	default:
		return nil, fmt.Errorf("unknown rate limit store %q (want sqlite or memory)", cfg.RateLimit.Store)
	}

	logger.Info("rate limiting", "store", cfg.RateLimit.Store, "limit", cfg.RateLimit.Requests,
		"window", window, "policy", policy.String())
	return ratelimit.New(primary, fallback, policy, cfg.RateLimit.Requests, logger), nil
}

func newGuard(cfg config.Config, sink telemetry.Sink, logger *slog.Logger) (*guard.Guard, error) {
	mode, err := guard.ParseMode(cfg.Guard.Mode)
	if err != nil {
		return nil, err
	}
	rules := guard.DefaultRules()
	if cfg.Guard.RulesFile != "" {
		if rules, err = guard.LoadRuleFile(cfg.Guard.RulesFile); err != nil {
			return nil, err
		}
	}
	g, err := guard.New(rules, mode, sink)
	if err != nil {
		return nil, err
	}
	logger.Info("prompt guard", "mode", g.Mode(), "rules_version", g.Version(),
		"rules_digest", g.Digest(), "rules", g.RuleCount())
	return g, nil
}

// newOrchestrator wires the answer pipeline on top of kb. The returned
// tracker must be closed to flush the metrics log.
func newOrchestrator(cfg config.Config, kb *knowledgeBase, logger *slog.Logger) (*pipeline.Orchestrator, *metrics.Tracker, error) {
	sink := telemetry.NewLogSink(logger)

	limiter, err := newLimiter(cfg, kb.store, logger)
	if err != nil {
		return nil, nil, err
	}
	g, err := newGuard(cfg, sink, logger)
	if err != nil {
		return nil, nil, err
	}

	tracker := metrics.NewTracker(metrics.Options{
		RingSize:    cfg.Metrics.RingSize,
		LogPath:     cfg.Metrics.LogPath,
		LogMaxLines: cfg.Metrics.LogMaxLines,
		Estimator:   metrics.ResolveEstimator(cfg.Metrics.PricingFile, logger),
		Logger:      logger,
		Sink:        sink,
	})

	orch := pipeline.New(pipeline.Deps{
		Limiter:       limiter,
		Hasher:        kb.hasher,
		Guard:         g,
		Retriever:     retrieval.NewRetriever(kb.embedder, kb.vectors),
		Generator:     generation.New(kb.engine, cfg.Engine.ChatModel, cfg.Generation.MaxTokens, cfg.Generation.Temperature),
		Tracker:       tracker,
		Sink:          sink,
		Logger:        logger,
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: cfg.Retrieval.MinSimilarity,
	})
	return orch, tracker, nil
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "ragd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kb, err := openKnowledgeBase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer kb.Close()

	if err := engine.EnsureReady(ctx, kb.engine, os.Stderr, cfg.Engine.EmbedModel, cfg.Engine.ChatModel); err != nil {
		return err
	}

	orch, tracker, err := newOrchestrator(cfg, kb, logger)
	if err != nil {
		return err
	}
	defer tracker.Close()

	if cfg.Server.AdminToken == "" {
		printWarning("server.admin_token is not set: metrics endpoints are open and knowledge-base endpoints are disabled")
	}

	handler := api.NewRouter(api.Deps{
		Answerer:          orch,
		Metrics:           tracker,
		KB:                kb.admin(),
		AdminToken:        cfg.Server.AdminToken,
		HTTPClient:        &http.Client{Timeout: 15 * time.Second},
		Logger:            logger,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	worker := ingest.NewWorker(kb.store, kb.ingester, 500*time.Millisecond)
	go worker.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ragd listening", "addr", addr, "engine", kb.engine.Name(), "retrieval", cfg.Retrieval.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
