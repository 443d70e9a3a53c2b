package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "RAGD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.admin_token", typ: kString, env: "RAGD_ADMIN_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.AdminToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AdminToken },
	},
	{
		key: "server.trust_proxy_headers", typ: kBool, env: "RAGD_SERVER_TRUST_PROXY_HEADERS",
		apply:   func(cfg *Config, v any) { cfg.Server.TrustProxyHeaders = v.(bool) },
		extract: func(cfg Config) any { return cfg.Server.TrustProxyHeaders },
	},
	{
		key: "deployment.environment", typ: kString, env: "RAGD_ENVIRONMENT",
		apply:   func(cfg *Config, v any) { cfg.Deployment.Environment = v.(string) },
		extract: func(cfg Config) any { return cfg.Deployment.Environment },
	},
	{
		key: "query.hash_salt", typ: kString, env: "RAGD_QUERY_HASH_SALT",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Query.HashSalt = v.(string) },
		extract: func(cfg Config) any { return cfg.Query.HashSalt },
	},
	{
		key: "ratelimit.requests", typ: kInt, env: "RAGD_RATELIMIT_REQUESTS",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Requests = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.Requests },
	},
	{
		key: "ratelimit.window_seconds", typ: kInt, env: "RAGD_RATELIMIT_WINDOW_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.WindowSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.RateLimit.WindowSeconds },
	},
	{
		key: "ratelimit.store", typ: kString, env: "RAGD_RATELIMIT_STORE",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.Store = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.Store },
	},
	{
		key: "ratelimit.failure_policy", typ: kString, env: "RAGD_RATELIMIT_FAILURE_POLICY",
		apply:   func(cfg *Config, v any) { cfg.RateLimit.FailurePolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.RateLimit.FailurePolicy },
	},
	{
		key: "guard.mode", typ: kString, env: "RAGD_GUARD_MODE",
		apply:   func(cfg *Config, v any) { cfg.Guard.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Guard.Mode },
	},
	{
		key: "guard.rules_file", typ: kString, env: "RAGD_GUARD_RULES_FILE",
		apply:   func(cfg *Config, v any) { cfg.Guard.RulesFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Guard.RulesFile },
	},
	{
		key: "retrieval.backend", typ: kString, env: "RAGD_RETRIEVAL_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Retrieval.Backend },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "RAGD_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.min_similarity", typ: kFloat, env: "RAGD_RETRIEVAL_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.MinSimilarity },
	},
	{
		key: "retrieval.embedding_dimension", typ: kInt, env: "RAGD_RETRIEVAL_EMBEDDING_DIMENSION",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbeddingDimension = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbeddingDimension },
	},
	{
		key: "qdrant.url", typ: kString, env: "RAGD_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.URL },
	},
	{
		key: "qdrant.collection", typ: kString, env: "RAGD_QDRANT_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Collection = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.Collection },
	},
	{
		key: "qdrant.api_key", typ: kString, env: "RAGD_QDRANT_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.APIKey },
	},
	{
		key: "engine.provider", typ: kString, env: "RAGD_ENGINE_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Engine.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.Provider },
	},
	{
		key: "engine.embed_model", typ: kString, env: "RAGD_ENGINE_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.EmbedModel },
	},
	{
		key: "engine.chat_model", typ: kString, env: "RAGD_ENGINE_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Engine.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Engine.ChatModel },
	},
	{
		key: "ollama.base_url", typ: kString, env: "RAGD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "openai.base_url", typ: kString, env: "RAGD_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.api_key", typ: kString, env: "RAGD_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "gemini.api_key", typ: kString, env: "RAGD_GEMINI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Gemini.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Gemini.APIKey },
	},
	{
		key: "generation.max_tokens", typ: kInt, env: "RAGD_GENERATION_MAX_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Generation.MaxTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Generation.MaxTokens },
	},
	{
		key: "generation.temperature", typ: kFloat, env: "RAGD_GENERATION_TEMPERATURE",
		apply:   func(cfg *Config, v any) { cfg.Generation.Temperature = v.(float64) },
		extract: func(cfg Config) any { return cfg.Generation.Temperature },
	},
	{
		key: "metrics.log_path", typ: kString, env: "RAGD_METRICS_LOG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Metrics.LogPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Metrics.LogPath },
	},
	{
		key: "metrics.log_max_lines", typ: kInt, env: "RAGD_METRICS_LOG_MAX_LINES",
		apply:   func(cfg *Config, v any) { cfg.Metrics.LogMaxLines = v.(int) },
		extract: func(cfg Config) any { return cfg.Metrics.LogMaxLines },
	},
	{
		key: "metrics.ring_size", typ: kInt, env: "RAGD_METRICS_RING_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Metrics.RingSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Metrics.RingSize },
	},
	{
		key: "metrics.pricing_file", typ: kString, env: "RAGD_METRICS_PRICING_FILE",
		apply:   func(cfg *Config, v any) { cfg.Metrics.PricingFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Metrics.PricingFile },
	},
	{
		key: "storage.data_dir", typ: kString, env: "RAGD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "RAGD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "RAGD_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
}

// parse converts a raw config-file or environment value to the key's type.
func (t keyType) parse(raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}

// applyBackend copies non-secret keys from the config file. A value of the
// wrong type is an error: the file is edited by `ragd config set`, which
// validates, so a bad value means hand editing went wrong.
func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		var (
			v   any
			ok  bool
			err error
		)
		if s.typ == kInt {
			v, ok, err = b.GetInt(s.key)
		} else {
			var raw string
			raw, ok, err = b.GetString(s.key)
			if ok && err == nil {
				v, err = s.typ.parse(raw)
			}
		}
		if err != nil {
			return fmt.Errorf("config file key %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

// applyEnvOverrides applies RAGD_* variables. Unparseable values are
// logged and skipped so a typo in the shell does not stop the server.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw, set := os.LookupEnv(s.env)
		if !set || raw == "" {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			slog.Warn("ignoring environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
