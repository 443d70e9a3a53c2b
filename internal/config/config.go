package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Deployment DeploymentConfig
	Query      QueryConfig
	RateLimit  RateLimitConfig
	Guard      GuardConfig
	Retrieval  RetrievalConfig
	Qdrant     QdrantConfig
	Engine     EngineConfig
	Ollama     OllamaConfig
	OpenAI     OpenAIConfig
	Gemini     GeminiConfig
	Generation GenerationConfig
	Metrics    MetricsConfig
	Storage    StorageConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port              int
	AdminToken        string
	TrustProxyHeaders bool
}

type DeploymentConfig struct {
	Environment string
}

type QueryConfig struct {
	HashSalt string
}

type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
	Store         string // sqlite or memory
	FailurePolicy string // empty derives the policy from Deployment.Environment
}

type GuardConfig struct {
	Mode      string
	RulesFile string
}

type RetrievalConfig struct {
	Backend            string // sqlite or qdrant
	TopK               int
	MinSimilarity      float64
	EmbeddingDimension int
}

type QdrantConfig struct {
	URL        string
	Collection string
	APIKey     string
}

type EngineConfig struct {
	Provider   string // ollama, openai or gemini
	EmbedModel string
	ChatModel  string
}

type OllamaConfig struct {
	BaseURL string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

type GeminiConfig struct {
	APIKey string
}

type GenerationConfig struct {
	MaxTokens   int
	Temperature float64
}

type MetricsConfig struct {
	LogPath     string
	LogMaxLines int
	RingSize    int
	PricingFile string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string // text or json
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Deployment: DeploymentConfig{
			Environment: "development",
		},
		RateLimit: RateLimitConfig{
			Requests:      10,
			WindowSeconds: 60,
			Store:         "sqlite",
		},
		Guard: GuardConfig{
			Mode: "log",
		},
		Retrieval: RetrievalConfig{
			Backend:            "sqlite",
			TopK:               5,
			MinSimilarity:      0.5,
			EmbeddingDimension: 768,
		},
		Qdrant: QdrantConfig{
			URL:        "http://localhost:6333",
			Collection: "ragd",
		},
		Engine: EngineConfig{
			Provider:   "ollama",
			EmbedModel: "nomic-embed-text",
			ChatModel:  "mistral-nemo",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Generation: GenerationConfig{
			MaxTokens:   500,
			Temperature: 0.7,
		},
		Metrics: MetricsConfig{
			LogPath:     filepath.Join(dataDir, "metrics.jsonl"),
			LogMaxLines: 500,
			RingSize:    200,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration in increasing precedence: defaults, the
// JSON file at $XDG_CONFIG_HOME/ragd/config.json, environment variables
// (RAGD_*, including those from a .env file in the working directory).
// Secrets not set in the environment are read from secrets.json in the
// data directory.
//
// Load does not require any key; commands check what they need.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend(), secretsFile{path: secretsFilePath()})
}

// secretStore abstracts the secrets file for testing.
type secretStore interface {
	Get(account string) (string, error)
}

func loadWith(b ConfigBackend, secrets secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg).(string) != "" {
			continue
		}
		if v, err := secrets.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

// loadDotEnv exports the variables in path without overriding ones that
// are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}
