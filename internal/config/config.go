// Package config loads application configuration from file, environment and
// defaults, in that order of increasing precedence for the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full application configuration tree.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Sources SourcesConfig `mapstructure:"sources"`

	HTTP HTTPConfig `mapstructure:"http"`

	Routing   RoutingConfig   `mapstructure:"routing"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	History   HistoryConfig   `mapstructure:"history"`
	Assembler AssemblerConfig `mapstructure:"assembler"`

	Ollama   OllamaConfig   `mapstructure:"ollama"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	VectorDB VectorDBConfig `mapstructure:"vectordb"`
}

// SourcesConfig locates the data source catalog.
type SourcesConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RoutingConfig tunes query classification.
type RoutingConfig struct {
	KeywordThreshold    float64 `mapstructure:"keyword_threshold"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// RetrievalConfig tunes the retrieval coordinator.
type RetrievalConfig struct {
	DefaultTopK   int           `mapstructure:"default_top_k"`
	RecentTopK    int           `mapstructure:"recent_top_k"`
	SourceTimeout time.Duration `mapstructure:"source_timeout"`
}

// HistoryConfig tunes conversation retention.
type HistoryConfig struct {
	MaxTurnsPerUser int           `mapstructure:"max_turns_per_user"`
	MaxRelevant     int           `mapstructure:"max_relevant"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
}

// AssemblerConfig tunes prompt assembly.
type AssemblerConfig struct {
	ContextBudget int `mapstructure:"context_budget"`
	MaxEvidence   int `mapstructure:"max_evidence"`
	MaxHistory    int `mapstructure:"max_history"`
}

// OllamaConfig points at the local Ollama daemon.
type OllamaConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	EmbeddingModel string `mapstructure:"embedding_model"`
	ChatModel      string `mapstructure:"chat_model"`
}

// GeminiConfig configures the Gemini API for chart-capable generation.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// VectorDBConfig selects and configures the vector store backend.
type VectorDBConfig struct {
	Backend    string `mapstructure:"backend"` // "memory" or "qdrant"
	QdrantAddr string `mapstructure:"qdrant_addr"`
}

// Load reads configuration from an optional yaml file plus ROUTERAG_*
// environment variables. An empty path skips the file and uses defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")

	v.SetDefault("sources.path", "configs/sources.yaml")
	v.SetDefault("sources.watch", true)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)

	v.SetDefault("routing.keyword_threshold", 0.25)
	v.SetDefault("routing.similarity_threshold", 0.55)

	v.SetDefault("retrieval.default_top_k", 5)
	v.SetDefault("retrieval.recent_top_k", 20)
	v.SetDefault("retrieval.source_timeout", 3*time.Second)

	v.SetDefault("history.max_turns_per_user", 50)
	v.SetDefault("history.max_relevant", 3)
	v.SetDefault("history.max_age", 720*time.Hour)
	v.SetDefault("history.sqlite_path", "")

	v.SetDefault("assembler.context_budget", 8000)
	v.SetDefault("assembler.max_evidence", 15)
	v.SetDefault("assembler.max_history", 3)

	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.embedding_model", "nomic-embed-text")
	v.SetDefault("ollama.chat_model", "llama3.2")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.0-flash")

	v.SetDefault("vectordb.backend", "memory")
	v.SetDefault("vectordb.qdrant_addr", "localhost:6334")

	v.SetEnvPrefix("ROUTERAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.VectorDB.Backend {
	case "memory", "qdrant":
	default:
		return fmt.Errorf("unknown vectordb backend %q", c.VectorDB.Backend)
	}
	if c.Routing.KeywordThreshold < 0 || c.Routing.KeywordThreshold > 1 {
		return fmt.Errorf("routing.keyword_threshold must be in [0,1], got %v", c.Routing.KeywordThreshold)
	}
	if c.Routing.SimilarityThreshold < 0 || c.Routing.SimilarityThreshold > 1 {
		return fmt.Errorf("routing.similarity_threshold must be in [0,1], got %v", c.Routing.SimilarityThreshold)
	}
	if c.Retrieval.DefaultTopK <= 0 {
		return fmt.Errorf("retrieval.default_top_k must be positive, got %d", c.Retrieval.DefaultTopK)
	}
	if c.History.MaxTurnsPerUser <= 0 {
		return fmt.Errorf("history.max_turns_per_user must be positive, got %d", c.History.MaxTurnsPerUser)
	}
	return nil
}
