// Package config provides configuration loading for kbasecase.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	LLM        LLMConfig        `koanf:"llm"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Knowledge  KnowledgeConfig  `koanf:"knowledge"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// MaxConcurrent bounds simultaneous pipeline runs.
	MaxConcurrent int64 `koanf:"max_concurrent"`
	// MaxBodyBytes bounds request bodies (documents are sent inline).
	MaxBodyBytes string `koanf:"max_body"`
}

// PipelineConfig holds the generation pipeline tunables.
type PipelineConfig struct {
	MaxTotalTokens    int     `koanf:"max_total_tokens"`
	ChunkSize         int     `koanf:"chunk_size"`
	ChunkOverlap      int     `koanf:"chunk_overlap"`
	DefaultTopK       int     `koanf:"default_top_k"`
	DraftTemperature  float64 `koanf:"draft_temperature"`
	ReviewTemperature float64 `koanf:"review_temperature"`
	TargetCaseCount   int     `koanf:"target_case_count"`

	ContextRatio       float64 `koanf:"context_ratio"`
	LongDocumentRatio  float64 `koanf:"long_document_ratio"`
	PromptCeilingRatio float64 `koanf:"prompt_ceiling_ratio"`
	ReviewFloorRatio   float64 `koanf:"review_floor_ratio"`
	PromptOverhead     int     `koanf:"prompt_overhead"`
	MinViableBudget    int     `koanf:"min_viable_budget"`
	MinQueryTokens     int     `koanf:"min_query_tokens"`
	SnippetMaxTokens   int     `koanf:"snippet_max_tokens"`
	MaxQueries         int     `koanf:"max_queries"`
	SummaryMaxChars    int     `koanf:"summary_max_chars"`

	BaseQueries []string `koanf:"base_queries"`
	LLMTimeout  Duration `koanf:"llm_timeout"`
}

// LLMConfig configures the OpenAI-compatible completion endpoint.
type LLMConfig struct {
	BaseURL    string   `koanf:"base_url"`
	Model      string   `koanf:"model"`
	APIKey     Secret   `koanf:"api_key"`
	Timeout    Duration `koanf:"timeout"`
	RateLimit  float64  `koanf:"rate_limit"` // requests per second
	Burst      int      `koanf:"burst"`
	MaxRetries int      `koanf:"max_retries"`
}

// EmbeddingsConfig lists encoder backends in fallback order.
type EmbeddingsConfig struct {
	Strategies []EmbeddingStrategy `koanf:"strategies"`
}

// EmbeddingStrategy is one rung of the encoder fallback ladder.
type EmbeddingStrategy struct {
	Provider  string `koanf:"provider"` // fastembed, openai, tei, hash
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// KnowledgeConfig selects and configures the knowledge-base backend.
type KnowledgeConfig struct {
	Provider string `koanf:"provider"` // dify, local, qdrant, none
	// Required turns knowledge-base failures into pipeline errors.
	Required bool         `koanf:"required"`
	Dify     DifyConfig   `koanf:"dify"`
	Local    LocalConfig  `koanf:"local"`
	Qdrant   QdrantConfig `koanf:"qdrant"`
}

// DifyConfig configures the Dify dataset retrieval API.
type DifyConfig struct {
	BaseURL          string   `koanf:"base_url"`
	APIKey           Secret   `koanf:"api_key"`
	DatasetID        string   `koanf:"dataset_id"`
	TopK             int      `koanf:"top_k"`
	SearchMethod     string   `koanf:"search_method"`
	RerankingEnabled bool     `koanf:"reranking_enabled"`
	ScoreThreshold   float64  `koanf:"score_threshold"`
	Timeout          Duration `koanf:"timeout"`
}

// LocalConfig configures the embedded chromem knowledge base.
type LocalConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant knowledge base.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Collection string `koanf:"collection"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
}

// LoggingConfig is the subset of logging settings exposed in the config file.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // grpc or http
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// DefaultBaseQueries are the generic retrieval topics used for long documents.
var DefaultBaseQueries = []string{
	"functional requirements",
	"user interface requirements",
	"data processing flow",
	"system interaction",
	"error handling",
	"performance requirements",
}

// Default returns the configuration with every default applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: Duration(10 * time.Second),
			MaxConcurrent:   4,
			MaxBodyBytes:    "20M",
		},
		Pipeline: PipelineConfig{
			MaxTotalTokens:     4096,
			ChunkSize:          1000,
			ChunkOverlap:       200,
			DefaultTopK:        5,
			DraftTemperature:   0.7,
			ReviewTemperature:  0.5,
			TargetCaseCount:    100,
			ContextRatio:       0.7,
			LongDocumentRatio:  0.6,
			PromptCeilingRatio: 0.75,
			ReviewFloorRatio:   0.3,
			PromptOverhead:     500,
			MinViableBudget:    500,
			MinQueryTokens:     500,
			SnippetMaxTokens:   500,
			MaxQueries:         15,
			SummaryMaxChars:    200,
			LLMTimeout:         Duration(120 * time.Second),
		},
		LLM: LLMConfig{
			BaseURL:    "https://api.openai.com/v1",
			Model:      "gpt-3.5-turbo",
			Timeout:    Duration(60 * time.Second),
			RateLimit:  1,
			Burst:      5,
			MaxRetries: 3,
		},
		Knowledge: KnowledgeConfig{
			Provider: "dify",
			Dify: DifyConfig{
				BaseURL:          "https://api.dify.ai/v1",
				TopK:             10,
				SearchMethod:     "hybrid_search",
				RerankingEnabled: true,
				ScoreThreshold:   0.05,
				Timeout:          Duration(30 * time.Second),
			},
			Local: LocalConfig{
				Collection: "knowledge",
			},
			Qdrant: QdrantConfig{
				Host:       "localhost",
				Port:       6334,
				Collection: "knowledge",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "kbasecase",
			SampleRate:     1.0,
			ExportInterval: Duration(15 * time.Second),
		},
	}
}

// DefaultEmbeddingStrategies is the fallback ladder used when none is
// configured: local ONNX model first, then the offline hashing encoder.
func DefaultEmbeddingStrategies() []EmbeddingStrategy {
	return []EmbeddingStrategy{
		{Provider: "fastembed", Model: "BAAI/bge-small-en-v1.5"},
		{Provider: "hash", Dimension: 384},
	}
}

// applyDefaults fills list-valued settings left empty after loading.
func applyDefaults(cfg *Config) {
	if len(cfg.Pipeline.BaseQueries) == 0 {
		cfg.Pipeline.BaseQueries = append([]string(nil), DefaultBaseQueries...)
	}
	if len(cfg.Embeddings.Strategies) == 0 {
		cfg.Embeddings.Strategies = DefaultEmbeddingStrategies()
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port))
	}
	if c.Server.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("server.max_concurrent must be >= 1, got %d", c.Server.MaxConcurrent))
	}

	p := c.Pipeline
	if p.MaxTotalTokens <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_total_tokens must be > 0, got %d", p.MaxTotalTokens))
	}
	if p.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.chunk_size must be > 0, got %d", p.ChunkSize))
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		errs = append(errs, fmt.Errorf("pipeline.chunk_overlap must be in [0, chunk_size), got %d", p.ChunkOverlap))
	}
	if p.DefaultTopK <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.default_top_k must be > 0, got %d", p.DefaultTopK))
	}
	for name, v := range map[string]float64{
		"context_ratio":        p.ContextRatio,
		"long_document_ratio":  p.LongDocumentRatio,
		"prompt_ceiling_ratio": p.PromptCeilingRatio,
		"review_floor_ratio":   p.ReviewFloorRatio,
	} {
		if v <= 0 || v > 1 {
			errs = append(errs, fmt.Errorf("pipeline.%s must be in (0, 1], got %v", name, v))
		}
	}
	if p.DraftTemperature < 0 || p.ReviewTemperature < 0 {
		errs = append(errs, errors.New("pipeline temperatures must be >= 0"))
	}
	if p.MaxQueries <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_queries must be > 0, got %d", p.MaxQueries))
	}

	switch c.Knowledge.Provider {
	case "none", "local", "qdrant":
	case "dify":
		if c.Knowledge.Required && c.Knowledge.Dify.DatasetID == "" {
			errs = append(errs, errors.New("knowledge.dify.dataset_id is required when knowledge.required is set"))
		}
	default:
		errs = append(errs, fmt.Errorf("knowledge.provider must be dify, local, qdrant or none, got %q", c.Knowledge.Provider))
	}

	for i, s := range c.Embeddings.Strategies {
		switch s.Provider {
		case "fastembed", "openai", "tei", "hash":
		default:
			errs = append(errs, fmt.Errorf("embeddings.strategies[%d].provider %q is not supported", i, s.Provider))
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
