// Package embeddings provides text encoders for the retrieval index.
package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/Echoxiawan/KBaseCase/internal/config"
	"go.uber.org/zap"
)

// Provider encodes text into fixed-dimension vectors. Implementations are
// safe for concurrent use, so one instance serves every pipeline run.
type Provider interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the vector length, or 0 if unknown until first use.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// NewProvider builds the backend named by cfg.Provider.
func NewProvider(ctx context.Context, cfg config.EmbeddingStrategy, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := NewMetrics(logger)

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{Model: cfg.Model, CacheDir: cfg.CacheDir})
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: cfg.Dimension,
		})
	case "tei":
		p, err = NewTEIProvider(TEIConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Dimension: cfg.Dimension})
	case "hash":
		p, err = NewHashProvider(cfg.Dimension)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return &instrumented{Provider: p, model: modelLabel(cfg), metrics: metrics}, nil
}

func modelLabel(cfg config.EmbeddingStrategy) string {
	if cfg.Model == "" {
		return cfg.Provider
	}
	return cfg.Provider + ":" + cfg.Model
}

// dimensionFromModel guesses a model's output size from its name.
func dimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "large"):
		return 1024
	case strings.Contains(m, "base"):
		return 768
	default:
		return 384
	}
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
	"text-embedding-3-small":                 1536,
	"text-embedding-3-large":                 3072,
	"text-embedding-ada-002":                 1536,
}
