// Package embedding turns text into vectors for the Vector Source.
package embedding

import (
	"context"
	"fmt"

	"github.com/hyperjump/hybridrag/internal/config"
)

// Embedder produces vector embeddings for text. The corpus and the queries must be
// embedded by the same Embedder for similarity scores to mean anything.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// New builds the configured embedder, wrapped in an LRU cache when cache_size > 0.
func New(cfg config.EmbeddingConfig) (Embedder, error) {
	var inner Embedder
	switch cfg.Provider {
	case config.ProviderMock:
		inner = NewMockEmbedder(cfg.Dimensions)
	case config.ProviderOpenAI, "":
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.BaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
		if err != nil {
			return nil, err
		}
		inner = e
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cfg.CacheSize > 0 {
		return NewCachedEmbedder(inner, cfg.CacheSize), nil
	}
	return inner, nil
}
