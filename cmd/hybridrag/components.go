package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/hybridrag/internal/config"
	"github.com/hyperjump/hybridrag/internal/embedding"
	"github.com/hyperjump/hybridrag/internal/ingest"
	"github.com/hyperjump/hybridrag/internal/keyword"
	"github.com/hyperjump/hybridrag/internal/observability"
	"github.com/hyperjump/hybridrag/internal/resilience"
	"github.com/hyperjump/hybridrag/internal/search"
	"github.com/hyperjump/hybridrag/internal/storage"
	"github.com/hyperjump/hybridrag/internal/vector"
)

// Components holds initialized services.
type Components struct {
	Config   *config.Config
	Storage  storage.Store
	Embedder embedding.Embedder
	Vectors  vector.VectorIndex
	// Keywords is nil when the store does its own full-text search.
	Keywords keyword.KeywordIndex
	Engine   *search.Engine
	Executor *resilience.Executor
	Metrics  *observability.Metrics
	logger   *zap.Logger
}

// Close releases every handle. The vector index is not saved here; call SaveVectors
// after writes.
func (c *Components) Close() {
	if c.Keywords != nil {
		_ = c.Keywords.Close()
	}
	if c.Vectors != nil {
		_ = c.Vectors.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
}

// SaveVectors persists the vector index to its configured path.
func (c *Components) SaveVectors() error {
	path := c.Config.Storage.VectorIndexPath
	if path == "" || c.Vectors == nil {
		return nil
	}
	if err := c.Vectors.Save(path); err != nil {
		return fmt.Errorf("failed to save vector index: %w", err)
	}
	c.logger.Debug("vector index saved", zap.String("path", path), zap.Int("size", c.Vectors.Size()))
	return nil
}

// Ingester builds an ingester over the components' store and indices.
func (c *Components) Ingester(opts ...ingest.Option) *ingest.Ingester {
	base := []ingest.Option{
		ingest.WithLogger(c.logger),
		ingest.WithExecutor(c.Executor),
		ingest.WithBatchSize(c.Config.Embedding.BatchSize),
	}
	return ingest.NewIngester(c.Storage, c.Embedder, c.Vectors, c.Keywords, append(base, opts...)...)
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		return storage.OpenPostgres(ctx, cfg.Storage.PostgresDSN)
	default:
		return storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	}
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Components, error) {
	c := &Components{
		Config:  cfg,
		Metrics: observability.NewMetrics(),
		logger:  logger,
	}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.Embedder = embedder

	vectors, err := vector.Open(ctx, cfg.Storage.VectorIndexPath, cfg.Embedding.Dimensions, store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	c.Vectors = vectors

	var keywordSrc search.Source
	switch cfg.Retrieval.KeywordBackend {
	case config.KeywordPostgres:
		searcher, isSearcher := store.(storage.TextSearcher)
		if !isSearcher {
			return nil, fmt.Errorf("storage driver %q has no full-text search", cfg.Storage.Driver)
		}
		keywordSrc = search.NewTextSearchSource(searcher)
	default:
		kw, err := keyword.NewBleveIndex(cfg.Storage.BleveIndexPath, keyword.Options{Analyzer: cfg.Retrieval.Analyzer})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
		}
		c.Keywords = kw
		keywordSrc = search.NewKeywordSource(kw)
	}

	c.Executor = resilience.NewExecutor(resilience.PolicyFromConfig(cfg.Resilience), resilience.WithLogger(logger))
	c.Engine = search.NewEngine(
		search.NewVectorSource(embedder, vectors),
		keywordSrc,
		cfg.Retrieval,
		search.WithLogger(logger),
		search.WithExecutor(c.Executor),
		search.WithMetrics(c.Metrics),
	)
	logger.Debug("components initialized",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("keyword_backend", cfg.Retrieval.KeywordBackend),
		zap.String("embedding_provider", cfg.Embedding.Provider),
		zap.Int("vector_index_size", vectors.Size()))
	ok = true
	return c, nil
}
