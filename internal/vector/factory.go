package vector

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// EmbeddingSource yields stored document embeddings. storage.Store satisfies it.
type EmbeddingSource interface {
	ForEachEmbedding(ctx context.Context, fn func(id string, vec []float32) error) error
}

// rebuildBatch bounds how many vectors are buffered per Upsert during a rebuild.
const rebuildBatch = 512

// Open returns a MemoryIndex loaded from path. When the file is missing or unreadable the
// index is rebuilt from src and saved back to path.
func Open(ctx context.Context, path string, dimensions int, src EmbeddingSource, logger *zap.Logger) (*MemoryIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx, err := NewMemoryIndex(dimensions)
	if err != nil {
		return nil, err
	}
	if path != "" {
		err := idx.Load(path)
		if err == nil {
			logger.Debug("loaded vector index", zap.String("path", path), zap.Int("size", idx.Size()))
			return idx, nil
		}
		if !errors.Is(err, ErrNoIndexFile) {
			logger.Warn("vector index unreadable, rebuilding", zap.String("path", path), zap.Error(err))
		}
	}
	if src == nil {
		return idx, nil
	}
	if err := Rebuild(ctx, idx, src); err != nil {
		return nil, err
	}
	logger.Info("rebuilt vector index from store", zap.Int("size", idx.Size()))
	if err := idx.Save(path); err != nil {
		return nil, fmt.Errorf("save rebuilt vector index: %w", err)
	}
	return idx, nil
}

// Rebuild streams every stored embedding into idx.
func Rebuild(ctx context.Context, idx VectorIndex, src EmbeddingSource) error {
	ids := make([]string, 0, rebuildBatch)
	vecs := make([][]float32, 0, rebuildBatch)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		if err := idx.Upsert(ctx, ids, vecs); err != nil {
			return err
		}
		ids, vecs = ids[:0], vecs[:0]
		return nil
	}
	err := src.ForEachEmbedding(ctx, func(id string, vec []float32) error {
		ids = append(ids, id)
		vecs = append(vecs, vec)
		if len(ids) == rebuildBatch {
			return flush()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	if err := flush(); err != nil {
		return fmt.Errorf("rebuild vector index: %w", err)
	}
	return nil
}
