// Package vector provides the embedding-similarity index behind the Vector Source.
package vector

import (
	"context"

	"github.com/hyperjump/hybridrag/internal/models"
)

// VectorIndex stores document embeddings and answers nearest-neighbour queries.
type VectorIndex interface {
	Upsert(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) (models.RankedResult, error)
	Remove(ctx context.Context, ids []string) error
	Save(path string) error
	Load(path string) error
	Size() int
	Close() error
}
