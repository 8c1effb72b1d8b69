// Package storage defines the persistence interface for the corpus and the evaluation queries.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/hybridrag/internal/models"
)

// ErrNotFound is returned when a document or query id is not in the store.
var ErrNotFound = errors.New("not found")

// Store persists corpus documents (with their embeddings) and labeled queries.
type Store interface {
	// Document operations
	SaveDocuments(ctx context.Context, docs []*models.Document, embeddings [][]float32) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
	ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error)
	GoldDocumentIDs(ctx context.Context) (map[string]struct{}, error)
	ForEachEmbedding(ctx context.Context, fn func(id string, vec []float32) error) error
	ClearDocuments(ctx context.Context) error

	// Query operations
	SaveQueries(ctx context.Context, queries []*models.Query) error
	GetQuery(ctx context.Context, id string) (*models.Query, error)
	ListQueries(ctx context.Context) ([]*models.Query, error)
	ClearQueries(ctx context.Context) error

	// Stats
	CountDocuments(ctx context.Context) (int64, error)
	CountQueries(ctx context.Context) (int64, error)

	Close() error
}

// TextSearcher is implemented by stores that can rank documents lexically themselves.
type TextSearcher interface {
	TextSearch(ctx context.Context, query string, k int) (models.RankedResult, error)
}
