package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/hyperjump/hybridrag/internal/embedding"
	"github.com/hyperjump/hybridrag/internal/keyword"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/storage"
	"github.com/hyperjump/hybridrag/internal/vector"
)

// Source returns up to k documents for a query, best first.
type Source interface {
	Name() string
	Search(ctx context.Context, query string, k int) (models.RankedResult, error)
}

// Source names, also used as metric labels.
const (
	SourceVector  = "vector"
	SourceKeyword = "keyword"
)

// VectorSource embeds the query and ranks documents by cosine similarity.
type VectorSource struct {
	embedder embedding.Embedder
	index    vector.VectorIndex
}

// NewVectorSource creates a vector source.
func NewVectorSource(embedder embedding.Embedder, index vector.VectorIndex) *VectorSource {
	return &VectorSource{embedder: embedder, index: index}
}

// Name implements Source.
func (s *VectorSource) Name() string { return SourceVector }

// Search implements Source.
func (s *VectorSource) Search(ctx context.Context, query string, k int) (models.RankedResult, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding failed: %w", err)
	}
	res, err := s.index.Search(ctx, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	return res, nil
}

// KeywordSource ranks documents with a lexical index.
type KeywordSource struct {
	index keyword.KeywordIndex
}

// NewKeywordSource creates a keyword source backed by a bleve index.
func NewKeywordSource(index keyword.KeywordIndex) *KeywordSource {
	return &KeywordSource{index: index}
}

// Name implements Source.
func (s *KeywordSource) Name() string { return SourceKeyword }

// Search implements Source.
func (s *KeywordSource) Search(ctx context.Context, query string, k int) (models.RankedResult, error) {
	res, err := s.index.Search(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("keyword search failed: %w", err)
	}
	return res, nil
}

// TextSearchSource ranks documents with the store's own full-text search.
type TextSearchSource struct {
	searcher storage.TextSearcher
}

// NewTextSearchSource creates a keyword source backed by the store.
func NewTextSearchSource(searcher storage.TextSearcher) *TextSearchSource {
	return &TextSearchSource{searcher: searcher}
}

// Name implements Source.
func (s *TextSearchSource) Name() string { return SourceKeyword }

// Search implements Source.
func (s *TextSearchSource) Search(ctx context.Context, query string, k int) (models.RankedResult, error) {
	if strings.TrimSpace(query) == "" {
		return models.RankedResult{}, nil
	}
	res, err := s.searcher.TextSearch(ctx, query, k)
	if err != nil {
		return nil, fmt.Errorf("full-text search failed: %w", err)
	}
	return res, nil
}
