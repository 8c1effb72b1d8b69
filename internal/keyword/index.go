// Package keyword provides the lexical index behind the Keyword Source.
package keyword

import (
	"context"

	"github.com/hyperjump/hybridrag/internal/models"
)

// KeywordIndex defines lexical indexing and term-match search.
type KeywordIndex interface {
	IndexBatch(ctx context.Context, docs []*models.Document) error
	Search(ctx context.Context, query string, k int) (models.RankedResult, error)
	Delete(ctx context.Context, ids []string) error
	DocCount() (uint64, error)
	Close() error
}

// Options configure a keyword index.
type Options struct {
	// Analyzer is "standard" (lowercase, no stemming) or "en" (English stemming and stop words).
	Analyzer string
	// Fuzziness, when > 0, matches query terms within this Levenshtein distance (1 or 2).
	Fuzziness int
}
