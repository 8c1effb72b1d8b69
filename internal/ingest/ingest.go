// Package ingest loads the corpus and labeled queries into the store and builds both indices.
package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/hybridrag/internal/embedding"
	"github.com/hyperjump/hybridrag/internal/extract"
	"github.com/hyperjump/hybridrag/internal/keyword"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/resilience"
	"github.com/hyperjump/hybridrag/internal/storage"
	"github.com/hyperjump/hybridrag/internal/vector"
	"go.uber.org/zap"
)

// DefaultBatchSize is the number of documents embedded per request.
const DefaultBatchSize = 50

// listPage bounds how many stored documents are read per page when clearing the indices.
const listPage = 1000

// Stats summarizes one ingest call.
type Stats struct {
	Documents int           `json:"documents"`
	Gold      int           `json:"gold"`
	Skipped   int           `json:"skipped"`
	Batches   int           `json:"batches"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Ingester writes documents to the store, the vector index and (optionally) the keyword index.
type Ingester struct {
	store     storage.Store
	embedder  embedding.Embedder
	vectors   vector.VectorIndex
	keywords  keyword.KeywordIndex
	batchSize int
	executor  *resilience.Executor
	logger    *zap.Logger
	progress  func(done, total int)
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithLogger sets the logger for batch and skip events.
func WithLogger(l *zap.Logger) Option {
	return func(in *Ingester) {
		if l != nil {
			in.logger = l
		}
	}
}

// WithBatchSize sets the embedding batch size. Values <= 0 keep DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(in *Ingester) {
		if n > 0 {
			in.batchSize = n
		}
	}
}

// WithExecutor runs embedding requests under retries and a circuit breaker.
func WithExecutor(e *resilience.Executor) Option {
	return func(in *Ingester) { in.executor = e }
}

// WithProgress registers a callback invoked after each embedded batch.
func WithProgress(fn func(done, total int)) Option {
	return func(in *Ingester) { in.progress = fn }
}

// NewIngester creates an ingester. keywords may be nil when the store ranks text itself.
func NewIngester(store storage.Store, embedder embedding.Embedder, vectors vector.VectorIndex, keywords keyword.KeywordIndex, opts ...Option) *Ingester {
	in := &Ingester{
		store:     store,
		embedder:  embedder,
		vectors:   vectors,
		keywords:  keywords,
		batchSize: DefaultBatchSize,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// IngestCorpus embeds and indexes docs. Unless appendMode is set, every previously
// stored document is removed from the store and both indices first. Content is
// whitespace-normalized before storing so the keyword and vector sources see the same text.
func (in *Ingester) IngestCorpus(ctx context.Context, docs []*models.Document, appendMode bool) (*Stats, error) {
	start := time.Now()
	if !appendMode {
		if err := in.clearDocuments(ctx); err != nil {
			return nil, err
		}
	}
	stats := &Stats{}
	total := len(docs)
	for lo := 0; lo < total; lo += in.batchSize {
		hi := lo + in.batchSize
		if hi > total {
			hi = total
		}
		batch := prepare(docs[lo:hi])
		if err := in.indexBatch(ctx, batch); err != nil {
			return nil, fmt.Errorf("failed to ingest documents %d-%d: %w", lo, hi-1, err)
		}
		stats.Batches++
		stats.Documents += len(batch)
		for _, d := range batch {
			if d.IsGold {
				stats.Gold++
			}
		}
		in.logger.Debug("ingested batch", zap.Int("done", hi), zap.Int("total", total))
		if in.progress != nil {
			in.progress(hi, total)
		}
	}
	stats.Elapsed = time.Since(start)
	in.logger.Info("corpus ingested",
		zap.Int("documents", stats.Documents),
		zap.Int("gold", stats.Gold),
		zap.Duration("elapsed", stats.Elapsed))
	return stats, nil
}

func prepare(docs []*models.Document) []*models.Document {
	out := make([]*models.Document, len(docs))
	for i, d := range docs {
		cp := *d
		cp.Content = extract.Normalize(d.Content)
		out[i] = &cp
	}
	return out
}

func (in *Ingester) indexBatch(ctx context.Context, docs []*models.Document) error {
	for _, d := range docs {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	texts := make([]string, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
		ids[i] = d.ID
	}
	embeddings, err := in.embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if err := in.store.SaveDocuments(ctx, docs, embeddings); err != nil {
		return fmt.Errorf("failed to store documents: %w", err)
	}
	if err := in.vectors.Upsert(ctx, ids, embeddings); err != nil {
		return fmt.Errorf("failed to index vectors: %w", err)
	}
	if in.keywords != nil {
		if err := in.keywords.IndexBatch(ctx, docs); err != nil {
			return fmt.Errorf("failed to index keywords: %w", err)
		}
	}
	return nil
}

func (in *Ingester) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if in.executor == nil {
		return in.embedder.EmbedBatch(ctx, texts)
	}
	var out [][]float32
	err := in.executor.Do(ctx, "embedding.batch", func(ctx context.Context) error {
		var err error
		out, err = in.embedder.EmbedBatch(ctx, texts)
		return err
	}, nil)
	return out, err
}

func (in *Ingester) clearDocuments(ctx context.Context) error {
	var ids []string
	for offset := 0; ; offset += listPage {
		page, err := in.store.ListDocuments(ctx, offset, listPage)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}
		for _, d := range page {
			ids = append(ids, d.ID)
		}
		if len(page) < listPage {
			break
		}
	}
	if len(ids) > 0 {
		if in.keywords != nil {
			if err := in.keywords.Delete(ctx, ids); err != nil {
				return fmt.Errorf("failed to clear keyword index: %w", err)
			}
		}
		if err := in.vectors.Remove(ctx, ids); err != nil {
			return fmt.Errorf("failed to clear vector index: %w", err)
		}
	}
	if err := in.store.ClearDocuments(ctx); err != nil {
		return fmt.Errorf("failed to clear documents: %w", err)
	}
	in.logger.Debug("cleared existing documents", zap.Int("count", len(ids)))
	return nil
}

// IngestQueries stores labeled queries after checking that every gold id names a stored
// gold document. Unless appendMode is set, previously stored queries are replaced.
func (in *Ingester) IngestQueries(ctx context.Context, queries []*models.Query, appendMode bool) (int, error) {
	gold, err := in.store.GoldDocumentIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load gold document ids: %w", err)
	}
	if err := CheckGold(queries, gold); err != nil {
		return 0, err
	}
	if !appendMode {
		if err := in.store.ClearQueries(ctx); err != nil {
			return 0, fmt.Errorf("failed to clear queries: %w", err)
		}
	}
	if err := in.store.SaveQueries(ctx, queries); err != nil {
		return 0, fmt.Errorf("failed to store queries: %w", err)
	}
	in.logger.Info("queries ingested", zap.Int("count", len(queries)))
	return len(queries), nil
}

// maxReported caps how many offending gold ids an error message lists.
const maxReported = 5

// CheckGold returns ErrInvalidParameter when any query references a gold id that is not
// in gold. The error names the first few offending question/doc pairs in sorted order.
func CheckGold(queries []*models.Query, gold map[string]struct{}) error {
	var bad []string
	for _, q := range queries {
		if err := q.Validate(); err != nil {
			return err
		}
		for id := range q.GoldSet() {
			if _, ok := gold[id]; !ok {
				bad = append(bad, q.QuestionID+":"+id)
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	shown := bad
	if len(shown) > maxReported {
		shown = shown[:maxReported]
	}
	return fmt.Errorf("%w: %d gold ids are not gold documents in the corpus (%s)",
		models.ErrInvalidParameter, len(bad), strings.Join(shown, ", "))
}
