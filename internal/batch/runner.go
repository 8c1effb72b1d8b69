package batch

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/observability"
)

// Retriever is the retrieval engine as seen by the runner.
type Retriever interface {
	Retrieve(ctx context.Context, query string, mode models.Mode, kFinal int) (*models.Retrieval, error)
}

// DocumentFetcher loads retrieved documents for answer generation.
type DocumentFetcher interface {
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
}

// AnswerGenerator writes an answer from retrieved contexts.
type AnswerGenerator interface {
	Generate(ctx context.Context, question string, contexts []*models.Document) (string, error)
}

// Options describe one batch run.
type Options struct {
	Mode          models.Mode
	TopK          int
	Workers       int
	RatePerSecond float64
	QueryTimeout  time.Duration
	// RRFK and Fanout are recorded in the batch metadata.
	RRFK        int
	Fanout      int
	QueriesFile string
	// Resume carries over the successful records of an earlier run with the same settings;
	// only the rest are retried.
	Resume *models.Batch
}

// Runner executes batches.
type Runner struct {
	retriever Retriever
	docs      DocumentFetcher
	generator AnswerGenerator
	logger    *zap.Logger
	metrics   *observability.Metrics
	progress  func(done, total int)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics counts finished records.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithGenerator generates an answer for every successful retrieval.
func WithGenerator(docs DocumentFetcher, g AnswerGenerator) Option {
	return func(r *Runner) {
		r.docs = docs
		r.generator = g
	}
}

// WithProgress is called after each finished query.
func WithProgress(fn func(done, total int)) Option {
	return func(r *Runner) { r.progress = fn }
}

// NewRunner creates a runner around a retriever.
func NewRunner(retriever Retriever, opts ...Option) *Runner {
	r := &Runner{retriever: retriever, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run retrieves every query and returns the batch with records sorted by question id.
// A failing query is recorded as failed and the run continues. When ctx is canceled the
// unfinished queries are recorded as skipped and the partial batch is returned with ctx's error.
func (r *Runner) Run(ctx context.Context, queries []*models.Query, opts Options) (*models.Batch, error) {
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive, got %d", models.ErrInvalidParameter, opts.TopK)
	}
	if _, err := models.ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(queries))
	for _, q := range queries {
		if _, dup := seen[q.QuestionID]; dup {
			return nil, fmt.Errorf("%w: duplicate question_id %q", models.ErrInvalidParameter, q.QuestionID)
		}
		seen[q.QuestionID] = struct{}{}
	}

	b := &models.Batch{Metadata: models.BatchMetadata{
		RunID:       uuid.NewString(),
		Mode:        opts.Mode,
		TopK:        opts.TopK,
		RRFK:        opts.RRFK,
		Fanout:      opts.Fanout,
		QueriesFile: opts.QueriesFile,
		StartedAt:   time.Now().UTC(),
	}}

	prior, err := resumable(opts.Resume, opts, r.generator != nil)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	records := make([]models.RetrievalRecord, len(queries))
	var done atomic.Int64
	var resumed int
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, q := range queries {
		if rec, ok := prior[q.QuestionID]; ok {
			records[i] = rec
			resumed++
			r.metrics.BatchRecord(string(models.StatusOK), models.ReasonResumed)
			r.report(&done, len(queries))
			continue
		}
		g.Go(func() error {
			records[i] = r.runOne(ctx, q, opts, limiter)
			rec := &records[i]
			r.metrics.BatchRecord(string(rec.Status), rec.Reason)
			r.report(&done, len(queries))
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(records, func(i, j int) bool { return records[i].QuestionID < records[j].QuestionID })
	b.Records = records
	b.Metadata.FinishedAt = time.Now().UTC()
	b.Metadata.Summary = b.Summarize()

	r.logger.Info("batch finished",
		zap.String("run_id", b.Metadata.RunID),
		zap.String("mode", string(opts.Mode)),
		zap.Int("total", b.Metadata.Summary.Total),
		zap.Int("succeeded", b.Metadata.Summary.Succeeded),
		zap.Int("failed", b.Metadata.Summary.Failed),
		zap.Int("skipped", b.Metadata.Summary.Skipped),
		zap.Int("resumed", resumed),
	)
	return b, ctx.Err()
}

// resumable returns the records of prev that may stand in for a fresh retrieval under opts.
// A batch written with metadata must have been run with the same mode, top_k, rrf_k and
// fan-out, or it is rejected. Legacy batches carry no top_k, so each record must match the
// mode and hold exactly opts.TopK documents. With needAnswer, records without a generated
// answer are retried.
func resumable(prev *models.Batch, opts Options, needAnswer bool) (map[string]models.RetrievalRecord, error) {
	prior := make(map[string]models.RetrievalRecord)
	if prev == nil {
		return prior, nil
	}
	meta := prev.Metadata
	legacy := meta.TopK == 0
	if !legacy && (meta.Mode != opts.Mode || meta.TopK != opts.TopK || meta.RRFK != opts.RRFK || meta.Fanout != opts.Fanout) {
		return nil, fmt.Errorf("%w: cannot resume a batch run with mode=%s top_k=%d rrf_k=%d fanout=%d as mode=%s top_k=%d rrf_k=%d fanout=%d",
			models.ErrInvalidParameter, meta.Mode, meta.TopK, meta.RRFK, meta.Fanout,
			opts.Mode, opts.TopK, opts.RRFK, opts.Fanout)
	}
	for _, rec := range prev.Records {
		if !rec.Succeeded() || rec.Mode != opts.Mode {
			continue
		}
		if legacy && len(rec.Retrieved) != opts.TopK {
			continue
		}
		if needAnswer && rec.GeneratedAnswer == "" {
			continue
		}
		prior[rec.QuestionID] = rec
	}
	return prior, nil
}

func (r *Runner) report(done *atomic.Int64, total int) {
	n := done.Add(1)
	if r.progress != nil {
		r.progress(int(n), total)
	}
}

func (r *Runner) runOne(ctx context.Context, q *models.Query, opts Options, limiter *rate.Limiter) models.RetrievalRecord {
	rec := models.RetrievalRecord{QuestionID: q.QuestionID, Mode: opts.Mode, Retrieved: []models.RetrievedDoc{}}

	if err := q.Validate(); err != nil {
		rec.Status = models.StatusSkipped
		rec.Reason = models.ReasonInvalidQuery
		rec.Error = err.Error()
		return rec
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			rec.Status = models.StatusSkipped
			rec.Reason = models.ReasonCanceled
			return rec
		}
	}
	if ctx.Err() != nil {
		rec.Status = models.StatusSkipped
		rec.Reason = models.ReasonCanceled
		return rec
	}

	qctx := ctx
	if opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, opts.QueryTimeout)
		defer cancel()
	}

	start := time.Now()
	ret, err := r.retriever.Retrieve(qctx, q.Question, opts.Mode, opts.TopK)
	if err != nil {
		rec.Status = models.StatusFailed
		rec.Reason = models.ReasonFor(err)
		rec.Error = err.Error()
		rec.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
		r.logger.Warn("query failed",
			zap.String("question_id", q.QuestionID),
			zap.String("reason", rec.Reason),
			zap.Error(err),
		)
		return rec
	}
	rec = models.NewRecord(q.QuestionID, ret)

	if r.generator != nil {
		answer, err := r.answer(qctx, q.Question, ret.Results.IDs())
		if err != nil {
			r.logger.Warn("answer generation failed", zap.String("question_id", q.QuestionID), zap.Error(err))
		}
		rec.GeneratedAnswer = answer
	}
	return rec
}

func (r *Runner) answer(ctx context.Context, question string, ids []string) (string, error) {
	byID, err := r.docs.GetDocuments(ctx, ids)
	if err != nil {
		return "", fmt.Errorf("failed to load contexts: %w", err)
	}
	contexts := make([]*models.Document, 0, len(ids))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			contexts = append(contexts, d)
		}
	}
	return r.generator.Generate(ctx, question, contexts)
}
