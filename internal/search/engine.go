package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/hybridrag/internal/config"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/observability"
	"github.com/hyperjump/hybridrag/internal/resilience"
)

// Engine orchestrates the vector and keyword sources for one query.
type Engine struct {
	vector   Source
	keyword  Source
	cfg      config.RetrievalConfig
	logger   *zap.Logger
	executor *resilience.Executor
	metrics  *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutor runs source calls through retries and a circuit breaker.
func WithExecutor(x *resilience.Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithMetrics records retrieval latency and source errors.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine. Either source may be nil; modes that need a
// missing source fail with models.ErrSourceUnavailable.
func NewEngine(vectorSrc, keywordSrc Source, cfg config.RetrievalConfig, opts ...Option) *Engine {
	e := &Engine{
		vector:  vectorSrc,
		keyword: keywordSrc,
		cfg:     cfg,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the retrieval settings the engine runs with.
func (e *Engine) Config() config.RetrievalConfig {
	return e.cfg
}

// Fanout is the per-source candidate count for a hybrid query returning kFinal results.
func (e *Engine) Fanout(kFinal int) int {
	mult := e.cfg.FanoutMultiplier
	if mult < 1 {
		mult = 1
	}
	return max(kFinal, kFinal*mult, e.cfg.MinFanout)
}

// Retrieve returns the top kFinal documents for query.
// Vector and keyword modes return that source's list as-is. Hybrid mode queries both
// sources concurrently with Fanout(kFinal) candidates each and fuses them with RRF.
// A failing or timed-out source fails the whole call with models.ErrSourceUnavailable.
func (e *Engine) Retrieve(ctx context.Context, query string, mode models.Mode, kFinal int) (*models.Retrieval, error) {
	start := time.Now()
	if err := validate(query, mode, kFinal); err != nil {
		return nil, err
	}

	var (
		results models.RankedResult
		err     error
	)
	switch mode {
	case models.ModeVector:
		results, err = e.call(ctx, e.vector, SourceVector, query, kFinal)
	case models.ModeKeyword:
		results, err = e.call(ctx, e.keyword, SourceKeyword, query, kFinal)
	case models.ModeHybrid:
		var vec, kw models.RankedResult
		vec, kw, err = e.gather(ctx, query, e.Fanout(kFinal))
		if err == nil {
			results, err = Fuse(vec, kw, e.cfg.RRFK, kFinal)
		}
	}

	elapsed := time.Since(start)
	e.metrics.ObserveRetrieval(string(mode), elapsed, err)
	if err != nil {
		e.logger.Debug("retrieval failed",
			zap.String("mode", string(mode)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return nil, err
	}
	if results == nil {
		results = models.RankedResult{}
	}
	return &models.Retrieval{
		Query:          query,
		Mode:           mode,
		Results:        results,
		ResponseTimeMS: float64(elapsed.Microseconds()) / 1000,
	}, nil
}

// Explanation holds both source lists of a hybrid query and how they fused.
type Explanation struct {
	Vector  models.RankedResult `json:"vector"`
	Keyword models.RankedResult `json:"keyword"`
	Fused   []FusedResult       `json:"fused"`
}

// Explain runs a hybrid query and keeps the intermediate lists.
func (e *Engine) Explain(ctx context.Context, query string, kFinal int) (*Explanation, error) {
	if err := validate(query, models.ModeHybrid, kFinal); err != nil {
		return nil, err
	}
	vec, kw, err := e.gather(ctx, query, e.Fanout(kFinal))
	if err != nil {
		return nil, err
	}
	fused, err := FuseDetailed(vec, kw, e.cfg.RRFK, kFinal)
	if err != nil {
		return nil, err
	}
	return &Explanation{Vector: vec, Keyword: kw, Fused: fused}, nil
}

func validate(query string, mode models.Mode, kFinal int) error {
	if kFinal <= 0 {
		return fmt.Errorf("%w: k_final must be positive, got %d", models.ErrInvalidParameter, kFinal)
	}
	if strings.TrimSpace(query) == "" {
		return fmt.Errorf("%w: query is empty", models.ErrInvalidParameter)
	}
	switch mode {
	case models.ModeVector, models.ModeKeyword, models.ModeHybrid:
		return nil
	default:
		return fmt.Errorf("%w: unknown retrieval mode %q", models.ErrInvalidParameter, mode)
	}
}

// gather runs both sources concurrently. The first failure cancels the other call.
func (e *Engine) gather(ctx context.Context, query string, k int) (vec, kw models.RankedResult, err error) {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		vec, err = e.call(gctx, e.vector, SourceVector, query, k)
		return err
	})
	g.Go(func() error {
		var err error
		kw, err = e.call(gctx, e.keyword, SourceKeyword, query, k)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return vec, kw, nil
}

func (e *Engine) call(ctx context.Context, src Source, name, query string, k int) (models.RankedResult, error) {
	if src == nil {
		return nil, fmt.Errorf("%s source: %w: not configured", name, models.ErrSourceUnavailable)
	}
	if e.cfg.SourceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SourceTimeout)
		defer cancel()
	}

	var res models.RankedResult
	run := func(ctx context.Context) error {
		r, err := src.Search(ctx, query, k)
		if err != nil {
			return err
		}
		res = r
		return nil
	}

	var err error
	if e.executor != nil {
		err = e.executor.Do(ctx, "source."+name, run, nil)
	} else {
		err = run(ctx)
	}
	if err == nil && ctx.Err() != nil {
		// a source that ignores its context still misses the deadline
		err = ctx.Err()
	}
	if err != nil {
		e.metrics.SourceError(name, models.ReasonFor(err))
		e.logger.Warn("source call failed",
			zap.String("source", name),
			zap.Int("k", k),
			zap.Error(err),
		)
		return nil, models.WrapError(models.ErrSourceUnavailable, name+" source", err)
	}
	return res, nil
}
