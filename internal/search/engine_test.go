package search

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/hybridrag/internal/config"
	"github.com/hyperjump/hybridrag/internal/embedding"
	"github.com/hyperjump/hybridrag/internal/keyword"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/observability"
	"github.com/hyperjump/hybridrag/internal/resilience"
	"github.com/hyperjump/hybridrag/internal/vector"
)

type stubSource struct {
	name    string
	results models.RankedResult
	err     error
	delay   time.Duration
	calls   atomic.Int32
	lastK   atomic.Int32
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Search(ctx context.Context, query string, k int) (models.RankedResult, error) {
	s.calls.Add(1)
	s.lastK.Store(int32(k))
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.results.Truncate(k), nil
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		TopK:             5,
		MaxTopK:          100,
		RRFK:             60,
		FanoutMultiplier: 4,
		MinFanout:        20,
		SourceTimeout:    time.Second,
	}
}

func TestEngine_Fanout(t *testing.T) {
	e := NewEngine(nil, nil, testRetrievalConfig())
	tests := []struct {
		kFinal int
		want   int
	}{
		{1, 20},
		{5, 20},
		{10, 40},
		{50, 200},
	}
	for _, tt := range tests {
		if got := e.Fanout(tt.kFinal); got != tt.want {
			t.Errorf("Fanout(%d) = %d, want %d", tt.kFinal, got, tt.want)
		}
		if e.Fanout(tt.kFinal) < tt.kFinal {
			t.Errorf("Fanout(%d) under-retrieves", tt.kFinal)
		}
	}

	cfg := testRetrievalConfig()
	cfg.FanoutMultiplier = 0
	cfg.MinFanout = 0
	if got := NewEngine(nil, nil, cfg).Fanout(7); got != 7 {
		t.Errorf("Fanout with no multiplier = %d, want 7", got)
	}
}

func TestEngine_SingleModesPassThrough(t *testing.T) {
	vec := &stubSource{name: SourceVector, results: ranked("v1", "v2", "v3", "v4")}
	kw := &stubSource{name: SourceKeyword, results: ranked("k1", "k2")}
	e := NewEngine(vec, kw, testRetrievalConfig())
	ctx := context.Background()

	got, err := e.Retrieve(ctx, "query", models.ModeVector, 3)
	if err != nil {
		t.Fatal(err)
	}
	if vec.lastK.Load() != 3 {
		t.Errorf("vector k = %d, want 3", vec.lastK.Load())
	}
	if len(got.Results) != 3 || got.Results[0].DocID != "v1" || got.Mode != models.ModeVector {
		t.Errorf("vector retrieval = %+v", got)
	}
	if kw.calls.Load() != 0 {
		t.Error("keyword source should not be called in vector mode")
	}

	got, err = e.Retrieve(ctx, "query", models.ModeKeyword, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Results) != 2 || got.Results[0].DocID != "k1" {
		t.Errorf("keyword retrieval = %+v", got.Results)
	}
}

func TestEngine_HybridFusesWithFanout(t *testing.T) {
	vec := &stubSource{name: SourceVector, results: ranked("a", "b", "c")}
	kw := &stubSource{name: SourceKeyword, results: ranked("c", "d", "a")}
	e := NewEngine(vec, kw, testRetrievalConfig())

	got, err := e.Retrieve(context.Background(), "query", models.ModeHybrid, 2)
	if err != nil {
		t.Fatal(err)
	}
	if vec.lastK.Load() != 20 || kw.lastK.Load() != 20 {
		t.Errorf("source k = %d/%d, want 20", vec.lastK.Load(), kw.lastK.Load())
	}
	want, _ := Fuse(vec.results, kw.results, 60, 2)
	if len(got.Results) != 2 {
		t.Fatalf("len = %d, want 2", len(got.Results))
	}
	for i := range want {
		if got.Results[i] != want[i] {
			t.Errorf("result[%d] = %+v, want %+v", i, got.Results[i], want[i])
		}
	}
	if got.ResponseTimeMS < 0 {
		t.Errorf("response time = %v", got.ResponseTimeMS)
	}
}

func TestEngine_HybridRunsSourcesConcurrently(t *testing.T) {
	vec := &stubSource{name: SourceVector, results: ranked("a"), delay: 150 * time.Millisecond}
	kw := &stubSource{name: SourceKeyword, results: ranked("b"), delay: 150 * time.Millisecond}
	e := NewEngine(vec, kw, testRetrievalConfig())

	start := time.Now()
	if _, err := e.Retrieve(context.Background(), "query", models.ModeHybrid, 5); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed >= 280*time.Millisecond {
		t.Errorf("hybrid took %v, sources did not overlap", elapsed)
	}
}

func TestEngine_SourceFailureFailsRetrieval(t *testing.T) {
	boom := errors.New("connection refused")
	tests := []struct {
		name       string
		vec, kw    *stubSource
		mode       models.Mode
		wantReason string
	}{
		{
			name:       "vector error in hybrid",
			vec:        &stubSource{name: SourceVector, err: boom},
			kw:         &stubSource{name: SourceKeyword, results: ranked("a")},
			mode:       models.ModeHybrid,
			wantReason: models.ReasonSourceUnavailable,
		},
		{
			name:       "keyword error in keyword mode",
			vec:        &stubSource{name: SourceVector, results: ranked("a")},
			kw:         &stubSource{name: SourceKeyword, err: boom},
			mode:       models.ModeKeyword,
			wantReason: models.ReasonSourceUnavailable,
		},
		{
			name:       "keyword timeout in hybrid",
			vec:        &stubSource{name: SourceVector, results: ranked("a")},
			kw:         &stubSource{name: SourceKeyword, results: ranked("b"), delay: 5 * time.Second},
			mode:       models.ModeHybrid,
			wantReason: models.ReasonTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testRetrievalConfig()
			cfg.SourceTimeout = 50 * time.Millisecond
			e := NewEngine(tt.vec, tt.kw, cfg)
			got, err := e.Retrieve(context.Background(), "query", tt.mode, 5)
			if got != nil {
				t.Errorf("expected no partial result, got %+v", got)
			}
			if !errors.Is(err, models.ErrSourceUnavailable) {
				t.Fatalf("err = %v, want ErrSourceUnavailable", err)
			}
			if r := models.ReasonFor(err); r != tt.wantReason {
				t.Errorf("reason = %q, want %q", r, tt.wantReason)
			}
		})
	}
}

func TestEngine_MissingSource(t *testing.T) {
	e := NewEngine(nil, &stubSource{name: SourceKeyword}, testRetrievalConfig())
	_, err := e.Retrieve(context.Background(), "query", models.ModeHybrid, 5)
	if !errors.Is(err, models.ErrSourceUnavailable) {
		t.Errorf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestEngine_InvalidParameters(t *testing.T) {
	vec := &stubSource{name: SourceVector, results: ranked("a")}
	kw := &stubSource{name: SourceKeyword, results: ranked("b")}
	e := NewEngine(vec, kw, testRetrievalConfig())
	tests := []struct {
		name   string
		query  string
		mode   models.Mode
		kFinal int
	}{
		{"zero k", "q", models.ModeHybrid, 0},
		{"negative k", "q", models.ModeVector, -1},
		{"empty query", "   ", models.ModeKeyword, 5},
		{"unknown mode", "q", models.Mode("semantic"), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Retrieve(context.Background(), tt.query, tt.mode, tt.kFinal)
			if !errors.Is(err, models.ErrInvalidParameter) {
				t.Errorf("err = %v, want ErrInvalidParameter", err)
			}
		})
	}
	if vec.calls.Load() != 0 || kw.calls.Load() != 0 {
		t.Error("sources should not be called for invalid input")
	}
}

func TestEngine_ExecutorRetriesTransientFailure(t *testing.T) {
	flaky := &flakySource{stubSource: stubSource{name: SourceVector, results: ranked("a")}, failures: 1}
	x := resilience.NewExecutor(resilience.Policy{MaxAttempts: 2})
	metrics := observability.NewMetrics()
	e := NewEngine(flaky, nil, testRetrievalConfig(), WithExecutor(x), WithMetrics(metrics))

	got, err := e.Retrieve(context.Background(), "query", models.ModeVector, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Results) != 1 || flaky.calls.Load() != 2 {
		t.Errorf("results = %v calls = %d", got.Results, flaky.calls.Load())
	}
}

type flakySource struct {
	stubSource
	failures int32
}

func (s *flakySource) Search(ctx context.Context, query string, k int) (models.RankedResult, error) {
	if s.calls.Load() < s.failures {
		s.calls.Add(1)
		return nil, errors.New("temporary failure")
	}
	return s.stubSource.Search(ctx, query, k)
}

func TestEngine_Explain(t *testing.T) {
	vec := &stubSource{name: SourceVector, results: ranked("a", "b")}
	kw := &stubSource{name: SourceKeyword, results: ranked("b", "c")}
	e := NewEngine(vec, kw, testRetrievalConfig())

	ex, err := e.Explain(context.Background(), "query", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(ex.Vector) != 2 || len(ex.Keyword) != 2 || len(ex.Fused) != 3 {
		t.Fatalf("explanation = %+v", ex)
	}
	if ex.Fused[0].DocID != "b" || ex.Fused[0].VectorRank != 2 || ex.Fused[0].KeywordRank != 1 {
		t.Errorf("top fused = %+v", ex.Fused[0])
	}
}

func TestEngine_RealSources(t *testing.T) {
	ctx := context.Background()
	docs := []*models.Document{
		{ID: "d1", Content: "machine learning algorithms for ranking"},
		{ID: "d2", Content: "cooking pasta with tomato sauce"},
		{ID: "d3", Content: "deep learning and neural networks"},
	}

	emb := embedding.NewMockEmbedder(32)
	defer emb.Close()
	vecIndex, err := vector.NewMemoryIndex(32)
	if err != nil {
		t.Fatal(err)
	}
	defer vecIndex.Close()
	kwIndex, err := keyword.NewMemBleveIndex(keyword.Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer kwIndex.Close()

	texts := make([]string, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
		ids[i] = d.ID
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatal(err)
	}
	if err := vecIndex.Upsert(ctx, ids, vecs); err != nil {
		t.Fatal(err)
	}
	if err := kwIndex.IndexBatch(ctx, docs); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(NewVectorSource(emb, vecIndex), NewKeywordSource(kwIndex), testRetrievalConfig())
	for _, mode := range []models.Mode{models.ModeVector, models.ModeKeyword, models.ModeHybrid} {
		got, err := e.Retrieve(ctx, "machine learning", mode, 2)
		if err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
		if len(got.Results) == 0 || got.Results[0].DocID != "d1" {
			t.Errorf("%s: results = %v, want d1 first", mode, got.Results.IDs())
		}
		if err := got.Results.Validate(); err != nil {
			t.Errorf("%s: %v", mode, err)
		}
	}
}
