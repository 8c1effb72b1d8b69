package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperjump/hybridrag/internal/models"
)

type fakeRetriever struct {
	fail   map[string]error
	delay  time.Duration
	calls  atomic.Int32
	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, mode models.Mode, kFinal int) (*models.Retrieval, error) {
	f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("keyword source: %w: %w", models.ErrSourceUnavailable, ctx.Err())
		}
	}
	if err, ok := f.fail[query]; ok {
		return nil, err
	}
	res := models.RankedResult{}
	for i := 0; i < kFinal; i++ {
		res = append(res, models.ScoredDoc{DocID: fmt.Sprintf("%s-d%d", query, i), Score: float64(kFinal - i)})
	}
	return &models.Retrieval{Query: query, Mode: mode, Results: res, ResponseTimeMS: 1}, nil
}

func testQueries(n int) []*models.Query {
	out := make([]*models.Query, n)
	for i := range out {
		id := fmt.Sprintf("q%02d", n-i)
		out[i] = &models.Query{QuestionID: id, Question: "text " + id, GoldDocIDs: []string{"d"}}
	}
	return out
}

func TestRunner_Run(t *testing.T) {
	r := &fakeRetriever{}
	var progress atomic.Int32
	runner := NewRunner(r, WithProgress(func(done, total int) { progress.Add(1) }))

	b, err := runner.Run(context.Background(), testQueries(5), Options{Mode: models.ModeHybrid, TopK: 3, Workers: 2, RRFK: 60, Fanout: 20})
	if err != nil {
		t.Fatal(err)
	}
	if b.Metadata.RunID == "" || b.Metadata.TopK != 3 || b.Metadata.RRFK != 60 {
		t.Errorf("metadata = %+v", b.Metadata)
	}
	if len(b.Records) != 5 || progress.Load() != 5 {
		t.Fatalf("records = %d progress = %d", len(b.Records), progress.Load())
	}
	for i, rec := range b.Records {
		if i > 0 && b.Records[i-1].QuestionID >= rec.QuestionID {
			t.Errorf("records not sorted: %s before %s", b.Records[i-1].QuestionID, rec.QuestionID)
		}
		if rec.Status != models.StatusOK || len(rec.Retrieved) != 3 || rec.Retrieved[0].Rank != 1 {
			t.Errorf("record = %+v", rec)
		}
	}
	if b.Metadata.Summary.Succeeded != 5 {
		t.Errorf("summary = %+v", b.Metadata.Summary)
	}
}

func TestRunner_PartialFailure(t *testing.T) {
	queries := testQueries(4)
	r := &fakeRetriever{fail: map[string]error{
		"text q02": fmt.Errorf("vector source: %w: connection refused", models.ErrSourceUnavailable),
	}}
	queries = append(queries, &models.Query{QuestionID: "q99", Question: "  ", GoldDocIDs: []string{"d"}})

	b, err := NewRunner(r).Run(context.Background(), queries, Options{Mode: models.ModeVector, TopK: 2, Workers: 3})
	if err != nil {
		t.Fatal(err)
	}
	want := models.BatchSummary{Total: 5, Succeeded: 3, Failed: 1, Skipped: 1, AvgResponseTimeMS: 1}
	if b.Metadata.Summary != want {
		t.Errorf("summary = %+v, want %+v", b.Metadata.Summary, want)
	}
	byID := make(map[string]models.RetrievalRecord)
	for _, rec := range b.Records {
		byID[rec.QuestionID] = rec
	}
	if rec := byID["q02"]; rec.Status != models.StatusFailed || rec.Reason != models.ReasonSourceUnavailable || rec.Error == "" {
		t.Errorf("q02 = %+v", rec)
	}
	if rec := byID["q99"]; rec.Status != models.StatusSkipped || rec.Reason != models.ReasonInvalidQuery {
		t.Errorf("q99 = %+v", rec)
	}
}

func TestRunner_QueryTimeout(t *testing.T) {
	r := &fakeRetriever{delay: time.Second}
	b, err := NewRunner(r).Run(context.Background(), testQueries(2), Options{
		Mode: models.ModeKeyword, TopK: 1, Workers: 2, QueryTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range b.Records {
		if rec.Status != models.StatusFailed || rec.Reason != models.ReasonTimeout {
			t.Errorf("record = %+v, want failed timeout", rec)
		}
	}
}

func TestRunner_WorkerLimit(t *testing.T) {
	r := &fakeRetriever{delay: 20 * time.Millisecond}
	if _, err := NewRunner(r).Run(context.Background(), testQueries(8), Options{Mode: models.ModeHybrid, TopK: 1, Workers: 2}); err != nil {
		t.Fatal(err)
	}
	if p := r.peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

func TestRunner_Resume(t *testing.T) {
	r := &fakeRetriever{fail: map[string]error{"text q01": errors.New("boom")}}
	runner := NewRunner(r)
	opts := Options{Mode: models.ModeHybrid, TopK: 2, Workers: 2}
	first, err := runner.Run(context.Background(), testQueries(3), opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Metadata.Summary.Failed != 1 {
		t.Fatalf("first summary = %+v", first.Metadata.Summary)
	}

	r.calls.Store(0)
	delete(r.fail, "text q01")
	opts.Resume = first
	second, err := runner.Run(context.Background(), testQueries(3), opts)
	if err != nil {
		t.Fatal(err)
	}
	if r.calls.Load() != 1 {
		t.Errorf("calls = %d, want only the failed query retried", r.calls.Load())
	}
	if second.Metadata.Summary.Succeeded != 3 || second.Metadata.RunID == first.Metadata.RunID {
		t.Errorf("second = %+v", second.Metadata)
	}
}

func TestRunner_ResumeRejectsDifferentSettings(t *testing.T) {
	r := &fakeRetriever{}
	runner := NewRunner(r)
	base := Options{Mode: models.ModeHybrid, TopK: 1, RRFK: 60, Fanout: 20}
	first, err := runner.Run(context.Background(), testQueries(3), base)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		change func(*Options)
	}{
		{"top_k", func(o *Options) { o.TopK = 5 }},
		{"mode", func(o *Options) { o.Mode = models.ModeVector }},
		{"rrf_k", func(o *Options) { o.RRFK = 10 }},
		{"fanout", func(o *Options) { o.Fanout = 40 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r.calls.Store(0)
			opts := base
			tt.change(&opts)
			opts.Resume = first
			b, err := runner.Run(context.Background(), testQueries(3), opts)
			if !errors.Is(err, models.ErrInvalidParameter) {
				t.Fatalf("err = %v, want ErrInvalidParameter", err)
			}
			if b != nil || r.calls.Load() != 0 {
				t.Errorf("batch = %+v calls = %d, want no run", b, r.calls.Load())
			}
		})
	}
}

func TestRunner_ResumeLegacyBatchChecksEachRecord(t *testing.T) {
	legacy := &models.Batch{
		Metadata: models.BatchMetadata{Mode: models.ModeHybrid},
		Records: []models.RetrievalRecord{
			{QuestionID: "q01", Mode: models.ModeHybrid, Retrieved: []models.RetrievedDoc{{DocID: "a", Rank: 1}}},
			{QuestionID: "q02", Mode: models.ModeHybrid, Retrieved: []models.RetrievedDoc{{DocID: "a", Rank: 1}, {DocID: "b", Rank: 2}}},
			{QuestionID: "q03", Mode: models.ModeVector, Retrieved: []models.RetrievedDoc{{DocID: "a", Rank: 1}, {DocID: "b", Rank: 2}}},
		},
	}
	r := &fakeRetriever{}
	b, err := NewRunner(r).Run(context.Background(), testQueries(3), Options{Mode: models.ModeHybrid, TopK: 2, Resume: legacy})
	if err != nil {
		t.Fatal(err)
	}
	if r.calls.Load() != 2 {
		t.Errorf("calls = %d, want q01 (short list) and q03 (other mode) retried", r.calls.Load())
	}
	for _, rec := range b.Records {
		if len(rec.Retrieved) != 2 {
			t.Errorf("%s retrieved %d docs, want 2", rec.QuestionID, len(rec.Retrieved))
		}
	}
	if b.Records[1].Retrieved[0].DocID != "a" {
		t.Errorf("q02 = %+v, want the carried-over record", b.Records[1])
	}
}

func TestRunner_ResumeWithGeneratorRetriesRecordsWithoutAnswer(t *testing.T) {
	r := &fakeRetriever{}
	opts := Options{Mode: models.ModeHybrid, TopK: 1}
	first, err := NewRunner(r).Run(context.Background(), testQueries(2), opts)
	if err != nil {
		t.Fatal(err)
	}
	first.Records[0].GeneratedAnswer = "kept"

	r.calls.Store(0)
	docs := mapDocs{
		"text q02-d0": {ID: "text q02-d0", Content: "fresh"},
	}
	opts.Resume = first
	b, err := NewRunner(r, WithGenerator(docs, &joinGenerator{})).Run(context.Background(), testQueries(2), opts)
	if err != nil {
		t.Fatal(err)
	}
	if r.calls.Load() != 1 {
		t.Errorf("calls = %d, want only the record without an answer retried", r.calls.Load())
	}
	if b.Records[0].GeneratedAnswer != "kept" || b.Records[1].GeneratedAnswer != "fresh" {
		t.Errorf("answers = %q, %q", b.Records[0].GeneratedAnswer, b.Records[1].GeneratedAnswer)
	}
}

func TestRunner_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b, err := NewRunner(&fakeRetriever{}).Run(ctx, testQueries(3), Options{Mode: models.ModeHybrid, TopK: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if b == nil || b.Metadata.Summary.Skipped != 3 {
		t.Errorf("batch = %+v", b)
	}
}

func TestRunner_InvalidOptions(t *testing.T) {
	runner := NewRunner(&fakeRetriever{})
	tests := []struct {
		name    string
		queries []*models.Query
		opts    Options
	}{
		{"zero top_k", testQueries(1), Options{Mode: models.ModeHybrid}},
		{"bad mode", testQueries(1), Options{Mode: "bm25", TopK: 5}},
		{"duplicate ids", append(testQueries(1), testQueries(1)...), Options{Mode: models.ModeHybrid, TopK: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := runner.Run(context.Background(), tt.queries, tt.opts); !errors.Is(err, models.ErrInvalidParameter) {
				t.Errorf("err = %v, want ErrInvalidParameter", err)
			}
		})
	}
}

type mapDocs map[string]*models.Document

func (m mapDocs) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document)
	for _, id := range ids {
		if d, ok := m[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

type joinGenerator struct {
	mu   sync.Mutex
	seen []int
}

func (g *joinGenerator) Generate(ctx context.Context, question string, contexts []*models.Document) (string, error) {
	g.mu.Lock()
	g.seen = append(g.seen, len(contexts))
	g.mu.Unlock()
	parts := make([]string, len(contexts))
	for i, c := range contexts {
		parts[i] = c.Content
	}
	return strings.Join(parts, "+"), nil
}

func TestRunner_GeneratesAnswers(t *testing.T) {
	docs := mapDocs{
		"text q01-d0": {ID: "text q01-d0", Content: "alpha"},
		"text q01-d1": {ID: "text q01-d1", Content: "beta"},
	}
	gen := &joinGenerator{}
	b, err := NewRunner(&fakeRetriever{}, WithGenerator(docs, gen)).Run(context.Background(), testQueries(1), Options{Mode: models.ModeHybrid, TopK: 2})
	if err != nil {
		t.Fatal(err)
	}
	if got := b.Records[0].GeneratedAnswer; got != "alpha+beta" {
		t.Errorf("answer = %q, want alpha+beta", got)
	}
}
