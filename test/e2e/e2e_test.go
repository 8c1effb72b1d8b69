package e2e

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/hybridrag/internal/batch"
	"github.com/hyperjump/hybridrag/internal/config"
	"github.com/hyperjump/hybridrag/internal/embedding"
	"github.com/hyperjump/hybridrag/internal/evaluation"
	"github.com/hyperjump/hybridrag/internal/extract"
	"github.com/hyperjump/hybridrag/internal/ingest"
	"github.com/hyperjump/hybridrag/internal/keyword"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/search"
	"github.com/hyperjump/hybridrag/internal/storage"
	"github.com/hyperjump/hybridrag/internal/vector"
)

const (
	e2eDimensions  = 256
	e2eTopK        = 5
	distractorText = "Quarterly cafeteria menu with tomato soup and garden salad"
)

type pipeline struct {
	cfg      *config.Config
	store    *storage.SQLiteStorage
	embedder embedding.Embedder
	vectors  *vector.MemoryIndex
	keywords *keyword.BleveIndex
	engine   *search.Engine
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Storage: config.StorageConfig{
			DatabasePath:    filepath.Join(dir, "corpus.db"),
			BleveIndexPath:  filepath.Join(dir, "bleve"),
			VectorIndexPath: filepath.Join(dir, "vectors.bin"),
		},
		Embedding: config.EmbeddingConfig{Provider: config.ProviderMock, Dimensions: e2eDimensions, CacheSize: 256},
	}
	config.ApplyDefaults(cfg)

	ctx := context.Background()
	p := &pipeline{cfg: cfg}
	var err error
	if p.store, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.store.Close() })
	if p.embedder, err = embedding.New(cfg.Embedding); err != nil {
		t.Fatal(err)
	}
	if p.vectors, err = vector.Open(ctx, cfg.Storage.VectorIndexPath, e2eDimensions, p.store, nil); err != nil {
		t.Fatal(err)
	}
	if p.keywords, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath, keyword.Options{Analyzer: cfg.Retrieval.Analyzer}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.keywords.Close() })
	p.engine = search.NewEngine(
		search.NewVectorSource(p.embedder, p.vectors),
		search.NewKeywordSource(p.keywords),
		cfg.Retrieval,
	)
	return p
}

func (p *pipeline) ingest(t *testing.T, c *Corpus) {
	t.Helper()
	ctx := context.Background()
	in := ingest.NewIngester(p.store, p.embedder, p.vectors, p.keywords, ingest.WithBatchSize(7))
	stats, err := in.IngestCorpus(ctx, c.Documents, false)
	if err != nil {
		t.Fatalf("IngestCorpus: %v", err)
	}
	if stats.Documents != len(c.Documents) || stats.Gold != len(c.Documents) {
		t.Fatalf("ingest stats = %+v, want %d gold documents", stats, len(c.Documents))
	}

	distractors := t.TempDir()
	if _, err := WriteDistractors(distractors, distractorText); err != nil {
		t.Fatal(err)
	}
	dstats, err := in.ImportDirectory(ctx, distractors, extract.NewExtractor(), ingest.DirectoryOptions{})
	if err != nil {
		t.Fatalf("ImportDirectory: %v", err)
	}
	if dstats.Documents != len(DistractorExtensions) || dstats.Skipped != 0 {
		t.Fatalf("distractor stats = %+v, want %d documents", dstats, len(DistractorExtensions))
	}

	if _, err := in.IngestQueries(ctx, c.Queries, false); err != nil {
		t.Fatalf("IngestQueries: %v", err)
	}
	if err := p.vectors.Save(p.cfg.Storage.VectorIndexPath); err != nil {
		t.Fatal(err)
	}
}

func TestE2E_IngestRunScore(t *testing.T) {
	corpus := BuildCorpus()
	p := newPipeline(t)
	p.ingest(t, corpus)
	ctx := context.Background()

	total := int64(len(corpus.Documents) + len(DistractorExtensions))
	if n, _ := p.store.CountDocuments(ctx); n != total {
		t.Errorf("CountDocuments = %d, want %d", n, total)
	}
	if p.vectors.Size() != int(total) {
		t.Errorf("vector index size = %d, want %d", p.vectors.Size(), total)
	}
	if n, _ := p.keywords.DocCount(); n != uint64(total) {
		t.Errorf("keyword doc count = %d, want %d", n, total)
	}

	queries, err := p.store.ListQueries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	queryIndex := models.QueryIndex(queries)
	outDir := t.TempDir()

	for _, mode := range []models.Mode{models.ModeVector, models.ModeKeyword, models.ModeHybrid} {
		t.Run(string(mode), func(t *testing.T) {
			b, err := batch.NewRunner(p.engine).Run(ctx, queries, batch.Options{
				Mode:    mode,
				TopK:    e2eTopK,
				Workers: 4,
				RRFK:    p.cfg.Retrieval.RRFK,
				Fanout:  p.engine.Fanout(e2eTopK),
			})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if b.Metadata.Summary.Succeeded != len(queries) {
				t.Fatalf("summary = %+v, want every query to succeed", b.Metadata.Summary)
			}

			path := filepath.Join(outDir, "batch_"+string(mode)+".json")
			if err := batch.SaveBatch(path, b); err != nil {
				t.Fatal(err)
			}
			loaded, err := batch.LoadBatch(path)
			if err != nil {
				t.Fatal(err)
			}

			report, err := evaluation.ComputeMetrics(loaded.Records, queryIndex, evaluation.Options{
				GroupBy: evaluation.GroupSourceDataset,
				Groups:  []string{DatasetTech, DatasetData, "absent"},
				Cutoffs: []int{1, e2eTopK},
			})
			if err != nil {
				t.Fatalf("ComputeMetrics: %v", err)
			}
			overall := report.Overall
			if overall == nil || overall.Queries != len(corpus.Queries) {
				t.Fatalf("overall = %+v, want %d queries", overall, len(corpus.Queries))
			}
			if overall.PartialHitRate.Total != corpus.GoldCount() {
				t.Errorf("partial hit total = %d, want %d", overall.PartialHitRate.Total, corpus.GoldCount())
			}
			if mode != models.ModeVector && overall.HitRate < 0.8 {
				t.Errorf("%s hit rate = %.3f, want >= 0.8", mode, overall.HitRate)
			}
			if overall.MRR > overall.HitRate {
				t.Errorf("MRR %.3f exceeds hit rate %.3f", overall.MRR, overall.HitRate)
			}
			if report.Cutoffs[1].HitRate > report.Cutoffs[e2eTopK].HitRate {
				t.Errorf("hit@1 %.3f > hit@%d %.3f", report.Cutoffs[1].HitRate, e2eTopK, report.Cutoffs[e2eTopK].HitRate)
			}
			if g := report.ByGroup[DatasetTech]; g == nil || g.Queries != corpus.Count(DatasetTech) {
				t.Errorf("tech group = %+v, want %d queries", g, corpus.Count(DatasetTech))
			}
			if len(report.AbsentGroups) != 1 || report.AbsentGroups[0] != "absent" {
				t.Errorf("absent groups = %v", report.AbsentGroups)
			}
		})
	}
}

func TestE2E_DistractorsAreSearchable(t *testing.T) {
	p := newPipeline(t)
	p.ingest(t, BuildCorpus())
	ctx := context.Background()

	ret, err := p.engine.Retrieve(ctx, "cafeteria tomato soup", models.ModeKeyword, len(DistractorExtensions))
	if err != nil {
		t.Fatal(err)
	}
	if len(ret.Results) != len(DistractorExtensions) {
		t.Fatalf("got %d results, want one per distractor file: %+v", len(ret.Results), ret.Results)
	}
	docs, err := p.store.GetDocuments(ctx, ret.Results.IDs())
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range ret.Results {
		d := docs[r.DocID]
		if d == nil || d.IsGold || d.SourceDataset != ingest.DistractorDataset {
			t.Errorf("result %s = %+v, want a non-gold distractor", r.DocID, d)
			continue
		}
		if !strings.HasPrefix(d.OriginalID, "distractor.") {
			t.Errorf("original id = %q, want the relative file name", d.OriginalID)
		}
	}
}

func TestE2E_VectorIndexReloads(t *testing.T) {
	p := newPipeline(t)
	p.ingest(t, BuildCorpus())

	reopened, err := vector.Open(context.Background(), p.cfg.Storage.VectorIndexPath, e2eDimensions, nil, nil)
	if err != nil {
		t.Fatalf("reopen vector index: %v", err)
	}
	defer reopened.Close()
	if reopened.Size() != p.vectors.Size() {
		t.Errorf("reloaded size = %d, want %d", reopened.Size(), p.vectors.Size())
	}
}

func TestE2E_ReingestReplacesCorpus(t *testing.T) {
	corpus := BuildCorpus()
	p := newPipeline(t)
	p.ingest(t, corpus)
	ctx := context.Background()

	in := ingest.NewIngester(p.store, p.embedder, p.vectors, p.keywords)
	if _, err := in.IngestCorpus(ctx, corpus.Documents[:3], false); err != nil {
		t.Fatal(err)
	}
	if n, _ := p.store.CountDocuments(ctx); n != 3 {
		t.Errorf("CountDocuments after replace = %d, want 3", n)
	}
	if p.vectors.Size() != 3 {
		t.Errorf("vector index size after replace = %d, want 3", p.vectors.Size())
	}
	if n, _ := p.keywords.DocCount(); n != 3 {
		t.Errorf("keyword doc count after replace = %d, want 3", n)
	}
}
