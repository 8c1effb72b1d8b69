package benchmark

import (
	"context"
	"fmt"
	"testing"

	"github.com/hyperjump/hybridrag/internal/embedding"
	"github.com/hyperjump/hybridrag/internal/evaluation"
	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/internal/search"
	"github.com/hyperjump/hybridrag/internal/vector"
)

func rankedList(n, offset int) models.RankedResult {
	out := make(models.RankedResult, n)
	for i := range out {
		out[i] = models.ScoredDoc{DocID: fmt.Sprintf("doc-%d", (i+offset)%(2*n)), Score: float64(n - i)}
	}
	return out
}

func BenchmarkFuse(b *testing.B) {
	vec := rankedList(100, 0)
	kw := rankedList(100, 37)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = search.Fuse(vec, kw, 60, 10)
	}
}

func BenchmarkMemoryIndexSearch(b *testing.B) {
	idx, _ := vector.NewMemoryIndex(384)
	ctx := context.Background()
	vecs := make([][]float32, 1000)
	ids := make([]string, 1000)
	for i := 0; i < 1000; i++ {
		vecs[i] = make([]float32, 384)
		vecs[i][0] = float32(i) / 1000
		vecs[i][1+i%383] = 1
		ids[i] = fmt.Sprintf("doc-%d", i)
	}
	_ = idx.Upsert(ctx, ids, vecs)
	query := make([]float32, 384)
	query[0] = 1.0
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = idx.Search(ctx, query, 10)
	}
}

func BenchmarkMockEmbedder_Embed(b *testing.B) {
	e := embedding.NewMockEmbedder(384)
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = e.Embed(ctx, "benchmark query text for embedding")
	}
}

func BenchmarkComputeMetrics(b *testing.B) {
	queries := make(map[string]*models.Query, 500)
	records := make([]models.RetrievalRecord, 0, 500)
	for i := 0; i < 500; i++ {
		qid := fmt.Sprintf("q-%d", i)
		queries[qid] = &models.Query{
			QuestionID:    qid,
			Question:      "question",
			GoldDocIDs:    []string{fmt.Sprintf("doc-%d", i), fmt.Sprintf("doc-%d", i+1)},
			SourceDataset: []string{"a", "b", "c"}[i%3],
		}
		records = append(records, models.NewRecord(qid, &models.Retrieval{
			Mode:    models.ModeHybrid,
			Results: rankedList(10, i),
		}))
	}
	opts := evaluation.Options{GroupBy: evaluation.GroupSourceDataset, Cutoffs: []int{1, 5, 10}}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = evaluation.ComputeMetrics(records, queries, opts)
	}
}
