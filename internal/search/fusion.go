// Package search orchestrates candidate sources and fuses their rankings.
package search

import (
	"fmt"
	"sort"

	"github.com/hyperjump/hybridrag/internal/models"
)

// FusedResult is one fused document with the ranks that produced its score.
// A rank of 0 means the document was absent from that list.
type FusedResult struct {
	DocID       string  `json:"doc_id"`
	Score       float64 `json:"score"`
	VectorRank  int     `json:"vector_rank,omitempty"`
	KeywordRank int     `json:"keyword_rank,omitempty"`
}

// Fuse merges a (vector) and b (keyword) with Reciprocal Rank Fusion:
// score(d) = sum over lists containing d of 1/(kConstant + rank), rank 1-based.
// Results are ordered by descending score, ties by ascending doc id, and truncated to kFinal.
func Fuse(a, b models.RankedResult, kConstant, kFinal int) (models.RankedResult, error) {
	fused, err := FuseDetailed(a, b, kConstant, kFinal)
	if err != nil {
		return nil, err
	}
	out := make(models.RankedResult, len(fused))
	for i, f := range fused {
		out[i] = models.ScoredDoc{DocID: f.DocID, Score: f.Score}
	}
	return out, nil
}

// FuseDetailed is Fuse that also reports each document's rank in both inputs.
// A document repeated within one list counts once, at its best rank.
func FuseDetailed(a, b models.RankedResult, kConstant, kFinal int) ([]FusedResult, error) {
	if kConstant <= 0 {
		return nil, fmt.Errorf("%w: rrf k must be positive, got %d", models.ErrInvalidParameter, kConstant)
	}
	if kFinal <= 0 {
		return nil, fmt.Errorf("%w: k_final must be positive, got %d", models.ErrInvalidParameter, kFinal)
	}

	acc := make(map[string]*FusedResult, len(a)+len(b))
	add := func(list models.RankedResult, setRank func(*FusedResult, int) bool) {
		for i, d := range list {
			f, ok := acc[d.DocID]
			if !ok {
				f = &FusedResult{DocID: d.DocID}
				acc[d.DocID] = f
			}
			rank := i + 1
			if setRank(f, rank) {
				f.Score += 1.0 / float64(kConstant+rank)
			}
		}
	}
	add(a, func(f *FusedResult, rank int) bool {
		if f.VectorRank != 0 {
			return false
		}
		f.VectorRank = rank
		return true
	})
	add(b, func(f *FusedResult, rank int) bool {
		if f.KeywordRank != 0 {
			return false
		}
		f.KeywordRank = rank
		return true
	})

	out := make([]FusedResult, 0, len(acc))
	for _, f := range acc {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DocID < out[j].DocID
	})
	if len(out) > kFinal {
		out = out[:kFinal]
	}
	return out, nil
}
