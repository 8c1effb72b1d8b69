package judge

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/hybridrag/internal/models"
)

// Item is one answer to grade.
type Item struct {
	QuestionID      string
	Question        string
	GoldAnswer      string
	GeneratedAnswer string
}

// ItemsFromBatch pairs every successful record that carries a generated answer with its query.
// Records without an answer are returned in missing. Records for question ids absent from
// queries are returned in orphans and never judged.
func ItemsFromBatch(batch *models.Batch, queries map[string]*models.Query) (items []Item, missing, orphans []string) {
	for i := range batch.Records {
		rec := &batch.Records[i]
		q, ok := queries[rec.QuestionID]
		if !ok {
			orphans = append(orphans, rec.QuestionID)
			continue
		}
		if !rec.Succeeded() || rec.GeneratedAnswer == "" {
			missing = append(missing, rec.QuestionID)
			continue
		}
		items = append(items, Item{
			QuestionID:      rec.QuestionID,
			Question:        q.Question,
			GoldAnswer:      q.GoldAnswer,
			GeneratedAnswer: rec.GeneratedAnswer,
		})
	}
	sort.Strings(missing)
	sort.Strings(orphans)
	return items, missing, orphans
}

// Run judges items with up to workers concurrent calls. A failed judgment is recorded
// as unjudged and never stops the run. Results are ordered by question id.
func Run(ctx context.Context, j Judge, items []Item, workers int) []models.Judgment {
	if workers <= 0 {
		workers = 1
	}
	out := make([]models.Judgment, len(items))
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, it := range items {
		g.Go(func() error {
			res := models.Judgment{
				QuestionID:      it.QuestionID,
				Question:        it.Question,
				GoldAnswer:      it.GoldAnswer,
				GeneratedAnswer: it.GeneratedAnswer,
			}
			if err := ctx.Err(); err != nil {
				res.Verdict = models.VerdictUnjudged
				res.Error = err.Error()
				out[i] = res
				return nil
			}
			verdict, raw, err := j.Judge(ctx, it.Question, it.GoldAnswer, it.GeneratedAnswer)
			res.Verdict = verdict
			res.Raw = raw
			if err != nil {
				res.Verdict = models.VerdictUnjudged
				res.Error = err.Error()
			}
			out[i] = res
			return nil
		})
	}
	_ = g.Wait()
	sort.SliceStable(out, func(a, b int) bool { return out[a].QuestionID < out[b].QuestionID })
	return out
}
