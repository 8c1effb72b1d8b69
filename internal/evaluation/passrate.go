package evaluation

import (
	"sort"

	"github.com/hyperjump/hybridrag/internal/models"
)

// ComputePassRate aggregates judge verdicts. Unjudged answers are counted but excluded
// from the denominator. Grouping needs queries; with GroupNone queries may be nil.
// When queries is given, judgments for unknown question ids are listed in Missing and
// left out of every rate.
func ComputePassRate(judgments []models.Judgment, queries map[string]*models.Query, groupBy string) (*models.PassRateReport, error) {
	if err := (Options{GroupBy: groupBy}).validate(); err != nil {
		return nil, err
	}
	if groupBy == GroupNone {
		groupBy = ""
	}

	sorted := make([]models.Judgment, len(judgments))
	copy(sorted, judgments)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].QuestionID < sorted[j].QuestionID })

	report := &models.PassRateReport{GroupBy: groupBy}
	if groupBy != "" {
		report.ByGroup = make(map[string]*models.PassRate)
	}
	for _, j := range sorted {
		q, ok := queries[j.QuestionID]
		if !ok && (queries != nil || groupBy != "") {
			report.Missing = append(report.Missing, j.QuestionID)
			continue
		}
		addVerdict(&report.Overall, j.Verdict)
		if groupBy == "" {
			continue
		}
		key := GroupKey(q, groupBy)
		pr, ok := report.ByGroup[key]
		if !ok {
			pr = &models.PassRate{}
			report.ByGroup[key] = pr
		}
		addVerdict(pr, j.Verdict)
	}

	finishRate(&report.Overall)
	for _, pr := range report.ByGroup {
		finishRate(pr)
	}
	return report, nil
}

func addVerdict(pr *models.PassRate, v models.Verdict) {
	switch v {
	case models.VerdictPass:
		pr.Judged++
		pr.Passed++
	case models.VerdictFail:
		pr.Judged++
	default:
		pr.Unjudged++
	}
}

func finishRate(pr *models.PassRate) {
	if pr.Judged > 0 {
		pr.Rate = float64(pr.Passed) / float64(pr.Judged)
	}
}
