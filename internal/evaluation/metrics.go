// Package evaluation scores persisted retrieval batches against labeled queries.
package evaluation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hyperjump/hybridrag/internal/models"
)

// Grouping keys accepted by Options.GroupBy.
const (
	GroupNone          = "none"
	GroupSourceDataset = "source_dataset"
	GroupQuestionType  = "question_type"
)

// UnknownGroup names the group of queries with an empty grouping field.
const UnknownGroup = "unknown"

// Options controls how ComputeMetrics aggregates.
type Options struct {
	// GroupBy is GroupNone (or empty), GroupSourceDataset, or GroupQuestionType.
	GroupBy string
	// Groups restricts ByGroup to these names. Requested groups without queries are
	// reported in AbsentGroups.
	Groups []string
	// Cutoffs adds overall metrics with every retrieved list truncated to each k.
	Cutoffs []int
	// IncludePerQuery fills MetricsReport.PerQuery.
	IncludePerQuery bool
}

func (o Options) validate() error {
	switch o.GroupBy {
	case "", GroupNone:
		if len(o.Groups) > 0 {
			return fmt.Errorf("%w: groups requested without group_by", models.ErrInvalidParameter)
		}
	case GroupSourceDataset, GroupQuestionType:
	default:
		return fmt.Errorf("%w: unknown group_by %q (use none, source_dataset, or question_type)", models.ErrInvalidParameter, o.GroupBy)
	}
	for _, k := range o.Cutoffs {
		if k <= 0 {
			return fmt.Errorf("%w: cutoff must be positive, got %d", models.ErrInvalidParameter, k)
		}
	}
	return nil
}

// scored is one record paired with its query, in question id order.
type scored struct {
	rec   *models.RetrievalRecord
	query *models.Query
	gold  map[string]struct{}
}

// ComputeMetrics scores records against queries. Failed records count as misses;
// skipped records are excluded from every denominator and only counted.
// A record whose question id is not in queries contributes to no metric; its id is
// listed in Counts.MissingIDs.
// The report depends only on its inputs and is identical across repeated calls.
func ComputeMetrics(records []models.RetrievalRecord, queries map[string]*models.Query, opts Options) (*models.MetricsReport, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	report := &models.MetricsReport{GroupBy: opts.GroupBy}
	if report.GroupBy == GroupNone {
		report.GroupBy = ""
	}

	byID := make(map[string]*models.RetrievalRecord, len(records))
	missing := make(map[string]struct{})
	for i := range records {
		rec := &records[i]
		if _, ok := queries[rec.QuestionID]; !ok {
			missing[rec.QuestionID] = struct{}{}
			continue
		}
		byID[rec.QuestionID] = rec
	}
	for id := range missing {
		report.Counts.MissingIDs = append(report.Counts.MissingIDs, id)
	}
	sort.Strings(report.Counts.MissingIDs)
	report.Counts.Missing = len(report.Counts.MissingIDs)
	report.Counts.Records = report.Counts.Missing

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var rows []scored
	for _, id := range ids {
		rec := byID[id]
		report.Counts.Records++
		switch {
		case rec.Status == models.StatusSkipped:
			report.Counts.Skipped++
			continue
		case rec.Succeeded():
			report.Counts.Succeeded++
		default:
			report.Counts.Failed++
		}
		q := queries[id]
		rows = append(rows, scored{rec: rec, query: q, gold: q.GoldSet()})
	}

	perQuery := make([]models.QueryMetrics, len(rows))
	for i, r := range rows {
		perQuery[i] = scoreQuery(r, 0)
	}
	report.Overall = aggregate(perQuery)

	if report.GroupBy != "" {
		report.ByGroup, report.AbsentGroups = groupMetrics(perQuery, opts)
	}

	if len(opts.Cutoffs) > 0 && len(rows) > 0 {
		report.Cutoffs = make(map[int]*models.GroupMetrics, len(opts.Cutoffs))
		for _, k := range opts.Cutoffs {
			cut := make([]models.QueryMetrics, len(rows))
			for i, r := range rows {
				cut[i] = scoreQuery(r, k)
			}
			report.Cutoffs[k] = aggregate(cut)
		}
	}

	if opts.IncludePerQuery {
		report.PerQuery = perQuery
	}
	return report, nil
}

// GroupKey returns the group a query belongs to under groupBy.
func GroupKey(q *models.Query, groupBy string) string {
	var key string
	switch groupBy {
	case GroupSourceDataset:
		key = q.SourceDataset
	case GroupQuestionType:
		key = string(q.QuestionType)
	}
	if key == "" {
		return UnknownGroup
	}
	return key
}

// scoreQuery computes one query's metrics, looking at the first cutoff retrieved
// documents when cutoff > 0. Failed records score as misses.
func scoreQuery(r scored, cutoff int) models.QueryMetrics {
	m := models.QueryMetrics{
		QuestionID:    r.query.QuestionID,
		SourceDataset: r.query.SourceDataset,
		QuestionType:  r.query.QuestionType,
		Status:        r.rec.Status,
		GoldCount:     len(r.gold),
		FoundDocIDs:   []string{},
	}
	if m.Status == "" {
		m.Status = models.StatusOK
	}
	if !r.rec.Succeeded() {
		return m
	}

	retrieved := r.rec.RetrievedIDs()
	if cutoff > 0 && len(retrieved) > cutoff {
		retrieved = retrieved[:cutoff]
	}
	seen := make(map[string]struct{}, len(retrieved))
	var rrSum float64
	for i, id := range retrieved {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := r.gold[id]; !ok {
			continue
		}
		m.FoundDocIDs = append(m.FoundDocIDs, id)
		rrSum += 1.0 / float64(i+1)
	}
	m.FoundCount = len(m.FoundDocIDs)
	m.Hit = m.FoundCount > 0
	if m.GoldCount > 0 {
		m.AvgRR = rrSum / float64(m.GoldCount)
	}
	return m
}

// aggregate rolls per-query metrics up. It returns nil for an empty slice.
func aggregate(rows []models.QueryMetrics) *models.GroupMetrics {
	if len(rows) == 0 {
		return nil
	}
	g := &models.GroupMetrics{Queries: len(rows)}
	var hits, singleHits int
	var rrSum float64
	for _, m := range rows {
		if m.Hit {
			hits++
		}
		rrSum += m.AvgRR
		g.PartialHitRate = g.PartialHitRate.Add(models.Fraction{Found: m.FoundCount, Total: m.GoldCount})
		if m.GoldCount == 1 {
			g.SingleGoldQueries++
			if m.Hit {
				singleHits++
			}
		}
	}
	g.HitRate = float64(hits) / float64(len(rows))
	g.MRR = rrSum / float64(len(rows))
	if g.SingleGoldQueries > 0 {
		rate := float64(singleHits) / float64(g.SingleGoldQueries)
		g.SingleGoldHitRate = &rate
	}
	return g
}

func groupMetrics(rows []models.QueryMetrics, opts Options) (map[string]*models.GroupMetrics, []string) {
	buckets := make(map[string][]models.QueryMetrics)
	for _, m := range rows {
		q := &models.Query{SourceDataset: m.SourceDataset, QuestionType: m.QuestionType}
		key := GroupKey(q, opts.GroupBy)
		buckets[key] = append(buckets[key], m)
	}

	names := opts.Groups
	if len(names) == 0 {
		names = make([]string, 0, len(buckets))
		for name := range buckets {
			names = append(names, name)
		}
	}

	out := make(map[string]*models.GroupMetrics, len(names))
	var absent []string
	for _, name := range names {
		g := aggregate(buckets[name])
		if g == nil {
			absent = append(absent, name)
			continue
		}
		out[name] = g
	}
	sort.Strings(absent)
	return out, absent
}

// GroupOrErr returns the metrics of a group, or an error wrapping models.ErrEmptyGroup
// when the group has no queries.
func GroupOrErr(report *models.MetricsReport, name string) (*models.GroupMetrics, error) {
	if g, ok := report.ByGroup[name]; ok && g != nil {
		return g, nil
	}
	return nil, fmt.Errorf("%w: %s=%q has no queries", models.ErrEmptyGroup, report.GroupBy, name)
}

// MissingErr returns an error wrapping models.ErrMissingQuery that names the records
// left out of report for unknown question ids, or nil when every record was scored.
func MissingErr(report *models.MetricsReport) error {
	if report.Counts.Missing == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d record(s) reference unknown question_id: %s",
		models.ErrMissingQuery, report.Counts.Missing, strings.Join(report.Counts.MissingIDs, ", "))
}

// SortedGroupNames returns the names in report.ByGroup in ascending order.
func SortedGroupNames(report *models.MetricsReport) []string {
	names := make([]string, 0, len(report.ByGroup))
	for name := range report.ByGroup {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
