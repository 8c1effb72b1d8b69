package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/hybridrag/internal/models"
)

// Sheet names written by ExportMetricsXLSX.
const (
	SheetSummary  = "Summary"
	SheetGroups   = "Groups"
	SheetPerQuery = "PerQuery"
)

var metricsHeader = []any{"group", "queries", "hit_rate", "partial_found", "partial_total", "partial_hit_rate", "mrr", "single_gold_queries", "single_gold_hit_rate"}

// ExportMetricsXLSX writes a metrics report to an Excel workbook. The summary sheet holds
// overall and cutoff rows, the groups sheet one row per group, and the per-query sheet
// is written only when the report carries per-query detail.
func ExportMetricsXLSX(path string, r *models.MetricsReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	rows := [][]any{metricsHeader, metricsRow("overall", r.Overall)}
	for _, k := range sortedKeys(r.Cutoffs) {
		rows = append(rows, metricsRow("@"+strconv.Itoa(k), r.Cutoffs[k]))
	}
	rows = append(rows,
		[]any{},
		[]any{"records", r.Counts.Records},
		[]any{"succeeded", r.Counts.Succeeded},
		[]any{"failed", r.Counts.Failed},
		[]any{"skipped", r.Counts.Skipped},
		[]any{"missing", r.Counts.Missing},
	)
	if err := writeRows(f, SheetSummary, rows); err != nil {
		return err
	}

	if len(r.ByGroup) > 0 || len(r.AbsentGroups) > 0 {
		if _, err := f.NewSheet(SheetGroups); err != nil {
			return fmt.Errorf("failed to add sheet: %w", err)
		}
		header := append([]any{}, metricsHeader...)
		header[0] = r.GroupBy
		rows := [][]any{header}
		for _, name := range sortedKeys(r.ByGroup) {
			rows = append(rows, metricsRow(name, r.ByGroup[name]))
		}
		for _, name := range r.AbsentGroups {
			rows = append(rows, []any{name, 0})
		}
		if err := writeRows(f, SheetGroups, rows); err != nil {
			return err
		}
	}

	if len(r.PerQuery) > 0 {
		if _, err := f.NewSheet(SheetPerQuery); err != nil {
			return fmt.Errorf("failed to add sheet: %w", err)
		}
		rows := [][]any{{"question_id", "source_dataset", "question_type", "status", "gold_count", "found_count", "found_doc_ids", "hit", "avg_rr"}}
		for _, q := range r.PerQuery {
			rows = append(rows, []any{q.QuestionID, q.SourceDataset, string(q.QuestionType), string(q.Status),
				q.GoldCount, q.FoundCount, strings.Join(q.FoundDocIDs, ", "), q.Hit, q.AvgRR})
		}
		if err := writeRows(f, SheetPerQuery, rows); err != nil {
			return err
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

// ExportJudgmentsXLSX writes judgments and their pass rate to an Excel workbook.
func ExportJudgmentsXLSX(path string, jf *models.JudgmentFile) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	rows := [][]any{
		{"group", "judged", "passed", "unjudged", "pass_rate"},
		passRow("overall", jf.Statistics.Overall),
	}
	for _, name := range sortedKeys(jf.Statistics.ByGroup) {
		rows = append(rows, passRow(name, *jf.Statistics.ByGroup[name]))
	}
	rows = append(rows, []any{}, []any{"model", jf.Model}, []any{"batch_file", jf.BatchFile})
	if err := writeRows(f, SheetSummary, rows); err != nil {
		return err
	}

	const sheet = "Judgments"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to add sheet: %w", err)
	}
	rows = [][]any{{"question_id", "question", "gold_answer", "generated_answer", "verdict", "llm_judgment", "error"}}
	for _, j := range jf.Judgments {
		rows = append(rows, []any{j.QuestionID, j.Question, j.GoldAnswer, j.GeneratedAnswer, string(j.Verdict), j.Raw, j.Error})
	}
	if err := writeRows(f, sheet, rows); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return nil
}

func metricsRow(name string, m *models.GroupMetrics) []any {
	if m == nil {
		return []any{name, 0}
	}
	row := []any{name, m.Queries, m.HitRate, m.PartialHitRate.Found, m.PartialHitRate.Total,
		m.PartialHitRate.Ratio(), m.MRR, m.SingleGoldQueries}
	if m.SingleGoldHitRate != nil {
		row = append(row, *m.SingleGoldHitRate)
	}
	return row
}

func passRow(name string, p models.PassRate) []any {
	return []any{name, p.Judged, p.Passed, p.Unjudged, p.Rate}
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
