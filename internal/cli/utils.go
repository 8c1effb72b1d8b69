// Package cli renders retrieval results, batch summaries, and evaluation reports for the terminal.
package cli

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/hyperjump/hybridrag/internal/models"
	"github.com/hyperjump/hybridrag/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact prints one line per result.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseFormat validates a --output flag value. Empty means text.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputCompact:
		return OutputCompact, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown output format %q (use text, compact, or json)", models.ErrInvalidParameter, s)
	}
}

const snippetLen = 200

const rule = "─────────────────────────────────────────────────────────"

// SearchOutput is the JSON shape of a search command result.
type SearchOutput struct {
	*models.Retrieval
	Documents []*models.Document `json:"documents,omitempty"`
}

// WriteRetrieval writes a retrieval in the given format. docs supplies content for the
// text format and may be nil or partial; missing documents print their id only.
func WriteRetrieval(w io.Writer, ret *models.Retrieval, docs map[string]*models.Document, format OutputFormat) error {
	switch format {
	case OutputJSON:
		out := SearchOutput{Retrieval: ret}
		for _, d := range ret.Results {
			if doc, ok := docs[d.DocID]; ok {
				out.Documents = append(out.Documents, doc)
			}
		}
		return writeJSON(w, out)
	case OutputCompact:
		for i, d := range ret.Results {
			fmt.Fprintf(w, "%d\t%.6f\t%s\n", i+1, d.Score, d.DocID)
		}
		return nil
	default:
		fmt.Fprintf(w, "\nFound %d results in %.1fms (%s)\n\n", len(ret.Results), ret.ResponseTimeMS, ret.Mode)
		for i, d := range ret.Results {
			fmt.Fprintln(w, rule)
			fmt.Fprintf(w, "Rank: %d | Score: %.6f | ID: %s\n", i+1, d.Score, d.DocID)
			if doc, ok := docs[d.DocID]; ok {
				gold := ""
				if doc.IsGold {
					gold = " (gold)"
				}
				fmt.Fprintf(w, "Source: %s%s\n", doc.SourceDataset, gold)
				fmt.Fprintf(w, "\n%s\n", utils.Truncate(doc.Content, snippetLen))
			}
			fmt.Fprintln(w)
		}
		return nil
	}
}

// WriteBatchSummary prints the succeeded/failed/skipped counts of a batch run.
func WriteBatchSummary(w io.Writer, b *models.Batch, format OutputFormat) error {
	s := b.Metadata.Summary
	if format == OutputJSON {
		return writeJSON(w, b.Metadata)
	}
	fmt.Fprintf(w, "Run %s (%s, top_k=%d)\n", b.Metadata.RunID, b.Metadata.Mode, b.Metadata.TopK)
	fmt.Fprintf(w, "  total:     %d\n", s.Total)
	fmt.Fprintf(w, "  succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(w, "  failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "  skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  avg response time: %.1fms\n", s.AvgResponseTimeMS)
	if format == OutputText && s.Failed > 0 {
		reasons := map[string]int{}
		for i := range b.Records {
			if r := &b.Records[i]; r.Status == models.StatusFailed {
				reasons[r.Reason]++
			}
		}
		for _, reason := range sortedKeys(reasons) {
			fmt.Fprintf(w, "    %s: %d\n", reason, reasons[reason])
		}
	}
	return nil
}

// WriteMetrics writes a metrics report.
func WriteMetrics(w io.Writer, r *models.MetricsReport, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, r)
	case OutputCompact:
		writeCompactMetrics(w, "overall", r.Overall)
		for _, name := range sortedKeys(r.ByGroup) {
			writeCompactMetrics(w, name, r.ByGroup[name])
		}
		return nil
	default:
		fmt.Fprintf(w, "Records: %d (succeeded %d, failed %d, skipped %d)\n\n",
			r.Counts.Records, r.Counts.Succeeded, r.Counts.Failed, r.Counts.Skipped)
		fmt.Fprintln(w, "Overall")
		writeGroupMetrics(w, r.Overall)
		for _, k := range sortedKeys(r.Cutoffs) {
			fmt.Fprintf(w, "\n@%d\n", k)
			writeGroupMetrics(w, r.Cutoffs[k])
		}
		if len(r.ByGroup) > 0 {
			fmt.Fprintf(w, "\nBy %s\n", r.GroupBy)
			for _, name := range sortedKeys(r.ByGroup) {
				fmt.Fprintf(w, "\n[%s]\n", name)
				writeGroupMetrics(w, r.ByGroup[name])
			}
		}
		if len(r.AbsentGroups) > 0 {
			fmt.Fprintf(w, "\nNo queries for: %s\n", strings.Join(r.AbsentGroups, ", "))
		}
		if r.Counts.Missing > 0 {
			fmt.Fprintf(w, "\nUnknown question ids (not scored): %s\n", strings.Join(r.Counts.MissingIDs, ", "))
		}
		return nil
	}
}

func writeGroupMetrics(w io.Writer, m *models.GroupMetrics) {
	if m == nil {
		fmt.Fprintln(w, "  no scored queries")
		return
	}
	fmt.Fprintf(w, "  queries:          %d\n", m.Queries)
	fmt.Fprintf(w, "  hit rate:         %.4f\n", m.HitRate)
	fmt.Fprintf(w, "  partial hit rate: %d/%d (%.4f)\n", m.PartialHitRate.Found, m.PartialHitRate.Total, m.PartialHitRate.Ratio())
	fmt.Fprintf(w, "  MRR:              %.4f\n", m.MRR)
	if m.SingleGoldHitRate != nil {
		fmt.Fprintf(w, "  single-gold hit:  %.4f (%d queries)\n", *m.SingleGoldHitRate, m.SingleGoldQueries)
	}
}

func writeCompactMetrics(w io.Writer, name string, m *models.GroupMetrics) {
	if m == nil {
		fmt.Fprintf(w, "%s\t0\t-\t-\t-\n", name)
		return
	}
	fmt.Fprintf(w, "%s\t%d\t%.4f\t%d/%d\t%.4f\n", name, m.Queries, m.HitRate,
		m.PartialHitRate.Found, m.PartialHitRate.Total, m.MRR)
}

// WritePassRate writes a judge pass-rate report.
func WritePassRate(w io.Writer, r *models.PassRateReport, model string, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return writeJSON(w, r)
	case OutputCompact:
		fmt.Fprintf(w, "overall\t%d/%d\t%.4f\t%d\n", r.Overall.Passed, r.Overall.Judged, r.Overall.Rate, r.Overall.Unjudged)
		for _, name := range sortedKeys(r.ByGroup) {
			p := r.ByGroup[name]
			fmt.Fprintf(w, "%s\t%d/%d\t%.4f\t%d\n", name, p.Passed, p.Judged, p.Rate, p.Unjudged)
		}
		return nil
	default:
		if model != "" {
			fmt.Fprintf(w, "Judge model: %s\n", model)
		}
		writePassRateLine(w, "Overall", r.Overall)
		for _, name := range sortedKeys(r.ByGroup) {
			writePassRateLine(w, "  "+name, *r.ByGroup[name])
		}
		return nil
	}
}

func writePassRateLine(w io.Writer, label string, p models.PassRate) {
	fmt.Fprintf(w, "%s: %d/%d passed (%.2f%%)", label, p.Passed, p.Judged, 100*p.Rate)
	if p.Unjudged > 0 {
		fmt.Fprintf(w, ", %d unjudged", p.Unjudged)
	}
	fmt.Fprintln(w)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}
