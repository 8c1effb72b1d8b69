package models

// Fraction keeps numerator and denominator so groups can be rolled up by volume.
type Fraction struct {
	Found int `json:"found"`
	Total int `json:"total"`
}

// Ratio returns Found/Total, or 0 when Total is 0.
func (f Fraction) Ratio() float64 {
	if f.Total == 0 {
		return 0
	}
	return float64(f.Found) / float64(f.Total)
}

// Add returns the element-wise sum of two fractions.
func (f Fraction) Add(o Fraction) Fraction {
	return Fraction{Found: f.Found + o.Found, Total: f.Total + o.Total}
}

// GroupMetrics holds aggregate retrieval quality for a set of queries.
type GroupMetrics struct {
	Queries           int      `json:"queries"`
	HitRate           float64  `json:"hit_rate"`
	PartialHitRate    Fraction `json:"partial_hit_rate"`
	MRR               float64  `json:"mrr"`
	SingleGoldQueries int      `json:"single_gold_queries"`
	SingleGoldHitRate *float64 `json:"single_gold_hit_rate,omitempty"`
}

// QueryMetrics is the per-query breakdown behind a report.
type QueryMetrics struct {
	QuestionID    string       `json:"question_id"`
	SourceDataset string       `json:"source_dataset"`
	QuestionType  QuestionType `json:"question_type"`
	Status        RecordStatus `json:"status"`
	GoldCount     int          `json:"gold_count"`
	FoundCount    int          `json:"found_count"`
	FoundDocIDs   []string     `json:"found_doc_ids"`
	Hit           bool         `json:"hit"`
	AvgRR         float64      `json:"avg_rr"`
}

// ReportCounts reports how many records fed the report.
type ReportCounts struct {
	Records   int `json:"records"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Missing counts records whose question id is not in the query set. They are
	// left out of every metric.
	Missing    int      `json:"missing"`
	MissingIDs []string `json:"missing_ids,omitempty"`
}

// MetricsReport is derived from a batch and a query set and can always be regenerated.
type MetricsReport struct {
	GroupBy      string                   `json:"group_by,omitempty"`
	Overall      *GroupMetrics            `json:"overall"`
	ByGroup      map[string]*GroupMetrics `json:"by_group,omitempty"`
	AbsentGroups []string                 `json:"absent_groups,omitempty"`
	Cutoffs      map[int]*GroupMetrics    `json:"cutoffs,omitempty"`
	Counts       ReportCounts             `json:"counts"`
	PerQuery     []QueryMetrics           `json:"per_query,omitempty"`
}

// Verdict is a judge outcome.
type Verdict string

const (
	VerdictPass     Verdict = "pass"
	VerdictFail     Verdict = "fail"
	VerdictUnjudged Verdict = "unjudged"
)

// Judgment is one judged answer.
type Judgment struct {
	QuestionID      string  `json:"question_id"`
	Question        string  `json:"question"`
	GoldAnswer      string  `json:"gold_answer"`
	GeneratedAnswer string  `json:"generated_answer"`
	Verdict         Verdict `json:"verdict"`
	Raw             string  `json:"llm_judgment,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// PassRate aggregates judgments; unjudged answers are excluded from the denominator.
type PassRate struct {
	Judged   int     `json:"judged"`
	Passed   int     `json:"passed"`
	Unjudged int     `json:"unjudged"`
	Rate     float64 `json:"pass_rate"`
}

// PassRateReport is the judge counterpart of MetricsReport.
type PassRateReport struct {
	GroupBy string               `json:"group_by,omitempty"`
	Overall PassRate             `json:"overall"`
	ByGroup map[string]*PassRate `json:"by_group,omitempty"`
	// Missing lists judged question ids that are not in the query set.
	Missing []string `json:"missing_question_ids,omitempty"`
}

// JudgmentFile is the persisted output of a judge run.
type JudgmentFile struct {
	Model      string         `json:"model"`
	BatchFile  string         `json:"batch_file"`
	Statistics PassRateReport `json:"statistics"`
	Judgments  []Judgment     `json:"results"`
}
