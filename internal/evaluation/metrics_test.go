package evaluation

import (
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/hybridrag/internal/models"
)

func record(qid string, ids ...string) models.RetrievalRecord {
	rec := models.RetrievalRecord{QuestionID: qid, Mode: models.ModeHybrid, Status: models.StatusOK}
	for i, id := range ids {
		rec.Retrieved = append(rec.Retrieved, models.RetrievedDoc{DocID: id, Rank: i + 1})
	}
	return rec
}

func query(qid, dataset string, qtype models.QuestionType, gold ...string) *models.Query {
	return &models.Query{
		QuestionID:    qid,
		Question:      "question " + qid,
		GoldDocIDs:    gold,
		QuestionType:  qtype,
		SourceDataset: dataset,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestComputeMetrics_PartialHitExample(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{query("q1", "squad", models.QuestionMultiHop, "A", "B", "C")})
	records := []models.RetrievalRecord{record("q1", "X", "A", "Y", "B", "C")}

	report, err := ComputeMetrics(records, queries, Options{IncludePerQuery: true})
	if err != nil {
		t.Fatal(err)
	}
	pq := report.PerQuery[0]
	if pq.FoundCount != 3 || !pq.Hit {
		t.Errorf("found = %d hit = %v, want 3 true", pq.FoundCount, pq.Hit)
	}
	want := (1.0/2 + 1.0/4 + 1.0/5) / 3
	if !almostEqual(pq.AvgRR, want) {
		t.Errorf("avg_rr = %v, want %v", pq.AvgRR, want)
	}
	if math.Abs(pq.AvgRR-0.317) > 0.001 {
		t.Errorf("avg_rr = %v, want about 0.317", pq.AvgRR)
	}
	if report.Overall.PartialHitRate != (models.Fraction{Found: 3, Total: 3}) {
		t.Errorf("partial = %+v", report.Overall.PartialHitRate)
	}
}

func TestComputeMetrics_HitAndMissExample(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{
		query("q1", "", "", "G1"),
		query("q2", "", "", "G2"),
	})
	records := []models.RetrievalRecord{
		record("q1", "G1", "X"),
		record("q2", "X", "Y"),
	}
	report, err := ComputeMetrics(records, queries, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Overall.HitRate != 0.5 || report.Overall.MRR != 0.5 {
		t.Errorf("hit rate = %v mrr = %v, want 0.5 0.5", report.Overall.HitRate, report.Overall.MRR)
	}
	if report.Overall.SingleGoldQueries != 2 || report.Overall.SingleGoldHitRate == nil || *report.Overall.SingleGoldHitRate != 0.5 {
		t.Errorf("single gold = %d %v", report.Overall.SingleGoldQueries, report.Overall.SingleGoldHitRate)
	}
}

func TestComputeMetrics_PartialHitRateIsRatioOfSums(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{
		query("q1", "", "", "A"),
		query("q2", "", "", "B", "C", "D", "E"),
	})
	records := []models.RetrievalRecord{
		record("q1", "A"),
		record("q2", "B", "Z"),
	}
	report, err := ComputeMetrics(records, queries, Options{})
	if err != nil {
		t.Fatal(err)
	}
	// ratio of sums 2/5, not mean of ratios (1 + 1/4)/2
	if got := report.Overall.PartialHitRate; got.Found != 2 || got.Total != 5 || !almostEqual(got.Ratio(), 0.4) {
		t.Errorf("partial = %+v", got)
	}
}

func TestComputeMetrics_DuplicateRetrievedCountsOnce(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{query("q1", "", "", "A", "B")})
	records := []models.RetrievalRecord{record("q1", "A", "A", "B")}
	report, err := ComputeMetrics(records, queries, Options{IncludePerQuery: true})
	if err != nil {
		t.Fatal(err)
	}
	pq := report.PerQuery[0]
	if pq.FoundCount != 2 {
		t.Errorf("found = %d, want 2", pq.FoundCount)
	}
	if !almostEqual(pq.AvgRR, (1.0+1.0/3)/2) {
		t.Errorf("avg_rr = %v", pq.AvgRR)
	}
}

func TestComputeMetrics_UnknownQuestionExcluded(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{
		query("q1", "squad", "", "A"),
		query("q2", "squad", "", "B"),
	})
	records := []models.RetrievalRecord{
		record("q1", "A"),
		record("ghost", "X"),
		record("q2", "X", "B"),
		record("ghost", "Y"),
		record("zombie"),
	}
	report, err := ComputeMetrics(records, queries, Options{GroupBy: GroupSourceDataset, Cutoffs: []int{1}, IncludePerQuery: true})
	if err != nil {
		t.Fatalf("ComputeMetrics: %v", err)
	}
	if report.Overall == nil || report.Overall.Queries != 2 {
		t.Fatalf("overall = %+v, want 2 scored queries", report.Overall)
	}
	if report.Overall.HitRate != 1 || !almostEqual(report.Overall.MRR, 0.75) {
		t.Errorf("hit rate = %v mrr = %v, want 1 and 0.75", report.Overall.HitRate, report.Overall.MRR)
	}
	if report.Overall.PartialHitRate.Total != 2 {
		t.Errorf("partial hit total = %d, want 2", report.Overall.PartialHitRate.Total)
	}
	if g := report.ByGroup["squad"]; g == nil || g.Queries != 2 {
		t.Errorf("squad group = %+v", g)
	}
	if c := report.Cutoffs[1]; c == nil || c.Queries != 2 || c.HitRate != 0.5 {
		t.Errorf("@1 = %+v, want 2 queries and hit rate 0.5", c)
	}
	if len(report.PerQuery) != 2 {
		t.Errorf("per query rows = %d, want 2", len(report.PerQuery))
	}
	want := models.ReportCounts{Records: 4, Succeeded: 2, Missing: 2, MissingIDs: []string{"ghost", "zombie"}}
	if !reflect.DeepEqual(report.Counts, want) {
		t.Errorf("counts = %+v, want %+v", report.Counts, want)
	}
	if err := MissingErr(report); !errors.Is(err, models.ErrMissingQuery) || !strings.Contains(err.Error(), "ghost, zombie") {
		t.Errorf("MissingErr = %v, want ErrMissingQuery naming ghost and zombie", err)
	}
}

func TestComputeMetrics_OnlyUnknownQuestions(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{query("q1", "", "", "A")})
	report, err := ComputeMetrics([]models.RetrievalRecord{record("ghost", "A")}, queries, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if report.Overall != nil || report.Counts.Missing != 1 {
		t.Errorf("overall = %+v counts = %+v", report.Overall, report.Counts)
	}
}

func TestMissingErr_AllScored(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{query("q1", "", "", "A")})
	report, err := ComputeMetrics([]models.RetrievalRecord{record("q1", "A")}, queries, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := MissingErr(report); err != nil {
		t.Errorf("MissingErr = %v, want nil", err)
	}
}

func TestComputeMetrics_UsesPersistedRank(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{query("q1", "", "", "A")})
	rec := models.RetrievalRecord{QuestionID: "q1", Status: models.StatusOK, Retrieved: []models.RetrievedDoc{
		{DocID: "A", Rank: 3},
		{DocID: "X", Rank: 1},
		{DocID: "Y", Rank: 2},
	}}
	report, err := ComputeMetrics([]models.RetrievalRecord{rec}, queries, Options{Cutoffs: []int{1, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(report.Overall.MRR, 1.0/3) {
		t.Errorf("mrr = %v, want 1/3", report.Overall.MRR)
	}
	if report.Cutoffs[1].HitRate != 0 || report.Cutoffs[3].HitRate != 1 {
		t.Errorf("hit@1 = %v hit@3 = %v, want 0 and 1", report.Cutoffs[1].HitRate, report.Cutoffs[3].HitRate)
	}
}

func TestComputeMetrics_FailedAndSkippedRecords(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{
		query("q1", "", "", "A"),
		query("q2", "", "", "B"),
		query("q3", "", "", "C"),
	})
	failed := record("q2")
	failed.Status = models.StatusFailed
	failed.Reason = models.ReasonSourceUnavailable
	skipped := record("q3")
	skipped.Status = models.StatusSkipped

	report, err := ComputeMetrics([]models.RetrievalRecord{record("q1", "A"), failed, skipped}, queries, Options{})
	if err != nil {
		t.Fatal(err)
	}
	wantCounts := models.ReportCounts{Records: 3, Succeeded: 1, Failed: 1, Skipped: 1}
	if !reflect.DeepEqual(report.Counts, wantCounts) {
		t.Errorf("counts = %+v, want %+v", report.Counts, wantCounts)
	}
	if report.Overall.Queries != 2 || report.Overall.HitRate != 0.5 || report.Overall.MRR != 0.5 {
		t.Errorf("overall = %+v", report.Overall)
	}
	if report.Overall.PartialHitRate.Total != 2 {
		t.Errorf("failed record gold should stay in the denominator: %+v", report.Overall.PartialHitRate)
	}
}

func TestComputeMetrics_Grouping(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{
		query("q1", "squad", models.QuestionSingleHop, "A"),
		query("q2", "squad", models.QuestionSingleHop, "B"),
		query("q3", "hotpot", models.QuestionMultiHop, "C", "D"),
		query("q4", "", models.QuestionMultiHop, "E"),
	})
	records := []models.RetrievalRecord{
		record("q1", "A"),
		record("q2", "X"),
		record("q3", "D", "C"),
		record("q4", "E"),
	}

	report, err := ComputeMetrics(records, queries, Options{GroupBy: GroupSourceDataset})
	if err != nil {
		t.Fatal(err)
	}
	if got := SortedGroupNames(report); !reflect.DeepEqual(got, []string{"hotpot", "squad", UnknownGroup}) {
		t.Errorf("groups = %v", got)
	}
	if report.ByGroup["squad"].HitRate != 0.5 || report.ByGroup["hotpot"].MRR != 0.75 {
		t.Errorf("squad = %+v hotpot = %+v", report.ByGroup["squad"], report.ByGroup["hotpot"])
	}

	report, err = ComputeMetrics(records, queries, Options{GroupBy: GroupQuestionType})
	if err != nil {
		t.Fatal(err)
	}
	if g := report.ByGroup[string(models.QuestionMultiHop)]; g == nil || g.Queries != 2 || g.HitRate != 1 {
		t.Errorf("multi-hop = %+v", g)
	}
}

func TestComputeMetrics_EmptyGroup(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{query("q1", "squad", "", "A")})
	records := []models.RetrievalRecord{record("q1", "A")}

	report, err := ComputeMetrics(records, queries, Options{
		GroupBy: GroupSourceDataset,
		Groups:  []string{"squad", "nq"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(report.AbsentGroups, []string{"nq"}) {
		t.Errorf("absent = %v, want [nq]", report.AbsentGroups)
	}
	if _, ok := report.ByGroup["nq"]; ok {
		t.Error("absent group must not carry metrics")
	}
	if _, err := GroupOrErr(report, "nq"); !errors.Is(err, models.ErrEmptyGroup) {
		t.Errorf("err = %v, want ErrEmptyGroup", err)
	}
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("report must be JSON encodable (no NaN): %v", err)
	}
	if len(data) == 0 {
		t.Error("empty JSON")
	}
}

func TestComputeMetrics_NoScoredQueries(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{query("q1", "", "", "A")})
	skipped := record("q1")
	skipped.Status = models.StatusSkipped
	report, err := ComputeMetrics([]models.RetrievalRecord{skipped}, queries, Options{Cutoffs: []int{1}})
	if err != nil {
		t.Fatal(err)
	}
	if report.Overall != nil || report.Cutoffs != nil {
		t.Errorf("overall = %+v cutoffs = %v, want none", report.Overall, report.Cutoffs)
	}
	if _, err := json.Marshal(report); err != nil {
		t.Fatal(err)
	}
}

func TestComputeMetrics_Idempotent(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{
		query("q1", "a", "", "A", "B"),
		query("q2", "b", "", "C"),
		query("q3", "a", "", "D"),
	})
	records := []models.RetrievalRecord{
		record("q3", "X", "D"),
		record("q1", "B", "Y", "A"),
		record("q2", "C"),
	}
	opts := Options{GroupBy: GroupSourceDataset, Cutoffs: []int{1, 3}, IncludePerQuery: true}
	first, err := ComputeMetrics(records, queries, opts)
	if err != nil {
		t.Fatal(err)
	}
	reversed := []models.RetrievalRecord{records[2], records[1], records[0]}
	second, err := ComputeMetrics(reversed, queries, opts)
	if err != nil {
		t.Fatal(err)
	}
	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("reports differ:\n%s\n%s", a, b)
	}
}

func TestComputeMetrics_HitRateMonotonicInK(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{
		query("q1", "", "", "A"),
		query("q2", "", "", "B", "C"),
		query("q3", "", "", "D"),
		query("q4", "", "", "E"),
	})
	records := []models.RetrievalRecord{
		record("q1", "X", "Y", "A"),
		record("q2", "C", "Z"),
		record("q3", "P", "Q", "R", "S", "D"),
		record("q4", "N"),
	}
	report, err := ComputeMetrics(records, queries, Options{Cutoffs: []int{1, 2, 3, 4, 5}})
	if err != nil {
		t.Fatal(err)
	}
	prev := -1.0
	for k := 1; k <= 5; k++ {
		hr := report.Cutoffs[k].HitRate
		if hr < prev {
			t.Errorf("hit rate dropped at k=%d: %v < %v", k, hr, prev)
		}
		prev = hr
	}
	if report.Cutoffs[1].HitRate != 0.25 || report.Cutoffs[5].HitRate != 0.75 {
		t.Errorf("@1 = %v @5 = %v", report.Cutoffs[1].HitRate, report.Cutoffs[5].HitRate)
	}
}

func TestComputeMetrics_InvalidOptions(t *testing.T) {
	queries := models.QueryIndex([]*models.Query{query("q1", "", "", "A")})
	tests := []struct {
		name string
		opts Options
	}{
		{"unknown group_by", Options{GroupBy: "author"}},
		{"groups without group_by", Options{Groups: []string{"x"}}},
		{"zero cutoff", Options{Cutoffs: []int{0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeMetrics(nil, queries, tt.opts)
			if !errors.Is(err, models.ErrInvalidParameter) {
				t.Errorf("err = %v, want ErrInvalidParameter", err)
			}
		})
	}
}
