package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode selects which candidate sources a retrieval uses.
type Mode string

const (
	ModeVector  Mode = "vector"
	ModeKeyword Mode = "keyword"
	ModeHybrid  Mode = "hybrid"
)

// ParseMode parses a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeVector:
		return ModeVector, nil
	case ModeKeyword:
		return ModeKeyword, nil
	case ModeHybrid:
		return ModeHybrid, nil
	default:
		return "", fmt.Errorf("%w: unknown retrieval mode %q (use vector, keyword, or hybrid)", ErrInvalidParameter, s)
	}
}

// ScoredDoc is a document id with a source-specific score.
type ScoredDoc struct {
	DocID string  `json:"doc_id"`
	Score float64 `json:"score"`
}

// RankedResult is an ordered list of scored documents; index 0 is rank 1.
type RankedResult []ScoredDoc

// IDs returns the document ids in rank order.
func (r RankedResult) IDs() []string {
	ids := make([]string, len(r))
	for i, d := range r {
		ids[i] = d.DocID
	}
	return ids
}

// Truncate returns at most k entries. k <= 0 returns the list unchanged.
func (r RankedResult) Truncate(k int) RankedResult {
	if k <= 0 || len(r) <= k {
		return r
	}
	return r[:k]
}

// Validate reports the first duplicate document id, if any.
func (r RankedResult) Validate() error {
	seen := make(map[string]struct{}, len(r))
	for i, d := range r {
		if _, ok := seen[d.DocID]; ok {
			return fmt.Errorf("duplicate doc_id %q at rank %d", d.DocID, i+1)
		}
		seen[d.DocID] = struct{}{}
	}
	return nil
}

// Retrieval is the live result of one orchestrated retrieval.
type Retrieval struct {
	Query          string       `json:"query"`
	Mode           Mode         `json:"mode"`
	Results        RankedResult `json:"results"`
	ResponseTimeMS float64      `json:"response_time_ms"`
}

// RetrievedDoc is one persisted entry of a retrieval record.
type RetrievedDoc struct {
	DocID string  `json:"doc_id"`
	Rank  int     `json:"rank"`
	Score float64 `json:"score"`
}

// RecordStatus is the outcome of one query in a batch run.
type RecordStatus string

const (
	StatusOK      RecordStatus = "ok"
	StatusFailed  RecordStatus = "failed"
	StatusSkipped RecordStatus = "skipped"
)

// RetrievalRecord is one query's persisted retrieval outcome.
type RetrievalRecord struct {
	QuestionID      string         `json:"question_id"`
	Retrieved       []RetrievedDoc `json:"retrieved"`
	ResponseTimeMS  float64        `json:"response_time_ms"`
	Mode            Mode           `json:"mode"`
	Status          RecordStatus   `json:"status,omitempty"`
	Reason          string         `json:"reason,omitempty"`
	Error           string         `json:"error,omitempty"`
	GeneratedAnswer string         `json:"generated_answer,omitempty"`
}

// Succeeded reports whether the record holds a usable retrieval. Records written
// without a status are treated as successful.
func (r *RetrievalRecord) Succeeded() bool {
	return r.Status == "" || r.Status == StatusOK
}

// RetrievedIDs returns the retrieved document ids ordered by rank. When any entry has
// no positive rank the stored order is used as is.
func (r *RetrievalRecord) RetrievedIDs() []string {
	docs := r.Retrieved
	ranked := true
	for _, d := range docs {
		if d.Rank <= 0 {
			ranked = false
			break
		}
	}
	if ranked && !sort.SliceIsSorted(docs, func(i, j int) bool { return docs[i].Rank < docs[j].Rank }) {
		docs = make([]RetrievedDoc, len(r.Retrieved))
		copy(docs, r.Retrieved)
		sort.SliceStable(docs, func(i, j int) bool { return docs[i].Rank < docs[j].Rank })
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.DocID
	}
	return ids
}

// NewRecord builds a successful record from a live retrieval.
func NewRecord(questionID string, ret *Retrieval) RetrievalRecord {
	rec := RetrievalRecord{
		QuestionID:     questionID,
		Retrieved:      make([]RetrievedDoc, len(ret.Results)),
		ResponseTimeMS: ret.ResponseTimeMS,
		Mode:           ret.Mode,
		Status:         StatusOK,
	}
	for i, d := range ret.Results {
		rec.Retrieved[i] = RetrievedDoc{DocID: d.DocID, Rank: i + 1, Score: d.Score}
	}
	return rec
}

// BatchSummary counts record outcomes of a batch run.
type BatchSummary struct {
	Total             int     `json:"total"`
	Succeeded         int     `json:"succeeded"`
	Failed            int     `json:"failed"`
	Skipped           int     `json:"skipped"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`
}

// BatchMetadata describes how a batch was produced.
type BatchMetadata struct {
	RunID       string       `json:"run_id"`
	Mode        Mode         `json:"retrieval_mode"`
	TopK        int          `json:"top_k"`
	RRFK        int          `json:"rrf_k,omitempty"`
	Fanout      int          `json:"fanout,omitempty"`
	QueriesFile string       `json:"queries_file,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Summary     BatchSummary `json:"summary"`
}

// Batch is the persisted output of one evaluation run.
type Batch struct {
	Metadata BatchMetadata     `json:"metadata"`
	Records  []RetrievalRecord `json:"records"`
}

// Summarize recomputes the batch summary from its records.
func (b *Batch) Summarize() BatchSummary {
	var s BatchSummary
	var totalMS float64
	for i := range b.Records {
		rec := &b.Records[i]
		s.Total++
		switch {
		case rec.Status == StatusSkipped:
			s.Skipped++
		case rec.Succeeded():
			s.Succeeded++
			totalMS += rec.ResponseTimeMS
		default:
			s.Failed++
		}
	}
	if s.Succeeded > 0 {
		s.AvgResponseTimeMS = totalMS / float64(s.Succeeded)
	}
	return s
}
