// Package models defines core data structures for documents, queries, retrieval results, and reports.
package models

import (
	"fmt"
	"strings"
)

// Document is one retrieval unit of the corpus. Documents are not chunked and are
// read-only once ingested.
type Document struct {
	ID            string `json:"doc_id" db:"doc_id"`
	Content       string `json:"content" db:"content"`
	SourceDataset string `json:"original_source" db:"source_dataset"`
	OriginalID    string `json:"original_id,omitempty" db:"original_id"`
	IsGold        bool   `json:"is_gold" db:"is_gold"`
}

// Validate checks that the document can be stored and indexed.
func (d *Document) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: document id cannot be empty", ErrInvalidParameter)
	}
	if strings.TrimSpace(d.Content) == "" {
		return fmt.Errorf("%w: document %s has empty content", ErrInvalidParameter, d.ID)
	}
	return nil
}

// QuestionType classifies an evaluation query.
type QuestionType string

const (
	QuestionSingleHop QuestionType = "single-hop"
	QuestionMultiHop  QuestionType = "multi-hop"
)

// Query is a labeled evaluation question.
type Query struct {
	QuestionID    string       `json:"question_id" db:"question_id"`
	Question      string       `json:"question" db:"question"`
	GoldAnswer    string       `json:"gold_answer" db:"gold_answer"`
	GoldDocIDs    []string     `json:"gold_doc_ids" db:"gold_doc_ids"`
	QuestionType  QuestionType `json:"question_type" db:"question_type"`
	SourceDataset string       `json:"source_dataset" db:"source_dataset"`
}

// Validate ensures the query has an id, a question, and at least one distinct gold document.
func (q *Query) Validate() error {
	if strings.TrimSpace(q.QuestionID) == "" {
		return fmt.Errorf("%w: question_id cannot be empty", ErrInvalidParameter)
	}
	if strings.TrimSpace(q.Question) == "" {
		return fmt.Errorf("%w: question %s is empty", ErrInvalidParameter, q.QuestionID)
	}
	if len(q.GoldSet()) == 0 {
		return fmt.Errorf("%w: question %s has no gold_doc_ids", ErrInvalidParameter, q.QuestionID)
	}
	switch q.QuestionType {
	case "", QuestionSingleHop, QuestionMultiHop:
	default:
		return fmt.Errorf("%w: question %s has unknown question_type %q", ErrInvalidParameter, q.QuestionID, q.QuestionType)
	}
	return nil
}

// GoldSet returns the distinct non-empty gold document ids.
func (q *Query) GoldSet() map[string]struct{} {
	set := make(map[string]struct{}, len(q.GoldDocIDs))
	for _, id := range q.GoldDocIDs {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// QueryIndex keys queries by question id. Later duplicates replace earlier ones.
func QueryIndex(queries []*Query) map[string]*Query {
	out := make(map[string]*Query, len(queries))
	for _, q := range queries {
		out[q.QuestionID] = q
	}
	return out
}
