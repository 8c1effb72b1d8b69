// Package batch runs evaluation queries through the retrieval engine and persists the results.
package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/hybridrag/internal/models"
)

// LoadCorpus reads a JSON array of documents and validates each one.
func LoadCorpus(path string) ([]*models.Document, error) {
	var docs []*models.Document
	if err := readJSON(path, &docs); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		if d == nil {
			return nil, fmt.Errorf("%s: entry %d is null", path, i)
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i, err)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("%s: %w: duplicate doc_id %q", path, models.ErrInvalidParameter, d.ID)
		}
		seen[d.ID] = struct{}{}
	}
	return docs, nil
}

// LoadQueries reads a JSON array of labeled queries and validates each one.
func LoadQueries(path string) ([]*models.Query, error) {
	var queries []*models.Query
	if err := readJSON(path, &queries); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(queries))
	for i, q := range queries {
		if q == nil {
			return nil, fmt.Errorf("%s: entry %d is null", path, i)
		}
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("%s: entry %d: %w", path, i, err)
		}
		if _, dup := seen[q.QuestionID]; dup {
			return nil, fmt.Errorf("%s: %w: duplicate question_id %q", path, models.ErrInvalidParameter, q.QuestionID)
		}
		seen[q.QuestionID] = struct{}{}
	}
	return queries, nil
}

// legacyResult is one entry of the flat results array written by older evaluation scripts.
type legacyResult struct {
	QuestionID      string   `json:"question_id"`
	RetrievedDocIDs []string `json:"retrieved_doc_ids"`
	ResponseTimeMS  float64  `json:"response_time_ms"`
	GeneratedAnswer string   `json:"generated_answer"`
	Mode            string   `json:"mode"`
}

// LoadBatch reads a batch file. A flat array of {question_id, retrieved_doc_ids} results
// is accepted as well and converted to records.
func LoadBatch(path string) (*models.Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var legacy []legacyResult
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return fromLegacy(legacy), nil
	}

	var b models.Batch
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &b, nil
}

func fromLegacy(results []legacyResult) *models.Batch {
	b := &models.Batch{Records: make([]models.RetrievalRecord, len(results))}
	for i, r := range results {
		rec := models.RetrievalRecord{
			QuestionID:      r.QuestionID,
			ResponseTimeMS:  r.ResponseTimeMS,
			Mode:            models.Mode(r.Mode),
			Status:          models.StatusOK,
			GeneratedAnswer: r.GeneratedAnswer,
			Retrieved:       make([]models.RetrievedDoc, len(r.RetrievedDocIDs)),
		}
		for j, id := range r.RetrievedDocIDs {
			rec.Retrieved[j] = models.RetrievedDoc{DocID: id, Rank: j + 1}
		}
		b.Records[i] = rec
	}
	if len(results) > 0 {
		b.Metadata.Mode = b.Records[0].Mode
	}
	b.Metadata.Summary = b.Summarize()
	return b
}

// SaveBatch writes b to path atomically.
func SaveBatch(path string, b *models.Batch) error {
	return WriteJSON(path, b)
}

// WriteJSON writes v as indented JSON through a temp file and a rename.
// Readers never observe a partially written file.
func WriteJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
