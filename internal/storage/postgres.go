package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/hyperjump/hybridrag/internal/models"
)

// PostgresStorage implements Store and TextSearcher on PostgreSQL. Lexical ranking uses a
// generated tsvector column scored with ts_rank_cd.
type PostgresStorage struct {
	db *sql.DB
}

// OpenPostgres connects through the pgx database/sql driver and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := NewPostgresStorage(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStorage wraps an existing handle. The caller owns schema setup.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

// EnsureSchema creates tables and the full-text index if missing.
func (s *PostgresStorage) EnsureSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// concurrent `ingest` runs would otherwise race on CREATE TABLE
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	source_dataset TEXT NOT NULL DEFAULT '',
	original_id TEXT NOT NULL DEFAULT '',
	is_gold BOOLEAN NOT NULL DEFAULT FALSE,
	embedding BYTEA,
	tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
);

CREATE INDEX IF NOT EXISTS idx_documents_tsv ON documents USING GIN (tsv);
CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_dataset);

CREATE TABLE IF NOT EXISTS queries (
	question_id TEXT PRIMARY KEY,
	question TEXT NOT NULL,
	gold_answer TEXT NOT NULL DEFAULT '',
	gold_doc_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	question_type TEXT NOT NULL DEFAULT '',
	source_dataset TEXT NOT NULL DEFAULT ''
);
`
	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// SaveDocuments upserts documents in one transaction.
func (s *PostgresStorage) SaveDocuments(ctx context.Context, docs []*models.Document, embeddings [][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i, doc := range docs {
		_, err := tx.ExecContext(ctx, `
INSERT INTO documents (doc_id, content, source_dataset, original_id, is_gold, embedding)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (doc_id) DO UPDATE SET
	content = EXCLUDED.content,
	source_dataset = EXCLUDED.source_dataset,
	original_id = EXCLUDED.original_id,
	is_gold = EXCLUDED.is_gold,
	embedding = COALESCE(EXCLUDED.embedding, documents.embedding)
`, doc.ID, doc.Content, doc.SourceDataset, doc.OriginalID, doc.IsGold, embeddingAt(embeddings, i))
		if err != nil {
			return fmt.Errorf("insert document %s: %w", doc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit documents: %w", err)
	}
	return nil
}

// GetDocument returns a document by ID.
func (s *PostgresStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT doc_id, content, source_dataset, original_id, is_gold
FROM documents
WHERE doc_id = $1
`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %s %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// GetDocuments returns the documents that exist among ids, keyed by id.
func (s *PostgresStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT doc_id, content, source_dataset, original_id, is_gold
FROM documents
WHERE doc_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out[doc.ID] = doc
	}
	return out, rows.Err()
}

// ListDocuments returns documents ordered by id with offset and limit.
func (s *PostgresStorage) ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT doc_id, content, source_dataset, original_id, is_gold
FROM documents
ORDER BY doc_id
LIMIT $1 OFFSET $2
`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GoldDocumentIDs returns the ids of all documents flagged is_gold.
func (s *PostgresStorage) GoldDocumentIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM documents WHERE is_gold`)
	if err != nil {
		return nil, fmt.Errorf("list gold documents: %w", err)
	}
	return collectIDs(rows)
}

// ForEachEmbedding calls fn for every stored embedding in doc_id order.
func (s *PostgresStorage) ForEachEmbedding(ctx context.Context, fn func(id string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx, `
SELECT doc_id, embedding
FROM documents
WHERE embedding IS NOT NULL
ORDER BY doc_id
`)
	if err != nil {
		return fmt.Errorf("list embeddings: %w", err)
	}
	return forEachEmbeddingRow(rows, fn)
}

// ClearDocuments removes every document.
func (s *PostgresStorage) ClearDocuments(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	return nil
}

// SaveQueries upserts queries in one transaction.
func (s *PostgresStorage) SaveQueries(ctx context.Context, queries []*models.Query) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, q := range queries {
		gold, err := encodeIDs(q.GoldDocIDs)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO queries (question_id, question, gold_answer, gold_doc_ids, question_type, source_dataset)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (question_id) DO UPDATE SET
	question = EXCLUDED.question,
	gold_answer = EXCLUDED.gold_answer,
	gold_doc_ids = EXCLUDED.gold_doc_ids,
	question_type = EXCLUDED.question_type,
	source_dataset = EXCLUDED.source_dataset
`, q.QuestionID, q.Question, q.GoldAnswer, gold, string(q.QuestionType), q.SourceDataset)
		if err != nil {
			return fmt.Errorf("insert query %s: %w", q.QuestionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit queries: %w", err)
	}
	return nil
}

// GetQuery returns a query by question id.
func (s *PostgresStorage) GetQuery(ctx context.Context, id string) (*models.Query, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT question_id, question, gold_answer, gold_doc_ids::text, question_type, source_dataset
FROM queries
WHERE question_id = $1
`, id)
	q, err := scanQuery(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("query %s %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get query: %w", err)
	}
	return q, nil
}

// ListQueries returns all queries ordered by question id.
func (s *PostgresStorage) ListQueries(ctx context.Context) ([]*models.Query, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT question_id, question, gold_answer, gold_doc_ids::text, question_type, source_dataset
FROM queries
ORDER BY question_id
`)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	return collectQueries(rows)
}

// ClearQueries removes every query.
func (s *PostgresStorage) ClearQueries(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queries`); err != nil {
		return fmt.Errorf("clear queries: %w", err)
	}
	return nil
}

// CountDocuments returns the total number of documents.
func (s *PostgresStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountQueries returns the total number of queries.
func (s *PostgresStorage) CountQueries(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queries`).Scan(&count)
	return count, err
}

// TextSearch ranks documents by ts_rank_cd. Query terms are OR-ed so a document matching
// any term is a candidate; ties break on doc_id.
func (s *PostgresStorage) TextSearch(ctx context.Context, query string, k int) (models.RankedResult, error) {
	if k <= 0 {
		return models.RankedResult{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT doc_id, ts_rank_cd(tsv, q) AS score
FROM documents,
	replace(plainto_tsquery('english', $1)::text, '&', '|')::tsquery AS q
WHERE tsv @@ q
ORDER BY score DESC, doc_id ASC
LIMIT $2
`, query, k)
	if err != nil {
		return nil, fmt.Errorf("text search: %w", err)
	}
	defer rows.Close()

	results := models.RankedResult{}
	for rows.Next() {
		var d models.ScoredDoc
		if err := rows.Scan(&d.DocID, &d.Score); err != nil {
			return nil, fmt.Errorf("scan text search row: %w", err)
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// Close closes the database connection.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
