package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/hybridrag/internal/models"
)

// SQLiteStorage implements Store using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Use ":memory:" for a throwaway store.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSQLiteSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSQLiteSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		source_dataset TEXT NOT NULL DEFAULT '',
		original_id TEXT NOT NULL DEFAULT '',
		is_gold INTEGER NOT NULL DEFAULT 0,
		embedding BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_dataset);

	CREATE TABLE IF NOT EXISTS queries (
		question_id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		gold_answer TEXT NOT NULL DEFAULT '',
		gold_doc_ids TEXT NOT NULL,
		question_type TEXT NOT NULL DEFAULT '',
		source_dataset TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := db.Exec(schema)
	return err
}

// SaveDocuments upserts documents in one transaction. embeddings[i] belongs to docs[i];
// a shorter or nil embeddings slice stores documents without vectors.
func (s *SQLiteStorage) SaveDocuments(ctx context.Context, docs []*models.Document, embeddings [][]float32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO documents (doc_id, content, source_dataset, original_id, is_gold, embedding)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET
		   content = excluded.content,
		   source_dataset = excluded.source_dataset,
		   original_id = excluded.original_id,
		   is_gold = excluded.is_gold,
		   embedding = COALESCE(excluded.embedding, documents.embedding)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, doc := range docs {
		if _, err := stmt.ExecContext(ctx, doc.ID, doc.Content, doc.SourceDataset, doc.OriginalID, doc.IsGold, embeddingAt(embeddings, i)); err != nil {
			return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
		}
	}
	return tx.Commit()
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT doc_id, content, source_dataset, original_id, is_gold
		 FROM documents WHERE doc_id = ?`, id,
	)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocuments returns the documents that exist among ids, keyed by id.
func (s *SQLiteStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, content, source_dataset, original_id, is_gold
		 FROM documents WHERE doc_id IN (`+placeholders+`)`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, rows.Err()
}

// ListDocuments returns documents ordered by id with offset and limit.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, content, source_dataset, original_id, is_gold
		 FROM documents ORDER BY doc_id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// GoldDocumentIDs returns the ids of all documents flagged is_gold.
func (s *SQLiteStorage) GoldDocumentIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id FROM documents WHERE is_gold = 1`)
	if err != nil {
		return nil, err
	}
	return collectIDs(rows)
}

// ForEachEmbedding calls fn for every stored embedding in doc_id order.
func (s *SQLiteStorage) ForEachEmbedding(ctx context.Context, fn func(id string, vec []float32) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, embedding FROM documents WHERE embedding IS NOT NULL ORDER BY doc_id`)
	if err != nil {
		return err
	}
	return forEachEmbeddingRow(rows, fn)
}

// ClearDocuments removes every document.
func (s *SQLiteStorage) ClearDocuments(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents`)
	return err
}

// SaveQueries upserts queries in one transaction.
func (s *SQLiteStorage) SaveQueries(ctx context.Context, queries []*models.Query) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO queries (question_id, question, gold_answer, gold_doc_ids, question_type, source_dataset)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(question_id) DO UPDATE SET
		   question = excluded.question,
		   gold_answer = excluded.gold_answer,
		   gold_doc_ids = excluded.gold_doc_ids,
		   question_type = excluded.question_type,
		   source_dataset = excluded.source_dataset`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, q := range queries {
		gold, err := encodeIDs(q.GoldDocIDs)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, q.QuestionID, q.Question, q.GoldAnswer, gold, string(q.QuestionType), q.SourceDataset); err != nil {
			return fmt.Errorf("failed to save query %s: %w", q.QuestionID, err)
		}
	}
	return tx.Commit()
}

// GetQuery returns a query by question id.
func (s *SQLiteStorage) GetQuery(ctx context.Context, id string) (*models.Query, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT question_id, question, gold_answer, gold_doc_ids, question_type, source_dataset
		 FROM queries WHERE question_id = ?`, id,
	)
	q, err := scanQuery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query %s %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ListQueries returns all queries ordered by question id.
func (s *SQLiteStorage) ListQueries(ctx context.Context) ([]*models.Query, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, question, gold_answer, gold_doc_ids, question_type, source_dataset
		 FROM queries ORDER BY question_id`)
	if err != nil {
		return nil, err
	}
	return collectQueries(rows)
}

// ClearQueries removes every query.
func (s *SQLiteStorage) ClearQueries(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queries`)
	return err
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountQueries returns the total number of queries.
func (s *SQLiteStorage) CountQueries(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queries`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	if err := row.Scan(&doc.ID, &doc.Content, &doc.SourceDataset, &doc.OriginalID, &doc.IsGold); err != nil {
		return nil, err
	}
	return &doc, nil
}

func scanQuery(row rowScanner) (*models.Query, error) {
	var q models.Query
	var gold, qtype string
	if err := row.Scan(&q.QuestionID, &q.Question, &q.GoldAnswer, &gold, &qtype, &q.SourceDataset); err != nil {
		return nil, err
	}
	ids, err := decodeIDs(gold)
	if err != nil {
		return nil, err
	}
	q.GoldDocIDs = ids
	q.QuestionType = models.QuestionType(qtype)
	return &q, nil
}

func collectQueries(rows *sql.Rows) ([]*models.Query, error) {
	defer rows.Close()
	var out []*models.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func collectIDs(rows *sql.Rows) (map[string]struct{}, error) {
	defer rows.Close()
	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func forEachEmbeddingRow(rows *sql.Rows, fn func(id string, vec []float32) error) error {
	defer rows.Close()
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return err
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return fmt.Errorf("document %s: %w", id, err)
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}
