package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hyperjump/hybridrag/internal/models"
)

func newPostgresWithMock(t *testing.T) (*PostgresStorage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStorage(db), mock
}

func TestPostgresGetDocumentNotFound(t *testing.T) {
	store, mock := newPostgresWithMock(t)

	mock.ExpectQuery("SELECT doc_id, content, source_dataset").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetDocument(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresTextSearchOrdersRows(t *testing.T) {
	store, mock := newPostgresWithMock(t)

	rows := sqlmock.NewRows([]string{"doc_id", "score"}).
		AddRow("d3", 0.9).
		AddRow("d1", 0.4)
	mock.ExpectQuery("ts_rank_cd").
		WithArgs("tropical storm", 2).
		WillReturnRows(rows)

	got, err := store.TextSearch(context.Background(), "tropical storm", 2)
	if err != nil {
		t.Fatal(err)
	}
	if ids := got.IDs(); len(ids) != 2 || ids[0] != "d3" || ids[1] != "d1" {
		t.Errorf("TextSearch ids = %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresTextSearchZeroK(t *testing.T) {
	store, mock := newPostgresWithMock(t)
	got, err := store.TextSearch(context.Background(), "anything", 0)
	if err != nil || len(got) != 0 {
		t.Errorf("TextSearch(k=0) = %v, %v", got, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresSaveQueriesRollsBackOnError(t *testing.T) {
	store, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO queries").
		WithArgs("q1", "Who?", "", `["d1"]`, "single-hop", "").
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := store.SaveQueries(context.Background(), []*models.Query{
		{QuestionID: "q1", Question: "Who?", GoldDocIDs: []string{"d1"}, QuestionType: models.QuestionSingleHop},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresListQueriesDecodesGold(t *testing.T) {
	store, mock := newPostgresWithMock(t)

	rows := sqlmock.NewRows([]string{"question_id", "question", "gold_answer", "gold_doc_ids", "question_type", "source_dataset"}).
		AddRow("q1", "Where?", "Paris", `["d1","d2"]`, "multi-hop", "hotpotqa")
	mock.ExpectQuery("FROM queries").WillReturnRows(rows)

	qs, err := store.ListQueries(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(qs) != 1 || len(qs[0].GoldDocIDs) != 2 || qs[0].QuestionType != models.QuestionMultiHop {
		t.Errorf("ListQueries = %+v", qs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresSaveDocumentsCommits(t *testing.T) {
	store, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("d1", "text", "nq", "", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.SaveDocuments(context.Background(),
		[]*models.Document{{ID: "d1", Content: "text", SourceDataset: "nq", IsGold: true}},
		[][]float32{{0.1, 0.2}})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
