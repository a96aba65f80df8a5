package storage

import (
	"context"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockedPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("(?s).*CREATE TABLE.*").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPostgresStore(db)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	return store, mock
}

func TestPostgresStore_QueryByIndexRange(t *testing.T) {
	store, mock := newMockedPostgresStore(t)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"pk", "payload"}).
		AddRow("det-1", `{"x":1}`).
		AddRow("det-2", `{"x":2}`)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT r.pk, r.payload FROM record_index i")).
		WithArgs("detections", "signal_timestamp", "2026-01-01T00:00:00.000Z", "2026-01-01T01:00:00.000Z", 50).
		WillReturnRows(rows)

	got, err := store.QueryByIndexRange(ctx, "detections", "signal_timestamp", "2026-01-01T00:00:00.000Z", "2026-01-01T01:00:00.000Z", 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
}

func TestPostgresStore_Put_UpsertsAndRewritesIndex(t *testing.T) {
	store, mock := newMockedPostgresStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO records")).
		WithArgs("candidates", "cand-1", `{"a":2}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM record_index")).
		WithArgs("candidates", "cand-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO record_index")).
		WithArgs("candidates", "service", "checkout", "cand-1").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Put(ctx, "candidates", "cand-1", []byte(`{"a":2}`), map[string]string{"service": "checkout"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Put_RollsBackOnExecError(t *testing.T) {
	store, mock := newMockedPostgresStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO records")).
		WithArgs("candidates", "cand-1", `{"a":2}`).
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	err := store.Put(ctx, "candidates", "cand-1", []byte(`{"a":2}`), nil)
	if err == nil {
		t.Fatal("expected an error to propagate")
	}
}

func TestPostgresStore_CreateVersioned_DelegatesToConditionalPut(t *testing.T) {
	store, mock := newMockedPostgresStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO records")).
		WithArgs("incidents", "inc-1", `{"state":"PENDING"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	created, err := store.CreateVersioned(ctx, "incidents", "inc-1", []byte(`{"state":"PENDING"}`), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true")
	}
}
