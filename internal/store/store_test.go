package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{DB: db}, mock
}

func TestCreateSource(t *testing.T) {
	st, mock := newMockStore(t)

	query := regexp.QuoteMeta(`
INSERT INTO sources (name, kind, url, credentials, capability, instructions, owner_id, cache_status)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`)
	mock.ExpectQuery(query).
		WithArgs("team jira", SourceKindBridge, "", "secret", "jira", "prefer JQL search", "u1", CacheStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("src-1"))

	id, err := st.CreateSource(context.Background(), Source{
		Name:         "team jira",
		Kind:         SourceKindBridge,
		Credentials:  "secret",
		Capability:   "jira",
		Instructions: "prefer JQL search",
		OwnerID:      "u1",
	})
	if err != nil {
		t.Fatalf("CreateSource: %v", err)
	}
	if id != "src-1" {
		t.Fatalf("id = %q, want src-1", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetSourceNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT .* FROM sources").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := st.GetSource(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplaceCachedToolsTransaction(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM cached_tools WHERE source_id=$1`)).
		WithArgs("src-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	insert := regexp.QuoteMeta(`
INSERT INTO cached_tools (source_id, name, description, input_schema, updated_at)
VALUES ($1,$2,$3,$4,NOW())`)
	mock.ExpectExec(insert).
		WithArgs("src-1", "search_issues", "Search issues by JQL", []byte(`{"type":"object"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(insert).
		WithArgs("src-1", "get_issue", "", []byte(nil)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`
UPDATE sources SET cache_status=$2, cache_error=NULL, last_cached_at=NOW(), updated_at=NOW() WHERE id=$1`)).
		WithArgs("src-1", CacheStatusReady).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tools := []CachedTool{
		{Name: "search_issues", Description: "Search issues by JQL", InputSchema: []byte(`{"type":"object"}`)},
		{Name: "get_issue"},
	}
	if err := st.ReplaceCachedTools(context.Background(), "src-1", tools); err != nil {
		t.Fatalf("ReplaceCachedTools: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReplaceCachedToolsRollsBackOnInsertError(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM cached_tools WHERE source_id=$1`)).
		WithArgs("src-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO cached_tools").
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := st.ReplaceCachedTools(context.Background(), "src-1", []CachedTool{{Name: "t"}})
	if err == nil {
		t.Fatal("expected insert error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkCacheErrorKeepsTools(t *testing.T) {
	st, mock := newMockStore(t)

	// Only the sources row is touched; cached_tools rows stay as they are.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE sources SET cache_status=$2, cache_error=$3, updated_at=NOW() WHERE id=$1`)).
		WithArgs("src-1", CacheStatusError, "discovery timed out").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.MarkCacheError(context.Background(), "src-1", "discovery timed out"); err != nil {
		t.Fatalf("MarkCacheError: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetCachedTools(t *testing.T) {
	st, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectQuery("SELECT source_id, name, description, input_schema, updated_at").
		WithArgs("src-1").
		WillReturnRows(sqlmock.NewRows([]string{"source_id", "name", "description", "input_schema", "updated_at"}).
			AddRow("src-1", "get_issue", "Fetch one issue", []byte(`{"type":"object"}`), now).
			AddRow("src-1", "search_issues", "Search issues", []byte(`{}`), now))

	tools, err := st.GetCachedTools(context.Background(), "src-1")
	if err != nil {
		t.Fatalf("GetCachedTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("len(tools) = %d, want 2", len(tools))
	}
	if tools[0].Name != "get_issue" || string(tools[0].InputSchema) != `{"type":"object"}` {
		t.Fatalf("unexpected first tool: %+v", tools[0])
	}
}

func TestSoftDeleteSourceNotFound(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectExec("UPDATE sources SET deleted_at=NOW").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := st.SoftDeleteSource(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryRunLifecycle(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO query_runs").
		WithArgs("who broke the build?").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("run-1"))
	mock.ExpectExec("UPDATE query_runs SET status=").
		WithArgs("run-1", "completed", 3, 5, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := st.CreateQueryRun(context.Background(), "who broke the build?")
	if err != nil {
		t.Fatalf("CreateQueryRun: %v", err)
	}
	if err := st.FinishQueryRun(context.Background(), id, "completed", 3, 5, ""); err != nil {
		t.Fatalf("FinishQueryRun: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
