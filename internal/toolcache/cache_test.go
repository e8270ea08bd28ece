package toolcache

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/askbridge/askbridge/internal/store"
	"github.com/askbridge/askbridge/internal/toolserver"
)

func newTestCache(t *testing.T) (*Cache, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c, err := New(&store.Store{DB: db}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, mock
}

func expectReplace(mock sqlmock.Sqlmock, n int) {
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM cached_tools").WillReturnResult(sqlmock.NewResult(0, 0))
	for i := 0; i < n; i++ {
		mock.ExpectExec("INSERT INTO cached_tools").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("UPDATE sources SET cache_status=").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
}

func TestPutThenToolsServesFromMemory(t *testing.T) {
	c, mock := newTestCache(t)
	expectReplace(mock, 2)

	tools := []toolserver.Tool{
		{Name: "search_issues", Description: "Search issues by JQL"},
		{Name: "get_issue", Description: "Fetch one issue by key"},
	}
	if err := c.Put(context.Background(), "src-1", tools); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// No further SELECT is expected: the read must come from memory.
	got, err := c.Tools(context.Background(), "src-1")
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(got) != 2 || got[0].Name != "search_issues" {
		t.Fatalf("unexpected tools: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestToolsColdEntryLoadsFromDatabase(t *testing.T) {
	c, mock := newTestCache(t)

	mock.ExpectQuery("SELECT source_id, name, description, input_schema, updated_at").
		WithArgs("src-1").
		WillReturnRows(sqlmock.NewRows([]string{"source_id", "name", "description", "input_schema", "updated_at"}).
			AddRow("src-1", "get_issue", "Fetch one issue", []byte(`{}`), time.Now()))

	got, err := c.Tools(context.Background(), "src-1")
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(got) != 1 || got[0].Name != "get_issue" {
		t.Fatalf("unexpected tools: %+v", got)
	}

	// Second read hits memory: no additional query expectation needed.
	if _, err := c.Tools(context.Background(), "src-1"); err != nil {
		t.Fatalf("Tools (warm): %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMarkErrorKeepsServingStaleTools(t *testing.T) {
	c, mock := newTestCache(t)
	expectReplace(mock, 1)
	mock.ExpectExec("UPDATE sources SET cache_status=").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := c.Put(context.Background(), "src-1", []toolserver.Tool{{Name: "search_issues"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := c.MarkError(context.Background(), "src-1", errors.New("discovery timed out")); err != nil {
		t.Fatalf("MarkError: %v", err)
	}

	got, err := c.Tools(context.Background(), "src-1")
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("stale tools gone after MarkError: %+v", got)
	}
}

func TestSearchFindsToolByDescription(t *testing.T) {
	c, mock := newTestCache(t)
	expectReplace(mock, 2)

	tools := []toolserver.Tool{
		{Name: "search_issues", Description: "Search Jira issues by JQL query"},
		{Name: "list_pages", Description: "List wiki pages in a space"},
	}
	if err := c.Put(context.Background(), "src-1", tools); err != nil {
		t.Fatalf("Put: %v", err)
	}

	hits, err := c.Search("jira", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Name != "search_issues" || hits[0].SourceID != "src-1" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestInvalidateRemovesEntryAndIndex(t *testing.T) {
	c, mock := newTestCache(t)
	expectReplace(mock, 1)

	if err := c.Put(context.Background(), "src-1", []toolserver.Tool{{Name: "search_issues", Description: "Search issues"}}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Invalidate("src-1")

	hits, err := c.Search("issues", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("invalidated tool still indexed: %+v", hits)
	}

	// The next read falls through to the database.
	mock.ExpectQuery("SELECT source_id, name, description, input_schema, updated_at").
		WithArgs("src-1").
		WillReturnRows(sqlmock.NewRows([]string{"source_id", "name", "description", "input_schema", "updated_at"}))
	got, err := c.Tools(context.Background(), "src-1")
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("unexpected tools after invalidate: %+v", got)
	}
}
