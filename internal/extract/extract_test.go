package extract

import (
	"strings"
	"testing"
)

func TestExtractIssues(t *testing.T) {
	raw := []byte(`{"issues":[
		{"key":"ABC-1","url":"https://jira.example.com/browse/ABC-1","summary":"Login button broken"},
		{"key":"ABC-2","summary":"Flaky test in CI"}
	]}`)

	md := Extract("search_issues", raw)
	if md.SourceType != SourceTypeIssueTracker {
		t.Fatalf("source type = %q", md.SourceType)
	}
	if len(md.Records) != 2 {
		t.Fatalf("records = %+v", md.Records)
	}
	first := md.Records[0]
	if first.Identifier != "ABC-1" || first.IdentifierType != "ticket" {
		t.Fatalf("first record: %+v", first)
	}
	if first.URL != "https://jira.example.com/browse/ABC-1" {
		t.Fatalf("first record url: %+v", first)
	}
	if md.Records[1].Identifier != "ABC-2" || md.Records[1].URL != "" {
		t.Fatalf("second record: %+v", md.Records[1])
	}
}

func TestExtractPullRequests(t *testing.T) {
	raw := []byte(`{"pull_requests":[
		{"number":42,"title":"Fix login redirect","html_url":"https://github.com/org/repo/pull/42","body":"Fixes the redirect loop"}
	]}`)

	md := Extract("list_pulls", raw)
	if md.SourceType != SourceTypeCodeReview {
		t.Fatalf("source type = %q", md.SourceType)
	}
	if len(md.Records) != 1 {
		t.Fatalf("records = %+v", md.Records)
	}
	rec := md.Records[0]
	if rec.Identifier != "#42" || rec.IdentifierType != "pull_request" {
		t.Fatalf("record: %+v", rec)
	}
	if rec.Title != "Fix login redirect" {
		t.Fatalf("record title: %+v", rec)
	}
}

func TestExtractSinglePullObject(t *testing.T) {
	raw := []byte(`{"number":7,"html_url":"https://github.com/org/repo/pull/7","title":"Bump deps"}`)

	md := Extract("get_pull", raw)
	if md.SourceType != SourceTypeCodeReview {
		t.Fatalf("source type = %q", md.SourceType)
	}
	if len(md.Records) != 1 || md.Records[0].Identifier != "#7" {
		t.Fatalf("records = %+v", md.Records)
	}
}

func TestExtractDocuments(t *testing.T) {
	raw := []byte(`{"results":[
		{"title":"Deploy runbook","url":"https://wiki.example.com/runbook","excerpt":"How to deploy the service"}
	]}`)

	md := Extract("search_docs", raw)
	if md.SourceType != SourceTypeDocuments {
		t.Fatalf("source type = %q", md.SourceType)
	}
	if len(md.Records) != 1 || md.Records[0].Title != "Deploy runbook" {
		t.Fatalf("records = %+v", md.Records)
	}
}

func TestExtractNonJSONFallsBackToScan(t *testing.T) {
	raw := []byte("See https://example.com/a and ticket DEF-12 for details.")

	md := Extract("read_file", raw)
	if md.SourceType != SourceTypeText {
		t.Fatalf("source type = %q", md.SourceType)
	}
	var urls, tickets int
	for _, rec := range md.Records {
		if rec.URL != "" {
			urls++
			if rec.URL != "https://example.com/a" {
				t.Fatalf("url record: %+v", rec)
			}
		}
		if rec.Identifier != "" {
			tickets++
			if rec.Identifier != "DEF-12" {
				t.Fatalf("ticket record: %+v", rec)
			}
		}
	}
	if urls != 1 || tickets != 1 {
		t.Fatalf("records = %+v", md.Records)
	}
}

func TestExtractNeverErrorsOnGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, {}, []byte("{"), []byte("12345"), []byte(`{"weird":true}`)} {
		md := Extract("tool", raw)
		if md.ToolName != "tool" {
			t.Fatalf("tool name lost for %q", raw)
		}
	}
}

func TestSnippetCapsLength(t *testing.T) {
	long := strings.Repeat("word ", 200)
	md := Extract("tool", []byte(`"`+long+`"`))
	if len([]rune(md.Snippet)) > maxSnippetRunes+1 {
		t.Fatalf("snippet too long: %d runes", len([]rune(md.Snippet)))
	}
	if !strings.HasSuffix(md.Snippet, "…") {
		t.Fatalf("snippet not marked truncated: %q", md.Snippet)
	}
}
