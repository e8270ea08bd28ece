package extract

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Metadata captures provenance pulled out of one tool call's raw output.
// It lives for the duration of a single query and is never persisted.
type Metadata struct {
	ToolName   string   `json:"tool_name"`
	SourceType string   `json:"source_type"`
	Records    []Record `json:"records,omitempty"`
	Snippet    string   `json:"snippet,omitempty"`
}

// Record is one referencable item found in a tool result: a URL, an
// identifier (ticket key, PR number), or both.
type Record struct {
	Title          string `json:"title,omitempty"`
	URL            string `json:"url,omitempty"`
	IdentifierType string `json:"identifier_type,omitempty"`
	Identifier     string `json:"identifier,omitempty"`
	Snippet        string `json:"snippet,omitempty"`
}

// Source types detected from payload shape.
const (
	SourceTypeIssueTracker = "issue_tracker"
	SourceTypeCodeReview   = "code_review"
	SourceTypeDocuments    = "documents"
	SourceTypeGeneric      = "generic"
	SourceTypeText         = "text"
)

const maxSnippetRunes = 280

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>\)\]]+`)
	ticketPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]{1,9}-\d+\b`)
)

// Extract pulls URLs, titles, and structured identifiers out of an arbitrary
// tool-result payload. It never fails: when the payload cannot be parsed it
// degrades to a snippet-only result.
func Extract(toolName string, raw []byte) Metadata {
	md := Metadata{ToolName: toolName, SourceType: SourceTypeText, Snippet: snippet(string(raw))}
	if len(raw) == 0 {
		return md
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// Not JSON: scan the raw text for URL-like and identifier-like substrings.
		md.Records = scanText(string(raw))
		return md
	}

	switch v := doc.(type) {
	case map[string]interface{}:
		strategy := detect(v)
		md.SourceType = strategy.sourceType
		md.Records = strategy.extract(v)
	case []interface{}:
		md.SourceType = SourceTypeGeneric
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				if rec, ok := recordFromObject(m); ok {
					md.Records = append(md.Records, rec)
				}
			}
		}
	case string:
		md.Records = scanText(v)
		md.Snippet = snippet(v)
	}

	if len(md.Records) == 0 {
		md.Records = scanText(string(raw))
	}
	return md
}

// strategy is one tagged extraction variant, selected by payload shape.
type strategy struct {
	sourceType string
	extract    func(map[string]interface{}) []Record
}

func detect(doc map[string]interface{}) strategy {
	if _, ok := doc["issues"]; ok {
		return strategy{SourceTypeIssueTracker, extractIssues}
	}
	if _, ok := doc["pull_requests"]; ok {
		return strategy{SourceTypeCodeReview, extractPulls}
	}
	if hasKeys(doc, "number", "html_url") {
		return strategy{SourceTypeCodeReview, extractPulls}
	}
	for _, key := range []string{"results", "documents", "pages", "items"} {
		if _, ok := doc[key]; ok {
			return strategy{SourceTypeDocuments, extractDocuments}
		}
	}
	return strategy{SourceTypeGeneric, extractGeneric}
}

func extractIssues(doc map[string]interface{}) []Record {
	var out []Record
	for _, item := range objectList(doc["issues"]) {
		rec := Record{
			URL:     firstString(item, "url", "self", "link"),
			Snippet: snippet(firstString(item, "summary", "description")),
		}
		if key := firstString(item, "key"); key != "" {
			rec.IdentifierType = "ticket"
			rec.Identifier = key
			rec.Title = key
		}
		if title := firstString(item, "title", "summary"); rec.Title == "" && title != "" {
			rec.Title = title
		}
		if rec.URL != "" || rec.Identifier != "" {
			out = append(out, rec)
		}
	}
	return out
}

func extractPulls(doc map[string]interface{}) []Record {
	items := objectList(doc["pull_requests"])
	if items == nil {
		items = objectList(doc["items"])
	}
	if items == nil {
		// single PR object at the top level
		items = []map[string]interface{}{doc}
	}
	var out []Record
	for _, item := range items {
		rec := Record{
			Title:   firstString(item, "title", "name"),
			URL:     firstString(item, "html_url", "url", "link"),
			Snippet: snippet(firstString(item, "body", "description")),
		}
		if num := numberString(item["number"]); num != "" {
			rec.IdentifierType = "pull_request"
			rec.Identifier = "#" + num
			if rec.Title == "" {
				rec.Title = "#" + num
			}
		}
		if rec.URL != "" || rec.Identifier != "" {
			out = append(out, rec)
		}
	}
	return out
}

func extractDocuments(doc map[string]interface{}) []Record {
	var items []map[string]interface{}
	for _, key := range []string{"results", "documents", "pages", "items"} {
		if list := objectList(doc[key]); list != nil {
			items = list
			break
		}
	}
	var out []Record
	for _, item := range items {
		rec := Record{
			Title:   firstString(item, "title", "name", "subject"),
			URL:     firstString(item, "url", "html_url", "link", "self"),
			Snippet: snippet(firstString(item, "excerpt", "snippet", "summary", "description", "content")),
		}
		if id := firstString(item, "key", "id"); id != "" && ticketPattern.MatchString(id) {
			rec.IdentifierType = "ticket"
			rec.Identifier = id
		}
		if rec.URL != "" || rec.Identifier != "" || rec.Title != "" {
			out = append(out, rec)
		}
	}
	return out
}

func extractGeneric(doc map[string]interface{}) []Record {
	if rec, ok := recordFromObject(doc); ok {
		return []Record{rec}
	}
	// Walk one level of nesting before giving up.
	var out []Record
	for _, v := range doc {
		if m, ok := v.(map[string]interface{}); ok {
			if rec, ok := recordFromObject(m); ok {
				out = append(out, rec)
			}
		}
	}
	return out
}

func recordFromObject(item map[string]interface{}) (Record, bool) {
	rec := Record{
		Title:   firstString(item, "title", "name", "subject", "summary"),
		URL:     firstString(item, "url", "html_url", "link", "self"),
		Snippet: snippet(firstString(item, "snippet", "excerpt", "description", "content", "body")),
	}
	if id := firstString(item, "key", "id"); id != "" && ticketPattern.MatchString(id) {
		rec.IdentifierType = "ticket"
		rec.Identifier = id
		if rec.Title == "" {
			rec.Title = id
		}
	}
	if rec.URL == "" && rec.Identifier == "" {
		return Record{}, false
	}
	return rec, true
}

// scanText is the pattern-based fallback when structured parsing finds nothing.
func scanText(text string) []Record {
	var out []Record
	seen := make(map[string]struct{})
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;")
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, Record{URL: u})
	}
	for _, id := range ticketPattern.FindAllString(text, -1) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Record{IdentifierType: "ticket", Identifier: id, Title: id})
	}
	return out
}

func objectList(v interface{}) []map[string]interface{} {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]interface{}); ok {
			out = append(out, m)
		}
	}
	return out
}

func firstString(item map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := item[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func numberString(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case string:
		return strings.TrimSpace(n)
	default:
		return ""
	}
}

func hasKeys(doc map[string]interface{}, keys ...string) bool {
	for _, k := range keys {
		if _, ok := doc[k]; !ok {
			return false
		}
	}
	return true
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxSnippetRunes {
		return s
	}
	return strings.TrimSpace(string(runes[:maxSnippetRunes])) + "…"
}
