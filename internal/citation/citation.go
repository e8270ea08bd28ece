package citation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/askbridge/askbridge/internal/extract"
)

// Citation is one numbered reference in a final answer. Indices are assigned
// once, in first-use order, and are never renumbered afterwards.
type Citation struct {
	Index      int    `json:"index"`
	Title      string `json:"title"`
	URL        string `json:"url,omitempty"`
	SourceType string `json:"source_type,omitempty"`
	Snippet    string `json:"snippet,omitempty"`
}

// List holds the numbered citations for one answer plus the identifier→URL
// mapping used to rewrite bare identifiers into links.
type List struct {
	Items []Citation
	Links map[string]string
}

var markerPattern = regexp.MustCompile(`\[(\d+)\]`)

// Build merges tool-result metadata, in the order the tool calls were
// requested, into one numbered citation list.
//
// Dedup key: the normalized URL when the record has one, otherwise
// identifier-type + identifier. URL wins because the same underlying record
// can surface under different identifier spellings but resolves to one link.
func Build(metas []extract.Metadata) List {
	list := List{Links: make(map[string]string)}
	seen := make(map[string]int) // dedup key -> index

	for _, md := range metas {
		for _, rec := range md.Records {
			key := dedupKey(rec)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				if rec.Identifier != "" && rec.URL != "" {
					list.Links[rec.Identifier] = rec.URL
				}
				continue
			}
			c := Citation{
				Index:      len(list.Items) + 1,
				Title:      rec.Title,
				URL:        rec.URL,
				SourceType: md.SourceType,
				Snippet:    rec.Snippet,
			}
			if c.Title == "" {
				c.Title = rec.Identifier
			}
			if c.Title == "" {
				c.Title = rec.URL
			}
			seen[key] = c.Index
			list.Items = append(list.Items, c)
			if rec.Identifier != "" && rec.URL != "" {
				list.Links[rec.Identifier] = rec.URL
			}
		}
	}
	return list
}

func dedupKey(rec extract.Record) string {
	if rec.URL != "" {
		return "url:" + normalizeURL(rec.URL)
	}
	if rec.Identifier != "" {
		return "id:" + rec.IdentifierType + ":" + rec.Identifier
	}
	return ""
}

// Guidance renders the numbered source block handed to the LLM for the final
// formatting pass. Citation formatting happens in exactly one place: here.
func (l List) Guidance() string {
	if len(l.Items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available sources (cite with [n] markers; only cite sources you actually used):\n")
	for _, c := range l.Items {
		b.WriteString(fmt.Sprintf("[%d] %s", c.Index, c.Title))
		if c.URL != "" {
			b.WriteString(" <" + c.URL + ">")
		}
		if c.Snippet != "" {
			b.WriteString(" — " + c.Snippet)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Annotate rewrites bare identifiers with a known URL into markdown links,
// then drops citations never referenced by a [n] marker. Referenced entries
// keep their original indices; gaps are allowed.
func Annotate(answer string, l List) (string, []Citation) {
	for id, target := range l.Links {
		answer = linkIdentifier(answer, id, target)
	}

	referenced := make(map[int]bool)
	for _, m := range markerPattern.FindAllStringSubmatch(answer, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			referenced[n] = true
		}
	}

	used := make([]Citation, 0, len(l.Items))
	for _, c := range l.Items {
		if referenced[c.Index] {
			used = append(used, c)
		}
	}
	return answer, used
}

// linkIdentifier replaces standalone occurrences of id with a markdown link,
// skipping occurrences already inside a link or a URL.
func linkIdentifier(text, id, target string) string {
	pattern, err := regexp.Compile(`(^|[\s(])` + regexp.QuoteMeta(id) + `($|[\s).,;:])`)
	if err != nil {
		return text
	}
	return pattern.ReplaceAllString(text, `$1[`+id+`](`+target+`)$2`)
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return strings.TrimSuffix(strings.ToLower(raw), "/")
	}
	u.Fragment = ""
	if u.Scheme == "" {
		u.Scheme = "https"
	} else {
		u.Scheme = strings.ToLower(u.Scheme)
	}
	u.Host = strings.ToLower(u.Host)
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	return u.String()
}
