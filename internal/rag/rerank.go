package rag

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"
)

// RerankOptions bounds the output of Rerank. Zero values select defaults.
type RerankOptions struct {
	// MaxDocs caps the result length (default 10).
	MaxDocs int
	// MaxPerURL caps how many chunks of one page survive (default 3).
	MaxPerURL int
}

func (o RerankOptions) withDefaults() RerankOptions {
	if o.MaxDocs <= 0 {
		o.MaxDocs = 10
	}
	if o.MaxPerURL <= 0 {
		o.MaxPerURL = 3
	}
	return o
}

// Rerank orders docs by descending score, keeping store order on ties, and
// then drops empty chunks, exact-duplicate content and chunks beyond
// MaxPerURL for a page. The input slice is not modified.
func Rerank(docs []Document, opts RerankOptions) []Document {
	opts = opts.withDefaults()

	ordered := make([]Document, len(docs))
	copy(ordered, docs)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Score > ordered[j].Score })

	seen := make(map[uint64]struct{}, len(ordered))
	perURL := make(map[string]int)
	out := make([]Document, 0, min(len(ordered), opts.MaxDocs))
	for _, d := range ordered {
		text := strings.TrimSpace(d.Content)
		if text == "" {
			continue
		}
		h := xxhash.Sum64String(text)
		if _, dup := seen[h]; dup {
			continue
		}
		if perURL[d.URL] >= opts.MaxPerURL {
			continue
		}
		seen[h] = struct{}{}
		perURL[d.URL]++
		out = append(out, d)
		if len(out) == opts.MaxDocs {
			break
		}
	}
	return out
}

// Source is one citation shown next to an answer.
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Sources lists the distinct pages behind docs in rank order, at most limit
// entries, each with a snippet of at most snippetLen runes.
func Sources(docs []Document, limit, snippetLen int) []Source {
	if limit <= 0 {
		return []Source{}
	}
	out := make([]Source, 0, min(len(docs), limit))
	seen := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		if len(out) >= limit {
			break
		}
		if d.URL == "" {
			continue
		}
		if _, ok := seen[d.URL]; ok {
			continue
		}
		seen[d.URL] = struct{}{}
		title := d.Title
		if title == "" {
			title = d.URL
		}
		out = append(out, Source{URL: d.URL, Title: title, Snippet: snippet(d.Content, snippetLen)})
	}
	return out
}

// snippet collapses whitespace and cuts s to n runes, adding an ellipsis
// when anything was dropped.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "..."
}
