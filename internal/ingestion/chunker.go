package ingestion

import (
	"bytes"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var loadCodec = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(tokenizer.Cl100kBase)
})

// Chunker splits scraped markdown into retrieval-sized pieces. Pages are
// cut at headings first; adjacent small sections are merged and oversized
// ones are windowed by token count.
type Chunker struct {
	// MaxTokens is the window size in tokens (default 400).
	MaxTokens int
	// Overlap is the number of tokens shared by consecutive windows (default 50).
	Overlap int
}

func (c Chunker) withDefaults() Chunker {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 400
		if c.Overlap == 0 {
			c.Overlap = 50
		}
	}
	if c.Overlap < 0 || c.Overlap >= c.MaxTokens {
		c.Overlap = c.MaxTokens / 8
	}
	return c
}

// Chunk returns the chunks of markdown, each prefixed with title when set.
func (c Chunker) Chunk(title, markdown string) []string {
	c = c.withDefaults()

	var bodies []string
	var pending string
	flush := func() {
		if strings.TrimSpace(pending) != "" {
			bodies = append(bodies, strings.TrimSpace(pending))
		}
		pending = ""
	}
	for _, sec := range splitSections([]byte(markdown)) {
		if pending != "" && tokenCount(pending+"\n\n"+sec) <= c.MaxTokens {
			pending += "\n\n" + sec
			continue
		}
		flush()
		if tokenCount(sec) <= c.MaxTokens {
			pending = sec
			continue
		}
		bodies = append(bodies, c.window(sec)...)
	}
	flush()

	title = strings.TrimSpace(title)
	out := make([]string, 0, len(bodies))
	for _, b := range bodies {
		if b == "" {
			continue
		}
		if title != "" {
			b = title + "\n\n" + b
		}
		out = append(out, b)
	}
	return out
}

// window cuts s into overlapping token windows.
func (c Chunker) window(s string) []string {
	enc, err := loadCodec()
	if err != nil {
		return runeWindows(s, c.MaxTokens*4, c.Overlap*4)
	}
	ids, _, err := enc.Encode(s)
	if err != nil {
		return runeWindows(s, c.MaxTokens*4, c.Overlap*4)
	}

	var out []string
	step := c.MaxTokens - c.Overlap
	for start := 0; start < len(ids); start += step {
		end := min(start+c.MaxTokens, len(ids))
		part, err := enc.Decode(ids[start:end])
		if err != nil {
			return runeWindows(s, c.MaxTokens*4, c.Overlap*4)
		}
		// Window edges can split a multi-byte rune.
		if part = strings.TrimSpace(strings.ToValidUTF8(part, "")); part != "" {
			out = append(out, part)
		}
		if end == len(ids) {
			break
		}
	}
	return out
}

func runeWindows(s string, size, overlap int) []string {
	r := []rune(s)
	var out []string
	for start := 0; start < len(r); start += size - overlap {
		end := min(start+size, len(r))
		if part := strings.TrimSpace(string(r[start:end])); part != "" {
			out = append(out, part)
		}
		if end == len(r) {
			break
		}
	}
	return out
}

func tokenCount(s string) int {
	if enc, err := loadCodec(); err == nil {
		if ids, _, err := enc.Encode(s); err == nil {
			return len(ids)
		}
	}
	return utf8.RuneCountInString(s)/4 + 1
}

// splitSections cuts src before every top-level heading.
func splitSections(src []byte) []string {
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var starts []int
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		// The segment begins at the heading text; back up to the line start
		// so the "#" markers stay with their section.
		start := h.Lines().At(0).Start
		starts = append(starts, bytes.LastIndexByte(src[:start], '\n')+1)
	}

	var out []string
	prev := 0
	for _, s := range starts {
		if s > prev {
			out = appendTrimmed(out, src[prev:s])
		}
		prev = s
	}
	return appendTrimmed(out, src[prev:])
}

func appendTrimmed(out []string, b []byte) []string {
	if s := strings.TrimSpace(string(b)); s != "" {
		out = append(out, s)
	}
	return out
}

// FirstHeading returns the text of the first level-1 heading in markdown,
// or "" when there is none.
func FirstHeading(markdown string) string {
	src := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok || h.Level != 1 || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := h.Lines().At(0)
		title = strings.TrimSpace(string(seg.Value(src)))
		return ast.WalkStop, nil
	})
	return title
}
