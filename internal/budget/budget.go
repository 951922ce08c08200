// Package budget provides token estimation, context-window assembly and
// message trimming for chat requests. Counts use the cl100k_base tokenizer,
// which is close enough for every supported backend; if the tokenizer cannot
// be loaded, a conservative heuristic of 1 token per 4 characters is used.
package budget

import (
	"fmt"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/tiktoken-go/tokenizer"

	"github.com/54b3r/firestarter-go/internal/rag"
)

const (
	// charsPerToken is the fallback character-to-token ratio.
	charsPerToken = 4

	// DefaultMaxContextTokens is the default input context budget in tokens.
	// It fits 8k-context models while leaving room for the output.
	DefaultMaxContextTokens = 6000
)

var loadCodec = sync.OnceValues(func() (tokenizer.Codec, error) {
	return tokenizer.Get(tokenizer.Cl100kBase)
})

// Estimate returns the token count of s.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	if enc, err := loadCodec(); err == nil {
		if ids, _, err := enc.Encode(s); err == nil {
			return len(ids)
		}
	}
	return EstimateHeuristic(s)
}

// EstimateHeuristic returns a rough token count for s using the character
// heuristic.
func EstimateHeuristic(s string) int {
	n := len(s) / charsPerToken
	if n == 0 && len(s) > 0 {
		return 1
	}
	return n
}

// EstimateMessages returns the estimated total token count for a slice of
// schema.Message values, summing role + content for each message.
func EstimateMessages(msgs []*schema.Message) int {
	total := 0
	for _, m := range msgs {
		// Per-message framing overhead is about 4 tokens in most APIs.
		total += 4
		total += Estimate(string(m.Role))
		total += Estimate(m.Content)
	}
	return total
}

// TrimHistory removes the oldest messages from history until the total
// estimated token count of fixed + history fits within maxTokens.
// fixed contains messages that must not be trimmed (system prompt with the
// retrieved context, current user message). history contains prior
// conversation turns that may be dropped oldest-first.
//
// If even an empty history exceeds the budget, the empty slice is returned.
// Fixed messages are never dropped here.
func TrimHistory(fixed, history []*schema.Message, maxTokens int) []*schema.Message {
	if len(history) == 0 {
		return history
	}

	fixedTokens := EstimateMessages(fixed)
	for len(history) > 0 {
		if fixedTokens+EstimateMessages(history) <= maxTokens {
			break
		}
		history = history[1:]
	}
	return history
}

// Truncate cuts s to at most maxChars runes. When it cuts, it backs up to the
// last whitespace in the kept text (if that keeps at least half of it) and
// appends "...".
func Truncate(s string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	r := []rune(s)[:maxChars]
	cut := len(r)
	for i := len(r) - 1; i >= maxChars/2; i-- {
		if unicode.IsSpace(r[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(r[:cut]), unicode.IsSpace) + "..."
}

// Limits bounds the retrieved context placed in the prompt.
type Limits struct {
	// MaxDocs caps the number of documents used.
	MaxDocs int
	// MaxDocChars caps each document's content, in runes.
	MaxDocChars int
	// MaxTokens caps the whole formatted context.
	MaxTokens int
}

// BuildContext formats docs, in rank order, into a numbered context block and
// returns it with the documents actually used. Documents are added until
// MaxDocs or the token budget is reached; the first document is always kept
// (truncated as needed) so a non-empty input never yields an empty context.
func BuildContext(docs []rag.Document, lim Limits) (string, []rag.Document) {
	if lim.MaxDocs <= 0 {
		lim.MaxDocs = 10
	}
	if lim.MaxDocChars <= 0 {
		lim.MaxDocChars = 1500
	}
	if lim.MaxTokens <= 0 {
		lim.MaxTokens = DefaultMaxContextTokens
	}

	var b strings.Builder
	used := make([]rag.Document, 0, min(len(docs), lim.MaxDocs))
	spent := 0
	for _, d := range docs {
		if len(used) == lim.MaxDocs {
			break
		}
		block := formatDoc(len(used)+1, d, lim.MaxDocChars)
		cost := Estimate(block)
		if spent+cost > lim.MaxTokens {
			if len(used) > 0 {
				break
			}
			// Shrink the lone document to fit.
			block = Truncate(block, lim.MaxTokens*charsPerToken)
			cost = Estimate(block)
		}
		b.WriteString(block)
		spent += cost
		used = append(used, d)
	}
	return strings.TrimSpace(b.String()), used
}

func formatDoc(n int, d rag.Document, maxChars int) string {
	title := d.Title
	if title == "" {
		title = d.URL
	}
	return fmt.Sprintf("[%d] %s\nURL: %s\n%s\n\n", n, title, d.URL, Truncate(strings.TrimSpace(d.Content), maxChars))
}
