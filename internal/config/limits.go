package config

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// MinRateWindow is the shortest accepted rate-limit window. Fixed windows
// are keyed by whole milliseconds.
const MinRateWindow = time.Millisecond

// Limits holds the resolved crawl, search, storage, and rate-limit bounds.
// Read it with LimitsFromEnv after Load has populated the environment.
type Limits struct {
	CrawlDefault  int
	CrawlMin      int
	CrawlMax      int
	// CrawlPresets are the page limits offered by the UI. Create snaps a
	// requested limit down to the nearest preset or bound.
	CrawlPresets  []int
	ScrapeTimeout time.Duration

	MaxResults       int
	MaxContextDocs   int
	MaxContextLength int
	MaxSources       int
	SnippetLength    int
	MaxContextTokens int

	MaxIndexes int

	CreateRequests int
	CreateWindow   time.Duration
	QueryRequests  int
	QueryWindow    time.Duration

	// Unlimited lifts the crawl cap and disables rate limiting.
	Unlimited bool
	// CreationDisabled turns off index creation over HTTP.
	CreationDisabled bool
}

// DefaultLimits returns the built-in bounds used when no override is set.
func DefaultLimits() Limits {
	return Limits{
		CrawlDefault:     10,
		CrawlMin:         10,
		CrawlMax:         100,
		CrawlPresets:     []int{10, 25, 50, 100},
		ScrapeTimeout:    15 * time.Second,
		MaxResults:       100,
		MaxContextDocs:   10,
		MaxContextLength: 1500,
		MaxSources:       20,
		SnippetLength:    200,
		MaxContextTokens: 6000,
		MaxIndexes:       50,
		CreateRequests:   20,
		CreateWindow:     24 * time.Hour,
		QueryRequests:    100,
		QueryWindow:      time.Hour,
	}
}

// LimitsFromEnv overlays env var overrides onto DefaultLimits.
// Malformed or non-positive values fall back to the default.
func LimitsFromEnv() Limits {
	l := DefaultLimits()
	l.CrawlDefault = envInt("CRAWL_DEFAULT_LIMIT", l.CrawlDefault)
	l.CrawlMin = envInt("CRAWL_MIN_LIMIT", l.CrawlMin)
	l.CrawlMax = envInt("CRAWL_MAX_LIMIT", l.CrawlMax)
	l.CrawlPresets = envInts("CRAWL_PRESETS", l.CrawlPresets)
	l.MaxResults = envInt("SEARCH_MAX_RESULTS", l.MaxResults)
	l.MaxContextDocs = envInt("SEARCH_MAX_CONTEXT_DOCS", l.MaxContextDocs)
	l.MaxContextLength = envInt("SEARCH_MAX_CONTEXT_LENGTH", l.MaxContextLength)
	l.MaxSources = envInt("SEARCH_MAX_SOURCES", l.MaxSources)
	l.SnippetLength = envInt("SEARCH_SNIPPET_LENGTH", l.SnippetLength)
	l.MaxContextTokens = envInt("CONTEXT_MAX_TOKENS", l.MaxContextTokens)
	l.MaxIndexes = envInt("STORAGE_MAX_INDEXES", l.MaxIndexes)
	l.CreateRequests = envInt("RATE_LIMIT_CREATE", l.CreateRequests)
	l.CreateWindow = envWindow("RATE_LIMIT_CREATE_WINDOW", l.CreateWindow)
	l.QueryRequests = envInt("RATE_LIMIT_QUERY", l.QueryRequests)
	l.QueryWindow = envWindow("RATE_LIMIT_QUERY_WINDOW", l.QueryWindow)
	l.Unlimited = EnvBool("FIRESTARTER_UNLIMITED")
	l.CreationDisabled = EnvBool("DISABLE_CHATBOT_CREATION")

	if l.CrawlMin > l.CrawlMax {
		l.CrawlMin = l.CrawlMax
	}
	if l.CrawlDefault < l.CrawlMin {
		l.CrawlDefault = l.CrawlMin
	}
	if l.CrawlDefault > l.CrawlMax {
		l.CrawlDefault = l.CrawlMax
	}
	return l
}

// EnvBool reports whether key is set to a truthy value (1, true, yes, on).
func EnvBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// envWindow parses a rate-limit window. Malformed values and windows
// shorter than MinRateWindow fall back to def.
func envWindow(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < MinRateWindow {
		return def
	}
	return d
}

// envInts parses a comma-separated list of positive integers, sorted
// ascending. Any malformed entry falls back to def.
func envInts(key string, def []int) []int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []int
	for _, f := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n <= 0 {
			return def
		}
		out = append(out, n)
	}
	slices.Sort(out)
	return slices.Compact(out)
}
