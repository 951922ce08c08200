package ingestion

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/54b3r/firestarter-go/internal/config"
)

// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
var ErrInvalidURL = errors.New("ingestion: invalid URL")

// NormalizeURL trims raw and adds an https:// scheme when none is given.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(s, "://") {
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u.String(), nil
}

// GenerateNamespace derives the namespace for a new crawl of rawURL:
// the lowercased host without "www.", dots replaced by dashes, followed by
// the creation time in unix milliseconds, e.g. docs-firecrawl-dev-1718000000000.
func GenerateNamespace(rawURL string, now time.Time) (string, error) {
	normalized, err := NormalizeURL(rawURL)
	if err != nil {
		return "", err
	}
	u, _ := url.Parse(normalized)
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")

	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return fmt.Sprintf("%s-%d", b.String(), now.UnixMilli()), nil
}

// ClampLimit resolves the requested page limit against lim: zero selects
// the default, values are raised to the minimum, and values above the
// maximum are lowered unless lim.Unlimited is set. A limit inside the
// bounds snaps down to the nearest preset, CrawlMin or CrawlMax.
func ClampLimit(limit int, lim config.Limits) int {
	if limit <= 0 {
		return lim.CrawlDefault
	}
	if limit < lim.CrawlMin {
		return lim.CrawlMin
	}
	if limit > lim.CrawlMax {
		if lim.Unlimited {
			return limit
		}
		return lim.CrawlMax
	}
	if limit == lim.CrawlMax {
		return limit
	}
	snapped := lim.CrawlMin
	for _, p := range lim.CrawlPresets {
		if p >= lim.CrawlMin && p <= limit && p > snapped {
			snapped = p
		}
	}
	return snapped
}
