package ingestion

import (
	"net/url"
	"strings"

	"github.com/54b3r/firestarter-go/internal/firecrawl"
)

// SiteMetadata is what the index registry shows for a crawled site.
type SiteMetadata struct {
	Title       string
	Description string
	Favicon     string
	OGImage     string
}

// InferSiteMetadata picks the root page of a crawl (the page whose URL matches
// rootURL, else the first page) and returns its metadata. A missing title
// falls back to the page's first H1 and then to the host name.
func InferSiteMetadata(rootURL string, pages []firecrawl.Page) SiteMetadata {
	host := rootURL
	if u, err := url.Parse(rootURL); err == nil && u.Hostname() != "" {
		host = strings.TrimPrefix(u.Hostname(), "www.")
	}
	if len(pages) == 0 {
		return SiteMetadata{Title: host}
	}

	root := pages[0]
	want := canonicalURL(rootURL)
	for _, p := range pages {
		if canonicalURL(p.Metadata.SourceURL) == want || canonicalURL(p.Metadata.URL) == want {
			root = p
			break
		}
	}

	m := SiteMetadata{
		Title:       strings.TrimSpace(root.Metadata.Title),
		Description: strings.TrimSpace(root.Metadata.Description),
		Favicon:     root.Metadata.Favicon,
		OGImage:     root.Metadata.OGImage,
	}
	if m.Title == "" {
		m.Title = FirstHeading(root.Markdown)
	}
	if m.Title == "" {
		m.Title = host
	}
	if m.Favicon != "" {
		m.Favicon = resolveAgainst(rootURL, m.Favicon)
	}
	if m.OGImage != "" {
		m.OGImage = resolveAgainst(rootURL, m.OGImage)
	}
	return m
}

// canonicalURL lowercases the host, drops "www.", the fragment and any
// trailing slash so equivalent page URLs compare equal.
func canonicalURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	return host + strings.TrimSuffix(u.EscapedPath(), "/") + queryPart(u.RawQuery)
}

func queryPart(q string) string {
	if q == "" {
		return ""
	}
	return "?" + q
}

// resolveAgainst makes a relative asset reference absolute.
func resolveAgainst(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
