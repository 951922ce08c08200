// Package firecrawl wraps the Firecrawl Go SDK for the ingestion pipeline.
// It starts crawl jobs, polls them to completion (following result
// pagination on the configured API host only) and scrapes single pages.
package firecrawl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	fcsdk "github.com/mendableai/firecrawl-go"
)

// DefaultBaseURL is the hosted Firecrawl API.
const DefaultBaseURL = "https://api.firecrawl.dev"

// selfHostedKey stands in for the key on self-hosted instances that run
// without authentication; the SDK refuses an empty key.
const selfHostedKey = "self-hosted"

// ErrCrawlFailed is returned when a crawl job ends in the failed or
// cancelled state.
var ErrCrawlFailed = errors.New("firecrawl: crawl failed")

// ErrNoAPIKey is returned when no Firecrawl key is configured.
var ErrNoAPIKey = errors.New("firecrawl: FIRECRAWL_API_KEY is not set")

// ErrForeignHost is returned when the API points the client at a host other
// than the configured one. The API key is never sent there.
var ErrForeignHost = errors.New("firecrawl: refusing request to foreign host")

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("firecrawl: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("firecrawl: HTTP %d: %s", e.StatusCode, e.Message)
}

// Client talks to one Firecrawl endpoint with one API key.
// It is safe for concurrent use.
type Client struct {
	apiKey  string
	baseURL string
	origin  *url.URL
	timeout time.Duration

	// PollInterval is the delay between crawl status checks (default 2s).
	PollInterval time.Duration
}

// New constructs a Client. An empty baseURL selects DefaultBaseURL.
func New(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	origin, err := url.Parse(baseURL)
	if err != nil {
		origin = &url.URL{}
	}
	return &Client{
		apiKey:       apiKey,
		baseURL:      baseURL,
		origin:       origin,
		timeout:      60 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// NewFromEnv reads FIRECRAWL_API_KEY and FIRECRAWL_API_URL.
func NewFromEnv() *Client {
	return New(os.Getenv("FIRECRAWL_API_KEY"), os.Getenv("FIRECRAWL_API_URL"))
}

// WithAPIKey returns a copy of c using key, or c itself when key is empty.
// Used for per-request key overrides.
func (c *Client) WithAPIKey(key string) *Client {
	if key == "" || key == c.apiKey {
		return c
	}
	cp := *c
	cp.apiKey = key
	return &cp
}

// HasKey reports whether an API key is configured.
func (c *Client) HasKey() bool { return c.apiKey != "" }

// ScrapeOptions controls how each page is converted.
type ScrapeOptions struct {
	Formats         []string
	OnlyMainContent bool
	// Timeout is the per-page scrape timeout in milliseconds.
	Timeout int
}

// DefaultScrapeOptions returns markdown-only, main-content-only scraping
// with a 15 second page timeout.
func DefaultScrapeOptions() ScrapeOptions {
	return ScrapeOptions{
		Formats:         []string{"markdown"},
		OnlyMainContent: true,
		Timeout:         15000,
	}
}

func (o ScrapeOptions) params() fcsdk.ScrapeParams {
	p := fcsdk.ScrapeParams{Formats: o.Formats}
	main := o.OnlyMainContent
	p.OnlyMainContent = &main
	if o.Timeout > 0 {
		timeout := o.Timeout
		p.Timeout = &timeout
	}
	return p
}

// CrawlRequest starts a crawl at URL, stopping after Limit pages.
type CrawlRequest struct {
	URL           string
	Limit         int
	ScrapeOptions ScrapeOptions
}

// Metadata is the per-page metadata Firecrawl extracts.
type Metadata struct {
	Title       string
	Description string
	Language    string
	SourceURL   string
	URL         string
	OGImage     string
	Favicon     string
	StatusCode  int
}

// PageURL returns the canonical URL of the page, preferring the final URL
// after redirects.
func (m Metadata) PageURL() string {
	if m.URL != "" {
		return m.URL
	}
	return m.SourceURL
}

// Page is one scraped document.
type Page struct {
	Markdown string
	Metadata Metadata
}

// CrawlStatus is a snapshot of a crawl job.
type CrawlStatus struct {
	Status    string
	Total     int
	Completed int
	Data      []Page
}

// Done reports whether the job reached a terminal state.
func (s CrawlStatus) Done() bool {
	switch s.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func pageFrom(d *fcsdk.FirecrawlDocument) Page {
	if d == nil {
		return Page{}
	}
	p := Page{Markdown: d.Markdown}
	if m := d.Metadata; m != nil {
		p.Metadata = Metadata{
			Title:       deref(m.Title),
			Description: deref(m.Description),
			Language:    deref(m.Language),
			SourceURL:   deref(m.SourceURL),
			OGImage:     deref(m.OGImage),
			StatusCode:  deref(m.StatusCode),
		}
	}
	return p
}

func pagesFrom(docs []*fcsdk.FirecrawlDocument) []Page {
	out := make([]Page, 0, len(docs))
	for _, d := range docs {
		if d != nil {
			out = append(out, pageFrom(d))
		}
	}
	return out
}

// call is the state of one SDK invocation: a FirecrawlApp whose transport
// carries ctx, pins requests to the configured host and records the last
// HTTP error the API returned.
type call struct {
	app *fcsdk.FirecrawlApp
	rt  *guardTransport
}

// open prepares an SDK app for one operation bound to ctx.
func (c *Client) open(ctx context.Context) (*call, error) {
	key := c.apiKey
	if key == "" {
		if c.baseURL == DefaultBaseURL {
			return nil, ErrNoAPIKey
		}
		key = selfHostedKey
	}
	app, err := fcsdk.NewFirecrawlApp(key, c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("firecrawl: %w", err)
	}
	rt := &guardTransport{ctx: ctx, origin: c.origin, base: http.DefaultTransport}
	app.Client = &http.Client{Timeout: c.timeout, Transport: rt}
	return &call{app: app, rt: rt}, nil
}

// wrap turns an SDK error into an *APIError when the API answered with a
// non-2xx status, and surfaces context and host-guard errors unchanged.
func (cl *call) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if gerr := cl.rt.guardErr(); gerr != nil {
		return fmt.Errorf("firecrawl: %s: %w", op, gerr)
	}
	if cerr := cl.rt.ctx.Err(); cerr != nil {
		return fmt.Errorf("firecrawl: %s: %w", op, cerr)
	}
	if apiErr := cl.rt.apiErr(); apiErr != nil {
		return apiErr
	}
	return fmt.Errorf("firecrawl: %s: %w", op, err)
}

// StartCrawl submits a crawl job and returns its ID.
func (c *Client) StartCrawl(ctx context.Context, req CrawlRequest) (string, error) {
	cl, err := c.open(ctx)
	if err != nil {
		return "", err
	}
	limit := req.Limit
	params := &fcsdk.CrawlParams{ScrapeOptions: req.ScrapeOptions.params()}
	if limit > 0 {
		params.Limit = &limit
	}
	resp, err := cl.app.AsyncCrawlURL(req.URL, params, nil)
	if err != nil {
		return "", cl.wrap("start crawl", err)
	}
	if resp == nil || resp.ID == "" {
		return "", fmt.Errorf("firecrawl: start crawl: no crawl id returned")
	}
	return resp.ID, nil
}

// CrawlStatus fetches the job state. When the job has completed, every
// result page is followed and merged into Data. A next link that leaves the
// configured scheme, host and port fails with ErrForeignHost.
func (c *Client) CrawlStatus(ctx context.Context, id string) (CrawlStatus, error) {
	cl, err := c.open(ctx)
	if err != nil {
		return CrawlStatus{}, err
	}
	resp, err := cl.app.CheckCrawlStatus(id)
	if err != nil {
		return CrawlStatus{}, cl.wrap("crawl status", err)
	}
	st := CrawlStatus{
		Status:    resp.Status,
		Total:     resp.Total,
		Completed: resp.Completed,
		Data:      pagesFrom(resp.Data),
	}
	if st.Status != "completed" {
		return st, nil
	}

	seen := map[string]bool{}
	for next := deref(resp.Next); next != "" && !seen[next]; {
		seen[next] = true
		ref, err := c.nextPage(next)
		if err != nil {
			return CrawlStatus{}, err
		}
		page, err := cl.app.CheckCrawlStatus(ref)
		if err != nil {
			return CrawlStatus{}, fmt.Errorf("firecrawl: follow results: %w", cl.wrap("crawl status", err))
		}
		st.Data = append(st.Data, pagesFrom(page.Data)...)
		next = deref(page.Next)
	}
	return st, nil
}

// nextPage validates a pagination link and returns the job reference the
// SDK resolves against the configured base URL: the path below /v1/crawl/
// plus the query string.
func (c *Client) nextPage(next string) (string, error) {
	u, err := url.Parse(next)
	if err != nil {
		return "", fmt.Errorf("firecrawl: follow results: bad next link: %w", err)
	}
	if !sameOrigin(c.origin, u) {
		return "", fmt.Errorf("%w: next link points at %s://%s", ErrForeignHost, u.Scheme, u.Host)
	}
	ref, ok := strings.CutPrefix(u.Path, strings.TrimRight(c.origin.Path, "/")+"/v1/crawl/")
	if !ok || ref == "" {
		return "", fmt.Errorf("firecrawl: follow results: unexpected next link path %q", u.Path)
	}
	if u.RawQuery != "" {
		ref += "?" + u.RawQuery
	}
	return ref, nil
}

// Crawl starts a job and polls it until it completes, fails, or ctx ends.
// progress, if non-nil, receives every polled status.
func (c *Client) Crawl(ctx context.Context, req CrawlRequest, progress func(CrawlStatus)) ([]Page, error) {
	id, err := c.StartCrawl(ctx, req)
	if err != nil {
		return nil, err
	}

	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("firecrawl: crawl %s: %w", id, ctx.Err())
		case <-ticker.C:
		}

		st, err := c.CrawlStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		if progress != nil {
			progress(st)
		}
		switch st.Status {
		case "completed":
			return st.Data, nil
		case "failed", "cancelled":
			return nil, fmt.Errorf("%w: job %s ended %s", ErrCrawlFailed, id, st.Status)
		}
	}
}

// Scrape converts a single URL.
func (c *Client) Scrape(ctx context.Context, pageURL string, opts ScrapeOptions) (Page, error) {
	cl, err := c.open(ctx)
	if err != nil {
		return Page{}, err
	}
	params := opts.params()
	doc, err := cl.app.ScrapeURL(pageURL, &params)
	if err != nil {
		return Page{}, cl.wrap("scrape "+pageURL, err)
	}
	return pageFrom(doc), nil
}

// Ping checks that the API is reachable and the key is accepted by asking
// for a status that cannot exist; any answer other than 401/403 or a
// transport error means the service is up.
func (c *Client) Ping(ctx context.Context) error {
	cl, err := c.open(ctx)
	if err != nil {
		return err
	}
	_, err = cl.app.CheckCrawlStatus("00000000-0000-0000-0000-000000000000")
	if err == nil {
		return nil
	}
	werr := cl.wrap("ping", err)
	var apiErr *APIError
	if !errors.As(werr, &apiErr) {
		return werr
	}
	if apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden {
		return apiErr
	}
	return nil
}
