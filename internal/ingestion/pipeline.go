// Package ingestion turns a website into a searchable namespace. It crawls
// the site through Firecrawl, chunks each page's markdown, embeds the chunks
// and upserts the results into the vector store.
// The pipeline backs both the create endpoint and the `firestarter create`
// CLI command.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/firestarter-go/internal/config"
	"github.com/54b3r/firestarter-go/internal/firecrawl"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/rag"
)

// ErrNoContent is returned when a crawl produced no indexable text.
var ErrNoContent = errors.New("ingestion: no content to index")

// Crawler is the subset of the Firecrawl client the pipeline needs.
type Crawler interface {
	Crawl(ctx context.Context, req firecrawl.CrawlRequest, progress func(firecrawl.CrawlStatus)) ([]firecrawl.Page, error)
	Scrape(ctx context.Context, url string, opts firecrawl.ScrapeOptions) (firecrawl.Page, error)
}

// Config holds the configuration for the ingestion pipeline.
type Config struct {
	// Chunker controls chunk sizes. Zero values select 400/50 tokens.
	Chunker Chunker

	// EmbedBatchSize is the number of chunks per embedding call (default 32).
	EmbedBatchSize int

	// EmbedConcurrency caps the embedding calls in flight (default 4).
	EmbedConcurrency int

	// UpsertBatchSize is the number of points per vector store write (default 256).
	UpsertBatchSize int

	// Limits supplies the crawl page bounds and scrape timeout.
	Limits config.Limits
}

// Request describes one site to ingest.
type Request struct {
	// URL is the crawl start page. A missing scheme defaults to https.
	URL string

	// Limit is the maximum number of pages; it is clamped to Limits.
	Limit int

	// Namespace overrides the generated namespace.
	Namespace string
}

// Result summarises a finished ingestion.
type Result struct {
	Namespace    string
	URL          string
	PagesCrawled int
	Chunks       int
	Title        string
	Description  string
	Favicon      string
	OGImage      string
	CreatedAt    time.Time
}

// Progress is reported while a request runs.
type Progress struct {
	// Stage is one of crawling, chunking, embedding, storing.
	Stage     string
	Completed int
	Total     int
}

// Pipeline orchestrates the crawl → chunk → embed → upsert flow.
type Pipeline struct {
	// crawler fetches pages as markdown.
	crawler Crawler

	// embedder converts text chunks into dense vector embeddings.
	embedder rag.Embedder

	// store persists the embedded chunks.
	store rag.VectorStore

	// cfg holds the resolved pipeline configuration.
	cfg Config

	now func() time.Time
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(crawler Crawler, embedder rag.Embedder, store rag.VectorStore, cfg *Config) (*Pipeline, error) {
	if crawler == nil {
		return nil, fmt.Errorf("ingestion: crawler must not be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 32
	}
	if c.EmbedConcurrency <= 0 {
		c.EmbedConcurrency = 4
	}
	if c.UpsertBatchSize <= 0 {
		c.UpsertBatchSize = 256
	}
	if c.Limits.CrawlMax == 0 {
		c.Limits = config.DefaultLimits()
	}
	c.Chunker = c.Chunker.withDefaults()

	return &Pipeline{
		crawler:  crawler,
		embedder: embedder,
		store:    store,
		cfg:      c,
		now:      time.Now,
	}, nil
}

// WithCrawler returns a shallow copy of p that crawls through c. It is used
// for requests that carry their own Firecrawl key.
func (p *Pipeline) WithCrawler(c Crawler) *Pipeline {
	cp := *p
	cp.crawler = c
	return &cp
}

// Ingest crawls req.URL and indexes every page under one namespace.
// progress may be nil.
func (p *Pipeline) Ingest(ctx context.Context, req Request, progress func(Progress)) (*Result, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	log := logging.FromContext(ctx)

	rootURL, err := NormalizeURL(req.URL)
	if err != nil {
		return nil, err
	}
	created := p.now()
	ns := req.Namespace
	if ns == "" {
		if ns, err = GenerateNamespace(rootURL, created); err != nil {
			return nil, err
		}
	}
	limit := ClampLimit(req.Limit, p.cfg.Limits)

	log.Info("ingestion started", slog.String("url", rootURL), slog.String("namespace", ns), slog.Int("limit", limit))
	pages, err := p.crawl(ctx, rootURL, limit, progress)
	if err != nil {
		return nil, err
	}

	progress(Progress{Stage: "chunking", Total: len(pages)})
	docs := p.chunkPages(ns, pages)
	if len(docs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoContent, rootURL)
	}

	embeddings, err := p.embed(ctx, docs, progress)
	if err != nil {
		return nil, err
	}

	for start := 0; start < len(docs); start += p.cfg.UpsertBatchSize {
		end := min(start+p.cfg.UpsertBatchSize, len(docs))
		if err := p.store.Upsert(ctx, docs[start:end], embeddings[start:end]); err != nil {
			return nil, fmt.Errorf("ingestion: upsert failed for %s: %w", ns, err)
		}
		progress(Progress{Stage: "storing", Completed: end, Total: len(docs)})
	}

	meta := InferSiteMetadata(rootURL, pages)
	log.Info("ingestion finished",
		slog.String("namespace", ns),
		slog.Int("pages", len(pages)),
		slog.Int("chunks", len(docs)),
	)
	return &Result{
		Namespace:    ns,
		URL:          rootURL,
		PagesCrawled: len(pages),
		Chunks:       len(docs),
		Title:        meta.Title,
		Description:  meta.Description,
		Favicon:      meta.Favicon,
		OGImage:      meta.OGImage,
		CreatedAt:    created,
	}, nil
}

// crawl runs the Firecrawl job. When the job fails or yields no usable
// markdown, the root page alone is scraped instead.
func (p *Pipeline) crawl(ctx context.Context, rootURL string, limit int, progress func(Progress)) ([]firecrawl.Page, error) {
	opts := firecrawl.DefaultScrapeOptions()
	if p.cfg.Limits.ScrapeTimeout > 0 {
		opts.Timeout = int(p.cfg.Limits.ScrapeTimeout / time.Millisecond)
	}

	progress(Progress{Stage: "crawling", Total: limit})
	pages, err := p.crawler.Crawl(ctx, firecrawl.CrawlRequest{URL: rootURL, Limit: limit, ScrapeOptions: opts},
		func(st firecrawl.CrawlStatus) {
			progress(Progress{Stage: "crawling", Completed: st.Completed, Total: st.Total})
		})
	if err != nil && !errors.Is(err, firecrawl.ErrCrawlFailed) {
		return nil, fmt.Errorf("ingestion: crawl %s: %w", rootURL, err)
	}
	pages = usablePages(pages)
	if len(pages) > 0 {
		return pages, nil
	}

	logging.FromContext(ctx).Warn("crawl returned no pages, scraping root page",
		slog.String("url", rootURL), slog.Any("error", err))
	page, scrapeErr := p.crawler.Scrape(ctx, rootURL, opts)
	if scrapeErr != nil {
		if err != nil {
			return nil, fmt.Errorf("ingestion: crawl %s: %w", rootURL, err)
		}
		return nil, fmt.Errorf("ingestion: scrape %s: %w", rootURL, scrapeErr)
	}
	if page.Metadata.SourceURL == "" {
		page.Metadata.SourceURL = rootURL
	}
	return usablePages([]firecrawl.Page{page}), nil
}

func usablePages(pages []firecrawl.Page) []firecrawl.Page {
	out := pages[:0:0]
	for _, pg := range pages {
		if strings.TrimSpace(pg.Markdown) == "" {
			continue
		}
		if pg.Metadata.StatusCode >= 400 {
			continue
		}
		out = append(out, pg)
	}
	return out
}

// chunkPages splits every page and drops chunks whose text was already seen
// in this crawl (shared navigation, footers, duplicate pages).
func (p *Pipeline) chunkPages(ns string, pages []firecrawl.Page) []rag.Document {
	seen := make(map[uint64]struct{})
	var docs []rag.Document
	for _, pg := range pages {
		pageURL := pg.Metadata.PageURL()
		title := strings.TrimSpace(pg.Metadata.Title)
		if title == "" {
			title = FirstHeading(pg.Markdown)
		}
		for i, text := range p.cfg.Chunker.Chunk(title, pg.Markdown) {
			h := xxhash.Sum64String(text)
			if _, dup := seen[h]; dup {
				continue
			}
			seen[h] = struct{}{}
			docs = append(docs, rag.Document{
				ID:          chunkID(ns, pageURL, i),
				Namespace:   ns,
				Content:     text,
				URL:         pageURL,
				Title:       title,
				Description: pg.Metadata.Description,
				ChunkIndex:  i,
				Metadata:    pageMetadata(pg.Metadata),
			})
		}
	}
	return docs
}

func pageMetadata(m firecrawl.Metadata) map[string]string {
	out := map[string]string{}
	if m.Language != "" {
		out["language"] = m.Language
	}
	if m.StatusCode != 0 {
		out["status_code"] = strconv.Itoa(m.StatusCode)
	}
	return out
}

// embed computes the vectors for docs in bounded concurrent batches.
func (p *Pipeline) embed(ctx context.Context, docs []rag.Document, progress func(Progress)) ([][]float32, error) {
	embeddings := make([][]float32, len(docs))
	batch := p.cfg.EmbedBatchSize

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.EmbedConcurrency)
	for start := 0; start < len(docs); start += batch {
		end := min(start+batch, len(docs))
		g.Go(func() error {
			texts := make([]string, 0, end-start)
			for _, d := range docs[start:end] {
				texts = append(texts, d.Content)
			}
			vecs, err := p.embedder.Embed(gctx, texts)
			if err != nil {
				return fmt.Errorf("ingestion: embedding failed: %w", err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("ingestion: embedder returned %d vectors for %d texts", len(vecs), len(texts))
			}
			copy(embeddings[start:end], vecs)

			mu.Lock()
			done += len(texts)
			progress(Progress{Stage: "embedding", Completed: done, Total: len(docs)})
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embeddings, nil
}

// chunkID is a deterministic UUIDv5 for a chunk, so re-ingesting a page
// overwrites its points instead of duplicating them.
func chunkID(namespace, pageURL string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"|"+pageURL+"#"+strconv.Itoa(index))).String()
}
