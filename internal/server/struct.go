package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/config"
	"github.com/54b3r/firestarter-go/internal/firecrawl"
	"github.com/54b3r/firestarter-go/internal/ingestion"
	"github.com/54b3r/firestarter-go/internal/provider"
	"github.com/54b3r/firestarter-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds a single chat turn, streaming included (default: 5m).
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Limits carries crawl bounds, rate limits and the creation switch.
	// Zero value selects config.DefaultLimits.
	Limits config.Limits
	// MetricsRegistry receives the server's collectors. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// Deps are the components the server routes requests to.
type Deps struct {
	// Chat configures the RAG chat service. The server adds its own
	// provider selection and fallback metrics hooks.
	Chat chat.Options
	// Pipeline indexes new sites. Nil disables POST /api/firestarter/create.
	Pipeline *ingestion.Pipeline
	// Firecrawl is the server's crawler; requests carrying their own key get a copy.
	Firecrawl *firecrawl.Client
	// Registry holds index metadata. Required.
	Registry store.Registry
	// Vectors deletes the chunks of removed indexes. May be nil.
	Vectors namespaceDropper
	// Redis, when set, backs the rate limiter with a shared fixed window.
	Redis *redis.Client
}

// namespaceDropper is the part of rag.VectorStore the server needs.
type namespaceDropper interface {
	DeleteNamespace(ctx context.Context, namespace string) error
}

// indexer runs an ingestion. pipelineIndexer satisfies it in production;
// tests inject a fake.
type indexer interface {
	// Ingest crawls and indexes req. firecrawlKey, when non-empty, replaces
	// the server's Firecrawl key for this request only.
	Ingest(ctx context.Context, req ingestion.Request, firecrawlKey string) (*ingestion.Result, error)
}

// Server is the HTTP server exposing the dashboard API and the
// OpenAI-compatible proxy.
type Server struct {
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// handler is the fully wired router, exposed to tests via Handler.
	handler http.Handler
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors.
	metrics *serverMetrics

	chat     *chat.Service
	chatOpts chat.Options
	indexer  indexer
	registry store.Registry
	vectors  namespaceDropper
	limits   config.Limits

	// stopRL stops the rate limiters' background goroutines on shutdown.
	stopRL func()
}

// wireMessage is one conversation turn as sent by the dashboard and by
// OpenAI-compatible clients. Content is either a string or an array of
// {"type":"text","text":...} parts.
type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// createRequest is the JSON body for POST /api/firestarter/create.
type createRequest struct {
	// URL is the site to crawl.
	URL string `json:"url"`
	// Limit is the requested page count; it is clamped to the crawl bounds.
	Limit int `json:"limit"`
}

// createDetails describes the new index in a createResponse.
type createDetails struct {
	URL          string    `json:"url"`
	PagesCrawled int       `json:"pagesCrawled"`
	Chunks       int       `json:"chunks"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Favicon      string    `json:"favicon,omitempty"`
	OGImage      string    `json:"ogImage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// createResponse is the JSON response for POST /api/firestarter/create.
type createResponse struct {
	Success   bool          `json:"success"`
	Namespace string        `json:"namespace"`
	Details   createDetails `json:"details"`
}

// queryRequest is the JSON body for POST /api/firestarter/query.
type queryRequest struct {
	// Query is a single question. Ignored when Messages is non-empty.
	Query string `json:"query"`
	// Messages is the full conversation, last user message last.
	Messages  []wireMessage `json:"messages"`
	Namespace string        `json:"namespace"`
	// Stream defaults to true.
	Stream *bool `json:"stream"`
}

// queryResponse is the JSON response for a non-streamed query.
type queryResponse struct {
	Answer   string       `json:"answer"`
	Sources  []sourceJSON `json:"sources"`
	Provider string       `json:"provider"`
	Model    string       `json:"model"`
}

// sourceJSON is one cited page.
type sourceJSON struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// checkEnvResponse is the JSON response for GET /api/check-env.
type checkEnvResponse struct {
	// EnvironmentStatus maps env var names to whether they are set.
	EnvironmentStatus map[string]bool `json:"environmentStatus"`
	// Provider is the backend a query would try first, or empty.
	Provider        string `json:"provider"`
	CreationEnabled bool   `json:"creationEnabled"`
}

// pipelineIndexer adapts ingestion.Pipeline to indexer.
type pipelineIndexer struct {
	pipeline  *ingestion.Pipeline
	firecrawl *firecrawl.Client
}

// Ingest runs the pipeline, swapping in a per-request Firecrawl key when given.
func (p pipelineIndexer) Ingest(ctx context.Context, req ingestion.Request, firecrawlKey string) (*ingestion.Result, error) {
	pl := p.pipeline
	if firecrawlKey != "" && p.firecrawl != nil {
		pl = pl.WithCrawler(p.firecrawl.WithAPIKey(firecrawlKey))
	}
	return pl.Ingest(ctx, req, nil)
}

// credentialsFrom returns the per-request provider overrides carried by r.
func credentialsFrom(r *http.Request) provider.Credentials {
	return provider.CredentialsFromHeaders(r.Header)
}
