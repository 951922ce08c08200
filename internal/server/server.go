// Package server implements the HTTP API behind the Firestarter dashboard:
// index creation, RAG queries over SSE, index management, and an
// OpenAI-compatible chat completions proxy over the same indexes.
// The server is started by the `firestarter serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/config"
	"github.com/54b3r/firestarter-go/internal/logging"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// New constructs a Server from the provided dependencies and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("server: registry must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must be long enough for crawls and streaming responses.
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.ChatTimeout == 0 {
		cfg.ChatTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.New()
	}
	if cfg.Limits.CrawlMax == 0 {
		cfg.Limits = config.DefaultLimits()
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		log:      logging.Component(cfg.Logger, "server"),
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
		registry: deps.Registry,
		vectors:  deps.Vectors,
		limits:   cfg.Limits,
		stopRL:   func() {},
	}
	if deps.Pipeline != nil {
		s.indexer = pipelineIndexer{pipeline: deps.Pipeline, firecrawl: deps.Firecrawl}
	}
	s.chatOpts = s.instrumentChat(deps.Chat)
	s.chat = chat.NewService(s.chatOpts)

	if cfg.APIKey == "" {
		s.log.Warn("API authentication disabled: FIRESTARTER_API_KEY is not set")
	}

	s.handler = s.routes(deps)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// routes builds the chi router.
func (s *Server) routes(deps Deps) http.Handler {
	createLimit, queryLimit := s.rateLimiters(deps)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler { return requestLogger(s.log, next) })
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(cors)

	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/ready", s.handleReady)
		r.Get("/check-env", s.handleCheckEnv)

		r.Group(func(r chi.Router) {
			r.Use(func(next http.Handler) http.Handler { return authMiddleware(s.cfg.APIKey, next) })

			r.With(createLimit).Post("/firestarter/create", s.handleCreate)
			r.With(queryLimit).Post("/firestarter/query", s.handleQuery)

			r.Route("/indexes", func(r chi.Router) {
				r.Get("/", s.handleListIndexes)
				r.Get("/{namespace}", s.handleGetIndex)
				r.Delete("/{namespace}", s.handleDeleteIndex)
			})

			r.Route("/v1", func(r chi.Router) {
				r.With(queryLimit).Post("/chat/completions", s.handleChatCompletions)
				r.Get("/models", s.handleModels)
			})
		})
	})
	return r
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("firestarter server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON encodes v with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(ctx).Error("response encode error", slog.Any("error", err))
	}
}

// writeError writes the dashboard error shape {"error": msg}.
func writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	writeJSON(ctx, w, status, map[string]string{"error": msg})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// toSchemaMessages converts wire turns to eino messages. Unknown roles and
// tool turns are dropped.
func toSchemaMessages(in []wireMessage) []*schema.Message {
	out := make([]*schema.Message, 0, len(in))
	for _, m := range in {
		text := messageText(m.Content)
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			out = append(out, schema.SystemMessage(text))
		case "user":
			out = append(out, schema.UserMessage(text))
		case "assistant":
			out = append(out, schema.AssistantMessage(text, nil))
		}
	}
	return out
}

// messageText flattens string or text-part content.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

// sseWriter emits Server-Sent Event frames and flushes after each one.
type sseWriter struct {
	// w is the underlying response writer.
	w http.ResponseWriter

	// flusher flushes buffered data to the client after each write.
	flusher http.Flusher
}

// newSSEWriter sets the event-stream headers. It fails when w cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, nil
}

// send writes one frame. event may be empty for unnamed data frames; v is
// JSON-encoded, so the payload never spans more than one data line.
func (s *sseWriter) send(event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.raw(event, string(b))
}

// raw writes data verbatim as one data line.
func (s *sseWriter) raw(event, data string) error {
	var buf strings.Builder
	if event != "" {
		buf.WriteString("event: ")
		buf.WriteString(event)
		buf.WriteString("\n")
	}
	buf.WriteString("data: ")
	buf.WriteString(data)
	buf.WriteString("\n\n")
	if _, err := fmt.Fprint(s.w, buf.String()); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
