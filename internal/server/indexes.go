package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/firecrawl"
	"github.com/54b3r/firestarter-go/internal/ingestion"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/store"
)

// handleCreate handles POST /api/firestarter/create. It crawls the site,
// indexes it under a fresh namespace and registers it, evicting the oldest
// indexes beyond the storage cap.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)

	if s.limits.CreationDisabled {
		s.metrics.indexesCreatedTotal.WithLabelValues("disabled").Inc()
		writeError(ctx, w, http.StatusForbidden, "chatbot creation is disabled on this server")
		return
	}
	if s.indexer == nil {
		writeError(ctx, w, http.StatusServiceUnavailable, "index creation is not configured")
		return
	}

	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" {
		writeError(ctx, w, http.StatusBadRequest, "url is required")
		return
	}

	res, err := s.indexer.Ingest(ctx, ingestion.Request{URL: req.URL, Limit: req.Limit}, credentialsFrom(r).FirecrawlKey)
	if err != nil {
		status, outcome := createErrorStatus(err)
		s.metrics.indexesCreatedTotal.WithLabelValues(outcome).Inc()
		log.Error("create index failed", slog.String("url", req.URL), slog.Any("error", err))
		writeError(ctx, w, status, err.Error())
		return
	}

	meta := store.IndexMetadata{
		Namespace:    res.Namespace,
		URL:          res.URL,
		Title:        res.Title,
		Description:  res.Description,
		Favicon:      res.Favicon,
		OGImage:      res.OGImage,
		PagesCrawled: res.PagesCrawled,
		Chunks:       res.Chunks,
		CreatedAt:    res.CreatedAt,
	}
	if err := store.Register(ctx, s.registry, meta, s.dropVectors); err != nil {
		s.metrics.indexesCreatedTotal.WithLabelValues("error").Inc()
		log.Error("register index failed", slog.String("namespace", res.Namespace), slog.Any("error", err))
		writeError(ctx, w, http.StatusInternalServerError, "index was built but could not be registered")
		return
	}

	s.metrics.indexesCreatedTotal.WithLabelValues("ok").Inc()
	s.metrics.crawlPages.Observe(float64(res.PagesCrawled))
	log.Info("index created",
		slog.String("namespace", res.Namespace),
		slog.Int("pages", res.PagesCrawled),
		slog.Int("chunks", res.Chunks),
	)

	writeJSON(ctx, w, http.StatusOK, createResponse{
		Success:   true,
		Namespace: res.Namespace,
		Details: createDetails{
			URL:          res.URL,
			PagesCrawled: res.PagesCrawled,
			Chunks:       res.Chunks,
			Title:        res.Title,
			Description:  res.Description,
			Favicon:      res.Favicon,
			OGImage:      res.OGImage,
			CreatedAt:    res.CreatedAt,
		},
	})
}

// createErrorStatus maps an ingestion error to an HTTP status and a metric
// outcome label.
func createErrorStatus(err error) (int, string) {
	var apiErr *firecrawl.APIError
	switch {
	case errors.Is(err, ingestion.ErrInvalidURL), errors.Is(err, firecrawl.ErrNoAPIKey):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, firecrawl.ErrCrawlFailed), errors.Is(err, ingestion.ErrNoContent), errors.As(err, &apiErr):
		return http.StatusBadGateway, "crawl_failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "error"
	}
}

// dropVectors deletes a namespace's chunks when a vector store is wired.
func (s *Server) dropVectors(ctx context.Context, ns string) error {
	if s.vectors == nil {
		return nil
	}
	return s.vectors.DeleteNamespace(ctx, ns)
}

// handleListIndexes handles GET /api/indexes, newest first.
func (s *Server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	list, err := s.registry.List(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("list indexes failed", slog.Any("error", err))
		writeError(r.Context(), w, http.StatusInternalServerError, "failed to list indexes")
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, map[string]any{"indexes": list})
}

// handleGetIndex handles GET /api/indexes/{namespace}.
func (s *Server) handleGetIndex(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	meta, err := s.registry.Get(r.Context(), ns)
	if errors.Is(err, store.ErrNotFound) {
		writeError(r.Context(), w, http.StatusNotFound, "index not found")
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).Error("get index failed", slog.String("namespace", ns), slog.Any("error", err))
		writeError(r.Context(), w, http.StatusInternalServerError, "failed to load index")
		return
	}
	writeJSON(r.Context(), w, http.StatusOK, meta)
}

// handleDeleteIndex handles DELETE /api/indexes/{namespace}. The registry
// entry goes first; a vector cleanup failure is logged and leaves orphaned
// chunks that no query can reach.
func (s *Server) handleDeleteIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logging.FromContext(ctx)
	ns := chi.URLParam(r, "namespace")

	if err := s.registry.Delete(ctx, ns); errors.Is(err, store.ErrNotFound) {
		writeError(ctx, w, http.StatusNotFound, "index not found")
		return
	} else if err != nil {
		log.Error("delete index failed", slog.String("namespace", ns), slog.Any("error", err))
		writeError(ctx, w, http.StatusInternalServerError, "failed to delete index")
		return
	}
	if err := s.dropVectors(ctx, ns); err != nil {
		log.Warn("delete vectors failed", slog.String("namespace", ns), slog.Any("error", err))
	}
	log.Info("index deleted", slog.String("namespace", ns))
	writeJSON(ctx, w, http.StatusOK, map[string]any{"success": true, "namespace": ns})
}

// handleCheckEnv handles GET /api/check-env. It reports which credentials
// the server holds (as booleans only), the backend a query would use
// first, and whether creation is enabled.
func (s *Server) handleCheckEnv(w http.ResponseWriter, r *http.Request) {
	resp := checkEnvResponse{
		EnvironmentStatus: s.chatOpts.Credentials.Status(),
		CreationEnabled:   !s.limits.CreationDisabled && s.indexer != nil,
	}
	if cands, err := s.chat.Candidates(chat.Request{}); err == nil {
		resp.Provider = string(cands[0].Backend)
	}
	writeJSON(r.Context(), w, http.StatusOK, resp)
}
