package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/54b3r/firestarter-go/internal/config"
	"github.com/54b3r/firestarter-go/internal/embedder"
	"github.com/54b3r/firestarter-go/internal/firecrawl"
	"github.com/54b3r/firestarter-go/internal/ingestion"
	"github.com/54b3r/firestarter-go/internal/rag"
	"github.com/54b3r/firestarter-go/internal/store"
)

// pingableStore is a vector store that can probe its backing service.
type pingableStore interface {
	rag.VectorStore
	Ping(ctx context.Context) error
}

// stack holds the components shared by every command that touches indexes.
type stack struct {
	limits    config.Limits
	embedder  rag.Embedder
	vectors   pingableStore
	registry  store.Registry
	firecrawl *firecrawl.Client
	closers   []func() error
}

// Close releases every component in reverse construction order.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		_ = s.closers[i]()
	}
}

// buildStack resolves limits, the embedder, the vector store, the index
// registry and the Firecrawl client from the environment.
func buildStack(ctx context.Context, log *slog.Logger) (*stack, error) {
	s := &stack{
		limits:    config.LimitsFromEnv(),
		firecrawl: firecrawl.NewFromEnv(),
	}

	if err := embedder.ValidateForRAG(log); err != nil {
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	s.embedder = emb
	log.Info("embedder initialised", slog.String("provider", embedder.ResolveBackend()))

	vectors, err := buildVectorStore(ctx, log)
	if err != nil {
		return nil, err
	}
	s.vectors = vectors
	s.closers = append(s.closers, vectors.Close)

	registry, err := store.OpenRegistry(ctx, os.Getenv("REDIS_URL"), os.Getenv("FIRESTARTER_DB"), s.limits.MaxIndexes)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open index registry: %w", err)
	}
	s.registry = registry
	s.closers = append(s.closers, registry.Close)

	return s, nil
}

// vectorBackend returns VECTOR_BACKEND, defaulting to qdrant when
// QDRANT_HOST is set and to the embedded chromem store otherwise.
func vectorBackend() string {
	if b := strings.ToLower(strings.TrimSpace(os.Getenv("VECTOR_BACKEND"))); b != "" {
		return b
	}
	if os.Getenv("QDRANT_HOST") != "" {
		return "qdrant"
	}
	return "chromem"
}

func buildVectorStore(ctx context.Context, log *slog.Logger) (pingableStore, error) {
	switch backend := vectorBackend(); backend {
	case "qdrant":
		host := getEnvOrDefault("QDRANT_HOST", "localhost")
		port := getEnvInt("QDRANT_PORT", 6334)
		collection := getEnvOrDefault("QDRANT_COLLECTION", "firestarter")
		vectorSize := uint64(embedder.DefaultDimensions(embedder.ResolveBackend())) //nolint:gosec // dimensions are bounded

		qs, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
			Host:       host,
			Port:       port,
			Collection: collection,
			VectorSize: vectorSize,
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     config.EnvBool("QDRANT_TLS"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", host, port, err)
		}
		log.Info("qdrant store ready", slog.String("host", host), slog.Int("port", port), slog.String("collection", collection))
		return qs, nil

	case "chromem":
		path := os.Getenv("CHROMEM_PATH")
		cs, err := rag.NewChromemStore(&rag.ChromemConfig{Path: path, Compress: path != ""})
		if err != nil {
			return nil, err
		}
		log.Info("chromem store ready", slog.String("path", valueOr(path, "memory")))
		return cs, nil

	default:
		return nil, fmt.Errorf("unknown VECTOR_BACKEND %q: valid values are qdrant, chromem", backend)
	}
}

// pipeline builds the ingestion pipeline over the stack's components.
func (s *stack) pipeline() (*ingestion.Pipeline, error) {
	p, err := ingestion.NewPipeline(s.firecrawl, s.embedder, s.vectors, &ingestion.Config{Limits: s.limits})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return p, nil
}

// retriever builds the namespace retriever used by chat.
func (s *stack) retriever() (rag.Retriever, error) {
	r, err := rag.NewRetriever(s.embedder, s.vectors, s.limits.MaxResults, rag.RerankOptions{MaxDocs: s.limits.MaxContextDocs})
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}
	return r, nil
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
