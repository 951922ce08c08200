package embedder

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaEmbedder implements rag.Embedder using the Ollama /api/embed endpoint.
// No API key is required; Ollama runs locally.
type OllamaEmbedder struct {
	model  string
	client *api.Client
}

// OllamaConfig holds the settings for constructing an OllamaEmbedder.
type OllamaConfig struct {
	// Host is the Ollama server base URL (e.g. "http://localhost:11434").
	Host string
	// Model is the embedding model name (e.g. "nomic-embed-text").
	Model string
}

// NewOllamaEmbedder constructs an OllamaEmbedder from the given config.
// An unparsable host falls back to the local daemon.
func NewOllamaEmbedder(cfg *OllamaConfig) *OllamaEmbedder {
	u, err := url.Parse(strings.TrimRight(cfg.Host, "/"))
	if err != nil || cfg.Host == "" {
		u = &url.URL{Scheme: "http", Host: "localhost:11434"}
	}
	return &OllamaEmbedder{
		model:  cfg.Model,
		client: api.NewClient(u, &http.Client{Timeout: 60 * time.Second}),
	}
}

// Embed converts a batch of texts into their corresponding embeddings.
// Inputs longer than the model context are truncated rather than failing
// the whole batch.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	truncate := true
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model:    e.model,
		Input:    texts,
		Truncate: &truncate,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embedder: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embedder: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}
	return resp.Embeddings, nil
}
