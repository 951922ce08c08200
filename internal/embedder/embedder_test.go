package embedder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestResolveBackend(t *testing.T) {
	cases := []struct {
		name     string
		provider string
		openai   string
		want     string
	}{
		{"explicit wins", "azure", "sk", "azure"},
		{"openai key present", "", "sk", "openai"},
		{"nothing set", "", "", "ollama"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("EMBEDDING_PROVIDER", tc.provider)
			t.Setenv("OPENAI_API_KEY", tc.openai)
			if got := ResolveBackend(); got != tc.want {
				t.Errorf("ResolveBackend() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDefaultDimensions(t *testing.T) {
	t.Setenv("EMBEDDING_DIMENSIONS", "")
	if got := DefaultDimensions("ollama"); got != 768 {
		t.Errorf("ollama = %d", got)
	}
	if got := DefaultDimensions("openai"); got != 1536 {
		t.Errorf("openai = %d", got)
	}
	t.Setenv("EMBEDDING_DIMENSIONS", "256")
	if got := DefaultDimensions("ollama"); got != 256 {
		t.Errorf("override = %d", got)
	}
}

func TestNewFromEnv_OpenAIRequiresKey(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "openai")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("EMBEDDING_API_KEY", "")
	if _, err := NewFromEnv(); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestNewFromEnv_UnknownBackend(t *testing.T) {
	t.Setenv("EMBEDDING_PROVIDER", "bedrock")
	if _, err := NewFromEnv(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if err := ValidateForRAG(slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("ValidateForRAG should reject unknown backend")
	}
}

func TestOpenAIEmbedder_ReordersByIndex(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "text-embedding-3-small" || req.Dimensions != 3 || len(req.Input) != 2 {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[
			{"object":"embedding","index":1,"embedding":[0,1,0]},
			{"object":"embedding","index":0,"embedding":[1,0,0]}
		],"model":"text-embedding-3-small","usage":{"prompt_tokens":4,"total_tokens":4}}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(&OpenAIConfig{BaseURL: srv.URL, APIKey: "sk", Model: "text-embedding-3-small", Dimensions: 3})
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors not reordered by index: %v", vecs)
	}
}

func TestOllamaEmbedder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string   `json:"model"`
			Input    []string `json:"input"`
			Truncate *bool    `json:"truncate"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/api/embed" || req.Model != "nomic-embed-text" || len(req.Input) != 2 || req.Truncate == nil || !*req.Truncate {
			t.Errorf("unexpected request %s %+v", r.URL.Path, req)
		}
		fmt.Fprint(w, `{"embeddings":[[0.1,0.2],[0.3,0.4]]}`)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL + "/", Model: "nomic-embed-text"})
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vecs) != 2 || vecs[1][0] != 0.3 {
		t.Errorf("vecs = %v", vecs)
	}
}

func TestOllamaEmbedder_ErrorBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model \"missing\" not found, try pulling it first"}`)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(&OllamaConfig{Host: srv.URL, Model: "missing"})
	_, err := e.Embed(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("error should carry the server message: %v", err)
	}
}

func TestLooksLikeChatModel(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"gpt-4o":                 true,
		"llama3":                 true,
		"text-embedding-3-small": false,
		"nomic-embed-text":       false,
		"mxbai-embed-large":      false,
	}
	for model, want := range cases {
		if got := looksLikeChatModel(model); got != want {
			t.Errorf("looksLikeChatModel(%q) = %v, want %v", model, got, want)
		}
	}
}
