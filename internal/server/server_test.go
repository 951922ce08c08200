package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/config"
	"github.com/54b3r/firestarter-go/internal/ingestion"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/provider"
	"github.com/54b3r/firestarter-go/internal/rag"
	"github.com/54b3r/firestarter-go/internal/store"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeModel streams fixed chunks, then a usage/finish chunk.
type fakeModel struct {
	chunks    []string
	streamErr error
}

func (f *fakeModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	msgs := make([]*schema.Message, 0, len(f.chunks)+1)
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	msgs = append(msgs, &schema.Message{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{
		FinishReason: "stop",
		Usage:        &schema.TokenUsage{PromptTokens: 42, CompletionTokens: 7},
	}})
	return schema.StreamReaderFromArray(msgs), nil
}

type fakeRetriever struct{ docs []rag.Document }

func (r fakeRetriever) Retrieve(context.Context, string, string, int) ([]rag.Document, error) {
	return r.docs, nil
}

// fakeIndexer records the last request and returns a fixed result.
type fakeIndexer struct {
	mu      sync.Mutex
	req     ingestion.Request
	key     string
	result  *ingestion.Result
	err     error
	callCnt int
}

func (f *fakeIndexer) Ingest(_ context.Context, req ingestion.Request, key string) (*ingestion.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.req, f.key = req, key
	f.callCnt++
	return f.result, f.err
}

// fakeVectors records dropped namespaces.
type fakeVectors struct {
	mu      sync.Mutex
	dropped []string
}

func (f *fakeVectors) DeleteNamespace(_ context.Context, ns string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, ns)
	return nil
}

func (f *fakeVectors) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dropped...)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type testEnv struct {
	srv      *Server
	reg      *prometheus.Registry
	registry *store.SQLiteStore
	vectors  *fakeVectors
	indexer  *fakeIndexer
}

type envOption func(*Deps, *Config)

func withCredentials(c provider.Credentials) envOption {
	return func(d *Deps, _ *Config) { d.Chat.Credentials = c }
}

func withModels(models map[provider.Backend]*fakeModel) envOption {
	return func(d *Deps, _ *Config) {
		d.Chat.NewModel = func(_ context.Context, c provider.Candidate, _ provider.Config) (provider.ChatModel, error) {
			m, ok := models[c.Backend]
			if !ok {
				return nil, errors.New("no model for " + string(c.Backend))
			}
			return m, nil
		}
	}
}

func withLimits(mut func(*config.Limits)) envOption {
	return func(_ *Deps, c *Config) { mut(&c.Limits) }
}

func withAPIKey(key string) envOption {
	return func(_ *Deps, c *Config) { c.APIKey = key }
}

// newTestEnv builds a fully routed Server over an in-memory registry, a
// fake index pipeline and an OpenAI backend that answers "Hello world".
func newTestEnv(t *testing.T, maxIndexes int, opts ...envOption) *testEnv {
	t.Helper()

	registry, err := store.Open(":memory:", maxIndexes)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	env := &testEnv{
		reg:      prometheus.NewRegistry(),
		registry: registry,
		vectors:  &fakeVectors{},
		indexer:  &fakeIndexer{},
	}
	deps := Deps{
		Chat: chat.Options{
			Retriever: fakeRetriever{docs: []rag.Document{
				{ID: "1", Namespace: "docs-1", URL: "https://docs.dev/a", Title: "Page A", Content: "Alpha content", Score: 0.9},
			}},
			Credentials: provider.Credentials{OpenAIKey: "sk-test", Models: map[provider.Backend]string{provider.BackendOpenAI: "gpt-4o"}},
			Model:       provider.Config{MaxTokens: 100, Temperature: 0.5},
		},
		Registry: registry,
		Vectors:  env.vectors,
	}
	cfg := &Config{
		Logger:          logging.NewWithWriter(io.Discard, "json", "error"),
		MetricsRegistry: env.reg,
		MetricsGatherer: env.reg,
		Limits:          config.DefaultLimits(),
	}
	withModels(map[provider.Backend]*fakeModel{
		provider.BackendOpenAI: {chunks: []string{"Hello", " world"}},
	})(&deps, cfg)
	for _, o := range opts {
		o(&deps, cfg)
	}

	s, err := New(deps, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.stopRL)
	s.indexer = env.indexer
	env.srv = s
	return env
}

// do sends a request through the full router.
func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "192.0.2.1:5555"
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

// register seeds the registry.
func (e *testEnv) register(t *testing.T, ns string, created time.Time) {
	t.Helper()
	if _, err := e.registry.Put(context.Background(), store.IndexMetadata{
		Namespace: ns, URL: "https://" + ns + ".dev", Title: ns, CreatedAt: created,
	}); err != nil {
		t.Fatalf("seed registry: %v", err)
	}
}

// sseFrame is one parsed Server-Sent Event.
type sseFrame struct {
	event string
	data  string
}

// parseSSE splits an event-stream body into frames.
func parseSSE(t *testing.T, body string) []sseFrame {
	t.Helper()
	var (
		frames []sseFrame
		cur    sseFrame
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.event != "" || cur.data != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan sse: %v", err)
	}
	return frames
}

// ---------------------------------------------------------------------------
// Construction and cross-cutting middleware
// ---------------------------------------------------------------------------

func TestNew_RequiresRegistry(t *testing.T) {
	t.Parallel()

	if _, err := New(Deps{}, &Config{MetricsRegistry: prometheus.NewRegistry()}); err == nil {
		t.Fatal("expected error for nil registry")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	cfg := env.srv.cfg
	if cfg.Host != "127.0.0.1" || cfg.Port != 8080 {
		t.Errorf("addr = %s:%d, want 127.0.0.1:8080", cfg.Host, cfg.Port)
	}
	if cfg.WriteTimeout != 5*time.Minute || cfg.ChatTimeout != 5*time.Minute {
		t.Errorf("timeouts = %v/%v", cfg.WriteTimeout, cfg.ChatTimeout)
	}
	if env.srv.httpServer.Addr != "127.0.0.1:8080" {
		t.Errorf("httpServer.Addr = %q", env.srv.httpServer.Addr)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0, withAPIKey("secret"))
	w := env.do(t, http.MethodOptions, "/api/v1/chat/completions", "")

	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "X-Namespace") {
		t.Errorf("Allow-Headers missing X-Namespace: %q", w.Header().Get("Access-Control-Allow-Headers"))
	}
}

func TestRouter_RequestIDHeader(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0)
	w := env.do(t, http.MethodGet, "/api/health", "")
	if len(w.Header().Get("X-Request-ID")) != 16 {
		t.Errorf("X-Request-ID = %q, want 16 hex chars", w.Header().Get("X-Request-ID"))
	}
}

func TestRouter_AuthExemptions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0, withAPIKey("secret"))

	cases := []struct {
		method, path string
		auth         string
		want         int
	}{
		{http.MethodGet, "/api/health", "", http.StatusOK},
		{http.MethodGet, "/api/ready", "", http.StatusOK},
		{http.MethodGet, "/api/check-env", "", http.StatusOK},
		{http.MethodGet, "/api/indexes", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/indexes", "Bearer secret", http.StatusOK},
		{http.MethodGet, "/api/v1/models", "Bearer nope", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/models", "Bearer secret", http.StatusOK},
	}
	for _, tc := range cases {
		var hdr []string
		if tc.auth != "" {
			hdr = []string{"Authorization", tc.auth}
		}
		w := env.do(t, tc.method, tc.path, "", hdr...)
		if w.Code != tc.want {
			t.Errorf("%s %s auth=%q: status %d, want %d", tc.method, tc.path, tc.auth, w.Code, tc.want)
		}
	}

	// OpenAI routes answer with the OpenAI error envelope.
	w := env.do(t, http.MethodGet, "/api/v1/models", "")
	if !strings.Contains(w.Body.String(), `"type":"authentication_error"`) {
		t.Errorf("openai 401 body = %s", w.Body.String())
	}
}

func TestRouter_RateLimitQuery(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0, withLimits(func(l *config.Limits) {
		l.QueryRequests = 1
		l.QueryWindow = time.Hour
	}))
	body := `{"namespace":"docs-1","query":"hi","stream":false}`

	if w := env.do(t, http.MethodPost, "/api/firestarter/query", body); w.Code != http.StatusOK {
		t.Fatalf("first query: status %d body %s", w.Code, w.Body.String())
	}
	w := env.do(t, http.MethodPost, "/api/firestarter/query", body)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second query: status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}

	// The create class has its own budget.
	env.indexer.err = ingestion.ErrInvalidURL
	if w := env.do(t, http.MethodPost, "/api/firestarter/create", `{"url":"x"}`); w.Code == http.StatusTooManyRequests {
		t.Error("create limited by the query budget")
	}
}

func TestRouter_UnlimitedDisablesRateLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, 0, withLimits(func(l *config.Limits) {
		l.QueryRequests = 1
		l.Unlimited = true
	}))
	for i := range 3 {
		w := env.do(t, http.MethodPost, "/api/firestarter/query", `{"namespace":"docs-1","query":"hi","stream":false}`)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}
}

func TestToSchemaMessages(t *testing.T) {
	t.Parallel()

	in := []wireMessage{
		{Role: "system", Content: []byte(`"be brief"`)},
		{Role: "user", Content: []byte(`[{"type":"text","text":"part one"},{"type":"image_url"},{"type":"text","text":"part two"}]`)},
		{Role: "assistant", Content: []byte(`"ok"`)},
		{Role: "tool", Content: []byte(`"ignored"`)},
		{Role: "USER", Content: []byte(`"last"`)},
	}
	got := toSchemaMessages(in)
	if len(got) != 4 {
		t.Fatalf("len = %d, want 4", len(got))
	}
	want := []struct {
		role    schema.RoleType
		content string
	}{
		{schema.System, "be brief"},
		{schema.User, "part one\npart two"},
		{schema.Assistant, "ok"},
		{schema.User, "last"},
	}
	for i, w := range want {
		if got[i].Role != w.role || got[i].Content != w.content {
			t.Errorf("[%d] = %s %q, want %s %q", i, got[i].Role, got[i].Content, w.role, w.content)
		}
	}
}
