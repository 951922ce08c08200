package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/firestarter-go/internal/provider"
	"github.com/54b3r/firestarter-go/internal/rag"
)

// fakeModel streams a fixed sequence of chunks, optionally failing.
type fakeModel struct {
	chunks    []string
	usage     *schema.TokenUsage
	streamErr error // returned by Stream
	recvErr   error // returned by Recv after chunks
	onStream  func()

	mu    sync.Mutex
	input []*schema.Message
}

func (f *fakeModel) Generate(ctx context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeModel) Stream(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.mu.Lock()
	f.input = in
	f.mu.Unlock()
	if f.onStream != nil {
		f.onStream()
	}
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	sr, sw := schema.Pipe[*schema.Message](len(f.chunks) + 2)
	go func() {
		defer sw.Close()
		for _, c := range f.chunks {
			sw.Send(schema.AssistantMessage(c, nil), nil)
		}
		if f.recvErr != nil {
			sw.Send(nil, f.recvErr)
			return
		}
		if f.usage != nil {
			sw.Send(&schema.Message{Role: schema.Assistant, ResponseMeta: &schema.ResponseMeta{
				FinishReason: "end_turn", Usage: f.usage,
			}}, nil)
		}
	}()
	return sr, nil
}

// fakeRetriever returns fixed documents.
type fakeRetriever struct {
	docs []rag.Document
	err  error
}

func (r *fakeRetriever) Retrieve(context.Context, string, string, int) ([]rag.Document, error) {
	return r.docs, r.err
}

type recorder struct {
	mu        sync.Mutex
	providers []string
	fallbacks []string
	cfgs      []provider.Config
	cands     []provider.Candidate
}

func newService(t *testing.T, models map[provider.Backend]*fakeModel, creds provider.Credentials, retr rag.Retriever) (*Service, *recorder) {
	t.Helper()
	rec := &recorder{}
	svc := NewService(Options{
		Retriever:   retr,
		Credentials: creds,
		Model:       provider.Config{MaxTokens: 800, Temperature: 0.7},
		NewModel: func(_ context.Context, c provider.Candidate, cfg provider.Config) (provider.ChatModel, error) {
			rec.mu.Lock()
			rec.cfgs = append(rec.cfgs, cfg)
			rec.cands = append(rec.cands, c)
			rec.mu.Unlock()
			m, ok := models[c.Backend]
			if !ok {
				return nil, errors.New("no model for " + string(c.Backend))
			}
			return m, nil
		},
		OnProvider: func(b string) {
			rec.mu.Lock()
			rec.providers = append(rec.providers, b)
			rec.mu.Unlock()
		},
		OnFallback: func(b string, _ error) {
			rec.mu.Lock()
			rec.fallbacks = append(rec.fallbacks, b)
			rec.mu.Unlock()
		},
	})
	return svc, rec
}

func drain(t *testing.T, st *Stream) []Event {
	t.Helper()
	defer st.Close()
	var evs []Event
	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return evs
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		evs = append(evs, ev)
	}
}

func userReq(q string) Request {
	return Request{Namespace: "example-com-1", Messages: []*schema.Message{schema.UserMessage(q)}}
}

var openaiAndGroq = provider.Credentials{OpenAIKey: "sk-o", GroqKey: "gsk-g", Models: map[provider.Backend]string{
	provider.BackendOpenAI: "gpt-4o", provider.BackendGroq: "llama",
}}

func TestComplete_Validation(t *testing.T) {
	t.Parallel()

	svc, _ := newService(t, nil, openaiAndGroq, nil)
	ctx := context.Background()

	if _, err := svc.Complete(ctx, Request{Messages: []*schema.Message{schema.UserMessage("q")}}); !errors.Is(err, ErrNamespaceRequired) {
		t.Errorf("want ErrNamespaceRequired, got %v", err)
	}
	noUser := Request{Namespace: "ns", Messages: []*schema.Message{schema.SystemMessage("s"), schema.UserMessage("  ")}}
	if _, err := svc.Complete(ctx, noUser); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("want ErrEmptyQuery, got %v", err)
	}

	bare, _ := newService(t, nil, provider.Credentials{}, nil)
	if _, err := bare.Complete(ctx, userReq("q")); !errors.Is(err, provider.ErrNoProvider) {
		t.Errorf("want ErrNoProvider, got %v", err)
	}
}

func TestComplete_StreamsEventsInOrder(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"Hel", "", "lo"}, usage: &schema.TokenUsage{PromptTokens: 42, CompletionTokens: 2}}
	retr := &fakeRetriever{docs: []rag.Document{
		{URL: "https://example.com/pricing", Title: "Pricing", Content: "Plans start at $10."},
	}}
	svc, rec := newService(t, map[provider.Backend]*fakeModel{provider.BackendOpenAI: m}, openaiAndGroq, retr)

	st, err := svc.Complete(context.Background(), userReq("how much?"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	evs := drain(t, st)

	var types []string
	for _, e := range evs {
		types = append(types, string(e.Type))
	}
	if got := strings.Join(types, ","); got != "sources,delta,delta,done" {
		t.Fatalf("event order = %s", got)
	}
	if len(evs[0].Sources) != 1 || evs[0].Sources[0].Title != "Pricing" {
		t.Errorf("sources = %+v", evs[0].Sources)
	}
	if evs[1].Content+evs[2].Content != "Hello" {
		t.Errorf("content = %q", evs[1].Content+evs[2].Content)
	}
	done := evs[3]
	if done.Provider != "openai" || done.Model != "gpt-4o" || done.FinishReason != "stop" {
		t.Errorf("done = %+v", done)
	}
	if done.Usage != (Usage{PromptTokens: 42, CompletionTokens: 2}) {
		t.Errorf("usage = %+v", done.Usage)
	}
	if len(rec.providers) != 1 || rec.providers[0] != "openai" || len(rec.fallbacks) != 0 {
		t.Errorf("recorder = %+v", rec)
	}

	// The prompt carries the retrieved context and ends with the query.
	in := m.input
	if in[0].Role != schema.System || !strings.Contains(in[0].Content, "[1] Pricing") {
		t.Errorf("system prompt missing context: %q", in[0].Content)
	}
	if last := in[len(in)-1]; last.Role != schema.User || last.Content != "how much?" {
		t.Errorf("last message = %+v", last)
	}
}

func TestComplete_FallbackBeforeOutput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		openai *fakeModel
		models bool
	}{
		{name: "stream open fails", openai: &fakeModel{streamErr: errors.New("401")}, models: true},
		{name: "first recv fails", openai: &fakeModel{recvErr: errors.New("overloaded")}, models: true},
		{name: "construction fails", models: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			models := map[provider.Backend]*fakeModel{provider.BackendGroq: {chunks: []string{"from groq"}}}
			if tc.models {
				models[provider.BackendOpenAI] = tc.openai
			}
			svc, rec := newService(t, models, openaiAndGroq, nil)
			st, err := svc.Complete(context.Background(), userReq("q"))
			if err != nil {
				t.Fatalf("Complete: %v", err)
			}
			evs := drain(t, st)
			last := evs[len(evs)-1]
			if last.Type != EventDone || last.Provider != "groq" || last.Model != "llama" {
				t.Fatalf("final event = %+v", last)
			}
			if evs[1].Content != "from groq" {
				t.Errorf("delta = %+v", evs[1])
			}
			if len(rec.fallbacks) != 1 || rec.fallbacks[0] != "openai" {
				t.Errorf("fallbacks = %v", rec.fallbacks)
			}
			if last.Usage.PromptTokens == 0 || last.Usage.CompletionTokens == 0 {
				t.Errorf("usage should be estimated when the backend reports none: %+v", last.Usage)
			}
		})
	}
}

func TestComplete_NoFallbackAfterOutput(t *testing.T) {
	t.Parallel()

	models := map[provider.Backend]*fakeModel{
		provider.BackendOpenAI: {chunks: []string{"partial"}, recvErr: errors.New("connection reset")},
		provider.BackendGroq:   {chunks: []string{"should not run"}},
	}
	svc, rec := newService(t, models, openaiAndGroq, nil)
	st, err := svc.Complete(context.Background(), userReq("q"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	evs := drain(t, st)
	if len(evs) != 3 || evs[1].Content != "partial" || evs[2].Type != EventError {
		t.Fatalf("events = %+v", evs)
	}
	if !strings.Contains(evs[2].Err.Error(), "connection reset") {
		t.Errorf("error = %v", evs[2].Err)
	}
	if len(rec.cands) != 1 {
		t.Errorf("groq must not be tried after output, candidates built: %d", len(rec.cands))
	}
}

func TestComplete_CancelledContextStopsFallback(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	models := map[provider.Backend]*fakeModel{
		provider.BackendOpenAI: {onStream: cancel, streamErr: context.Canceled},
		provider.BackendGroq:   {chunks: []string{"should not run"}},
	}
	svc, rec := newService(t, models, openaiAndGroq, nil)
	st, err := svc.Complete(ctx, userReq("q"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	evs := drain(t, st)
	last := evs[len(evs)-1]
	if last.Type != EventError || !errors.Is(last.Err, context.Canceled) {
		t.Fatalf("final event = %+v", last)
	}
	if errors.Is(last.Err, ErrAllProvidersFailed) {
		t.Errorf("cancellation reported as provider failure: %v", last.Err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.cands) != 1 {
		t.Errorf("groq must not be tried after cancellation, candidates built: %d", len(rec.cands))
	}
	if len(rec.fallbacks) != 0 {
		t.Errorf("fallbacks = %v, want none", rec.fallbacks)
	}
}

func TestComplete_AllProvidersFail(t *testing.T) {
	t.Parallel()

	models := map[provider.Backend]*fakeModel{
		provider.BackendOpenAI: {streamErr: errors.New("a")},
		provider.BackendGroq:   {streamErr: errors.New("b")},
	}
	svc, _ := newService(t, models, openaiAndGroq, nil)
	st, _ := svc.Complete(context.Background(), userReq("q"))
	evs := drain(t, st)
	if len(evs) != 2 || evs[0].Type != EventSources || evs[1].Type != EventError {
		t.Fatalf("events = %+v", evs)
	}
	if !errors.Is(evs[1].Err, ErrAllProvidersFailed) {
		t.Errorf("error = %v", evs[1].Err)
	}
	if evs[0].Sources == nil {
		t.Error("sources must be non-nil even when empty")
	}
}

func TestComplete_RetrievalFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"I don't know."}}
	svc, _ := newService(t, map[provider.Backend]*fakeModel{provider.BackendOpenAI: m}, openaiAndGroq,
		&fakeRetriever{err: errors.New("qdrant down")})
	ans, err := svc.Answer(context.Background(), userReq("q"))
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Content != "I don't know." || len(ans.Sources) != 0 {
		t.Errorf("answer = %+v", ans)
	}
	if !strings.Contains(m.input[0].Content, "No relevant content") {
		t.Errorf("system prompt should note missing context: %q", m.input[0].Content)
	}
}

func TestComplete_RequestOverrides(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"ok"}}
	svc, rec := newService(t, map[provider.Backend]*fakeModel{provider.BackendGroq: m}, openaiAndGroq, nil)

	temp := float32(0.1)
	req := userReq("q")
	req.Pin = provider.BackendGroq
	req.Model = "custom-model"
	req.Temperature = &temp
	req.MaxTokens = 64
	ans, err := svc.Answer(context.Background(), req)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Provider != "groq" || ans.Model != "custom-model" {
		t.Errorf("answer provider/model = %s/%s", ans.Provider, ans.Model)
	}
	if rec.cfgs[0].Temperature != 0.1 || rec.cfgs[0].MaxTokens != 64 {
		t.Errorf("config = %+v", rec.cfgs[0])
	}
}

func TestComplete_HeaderCredentials(t *testing.T) {
	t.Parallel()

	m := &fakeModel{chunks: []string{"ok"}}
	svc, rec := newService(t, map[provider.Backend]*fakeModel{provider.BackendAnthropic: m}, provider.Credentials{}, nil)
	req := userReq("q")
	req.Credentials = provider.Credentials{AnthropicKey: "sk-ant-user"}
	if _, err := svc.Answer(context.Background(), req); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if rec.cands[0].APIKey != "sk-ant-user" {
		t.Error("request credentials were not used")
	}
}

func TestSplitConversation(t *testing.T) {
	t.Parallel()

	msgs := []*schema.Message{
		schema.SystemMessage("be brief"),
		schema.UserMessage("first"),
		schema.AssistantMessage("answer", nil),
		{Role: schema.Tool, Content: "tool output"},
		schema.UserMessage("second"),
		schema.AssistantMessage("", nil),
	}
	q, hist, sys := splitConversation(msgs)
	if q != "second" {
		t.Errorf("query = %q", q)
	}
	if len(hist) != 2 || hist[0].Content != "first" || hist[1].Content != "answer" {
		t.Errorf("history = %+v", hist)
	}
	if len(sys) != 1 || sys[0].Content != "be brief" {
		t.Errorf("system = %+v", sys)
	}
}

func TestNormalizeFinish(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"end_turn":   "stop",
		"STOP":       "stop",
		"max_tokens": "length",
		"length":     "length",
		"SAFETY":     "content_filter",
		"tool_calls": "tool_calls",
	}
	for in, want := range cases {
		if got := normalizeFinish(in); got != want {
			t.Errorf("normalizeFinish(%q) = %q, want %q", in, got, want)
		}
	}
}
