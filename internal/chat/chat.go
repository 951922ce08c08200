// Package chat answers questions about an indexed site. It retrieves and
// re-ranks the namespace's chunks, fits them into the context window, and
// streams the answer from the first LLM backend that responds, falling back
// down the provider priority list while nothing has been emitted yet.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/firestarter-go/internal/budget"
	"github.com/54b3r/firestarter-go/internal/config"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/provider"
	"github.com/54b3r/firestarter-go/internal/rag"
	"github.com/54b3r/firestarter-go/internal/tracing"
)

var (
	// ErrNamespaceRequired is returned when a request names no namespace.
	ErrNamespaceRequired = errors.New("chat: namespace is required")
	// ErrEmptyQuery is returned when a request has no user message.
	ErrEmptyQuery = errors.New("chat: no user message")
	// ErrAllProvidersFailed is reported when every candidate backend failed
	// before producing output.
	ErrAllProvidersFailed = errors.New("chat: all providers failed")
)

// systemPrompt scopes the assistant to the crawled site.
const systemPrompt = `You are a helpful assistant for a specific website. Answer the user's
questions using only the website content provided below.

Guidelines:
- Base every answer on the provided context. Do not use outside knowledge about the site.
- If the context does not contain the answer, say that you don't know rather than guessing.
- Cite the pages you used by their [number] and URL.
- Be concise and use markdown formatting where it helps readability.`

// EventType discriminates stream events.
type EventType string

const (
	EventSources EventType = "sources"
	EventDelta   EventType = "delta"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

// Usage is the token accounting reported with EventDone.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Event is one element of a chat Stream.
type Event struct {
	Type EventType

	// Sources is set on EventSources (possibly empty, never nil).
	Sources []rag.Source
	// Content is set on EventDelta.
	Content string

	// Usage, Provider, Model and FinishReason are set on EventDone.
	Usage        Usage
	Provider     string
	Model        string
	FinishReason string

	// Err is set on EventError.
	Err error
}

// Request is one chat turn against a namespace.
type Request struct {
	Namespace string
	// Messages is the conversation; the last user message is the query.
	Messages []*schema.Message
	// Credentials overrides the server's provider keys for this request.
	Credentials provider.Credentials
	// Pin forces a backend to be tried first.
	Pin provider.Backend
	// Model overrides the model name of the first candidate.
	Model       string
	Temperature *float32
	MaxTokens   int
}

// ModelFactory constructs a chat model for one candidate.
type ModelFactory func(ctx context.Context, c provider.Candidate, cfg provider.Config) (provider.ChatModel, error)

// Options configures a Service.
type Options struct {
	// Retriever fetches context; nil disables retrieval.
	Retriever rag.Retriever
	// Credentials are the server's provider keys.
	Credentials provider.Credentials
	// Pin is the server-wide backend pin (MODEL_PROVIDER).
	Pin provider.Backend
	// Model is the default generation tuning.
	Model provider.Config
	// Limits bounds retrieval and context size.
	Limits config.Limits
	// NewModel defaults to provider.New.
	NewModel ModelFactory

	// OnProvider is called with the backend that served a stream.
	OnProvider func(backend string)
	// OnFallback is called when a backend fails before emitting output.
	OnFallback func(backend string, err error)
}

// Service runs RAG chat turns. It is safe for concurrent use.
type Service struct {
	opts Options
}

// NewService constructs a Service.
func NewService(opts Options) *Service {
	if opts.NewModel == nil {
		opts.NewModel = provider.New
	}
	if opts.Limits.MaxContextDocs == 0 {
		opts.Limits = config.DefaultLimits()
	}
	if opts.OnProvider == nil {
		opts.OnProvider = func(string) {}
	}
	if opts.OnFallback == nil {
		opts.OnFallback = func(string, error) {}
	}
	return &Service{opts: opts}
}

// Candidates returns the backends a request would try, in order.
func (s *Service) Candidates(req Request) ([]provider.Candidate, error) {
	pin := req.Pin
	if pin == "" {
		pin = s.opts.Pin
	}
	return provider.Select(s.opts.Credentials.Merge(req.Credentials), pin)
}

// Stream is the normalized event stream of one chat turn.
type Stream struct {
	sr *schema.StreamReader[Event]
}

// Recv returns the next event, or io.EOF after the final done/error event.
func (s *Stream) Recv() (Event, error) { return s.sr.Recv() }

// Close releases the stream; the producer stops at its next send.
func (s *Stream) Close() { s.sr.Close() }

// Complete validates req, selects candidates, retrieves context and starts
// streaming. Errors returned here happen before any event is produced.
func (s *Service) Complete(ctx context.Context, req Request) (*Stream, error) {
	if strings.TrimSpace(req.Namespace) == "" {
		return nil, ErrNamespaceRequired
	}
	query, history, extraSystem := splitConversation(req.Messages)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	cands, err := s.Candidates(req)
	if err != nil {
		return nil, err
	}
	if req.Model != "" {
		cands[0].Model = req.Model
	}

	cfg := s.opts.Model
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = req.MaxTokens
	}

	docs := s.retrieve(ctx, req.Namespace, query)
	lim := s.opts.Limits
	contextText, used := budget.BuildContext(docs, budget.Limits{
		MaxDocs:     lim.MaxContextDocs,
		MaxDocChars: lim.MaxContextLength,
		MaxTokens:   lim.MaxContextTokens / 2,
	})
	sources := rag.Sources(used, lim.MaxSources, lim.SnippetLength)
	msgs := s.buildMessages(ctx, contextText, extraSystem, history, query)

	sr, sw := schema.Pipe[Event](8)
	go s.run(ctx, req.Namespace, cands, cfg, msgs, sources, sw)
	return &Stream{sr: sr}, nil
}

// retrieve returns the re-ranked documents for query. Failures are logged
// and yield no context.
func (s *Service) retrieve(ctx context.Context, ns, query string) []rag.Document {
	if s.opts.Retriever == nil {
		return nil
	}
	docs, err := s.opts.Retriever.Retrieve(ctx, ns, query, s.opts.Limits.MaxResults)
	if err != nil {
		logging.FromContext(ctx).Warn("retrieval failed, continuing without context",
			slog.String("namespace", ns), slog.Any("error", err))
		return nil
	}
	return docs
}

// splitConversation returns the last user message as the query, the turns
// before it as history, and any client-supplied system messages.
func splitConversation(msgs []*schema.Message) (query string, history []*schema.Message, system []*schema.Message) {
	last := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] != nil && msgs[i].Role == schema.User && strings.TrimSpace(msgs[i].Content) != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return "", nil, nil
	}
	for _, m := range msgs[:last] {
		if m == nil || strings.TrimSpace(m.Content) == "" {
			continue
		}
		switch m.Role {
		case schema.System:
			system = append(system, schema.SystemMessage(m.Content))
		case schema.User:
			history = append(history, schema.UserMessage(m.Content))
		case schema.Assistant:
			history = append(history, schema.AssistantMessage(m.Content, nil))
		}
	}
	return msgs[last].Content, history, system
}

// buildMessages assembles [system+context, client system..., history..., user],
// trimming history oldest-first to the token budget.
func (s *Service) buildMessages(ctx context.Context, contextText string, extraSystem, history []*schema.Message, query string) []*schema.Message {
	prompt := systemPrompt
	if contextText != "" {
		prompt += "\n\n## Website Content\n\n" + contextText
	} else {
		prompt += "\n\n## Website Content\n\nNo relevant content was found for this question."
	}

	fixed := make([]*schema.Message, 0, 2+len(extraSystem))
	fixed = append(fixed, schema.SystemMessage(prompt))
	fixed = append(fixed, extraSystem...)

	maxTokens := s.opts.Limits.MaxContextTokens
	if maxTokens <= 0 {
		maxTokens = budget.DefaultMaxContextTokens
	}
	user := schema.UserMessage(query)
	before := len(history)
	history = budget.TrimHistory(append(fixed[:len(fixed):len(fixed)], user), history, maxTokens)
	if dropped := before - len(history); dropped > 0 {
		logging.FromContext(ctx).Warn("budget: dropped history messages to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(history)),
			slog.Int("max_tokens", maxTokens),
		)
	}

	out := make([]*schema.Message, 0, len(fixed)+len(history)+1)
	out = append(out, fixed...)
	out = append(out, history...)
	return append(out, user)
}

// run produces the events of one turn into sw.
func (s *Service) run(ctx context.Context, ns string, cands []provider.Candidate, cfg provider.Config,
	msgs []*schema.Message, sources []rag.Source, sw *schema.StreamWriter[Event]) {
	defer sw.Close()
	log := logging.FromContext(ctx)

	if sw.Send(Event{Type: EventSources, Sources: sources}, nil) {
		return
	}

	var lastErr error
	for _, cand := range cands {
		out, err := s.attempt(ctx, ns, cand, cfg, msgs, sw)
		switch {
		case err == nil:
			s.opts.OnProvider(string(cand.Backend))
			if out.closed {
				return
			}
			_ = sw.Send(out.done, nil)
			return
		case out.emitted:
			// Part of the answer reached the client; switching backends
			// would splice two different answers together.
			log.Error("chat stream failed mid-answer", slog.String("provider", cand.String()), slog.Any("error", err))
			s.opts.OnProvider(string(cand.Backend))
			_ = sw.Send(Event{Type: EventError, Err: err, Provider: string(cand.Backend), Model: cand.Model}, nil)
			return
		case out.closed:
			return
		case ctx.Err() != nil:
			// The caller is gone or timed out; the provider did not fail.
			log.Debug("chat cancelled before an answer", slog.String("provider", cand.String()), slog.Any("error", ctx.Err()))
			_ = sw.Send(Event{Type: EventError, Err: ctx.Err()}, nil)
			return
		}
		log.Warn("provider failed, trying next", slog.String("provider", cand.String()), slog.Any("error", err))
		s.opts.OnFallback(string(cand.Backend), err)
		lastErr = err
	}

	_ = sw.Send(Event{Type: EventError, Err: fmt.Errorf("%w: %w", ErrAllProvidersFailed, lastErr)}, nil)
}

type attemptResult struct {
	emitted bool
	closed  bool
	done    Event
}

// attempt streams one candidate's answer into sw.
func (s *Service) attempt(ctx context.Context, ns string, cand provider.Candidate, cfg provider.Config,
	msgs []*schema.Message, sw *schema.StreamWriter[Event]) (attemptResult, error) {
	var res attemptResult

	m, err := s.opts.NewModel(ctx, cand, cfg)
	if err != nil {
		return res, err
	}
	sr, err := m.Stream(tracing.StartChat(ctx, ns, string(cand.Backend)), msgs)
	if err != nil {
		return res, fmt.Errorf("chat: %s: open stream: %w", cand.Backend, err)
	}
	defer sr.Close()

	var answer strings.Builder
	done := Event{Type: EventDone, Provider: string(cand.Backend), Model: cand.Model, FinishReason: "stop"}
	for {
		msg, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("chat: %s: %w", cand.Backend, err)
		}
		if msg == nil {
			continue
		}
		if meta := msg.ResponseMeta; meta != nil {
			if meta.FinishReason != "" {
				done.FinishReason = normalizeFinish(meta.FinishReason)
			}
			if meta.Usage != nil {
				done.Usage = Usage{PromptTokens: meta.Usage.PromptTokens, CompletionTokens: meta.Usage.CompletionTokens}
			}
		}
		if msg.Content == "" {
			continue
		}
		res.emitted = true
		answer.WriteString(msg.Content)
		if sw.Send(Event{Type: EventDelta, Content: msg.Content}, nil) {
			res.closed = true
			return res, nil
		}
	}

	if done.Usage.PromptTokens == 0 {
		done.Usage.PromptTokens = budget.EstimateMessages(msgs)
	}
	if done.Usage.CompletionTokens == 0 {
		done.Usage.CompletionTokens = budget.Estimate(answer.String())
	}
	res.done = done
	return res, nil
}

// normalizeFinish maps backend finish reasons onto the OpenAI vocabulary.
func normalizeFinish(r string) string {
	switch strings.ToLower(r) {
	case "stop", "end_turn", "stop_sequence", "finish_reason_stop":
		return "stop"
	case "length", "max_tokens", "finish_reason_max_tokens":
		return "length"
	case "content_filter", "safety":
		return "content_filter"
	default:
		return strings.ToLower(r)
	}
}

// Answer is a completed, non-streamed chat turn.
type Answer struct {
	Content  string
	Sources  []rag.Source
	Provider string
	Model    string
	Usage    Usage
}

// Answer runs Complete and drains the stream.
func (s *Service) Answer(ctx context.Context, req Request) (*Answer, error) {
	st, err := s.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	ans := &Answer{}
	var b strings.Builder
	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch ev.Type {
		case EventSources:
			ans.Sources = ev.Sources
		case EventDelta:
			b.WriteString(ev.Content)
		case EventDone:
			ans.Provider, ans.Model, ans.Usage = ev.Provider, ev.Model, ev.Usage
		case EventError:
			return nil, ev.Err
		}
	}
	ans.Content = b.String()
	return ans, nil
}
