package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/provider"
	"github.com/54b3r/firestarter-go/internal/rag"
)

// Chat API labels for metrics.
const (
	apiDashboard = "dashboard"
	apiOpenAI    = "openai"
)

// instrumentChat chains the server's provider metrics in front of any hooks
// already set on opts.
func (s *Server) instrumentChat(opts chat.Options) chat.Options {
	onProvider, onFallback := opts.OnProvider, opts.OnFallback
	opts.OnProvider = func(backend string) {
		s.metrics.providerSelectedTotal.WithLabelValues(backend).Inc()
		if onProvider != nil {
			onProvider(backend)
		}
	}
	opts.OnFallback = func(backend string, err error) {
		s.metrics.providerFallbackTotal.WithLabelValues(backend).Inc()
		if onFallback != nil {
			onFallback(backend, err)
		}
	}
	return opts
}

// chatRequestFrom builds the provider-facing part of a chat request from
// the request headers. A malformed provider pin is a client error.
func chatRequestFrom(r *http.Request, namespace string, msgs []*schema.Message) (chat.Request, error) {
	pin, err := provider.ParseBackend(strings.ToLower(strings.TrimSpace(r.Header.Get(provider.HeaderProvider))))
	if err != nil {
		return chat.Request{}, err
	}
	return chat.Request{
		Namespace:   namespace,
		Messages:    msgs,
		Credentials: credentialsFrom(r),
		Pin:         pin,
	}, nil
}

// chatErrorStatus maps an error returned before streaming to an HTTP status.
func chatErrorStatus(err error) int {
	switch {
	case errors.Is(err, chat.ErrNamespaceRequired), errors.Is(err, chat.ErrEmptyQuery):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrNoProvider):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// chatTurn tracks the metrics of one chat turn.
type chatTurn struct {
	s       *Server
	api     string
	start   time.Time
	ctx     context.Context
	outcome string
}

// beginChat applies the chat timeout and opens the active-stream gauge.
// The returned cancel func must be called, after which finish records
// the outcome.
func (s *Server) beginChat(r *http.Request, api string) (*chatTurn, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	s.metrics.chatActiveStreams.Inc()
	return &chatTurn{s: s, api: api, start: time.Now(), ctx: ctx, outcome: "ok"}, cancel
}

// fail marks the turn as failed, distinguishing timeouts.
func (t *chatTurn) fail() {
	if errors.Is(t.ctx.Err(), context.DeadlineExceeded) {
		t.outcome = "timeout"
		return
	}
	t.outcome = "error"
}

func (t *chatTurn) finish() {
	t.s.metrics.chatActiveStreams.Dec()
	t.s.metrics.chatRequestsTotal.WithLabelValues(t.api, t.outcome).Inc()
	t.s.metrics.chatDurationSeconds.WithLabelValues(t.api, t.outcome).Observe(time.Since(t.start).Seconds())
}

// handleQuery handles POST /api/firestarter/query. By default it streams
// the answer as Server-Sent Events:
//
//	event: sources  data: [{"url","title","snippet"}...]
//	                data: {"content": "..."}        (one per delta)
//	event: done     data: {"provider","model"}
//	event: error    data: {"error": "..."}
//
// With "stream": false it returns a single JSON queryResponse.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err.Error())
		return
	}
	msgs := toSchemaMessages(req.Messages)
	if len(msgs) == 0 && strings.TrimSpace(req.Query) != "" {
		msgs = []*schema.Message{schema.UserMessage(req.Query)}
	}
	creq, err := chatRequestFrom(r, req.Namespace, msgs)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, err.Error())
		return
	}

	turn, cancel := s.beginChat(r, apiDashboard)
	defer turn.finish()
	defer cancel()
	log := logging.FromContext(turn.ctx).With(slog.String("namespace", creq.Namespace))

	if req.Stream != nil && !*req.Stream {
		ans, err := s.chat.Answer(turn.ctx, creq)
		if err != nil {
			turn.fail()
			log.Error("query failed", slog.Any("error", err))
			status := chatErrorStatus(err)
			if errors.Is(err, chat.ErrAllProvidersFailed) {
				status = http.StatusBadGateway
			}
			writeError(r.Context(), w, status, err.Error())
			return
		}
		writeJSON(r.Context(), w, http.StatusOK, queryResponse{
			Answer:   ans.Content,
			Sources:  toSourceJSON(ans.Sources),
			Provider: ans.Provider,
			Model:    ans.Model,
		})
		return
	}

	st, err := s.chat.Complete(turn.ctx, creq)
	if err != nil {
		turn.fail()
		writeError(r.Context(), w, chatErrorStatus(err), err.Error())
		return
	}
	defer st.Close()

	sw, err := newSSEWriter(w)
	if err != nil {
		turn.fail()
		writeError(r.Context(), w, http.StatusInternalServerError, err.Error())
		return
	}

	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			turn.fail()
			_ = sw.send("error", map[string]string{"error": err.Error()})
			return
		}

		var werr error
		switch ev.Type {
		case chat.EventSources:
			werr = sw.send("sources", toSourceJSON(ev.Sources))
		case chat.EventDelta:
			werr = sw.send("", map[string]string{"content": ev.Content})
		case chat.EventDone:
			werr = sw.send("done", map[string]string{"provider": ev.Provider, "model": ev.Model})
		case chat.EventError:
			turn.fail()
			log.Error("query stream failed", slog.Any("error", ev.Err))
			werr = sw.send("error", map[string]string{"error": ev.Err.Error()})
		}
		if werr != nil {
			// Client went away; closing the stream stops the producer.
			turn.fail()
			log.Debug("query stream write failed", slog.Any("error", werr))
			return
		}
	}
}

// toSourceJSON converts sources, returning an empty (not nil) slice.
func toSourceJSON(in []rag.Source) []sourceJSON {
	out := make([]sourceJSON, 0, len(in))
	for _, src := range in {
		out = append(out, sourceJSON{URL: src.URL, Title: src.Title, Snippet: src.Snippet})
	}
	return out
}
