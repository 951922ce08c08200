package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/provider"
	"github.com/54b3r/firestarter-go/internal/store"
)

// modelPrefix marks an index exposed as an OpenAI model: firecrawl-<namespace>.
const modelPrefix = "firecrawl-"

// completionRequest is the subset of the OpenAI chat completions body the
// proxy understands. Namespace is a Firestarter extension.
type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Namespace   string        `json:"namespace,omitempty"`
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type completionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// completion is a chat.completion object.
type completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []completionChoice `json:"choices"`
	Usage   completionUsage    `json:"usage"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// completionChunk is a chat.completion.chunk object.
type completionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type openAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// openAIError is the OpenAI error envelope.
type openAIError struct {
	Error openAIErrorBody `json:"error"`
}

// modelEntry is one element of GET /api/v1/models.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// writeOpenAIError writes the OpenAI error envelope.
func writeOpenAIError(ctx context.Context, w http.ResponseWriter, status int, msg, typ, code string) {
	writeJSON(ctx, w, status, openAIError{Error: openAIErrorBody{Message: msg, Type: typ, Code: code}})
}

// openAIErrorType maps an HTTP status to the OpenAI error type vocabulary.
func openAIErrorType(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		return "invalid_request_error"
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return "api_error"
	default:
		return "server_error"
	}
}

// resolveNamespace picks the index a completion targets: the model name
// when it carries the firecrawl- prefix, else the X-Namespace header, else
// the namespace body field.
func resolveNamespace(r *http.Request, req completionRequest) string {
	if ns, ok := strings.CutPrefix(req.Model, modelPrefix); ok && ns != "" {
		return ns
	}
	if ns := strings.TrimSpace(r.Header.Get("X-Namespace")); ns != "" {
		return ns
	}
	return strings.TrimSpace(req.Namespace)
}

// applyModelOverride routes a plain model name (one without the firecrawl-
// prefix) to the backend that serves it. An explicit X-Model-Provider pin
// wins over the inferred backend; an unrecognised name overrides the model
// of whichever backend is tried first.
func applyModelOverride(creq *chat.Request, model string) {
	model = strings.TrimSpace(model)
	if model == "" || strings.HasPrefix(model, modelPrefix) {
		return
	}
	creq.Model = model
	if creq.Pin != "" {
		return
	}
	if b, ok := provider.BackendForModel(model); ok {
		creq.Pin = b
	}
}

// handleChatCompletions handles POST /api/v1/chat/completions, answering
// over the index named by the model in OpenAI's wire format.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeOpenAIError(r.Context(), w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_body")
		return
	}
	ns := resolveNamespace(r, req)
	if ns == "" {
		writeOpenAIError(r.Context(), w, http.StatusBadRequest,
			"model must be firecrawl-<namespace>, or set the X-Namespace header", "invalid_request_error", "model_not_found")
		return
	}
	if _, err := s.registry.Get(r.Context(), ns); errors.Is(err, store.ErrNotFound) {
		writeOpenAIError(r.Context(), w, http.StatusNotFound,
			"model "+modelPrefix+ns+" does not exist", "invalid_request_error", "model_not_found")
		return
	} else if err != nil {
		logging.FromContext(r.Context()).Warn("registry lookup failed",
			slog.String("namespace", ns), slog.Any("error", err))
	}

	creq, err := chatRequestFrom(r, ns, toSchemaMessages(req.Messages))
	if err != nil {
		writeOpenAIError(r.Context(), w, http.StatusBadRequest, err.Error(), "invalid_request_error", "invalid_provider")
		return
	}
	creq.Temperature = req.Temperature
	creq.MaxTokens = req.MaxTokens
	applyModelOverride(&creq, req.Model)

	model := req.Model
	if model == "" {
		model = modelPrefix + ns
	}

	turn, cancel := s.beginChat(r, apiOpenAI)
	defer turn.finish()
	defer cancel()

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	st, err := s.chat.Complete(turn.ctx, creq)
	if err != nil {
		turn.fail()
		status := chatErrorStatus(err)
		writeOpenAIError(r.Context(), w, status, err.Error(), openAIErrorType(status), "")
		return
	}
	defer st.Close()

	if req.Stream {
		s.streamCompletion(turn, w, st, id, created, model)
		return
	}

	var (
		content strings.Builder
		done    chat.Event
	)
	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			turn.fail()
			writeOpenAIError(r.Context(), w, http.StatusInternalServerError, err.Error(), "server_error", "")
			return
		}
		switch ev.Type {
		case chat.EventDelta:
			content.WriteString(ev.Content)
		case chat.EventDone:
			done = ev
		case chat.EventError:
			turn.fail()
			logging.FromContext(turn.ctx).Error("completion failed", slog.Any("error", ev.Err))
			writeOpenAIError(r.Context(), w, http.StatusBadGateway, ev.Err.Error(), "api_error", "provider_error")
			return
		}
	}

	writeJSON(r.Context(), w, http.StatusOK, completion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: "assistant", Content: content.String()},
			FinishReason: finishOrStop(done.FinishReason),
		}},
		Usage: completionUsage{
			PromptTokens:     done.Usage.PromptTokens,
			CompletionTokens: done.Usage.CompletionTokens,
			TotalTokens:      done.Usage.PromptTokens + done.Usage.CompletionTokens,
		},
	})
}

// streamCompletion relays st as chat.completion.chunk frames: a role chunk,
// one chunk per delta, a final chunk with finish_reason, then [DONE].
// A failure after the stream started is sent as an error envelope frame.
func (s *Server) streamCompletion(turn *chatTurn, w http.ResponseWriter, st *chat.Stream, id string, created int64, model string) {
	log := logging.FromContext(turn.ctx)
	sw, err := newSSEWriter(w)
	if err != nil {
		turn.fail()
		writeOpenAIError(turn.ctx, w, http.StatusInternalServerError, err.Error(), "server_error", "")
		return
	}

	chunk := func(d chunkDelta, finish *string) completionChunk {
		return completionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []chunkChoice{{Delta: d, FinishReason: finish}},
		}
	}

	if err := sw.send("", chunk(chunkDelta{Role: "assistant"}, nil)); err != nil {
		turn.fail()
		return
	}
	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			turn.fail()
			_ = sw.send("", openAIError{Error: openAIErrorBody{Message: err.Error(), Type: "server_error"}})
			break
		}

		var werr error
		switch ev.Type {
		case chat.EventDelta:
			werr = sw.send("", chunk(chunkDelta{Content: ev.Content}, nil))
		case chat.EventDone:
			reason := finishOrStop(ev.FinishReason)
			werr = sw.send("", chunk(chunkDelta{}, &reason))
		case chat.EventError:
			turn.fail()
			log.Error("completion stream failed", slog.Any("error", ev.Err))
			werr = sw.send("", openAIError{Error: openAIErrorBody{Message: ev.Err.Error(), Type: "api_error", Code: "provider_error"}})
		}
		if werr != nil {
			turn.fail()
			log.Debug("completion stream write failed", slog.Any("error", werr))
			return
		}
	}
	_ = sw.raw("", "[DONE]")
}

func finishOrStop(reason string) string {
	if reason == "" {
		return "stop"
	}
	return reason
}

// handleModels handles GET /api/v1/models, listing every index as a model.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	indexes, err := s.registry.List(r.Context())
	if err != nil {
		logging.FromContext(r.Context()).Error("list indexes failed", slog.Any("error", err))
		writeOpenAIError(r.Context(), w, http.StatusInternalServerError, "failed to list models", "server_error", "")
		return
	}
	out := modelList{Object: "list", Data: make([]modelEntry, 0, len(indexes))}
	for _, m := range indexes {
		out.Data = append(out.Data, modelEntry{
			ID:      modelPrefix + m.Namespace,
			Object:  "model",
			Created: m.CreatedAt.Unix(),
			OwnedBy: "firestarter",
		})
	}
	writeJSON(r.Context(), w, http.StatusOK, out)
}
