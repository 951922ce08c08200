package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
)

// defaultGroqBaseURL is Groq's OpenAI-compatible API root.
const defaultGroqBaseURL = "https://api.groq.com/openai/v1"

// groqModel adapts Groq's OpenAI-compatible chat API to the eino ChatModel
// contract using the go-openai client.
type groqModel struct {
	client *openai.Client
	model  string
	cfg    Config
}

func newGroq(c Candidate, cfg Config) (*groqModel, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("provider: GROQ_API_KEY is required for groq backend")
	}
	return &groqModel{
		client: openai.NewClientWithConfig(groqClientConfig(c)),
		model:  c.Model,
		cfg:    cfg,
	}, nil
}

func groqClientConfig(c Candidate) openai.ClientConfig {
	oc := openai.DefaultConfig(c.APIKey)
	oc.BaseURL = defaultGroqBaseURL
	if c.BaseURL != "" {
		oc.BaseURL = c.BaseURL
	}
	return oc
}

// request builds the wire request, applying per-call options over defaults.
func (g *groqModel) request(input []*schema.Message, opts []model.Option) openai.ChatCompletionRequest {
	o := resolveOptions(g.model, g.cfg, opts)
	msgs := make([]openai.ChatCompletionMessage, 0, len(input))
	for _, m := range input {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		MaxTokens:   o.maxTokens,
		Temperature: o.temperature,
	}
}

// Generate returns the full completion in one message.
func (g *groqModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	resp, err := g.client.CreateChatCompletion(ctx, g.request(input, opts))
	if err != nil {
		return nil, fmt.Errorf("provider: groq completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("provider: groq completion: empty choices")
	}
	msg := schema.AssistantMessage(resp.Choices[0].Message.Content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return msg, nil
}

// Stream opens a streaming completion. Each chunk carries only the text
// delta; the final chunks carry finish reason and usage in ResponseMeta.
func (g *groqModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	req := g.request(input, opts)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("provider: groq stream: %w", err)
	}

	sr, sw := schema.Pipe[*schema.Message](8)
	go func() {
		defer sw.Close()
		defer stream.Close()
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				sw.Send(nil, fmt.Errorf("provider: groq stream: %w", err))
				return
			}
			msg := groqChunk(resp)
			if msg == nil {
				continue
			}
			if closed := sw.Send(msg, nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

// groqChunk converts one stream frame, or returns nil for frames that
// carry neither text nor metadata.
func groqChunk(resp openai.ChatCompletionStreamResponse) *schema.Message {
	msg := &schema.Message{Role: schema.Assistant}
	if len(resp.Choices) > 0 {
		msg.Content = resp.Choices[0].Delta.Content
		if fr := resp.Choices[0].FinishReason; fr != "" {
			msg.ResponseMeta = &schema.ResponseMeta{FinishReason: string(fr)}
		}
	}
	if resp.Usage != nil {
		if msg.ResponseMeta == nil {
			msg.ResponseMeta = &schema.ResponseMeta{}
		}
		msg.ResponseMeta.Usage = &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	if msg.Content == "" && msg.ResponseMeta == nil {
		return nil
	}
	return msg
}

// callOptions are the resolved per-call generation parameters.
type callOptions struct {
	model       string
	maxTokens   int
	temperature float32
}

// resolveOptions applies eino call options over the backend defaults.
func resolveOptions(defaultModel string, cfg Config, opts []model.Option) callOptions {
	m, maxTokens, temp := defaultModel, cfg.MaxTokens, cfg.Temperature
	o := model.GetCommonOptions(&model.Options{
		Model:       &m,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	}, opts...)
	out := callOptions{model: defaultModel, maxTokens: cfg.MaxTokens, temperature: cfg.Temperature}
	if o.Model != nil && *o.Model != "" {
		out.model = *o.Model
	}
	if o.MaxTokens != nil {
		out.maxTokens = *o.MaxTokens
	}
	if o.Temperature != nil {
		out.temperature = *o.Temperature
	}
	return out
}
