package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	einoclaude "github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// anthropicModel wraps the eino Claude chat model. The Messages API requires
// strict user/assistant alternation starting with a user turn, so input is
// normalised before every call.
type anthropicModel struct {
	inner *einoclaude.ChatModel
}

// newAnthropic constructs a ChatModel backed by the Anthropic Messages API.
func newAnthropic(ctx context.Context, c Candidate, cfg Config) (ChatModel, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("provider: ANTHROPIC_API_KEY is required for anthropic backend")
	}
	temp := cfg.Temperature
	conf := &einoclaude.Config{
		APIKey:      c.APIKey,
		Model:       c.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: &temp,
	}
	if conf.MaxTokens <= 0 {
		conf.MaxTokens = 1024
	}
	if c.BaseURL != "" {
		base := c.BaseURL
		conf.BaseURL = &base
	}
	m, err := einoclaude.NewChatModel(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("provider: anthropic: %w", err)
	}
	return &anthropicModel{inner: m}, nil
}

// Generate returns the complete answer for input.
func (a *anthropicModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	msg, err := a.inner.Generate(ctx, alternateTurns(input), opts...)
	if err != nil {
		return nil, fmt.Errorf("provider: anthropic: %w", err)
	}
	return msg, nil
}

// Stream returns the answer as a stream of message chunks.
func (a *anthropicModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	sr, err := a.inner.Stream(ctx, alternateTurns(input), opts...)
	if err != nil {
		return nil, fmt.Errorf("provider: anthropic: %w", err)
	}
	return sr, nil
}

// alternateTurns keeps system messages in place, merges consecutive turns
// of the same role and drops assistant turns that precede the first user
// turn.
func alternateTurns(input []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(input))
	var last schema.RoleType
	for _, m := range input {
		if m == nil {
			continue
		}
		if m.Role == schema.System {
			out = append(out, m)
			continue
		}
		role := schema.User
		if m.Role == schema.Assistant {
			role = schema.Assistant
		}
		switch {
		case last == "" && role == schema.Assistant:
			continue
		case last == role:
			for i := len(out) - 1; i >= 0; i-- {
				if out[i].Role == role {
					merged := *out[i]
					merged.Content += "\n\n" + m.Content
					out[i] = &merged
					break
				}
			}
			continue
		}
		out = append(out, &schema.Message{Role: role, Content: m.Content})
		last = role
	}
	return out
}

// probeAnthropic lists models, which costs no tokens. Used by HealthCheck.
func probeAnthropic(ctx context.Context, c Candidate) error {
	if c.APIKey == "" {
		return fmt.Errorf("provider: ANTHROPIC_API_KEY is required for anthropic backend")
	}
	opts := []option.RequestOption{option.WithAPIKey(c.APIKey), option.WithMaxRetries(0)}
	if c.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(c.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	if _, err := client.Models.List(ctx, anthropic.ModelListParams{}); err != nil {
		return fmt.Errorf("provider: anthropic health: %w", err)
	}
	return nil
}
