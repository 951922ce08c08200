package provider

import (
	"context"
	"fmt"

	einoark "github.com/cloudwego/eino-ext/components/model/ark"
	einogemini "github.com/cloudwego/eino-ext/components/model/gemini"
	einoollama "github.com/cloudwego/eino-ext/components/model/ollama"
	einoopenai "github.com/cloudwego/eino-ext/components/model/openai"
	"google.golang.org/genai"
)

// newOpenAI constructs a ChatModel backed by the OpenAI API.
func newOpenAI(ctx context.Context, c Candidate, cfg Config) (ChatModel, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("provider: OPENAI_API_KEY is required for openai backend")
	}
	maxTokens, temp := cfg.MaxTokens, cfg.Temperature
	m, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		Model:       c.Model,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: openai: %w", err)
	}
	return m, nil
}

// newAzure constructs a ChatModel backed by Azure OpenAI Service.
// c.Model carries the deployment name.
func newAzure(ctx context.Context, c Candidate, cfg Config) (ChatModel, error) {
	if c.APIKey == "" || c.BaseURL == "" {
		return nil, fmt.Errorf("provider: AZURE_OPENAI_API_KEY and AZURE_OPENAI_ENDPOINT are required for azure backend")
	}
	maxTokens, temp := cfg.MaxTokens, cfg.Temperature
	m, err := einoopenai.NewChatModel(ctx, &einoopenai.ChatModelConfig{
		Model:       c.Model,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		ByAzure:     true,
		APIVersion:  c.APIVersion,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
		// Deployment names like "gpt-4.1" must reach Azure untouched.
		AzureModelMapperFunc: func(model string) string { return model },
	})
	if err != nil {
		return nil, fmt.Errorf("provider: azure: %w", err)
	}
	return m, nil
}

// newGemini constructs a ChatModel backed by Google Gemini (AI Studio).
func newGemini(ctx context.Context, c Candidate, cfg Config) (ChatModel, error) {
	client, err := newGenAIClient(ctx, c.APIKey)
	if err != nil {
		return nil, err
	}
	maxTokens, temp := cfg.MaxTokens, cfg.Temperature
	m, err := einogemini.NewChatModel(ctx, &einogemini.Config{
		Client:      client,
		Model:       c.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: gemini: %w", err)
	}
	return m, nil
}

func newGenAIClient(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("provider: GOOGLE_API_KEY is required for gemini backend")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: failed to create Gemini client: %w", err)
	}
	return client, nil
}

// newArk constructs a ChatModel backed by Volcengine Ark.
func newArk(ctx context.Context, c Candidate, cfg Config) (ChatModel, error) {
	maxTokens, temp := cfg.MaxTokens, cfg.Temperature
	m, err := einoark.NewChatModel(ctx, &einoark.ChatModelConfig{
		Model:       c.Model,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		MaxTokens:   &maxTokens,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: ark: %w", err)
	}
	return m, nil
}

// newOllama constructs a ChatModel backed by a local Ollama instance.
func newOllama(ctx context.Context, c Candidate) (ChatModel, error) {
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	m, err := einoollama.NewChatModel(ctx, &einoollama.ChatModelConfig{
		BaseURL: baseURL,
		Model:   c.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("provider: ollama: %w", err)
	}
	return m, nil
}
