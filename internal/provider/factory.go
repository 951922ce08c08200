package provider

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Select returns the ordered list of backends that can serve a request.
// A pinned backend goes first and must be configured; the remaining
// configured backends follow in DefaultPriority order. Azure is only ever
// returned when pinned. The result is deterministic for a given input.
func Select(creds Credentials, pin Backend) ([]Candidate, error) {
	var out []Candidate
	if pin != "" {
		if _, err := ParseBackend(string(pin)); err != nil {
			return nil, err
		}
		if !creds.Configured(pin) {
			return nil, fmt.Errorf("provider: pinned backend %q has no credentials: %w", pin, ErrNoProvider)
		}
		out = append(out, candidateFor(creds, pin))
	}

	for _, b := range DefaultPriority {
		if b == pin || !creds.Configured(b) {
			continue
		}
		out = append(out, candidateFor(creds, b))
	}

	if len(out) == 0 {
		return nil, ErrNoProvider
	}
	return out, nil
}

// candidateFor resolves the model, key and endpoint for b.
func candidateFor(creds Credentials, b Backend) Candidate {
	c := Candidate{Backend: b, Model: creds.Models[b]}
	switch b {
	case BackendOpenAI:
		c.APIKey, c.BaseURL = creds.OpenAIKey, creds.OpenAIBaseURL
	case BackendAnthropic:
		c.APIKey, c.BaseURL = creds.AnthropicKey, creds.AnthropicBaseURL
	case BackendGemini:
		c.APIKey = creds.GoogleKey
	case BackendGroq:
		c.APIKey, c.BaseURL = creds.GroqKey, creds.GroqBaseURL
	case BackendArk:
		c.APIKey, c.BaseURL = creds.ArkKey, creds.ArkBaseURL
	case BackendOllama:
		c.BaseURL = creds.OllamaHost
	case BackendAzure:
		c.APIKey, c.BaseURL = creds.AzureKey, creds.AzureEndpoint
		c.Model = creds.AzureDeployment
		c.APIVersion = creds.AzureAPIVersion
	}
	return c
}

// ConfigFromEnv reads shared tuning from MODEL_MAX_TOKENS (default: 800)
// and MODEL_TEMPERATURE (default: 0.7).
func ConfigFromEnv() Config {
	return Config{
		MaxTokens:   getEnvInt("MODEL_MAX_TOKENS", 800),
		Temperature: getEnvFloat32("MODEL_TEMPERATURE", 0.7),
	}
}

// New constructs a ChatModel for c, delegating to the backend-specific
// constructor. Construction does not contact the provider.
func New(ctx context.Context, c Candidate, cfg Config) (ChatModel, error) {
	if c.Model == "" {
		return nil, fmt.Errorf("provider: %s: model name is required", c.Backend)
	}
	switch c.Backend {
	case BackendOpenAI:
		return newOpenAI(ctx, c, cfg)
	case BackendAzure:
		return newAzure(ctx, c, cfg)
	case BackendGemini:
		return newGemini(ctx, c, cfg)
	case BackendArk:
		return newArk(ctx, c, cfg)
	case BackendOllama:
		return newOllama(ctx, c)
	case BackendGroq:
		return newGroq(c, cfg)
	case BackendAnthropic:
		return newAnthropic(ctx, c, cfg)
	default:
		return nil, fmt.Errorf("provider: unknown backend %q", c.Backend)
	}
}

// getEnvInt returns the integer value of the named environment variable, or
// fallback if the variable is unset, empty, or not parseable.
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvFloat32 returns the float32 value of the named environment variable,
// or fallback if the variable is unset, empty, or not parseable.
func getEnvFloat32(key string, fallback float32) float32 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			return float32(f)
		}
	}
	return fallback
}
