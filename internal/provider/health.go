package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	ollamaapi "github.com/ollama/ollama/api"
	openai "github.com/sashabaranov/go-openai"
)

// healthTimeout bounds each provider probe.
const healthTimeout = 5 * time.Second

// HealthCheck verifies that c is reachable and its credential is accepted,
// without spending generation tokens. Backends without a listing endpoint
// are considered healthy once they can be constructed.
func HealthCheck(ctx context.Context, c Candidate) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	switch c.Backend {
	case BackendOpenAI:
		oc := openai.DefaultConfig(c.APIKey)
		if c.BaseURL != "" {
			oc.BaseURL = c.BaseURL
		}
		return listModels(ctx, oc, c.Backend)
	case BackendGroq:
		return listModels(ctx, groqClientConfig(c), c.Backend)
	case BackendAnthropic:
		return probeAnthropic(ctx, c)
	case BackendGemini:
		client, err := newGenAIClient(ctx, c.APIKey)
		if err != nil {
			return err
		}
		if _, err := client.Models.Get(ctx, c.Model, nil); err != nil {
			return fmt.Errorf("provider: gemini health: %w", err)
		}
		return nil
	case BackendOllama:
		return probeOllama(ctx, c)
	default:
		if _, err := New(ctx, c, Config{MaxTokens: 1}); err != nil {
			return err
		}
		return nil
	}
}

func listModels(ctx context.Context, oc openai.ClientConfig, b Backend) error {
	if _, err := openai.NewClientWithConfig(oc).ListModels(ctx); err != nil {
		return fmt.Errorf("provider: %s health: %w", b, err)
	}
	return nil
}

// probeOllama checks the server heartbeat and that c.Model has been pulled.
func probeOllama(ctx context.Context, c Candidate) error {
	client, err := ollamaClient(c.BaseURL)
	if err != nil {
		return fmt.Errorf("provider: ollama health: %w", err)
	}
	if err := client.Heartbeat(ctx); err != nil {
		return fmt.Errorf("provider: ollama health: %w", err)
	}
	if c.Model == "" {
		return nil
	}
	list, err := client.List(ctx)
	if err != nil {
		return fmt.Errorf("provider: ollama health: %w", err)
	}
	for _, m := range list.Models {
		if m.Name == c.Model || m.Model == c.Model || strings.TrimSuffix(m.Name, ":latest") == c.Model {
			return nil
		}
	}
	return fmt.Errorf("provider: ollama health: model %q is not pulled", c.Model)
}

// ollamaClient builds an Ollama API client for host, defaulting to the
// local daemon.
func ollamaClient(host string) (*ollamaapi.Client, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(strings.TrimRight(host, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse host %q: %w", host, err)
	}
	return ollamaapi.NewClient(u, &http.Client{Timeout: 60 * time.Second}), nil
}
