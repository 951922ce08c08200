package provider

import (
	"net/http"
	"os"
	"strings"
)

// Request headers that carry per-request credentials from the dashboard.
const (
	HeaderOpenAIKey    = "X-OpenAI-API-Key"
	HeaderAnthropicKey = "X-Anthropic-API-Key"
	HeaderGoogleKey    = "X-Google-API-Key"
	HeaderGroqKey      = "X-Groq-API-Key"
	HeaderFirecrawlKey = "X-Firecrawl-API-Key"
	HeaderProvider     = "X-Model-Provider"
)

// Credentials holds everything needed to reach each backend. Keys are
// secrets; the remaining fields are endpoints and model names.
type Credentials struct {
	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
	GroqKey      string
	ArkKey       string
	AzureKey     string
	FirecrawlKey string

	OpenAIBaseURL    string
	AnthropicBaseURL string
	GroqBaseURL      string
	ArkBaseURL       string

	AzureEndpoint   string
	AzureDeployment string
	AzureAPIVersion string

	OllamaHost string
	// OllamaEnabled opts the local Ollama backend into the priority list.
	// It is set when OLLAMA_MODEL is configured or MODEL_PROVIDER=ollama.
	OllamaEnabled bool

	// Models maps each backend to the model it should run.
	Models map[Backend]string
}

// defaultModels are used when no *_MODEL env var is set.
var defaultModels = map[Backend]string{
	BackendOpenAI:    "gpt-4o",
	BackendAnthropic: "claude-3-5-sonnet-latest",
	BackendGemini:    "gemini-1.5-pro",
	BackendGroq:      "meta-llama/llama-4-scout-17b-16e-instruct",
	BackendOllama:    "llama3",
}

// CredentialsFromEnv reads backend credentials and endpoints from the
// process environment.
//
// Environment variables:
//
//	OpenAI:    OPENAI_API_KEY, OPENAI_MODEL (default: gpt-4o), OPENAI_BASE_URL
//	Anthropic: ANTHROPIC_API_KEY, ANTHROPIC_MODEL (default: claude-3-5-sonnet-latest), ANTHROPIC_BASE_URL
//	Gemini:    GOOGLE_API_KEY, GEMINI_MODEL (default: gemini-1.5-pro)
//	Groq:      GROQ_API_KEY, GROQ_MODEL (default: meta-llama/llama-4-scout-17b-16e-instruct), GROQ_BASE_URL
//	Ark:       ARK_API_KEY, ARK_MODEL (required), ARK_BASE_URL
//	Azure:     AZURE_OPENAI_API_KEY, AZURE_OPENAI_ENDPOINT, AZURE_OPENAI_DEPLOYMENT,
//	           AZURE_OPENAI_API_VERSION (default: 2024-02-01)
//	Ollama:    OLLAMA_HOST (default: http://localhost:11434), OLLAMA_MODEL
//	Firecrawl: FIRECRAWL_API_KEY
func CredentialsFromEnv() Credentials {
	models := make(map[Backend]string, len(defaultModels)+1)
	for b, m := range defaultModels {
		models[b] = m
	}
	for b, key := range map[Backend]string{
		BackendOpenAI:    "OPENAI_MODEL",
		BackendAnthropic: "ANTHROPIC_MODEL",
		BackendGemini:    "GEMINI_MODEL",
		BackendGroq:      "GROQ_MODEL",
		BackendArk:       "ARK_MODEL",
		BackendOllama:    "OLLAMA_MODEL",
	} {
		if v := os.Getenv(key); v != "" {
			models[b] = v
		}
	}

	return Credentials{
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		AnthropicKey:     os.Getenv("ANTHROPIC_API_KEY"),
		GoogleKey:        os.Getenv("GOOGLE_API_KEY"),
		GroqKey:          os.Getenv("GROQ_API_KEY"),
		ArkKey:           os.Getenv("ARK_API_KEY"),
		AzureKey:         os.Getenv("AZURE_OPENAI_API_KEY"),
		FirecrawlKey:     os.Getenv("FIRECRAWL_API_KEY"),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		AnthropicBaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		GroqBaseURL:      os.Getenv("GROQ_BASE_URL"),
		ArkBaseURL:       os.Getenv("ARK_BASE_URL"),
		AzureEndpoint:    os.Getenv("AZURE_OPENAI_ENDPOINT"),
		AzureDeployment:  os.Getenv("AZURE_OPENAI_DEPLOYMENT"),
		AzureAPIVersion:  getEnvOrDefault("AZURE_OPENAI_API_VERSION", "2024-02-01"),
		OllamaHost:       getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434"),
		OllamaEnabled:    os.Getenv("OLLAMA_MODEL") != "" || os.Getenv("MODEL_PROVIDER") == string(BackendOllama),
		Models:           models,
	}
}

// CredentialsFromHeaders extracts per-request API keys. Only keys are
// accepted from headers; endpoints and models stay server-controlled.
func CredentialsFromHeaders(h http.Header) Credentials {
	get := func(k string) string { return strings.TrimSpace(h.Get(k)) }
	return Credentials{
		OpenAIKey:    get(HeaderOpenAIKey),
		AnthropicKey: get(HeaderAnthropicKey),
		GoogleKey:    get(HeaderGoogleKey),
		GroqKey:      get(HeaderGroqKey),
		FirecrawlKey: get(HeaderFirecrawlKey),
	}
}

// PinFromEnv returns the backend named by MODEL_PROVIDER, if valid.
func PinFromEnv() (Backend, error) {
	return ParseBackend(strings.ToLower(strings.TrimSpace(os.Getenv("MODEL_PROVIDER"))))
}

// Merge returns c with every non-empty field of override applied on top.
func (c Credentials) Merge(override Credentials) Credentials {
	pick := func(base, o string) string {
		if o != "" {
			return o
		}
		return base
	}
	out := c
	out.OpenAIKey = pick(c.OpenAIKey, override.OpenAIKey)
	out.AnthropicKey = pick(c.AnthropicKey, override.AnthropicKey)
	out.GoogleKey = pick(c.GoogleKey, override.GoogleKey)
	out.GroqKey = pick(c.GroqKey, override.GroqKey)
	out.ArkKey = pick(c.ArkKey, override.ArkKey)
	out.AzureKey = pick(c.AzureKey, override.AzureKey)
	out.FirecrawlKey = pick(c.FirecrawlKey, override.FirecrawlKey)
	out.OpenAIBaseURL = pick(c.OpenAIBaseURL, override.OpenAIBaseURL)
	out.AnthropicBaseURL = pick(c.AnthropicBaseURL, override.AnthropicBaseURL)
	out.GroqBaseURL = pick(c.GroqBaseURL, override.GroqBaseURL)
	out.ArkBaseURL = pick(c.ArkBaseURL, override.ArkBaseURL)
	out.AzureEndpoint = pick(c.AzureEndpoint, override.AzureEndpoint)
	out.AzureDeployment = pick(c.AzureDeployment, override.AzureDeployment)
	out.AzureAPIVersion = pick(c.AzureAPIVersion, override.AzureAPIVersion)
	out.OllamaHost = pick(c.OllamaHost, override.OllamaHost)
	out.OllamaEnabled = c.OllamaEnabled || override.OllamaEnabled

	if len(override.Models) > 0 {
		out.Models = make(map[Backend]string, len(c.Models)+len(override.Models))
		for b, m := range c.Models {
			out.Models[b] = m
		}
		for b, m := range override.Models {
			if m != "" {
				out.Models[b] = m
			}
		}
	}
	return out
}

// Configured reports whether b has everything it needs to be constructed.
func (c Credentials) Configured(b Backend) bool {
	switch b {
	case BackendOpenAI:
		return c.OpenAIKey != ""
	case BackendAnthropic:
		return c.AnthropicKey != ""
	case BackendGemini:
		return c.GoogleKey != ""
	case BackendGroq:
		return c.GroqKey != ""
	case BackendArk:
		return c.ArkKey != "" && c.Models[BackendArk] != ""
	case BackendAzure:
		return c.AzureKey != "" && c.AzureEndpoint != "" && c.AzureDeployment != ""
	case BackendOllama:
		return c.OllamaEnabled
	default:
		return false
	}
}

// Status reports credential presence per env var name, for /api/check-env.
// Values are booleans only.
func (c Credentials) Status() map[string]bool {
	return map[string]bool{
		"FIRECRAWL_API_KEY":    c.FirecrawlKey != "",
		"OPENAI_API_KEY":       c.OpenAIKey != "",
		"ANTHROPIC_API_KEY":    c.AnthropicKey != "",
		"GOOGLE_API_KEY":       c.GoogleKey != "",
		"GROQ_API_KEY":         c.GroqKey != "",
		"ARK_API_KEY":          c.ArkKey != "",
		"AZURE_OPENAI_API_KEY": c.AzureKey != "",
		"OLLAMA":               c.OllamaEnabled,
	}
}

// getEnvOrDefault returns the value of the named environment variable, or
// fallback if the variable is unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
