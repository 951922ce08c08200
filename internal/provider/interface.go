// Package provider selects and constructs LLM chat backends at runtime.
// Backends are consulted in a fixed priority order and a backend is a
// candidate only when its credentials are present, either in the process
// environment or in per-request headers.
// Supported backends: OpenAI, Anthropic, Google Gemini, Groq, Volcengine Ark,
// Ollama and Azure OpenAI (pinned only).
package provider

import (
	"errors"
	"strings"

	"github.com/cloudwego/eino/components/model"
)

// Backend enumerates the supported LLM inference providers.
type Backend string

const (
	// BackendOpenAI selects the OpenAI API.
	BackendOpenAI Backend = "openai"
	// BackendAnthropic selects the Anthropic Messages API.
	BackendAnthropic Backend = "anthropic"
	// BackendGemini selects Google Gemini via AI Studio.
	BackendGemini Backend = "gemini"
	// BackendGroq selects Groq's OpenAI-compatible endpoint.
	BackendGroq Backend = "groq"
	// BackendArk selects Volcengine Ark.
	BackendArk Backend = "ark"
	// BackendOllama selects a locally running Ollama instance.
	BackendOllama Backend = "ollama"
	// BackendAzure selects Azure OpenAI Service. Never chosen implicitly.
	BackendAzure Backend = "azure"
)

// DefaultPriority is the order in which configured backends are tried.
var DefaultPriority = []Backend{
	BackendOpenAI,
	BackendAnthropic,
	BackendGemini,
	BackendGroq,
	BackendArk,
	BackendOllama,
}

// ErrNoProvider is returned when no backend has usable credentials.
var ErrNoProvider = errors.New("provider: no LLM provider configured")

// ChatModel is the subset of the eino chat model contract the chat service needs.
type ChatModel = model.BaseChatModel

// Candidate is one resolved backend ready to be constructed.
type Candidate struct {
	// Backend identifies the inference provider.
	Backend Backend
	// Model is the model name or deployment ID.
	Model string
	// APIKey is the credential for the backend. Never logged.
	APIKey string
	// BaseURL overrides the default API endpoint.
	BaseURL string
	// APIVersion is the Azure OpenAI REST API version (Azure only).
	APIVersion string
}

// String renders the candidate without its credential.
func (c Candidate) String() string {
	return string(c.Backend) + "/" + c.Model
}

// Config holds generation tuning shared by every backend.
type Config struct {
	// MaxTokens caps the number of tokens the model may generate per response.
	MaxTokens int
	// Temperature controls response randomness (0.0–1.0).
	Temperature float32
}

// ParseBackend validates a backend name. Empty input returns "", nil.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(s); b {
	case "":
		return "", nil
	case BackendOpenAI, BackendAnthropic, BackendGemini, BackendGroq, BackendArk, BackendOllama, BackendAzure:
		return b, nil
	default:
		return "", errors.New("provider: unknown backend " + s + ": valid values are openai, anthropic, gemini, groq, ark, ollama, azure")
	}
}

// modelFamilies maps model name prefixes to the backend that serves them.
var modelFamilies = []struct {
	prefix  string
	backend Backend
}{
	{"gpt-", BackendOpenAI},
	{"chatgpt-", BackendOpenAI},
	{"o1", BackendOpenAI},
	{"o3", BackendOpenAI},
	{"o4", BackendOpenAI},
	{"claude-", BackendAnthropic},
	{"gemini-", BackendGemini},
	{"meta-llama/", BackendGroq},
	{"llama-3", BackendGroq},
	{"llama3-", BackendGroq},
	{"mixtral-", BackendGroq},
	{"gemma", BackendGroq},
	{"doubao-", BackendArk},
}

// BackendForModel infers the backend serving a model name from its family
// prefix. Unrecognised names report false.
func BackendForModel(model string) (Backend, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, f := range modelFamilies {
		if strings.HasPrefix(m, f.prefix) {
			return f.backend, true
		}
	}
	return "", false
}
