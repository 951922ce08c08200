package provider

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/cloudwego/eino/components/model"
)

func testCreds() Credentials {
	return Credentials{
		Models: map[Backend]string{
			BackendOpenAI:    "gpt-4o",
			BackendAnthropic: "claude-3-5-sonnet-latest",
			BackendGemini:    "gemini-1.5-pro",
			BackendGroq:      "llama",
			BackendOllama:    "llama3",
		},
	}
}

func backends(cands []Candidate) []Backend {
	out := make([]Backend, len(cands))
	for i, c := range cands {
		out[i] = c.Backend
	}
	return out
}

func equalBackends(a, b []Backend) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSelect_PriorityOrder(t *testing.T) {
	t.Parallel()

	creds := testCreds()
	creds.GroqKey = "gsk"
	creds.AnthropicKey = "sk-ant"
	creds.OpenAIKey = "sk"

	got, err := Select(creds, "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []Backend{BackendOpenAI, BackendAnthropic, BackendGroq}
	if !equalBackends(backends(got), want) {
		t.Errorf("order = %v, want %v", backends(got), want)
	}
	if got[0].APIKey != "sk" || got[0].Model != "gpt-4o" {
		t.Errorf("openai candidate = %+v", got[0])
	}
}

func TestSelect_PinGoesFirst(t *testing.T) {
	t.Parallel()

	creds := testCreds()
	creds.OpenAIKey = "sk"
	creds.GroqKey = "gsk"

	got, err := Select(creds, BackendGroq)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	want := []Backend{BackendGroq, BackendOpenAI}
	if !equalBackends(backends(got), want) {
		t.Errorf("order = %v, want %v", backends(got), want)
	}
}

func TestSelect_PinWithoutCredentials(t *testing.T) {
	t.Parallel()

	creds := testCreds()
	creds.OpenAIKey = "sk"

	_, err := Select(creds, BackendAnthropic)
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestSelect_UnknownPin(t *testing.T) {
	t.Parallel()

	if _, err := Select(testCreds(), Backend("bedrock")); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestSelect_NoCredentials(t *testing.T) {
	t.Parallel()

	_, err := Select(testCreds(), "")
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestSelect_AzureOnlyWhenPinned(t *testing.T) {
	t.Parallel()

	creds := testCreds()
	creds.AzureKey = "az"
	creds.AzureEndpoint = "https://x.openai.azure.com"
	creds.AzureDeployment = "gpt-4.1"
	creds.AzureAPIVersion = "2024-02-01"

	if _, err := Select(creds, ""); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("azure must not be selected implicitly, got %v", err)
	}

	got, err := Select(creds, BackendAzure)
	if err != nil {
		t.Fatalf("Select pinned azure: %v", err)
	}
	if got[0].Model != "gpt-4.1" || got[0].APIVersion != "2024-02-01" {
		t.Errorf("azure candidate = %+v", got[0])
	}
}

func TestSelect_ArkNeedsModel(t *testing.T) {
	t.Parallel()

	creds := testCreds()
	creds.ArkKey = "ark"
	if creds.Configured(BackendArk) {
		t.Error("ark without ARK_MODEL should not be configured")
	}
	creds.Models[BackendArk] = "doubao-pro"
	if !creds.Configured(BackendArk) {
		t.Error("ark with key and model should be configured")
	}
}

func TestCredentialsFromHeaders_Merge(t *testing.T) {
	t.Parallel()

	base := testCreds()
	base.OpenAIKey = "env-openai"
	base.FirecrawlKey = "env-fc"

	h := http.Header{}
	h.Set(HeaderOpenAIKey, " hdr-openai ")
	h.Set(HeaderGroqKey, "hdr-groq")

	merged := base.Merge(CredentialsFromHeaders(h))
	if merged.OpenAIKey != "hdr-openai" {
		t.Errorf("OpenAIKey = %q, want header value", merged.OpenAIKey)
	}
	if merged.GroqKey != "hdr-groq" {
		t.Errorf("GroqKey = %q, want header value", merged.GroqKey)
	}
	if merged.FirecrawlKey != "env-fc" {
		t.Errorf("FirecrawlKey = %q, env value should survive", merged.FirecrawlKey)
	}
	if merged.Models[BackendOpenAI] != "gpt-4o" {
		t.Errorf("models should be preserved, got %v", merged.Models)
	}
	if base.OpenAIKey != "env-openai" {
		t.Error("Merge must not mutate the receiver")
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("GROQ_MODEL", "llama-3.1-8b")
	t.Setenv("OLLAMA_MODEL", "")
	t.Setenv("MODEL_PROVIDER", "")

	c := CredentialsFromEnv()
	if c.OpenAIKey != "sk" {
		t.Errorf("OpenAIKey = %q", c.OpenAIKey)
	}
	if c.Models[BackendOpenAI] != "gpt-4o" {
		t.Errorf("default openai model = %q", c.Models[BackendOpenAI])
	}
	if c.Models[BackendGroq] != "llama-3.1-8b" {
		t.Errorf("groq model = %q", c.Models[BackendGroq])
	}
	if c.OllamaEnabled {
		t.Error("ollama should be opt-in")
	}
}

func TestParseBackend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", "", false},
		{"openai", BackendOpenAI, false},
		{"anthropic", BackendAnthropic, false},
		{"azure", BackendAzure, false},
		{"bedrock", "", true},
	}
	for _, tc := range cases {
		got, err := ParseBackend(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseBackend(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseBackend(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBackendForModel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		model  string
		want   Backend
		wantOK bool
	}{
		{"gpt-4o-mini", BackendOpenAI, true},
		{"o3-mini", BackendOpenAI, true},
		{"Claude-3-5-Haiku-latest", BackendAnthropic, true},
		{"gemini-1.5-flash", BackendGemini, true},
		{"meta-llama/llama-4-scout-17b-16e-instruct", BackendGroq, true},
		{"mixtral-8x7b-32768", BackendGroq, true},
		{"doubao-pro-32k", BackendArk, true},
		{"my-finetune", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := BackendForModel(tc.model)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("BackendForModel(%q) = %q, %v; want %q, %v", tc.model, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestNew_RequiresModel(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Candidate{Backend: BackendOpenAI, APIKey: "sk"}, Config{})
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestCandidateString_OmitsKey(t *testing.T) {
	t.Parallel()

	c := Candidate{Backend: BackendGroq, Model: "llama", APIKey: "gsk-secret"}
	if got := c.String(); got != "groq/llama" {
		t.Errorf("String() = %q", got)
	}
}

func TestResolveOptions(t *testing.T) {
	t.Parallel()

	o := resolveOptions("base", Config{MaxTokens: 800, Temperature: 0.7}, nil)
	if o.model != "base" || o.maxTokens != 800 || o.temperature != 0.7 {
		t.Errorf("defaults = %+v", o)
	}

	o = resolveOptions("base", Config{MaxTokens: 800, Temperature: 0.7}, []model.Option{
		model.WithTemperature(0.1),
		model.WithMaxTokens(50),
		model.WithModel("override"),
	})
	if o.model != "override" || o.maxTokens != 50 || o.temperature != 0.1 {
		t.Errorf("overrides = %+v", o)
	}
}
