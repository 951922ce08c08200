package audit

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
)

func TestSanitiseKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		key, value, want string
	}{
		{"FIRECRAWL_API_KEY", "fc-abc123", "set"},
		{"FIRECRAWL_API_KEY", "", "unset"},
		{"GROQ_API_KEY", "gsk_x", "set"},
		{"REDIS_URL", "redis://:pw@host:6379", "set"},
		{"MODEL_PROVIDER", "anthropic", "anthropic"},
		{"MODEL_PROVIDER", "", "unset"},
		{"UNKNOWN_KEY", "v", "v"},
	}
	for _, tc := range cases {
		if got := SanitiseKey(tc.key, tc.value); got != tc.want {
			t.Errorf("SanitiseKey(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.want)
		}
	}
}

func TestIsSecret(t *testing.T) {
	t.Parallel()
	if !IsSecret("ANTHROPIC_API_KEY") {
		t.Error("ANTHROPIC_API_KEY should be secret")
	}
	if IsSecret("QDRANT_HOST") {
		t.Error("QDRANT_HOST should not be secret")
	}
}

func TestSanitiseConfigPath(t *testing.T) {
	t.Parallel()
	if got := sanitiseConfigPath(""); got != "none" {
		t.Errorf("expected 'none', got %q", got)
	}
	if got := sanitiseConfigPath("/tmp/config.yaml"); got != "/tmp/config.yaml" {
		t.Errorf("expected '/tmp/config.yaml', got %q", got)
	}
	home, err := os.UserHomeDir()
	if err == nil && home != "" && home != "/" {
		p := home + "/.firestarter/config.yaml"
		if got := sanitiseConfigPath(p); got != "~/.firestarter/config.yaml" {
			t.Errorf("expected '~/.firestarter/config.yaml', got %q", got)
		}
	}
}

func TestLogCommandStart_NeverLogsSecretValues(t *testing.T) {
	t.Setenv("FIRECRAWL_API_KEY", "fc-super-secret")
	t.Setenv("MODEL_PROVIDER", "openai")

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	LogCommandStart(log, "serve", "")

	out := buf.String()
	if strings.Contains(out, "fc-super-secret") {
		t.Fatalf("secret value leaked into audit log: %s", out)
	}
	if !strings.Contains(out, `"FIRECRAWL_API_KEY":"set"`) {
		t.Errorf("expected FIRECRAWL_API_KEY=set in audit log: %s", out)
	}
	if !strings.Contains(out, `"MODEL_PROVIDER":"openai"`) {
		t.Errorf("expected MODEL_PROVIDER value in audit log: %s", out)
	}
}
