package commands

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/rag"
	"github.com/54b3r/firestarter-go/internal/store"
)

type fakeStream struct {
	events []chat.Event
}

func (f *fakeStream) Recv() (chat.Event, error) {
	if len(f.events) == 0 {
		return chat.Event{}, io.EOF
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func TestPrintAnswer(t *testing.T) {
	t.Parallel()

	st := &fakeStream{events: []chat.Event{
		{Type: chat.EventSources, Sources: []rag.Source{{URL: "https://docs.dev/a", Title: "Page A"}, {URL: "https://docs.dev/b"}}},
		{Type: chat.EventDelta, Content: "Hello"},
		{Type: chat.EventDelta, Content: " world"},
		{Type: chat.EventDone, Provider: "openai", Model: "gpt-4o"},
	}}

	var buf bytes.Buffer
	if err := printAnswer(&buf, st, true); err != nil {
		t.Fatalf("printAnswer: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Hello world\n",
		"[1] Page A (https://docs.dev/a)",
		"[2] https://docs.dev/b (https://docs.dev/b)",
		"(openai/gpt-4o)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintAnswer_NoSources(t *testing.T) {
	t.Parallel()

	st := &fakeStream{events: []chat.Event{
		{Type: chat.EventSources, Sources: []rag.Source{{URL: "https://docs.dev/a"}}},
		{Type: chat.EventDelta, Content: "ok"},
	}}
	var buf bytes.Buffer
	if err := printAnswer(&buf, st, false); err != nil {
		t.Fatalf("printAnswer: %v", err)
	}
	if strings.Contains(buf.String(), "Sources") {
		t.Errorf("sources printed with withSources=false:\n%s", buf.String())
	}
}

func TestPrintAnswer_ErrorEvent(t *testing.T) {
	t.Parallel()

	boom := errors.New("all providers failed")
	st := &fakeStream{events: []chat.Event{
		{Type: chat.EventDelta, Content: "partial"},
		{Type: chat.EventError, Err: boom},
	}}
	var buf bytes.Buffer
	err := printAnswer(&buf, st, true)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapping %v", err, boom)
	}
	if !strings.HasPrefix(buf.String(), "partial") {
		t.Errorf("partial output lost: %q", buf.String())
	}
}

func TestPrintIndexes(t *testing.T) {
	t.Parallel()

	var empty bytes.Buffer
	if err := printIndexes(&empty, nil); err != nil {
		t.Fatalf("printIndexes: %v", err)
	}
	if got := empty.String(); got != "no indexes\n" {
		t.Errorf("empty output = %q", got)
	}

	var buf bytes.Buffer
	err := printIndexes(&buf, []store.IndexMetadata{{
		Namespace:    "docs-dev-1",
		URL:          "https://docs.dev",
		PagesCrawled: 12,
		Chunks:       80,
		CreatedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}})
	if err != nil {
		t.Fatalf("printIndexes: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want header + 1 row, got %d lines:\n%s", len(lines), buf.String())
	}
	for _, want := range []string{"docs-dev-1", "https://docs.dev", "12", "80", "2025-01-02T03:04:05Z"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row missing %q: %q", want, lines[1])
		}
	}
}

func TestVectorBackend(t *testing.T) {
	cases := []struct {
		name, backend, qdrantHost, want string
	}{
		{"explicit", "Qdrant", "", "qdrant"},
		{"qdrant host implies qdrant", "", "localhost", "qdrant"},
		{"default chromem", "", "", "chromem"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("VECTOR_BACKEND", tc.backend)
			t.Setenv("QDRANT_HOST", tc.qdrantHost)
			if got := vectorBackend(); got != tc.want {
				t.Errorf("vectorBackend() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	for _, name := range []string{"serve", "create", "ask", "indexes", "version"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not registered (err=%v)", name, err)
		}
	}
}
