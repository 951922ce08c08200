package commands

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cobra"

	"github.com/54b3r/firestarter-go/internal/chat"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/provider"
	"github.com/54b3r/firestarter-go/internal/tracing"
)

// NewAskCmd constructs the `firestarter ask` command, which sends a single
// question to an index and streams the answer to stdout.
func NewAskCmd() *cobra.Command {
	var namespace string
	var pinFlag string
	var noSources bool

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask an indexed website a question",
		Long: `Ask a question about a website previously indexed with 'firestarter create'.

The answer is streamed from the first configured LLM provider; if it fails
before producing any output the next one is tried. Source pages are listed
after the answer.

Examples:
  firestarter ask -n firecrawl-dev-1718000000000 "how do I start a crawl?"
  firestarter ask -n docs-1 --provider anthropic "what does the scrape endpoint return?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			flush, _ := tracing.Setup(log)
			defer flush()

			pin, err := provider.PinFromEnv()
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			if pinFlag != "" {
				if pin, err = provider.ParseBackend(pinFlag); err != nil {
					return fmt.Errorf("ask: %w", err)
				}
			}

			st, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer st.Close()

			retriever, err := st.retriever()
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			svc := chat.NewService(chat.Options{
				Retriever:   retriever,
				Credentials: provider.CredentialsFromEnv(),
				Pin:         pin,
				Model:       provider.ConfigFromEnv(),
				Limits:      st.limits,
			})

			stream, err := svc.Complete(ctx, chat.Request{
				Namespace: namespace,
				Messages:  []*schema.Message{schema.UserMessage(strings.Join(args, " "))},
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer stream.Close()

			return printAnswer(cmd.OutOrStdout(), stream, !noSources)
		},
	}

	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace of the index to query")
	cmd.Flags().StringVar(&pinFlag, "provider", "", "Backend to try first (openai, anthropic, gemini, groq, ark, ollama, azure)")
	cmd.Flags().BoolVar(&noSources, "no-sources", false, "Do not list source pages after the answer")
	_ = cmd.MarkFlagRequired("namespace")

	return cmd
}

// eventStream is the receive side of a chat.Stream.
type eventStream interface {
	Recv() (chat.Event, error)
}

// printAnswer writes deltas as they arrive, then the sources and the
// backend that answered.
func printAnswer(w io.Writer, st eventStream, withSources bool) error {
	var (
		sources []chat.Event
		done    chat.Event
	)
	for {
		ev, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		switch ev.Type {
		case chat.EventSources:
			sources = append(sources, ev)
		case chat.EventDelta:
			fmt.Fprint(w, ev.Content)
		case chat.EventDone:
			done = ev
		case chat.EventError:
			fmt.Fprintln(w)
			return fmt.Errorf("ask: %w", ev.Err)
		}
	}
	fmt.Fprintln(w)

	if withSources {
		for _, ev := range sources {
			if len(ev.Sources) == 0 {
				continue
			}
			fmt.Fprintln(w, "\nSources:")
			for i, s := range ev.Sources {
				title := s.Title
				if title == "" {
					title = s.URL
				}
				fmt.Fprintf(w, "  [%d] %s (%s)\n", i+1, title, s.URL)
			}
		}
	}
	if done.Provider != "" {
		fmt.Fprintf(w, "\n(%s/%s)\n", done.Provider, done.Model)
	}
	return nil
}
