package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/firestarter-go/internal/ingestion"
	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/store"
)

// NewCreateCmd constructs the `firestarter create` command, which crawls a
// site, indexes it and registers it under a fresh namespace.
func NewCreateCmd() *cobra.Command {
	var limit int
	var namespace string

	cmd := &cobra.Command{
		Use:   "create <url>",
		Short: "Crawl a website and index it as a new chatbot",
		Long: `Crawl a website with Firecrawl and index its pages in the vector store.

The page limit is clamped to CRAWL_MIN_LIMIT..CRAWL_MAX_LIMIT unless
FIRESTARTER_UNLIMITED is set. When the registry already holds
STORAGE_MAX_INDEXES indexes, the oldest are evicted together with their
vectors.

Required environment variables:
  FIRECRAWL_API_KEY    Firecrawl API key
  OPENAI_API_KEY       or another embedding backend (see EMBEDDING_PROVIDER)

Examples:
  firestarter create https://docs.firecrawl.dev
  firestarter create --limit 50 example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			st, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("create: %w", err)
			}
			defer st.Close()

			pipeline, err := st.pipeline()
			if err != nil {
				return fmt.Errorf("create: %w", err)
			}

			res, err := pipeline.Ingest(ctx, ingestion.Request{URL: args[0], Limit: limit, Namespace: namespace}, func(p ingestion.Progress) {
				log.Info("progress", slog.String("stage", p.Stage), slog.Int("completed", p.Completed), slog.Int("total", p.Total))
			})
			if err != nil {
				return fmt.Errorf("create: %w", err)
			}

			meta := store.IndexMetadata{
				Namespace:    res.Namespace,
				URL:          res.URL,
				Title:        res.Title,
				Description:  res.Description,
				Favicon:      res.Favicon,
				OGImage:      res.OGImage,
				PagesCrawled: res.PagesCrawled,
				Chunks:       res.Chunks,
				CreatedAt:    res.CreatedAt,
			}
			if err := store.Register(ctx, st.registry, meta, st.vectors.DeleteNamespace); err != nil {
				return fmt.Errorf("create: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "namespace: %s\n", res.Namespace)
			fmt.Fprintf(out, "model:     firecrawl-%s\n", res.Namespace)
			fmt.Fprintf(out, "pages:     %d\n", res.PagesCrawled)
			fmt.Fprintf(out, "chunks:    %d\n", res.Chunks)
			if res.Title != "" {
				fmt.Fprintf(out, "title:     %s\n", res.Title)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 0, "Maximum pages to crawl (default: CRAWL_DEFAULT_LIMIT)")
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "Namespace to index under (default: derived from the URL)")

	return cmd
}
