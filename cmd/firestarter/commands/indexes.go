package commands

import (
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/54b3r/firestarter-go/internal/logging"
	"github.com/54b3r/firestarter-go/internal/store"
)

// NewIndexesCmd constructs the `firestarter indexes` command group.
func NewIndexesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "indexes",
		Short: "List or delete indexed websites",
	}
	cmd.AddCommand(newIndexesListCmd(), newIndexesDeleteCmd())
	return cmd
}

func newIndexesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List indexes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)

			st, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("indexes: %w", err)
			}
			defer st.Close()

			list, err := st.registry.List(ctx)
			if err != nil {
				return fmt.Errorf("indexes: %w", err)
			}
			return printIndexes(cmd.OutOrStdout(), list)
		},
	}
}

func newIndexesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <namespace>",
		Short: "Delete an index and its vectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)
			ns := args[0]

			st, err := buildStack(ctx, log)
			if err != nil {
				return fmt.Errorf("indexes: %w", err)
			}
			defer st.Close()

			if err := st.registry.Delete(ctx, ns); err != nil {
				return fmt.Errorf("indexes: delete %s: %w", ns, err)
			}
			if err := st.vectors.DeleteNamespace(ctx, ns); err != nil {
				log.Warn("delete vectors failed", slog.String("namespace", ns), slog.Any("error", err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", ns)
			return nil
		},
	}
}

// printIndexes renders the registry as an aligned table.
func printIndexes(w io.Writer, list []store.IndexMetadata) error {
	if len(list) == 0 {
		_, err := fmt.Fprintln(w, "no indexes")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAMESPACE\tURL\tPAGES\tCHUNKS\tCREATED")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			m.Namespace, m.URL, m.PagesCrawled, m.Chunks, m.CreatedAt.UTC().Format(time.RFC3339))
	}
	return tw.Flush()
}
