// Package commands defines all Cobra CLI commands for the firestarter binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/firestarter-go/internal/audit"
	"github.com/54b3r/firestarter-go/internal/config"
	"github.com/54b3r/firestarter-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "firestarter",
		Short: "Firestarter turns any website into a RAG chatbot",
		Long: `Firestarter crawls a website with Firecrawl, indexes its pages in a vector
store and answers questions about it with whichever LLM provider is configured.

Every index is also exposed as an OpenAI-compatible model named
firecrawl-<namespace>, so existing OpenAI clients can chat with it.

Providers are picked from the API keys present in the environment or a YAML
config file (~/.firestarter/config.yaml). MODEL_PROVIDER pins one.
See 'firestarter --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.firestarter/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewCreateCmd(),
		NewAskCmd(),
		NewIndexesCmd(),
		NewVersionCmd(),
	)

	return root
}
