// Package commands defines all Cobra CLI commands for the docpipe binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/54b3r/docpipe-go/internal/audit"
	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "docpipe",
		Short: "docpipe: load, chunk, store and index documents for retrieval",
		Long: `docpipe turns PDF, Word, PowerPoint, Excel, Markdown, HTML and text files
into chunked records in a SQLite document store and embeds every chunk into
a vector index (a local directory or Qdrant).

Records start Unparsed. The parse step re-chunks them along document
structure (headings, pages) or with an LLM and re-indexes the result.

Configuration comes from env vars, a .env file, or a YAML/TOML config file
(~/.docpipe/config.yaml). Env vars always win.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.Load(configPath, logging.New())
			if err != nil {
				return err
			}

			// Rebuild after loading so LOG_LEVEL/LOG_FORMAT from the file apply.
			log := logging.New()
			ctx := logging.WithLogger(cmd.Context(), log)
			cmd.SetContext(ctx)

			audit.LogCommandStart(ctx, log, cmd.Name(), path)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML or TOML config file (default: ~/.docpipe/config.yaml)")

	root.AddCommand(
		NewIngestCmd(),
		NewParseCmd(),
		NewGetCmd(),
		NewListCmd(),
		NewSearchCmd(),
		NewIndexCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
