package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/docpipe-go/internal/version"
)

// NewVersionCmd constructs the `docpipe version` subcommand. Build metadata
// is injected via -ldflags and falls back to "dev"/"unknown".
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the docpipe version, git commit, and build date",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
