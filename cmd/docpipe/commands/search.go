package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/docpipe-go/internal/logging"
	"github.com/54b3r/docpipe-go/internal/rag"
)

// snippetRunes bounds the chunk text printed per search hit.
const snippetRunes = 200

// NewSearchCmd constructs the `docpipe search` command.
func NewSearchCmd() *cobra.Command {
	var k int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Return the chunks most similar to a query",
		Args:  cobra.MinimumNArgs(1),
		Example: `  docpipe search "expense report deadline"
  docpipe search -k 10 travel policy`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			vs, _, _, err := openVectors(ctx, log)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			defer vs.Close()

			hits, err := vs.Retrieve(ctx, strings.Join(args, " "), k)
			if err != nil {
				return fmt.Errorf("search: %w", err)
			}
			out := cmd.OutOrStdout()
			for i, h := range hits {
				loc := h.Source
				if h.Page > 0 {
					loc = fmt.Sprintf("%s:%d", h.Source, h.Page)
				}
				fmt.Fprintf(out, "%d. [%.4f] %s (record %s)\n   %s\n", i+1, h.Score, loc, h.RecordID, snippet(h.Content))
			}
			if len(hits) == 0 {
				fmt.Fprintln(out, "no results")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&k, "top-k", "k", rag.DefaultTopK, "Number of chunks to return")
	return cmd
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > snippetRunes {
		return string(r[:snippetRunes]) + "..."
	}
	return s
}
