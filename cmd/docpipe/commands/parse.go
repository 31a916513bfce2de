package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/docpipe-go/internal/logging"
	"github.com/54b3r/docpipe-go/internal/parse"
)

// NewParseCmd constructs the `docpipe parse` command.
func NewParseCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "parse [ids...]",
		Short: "Re-chunk stored records with the parse backend",
		Long: `Re-chunk stored records with the backend named by PARSE_BACKEND
(hybrid or llm) and re-index them. A failed parse is stored with status
Failed and keeps its previous chunks.

Examples:
  docpipe parse 6f1c2a0e-...
  docpipe parse --all
  PARSE_BACKEND=llm MODEL_PROVIDER=openai docpipe parse --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			if all == (len(args) > 0) {
				return errors.New("parse: give record ids or --all, not both")
			}

			a, err := openApp(ctx, log, appOptions{parse: true})
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}
			defer a.Close()

			var results []parse.Result
			if all {
				results, err = a.pipeline.ParseUnparsed(ctx)
			} else {
				for _, id := range args {
					var res parse.Result
					res, err = a.pipeline.ParseDocument(ctx, id)
					if err != nil {
						break
					}
					results = append(results, res)
				}
			}

			failed := 0
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILE\tSTATUS\tCHUNKS\tERROR")
			for _, res := range results {
				msg := ""
				if res.Err != nil {
					failed++
					msg = res.Err.Error()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", res.Record.ID, res.Record.Metadata.Filename,
					res.Record.Metadata.ParsingStatus, len(res.Record.Chunks), msg)
			}
			if flushErr := tw.Flush(); flushErr != nil {
				return flushErr
			}
			if err != nil {
				return fmt.Errorf("parse: %w", err)
			}
			if failed > 0 {
				return fmt.Errorf("parse: %d of %d records failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Parse every record whose status is Unparsed")
	return cmd
}
