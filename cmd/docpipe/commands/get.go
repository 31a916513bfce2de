package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// NewGetCmd constructs the `docpipe get` command, which prints one stored
// record as JSON.
func NewGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a stored record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(logging.FromContext(ctx))
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			defer st.Close()

			rec, err := st.Get(ctx, args[0])
			if err != nil {
				return fmt.Errorf("get: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}

// NewListCmd constructs the `docpipe list` command.
func NewListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored records",
		Long: `List stored records, optionally filtered by parsing status
(Unparsed, Success or Failed).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			filter := document.ParsingStatus(status)
			if filter != "" && !filter.Valid() {
				return fmt.Errorf("list: unknown status %q (valid: %s, %s, %s)", status,
					document.StatusUnparsed, document.StatusSuccess, document.StatusFailed)
			}

			st, err := openStore(logging.FromContext(ctx))
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			defer st.Close()

			recs, err := st.List(ctx, filter)
			if err != nil {
				return fmt.Errorf("list: %w", err)
			}
			if len(recs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no records with status %s\n", statusOrAll(filter))
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILE\tTYPE\tPAGES\tCHUNKS\tSIZE\tSTATUS\tUPLOADED")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n", r.ID, r.Metadata.Filename, r.Metadata.Type,
					r.Metadata.PageNumber, len(r.Chunks), r.Metadata.Size, r.Metadata.ParsingStatus, r.Metadata.UploadedAt)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Only list records with this parsing status")
	return cmd
}

// statusOrAll renders an empty status filter for messages.
func statusOrAll(s document.ParsingStatus) string {
	if s == "" {
		return "any"
	}
	return string(s)
}
