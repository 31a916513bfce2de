package commands

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// NewIngestCmd constructs the `docpipe ingest` command.
func NewIngestCmd() *cobra.Command {
	var parseAfter bool

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Load, split, store and index files",
		Long: `Load each file, split it into chunks, store the record and embed every
chunk into the vector index. The first failing file aborts the batch; files
before it stay stored.

Without arguments the comma-separated DOCPIPE_INPUT_FILES batch is used.

Examples:
  docpipe ingest report.pdf notes.md
  docpipe ingest --parse handbook.docx
  DOCPIPE_INPUT_FILES=a.pdf,b.xlsx docpipe ingest`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.FromContext(ctx)

			paths := args
			if len(paths) == 0 {
				paths = config.InputFiles()
			}
			if len(paths) == 0 {
				return errors.New("ingest: no files given and DOCPIPE_INPUT_FILES is empty")
			}

			a, err := openApp(ctx, log, appOptions{parse: parseAfter})
			if err != nil {
				return fmt.Errorf("ingest: %w", err)
			}
			defer a.Close()

			recs, ingestErr := a.pipeline.IngestFiles(ctx, paths)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tFILE\tPAGES\tCHUNKS\tSIZE\tSTATUS")
			for _, rec := range recs {
				status := rec.Metadata.ParsingStatus
				chunks := len(rec.Chunks)
				if parseAfter {
					res, err := a.pipeline.ParseDocument(ctx, rec.ID)
					if err != nil {
						_ = tw.Flush()
						return fmt.Errorf("ingest: parse %s: %w", rec.ID, err)
					}
					status, chunks = res.Record.Metadata.ParsingStatus, len(res.Record.Chunks)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
					rec.ID, rec.Metadata.Filename, rec.Metadata.PageNumber, chunks, rec.Metadata.Size, status)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if ingestErr != nil {
				return fmt.Errorf("ingest: %w", ingestErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&parseAfter, "parse", false, "Parse each record right after ingestion")
	return cmd
}
