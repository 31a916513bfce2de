package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/docpipe-go/internal/logging"
	"github.com/54b3r/docpipe-go/internal/rag"
)

// NewIndexCmd constructs the `docpipe index` command, which creates the
// vector index if needed and checks it against the configured embedder.
func NewIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Initialise or verify the vector index",
		Long: `Probe the embedder for its output dimension, then open the vector index
selected by VECTOR_BACKEND (local or qdrant), creating it when absent.

An existing index built with a different dimension fails with an index
consistency error; delete the index (or the collection) and re-ingest.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			vs, emb, backend, err := openVectors(ctx, logging.FromContext(ctx))
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}
			defer vs.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backend:   %s\n", backend)
			fmt.Fprintf(out, "embedder:  %s\n", emb.Name())
			fmt.Fprintf(out, "dimension: %d\n", vs.Dimension())
			if flat, ok := vs.Index().(*rag.FlatIndex); ok {
				fmt.Fprintf(out, "vectors:   %d\n", flat.Len())
			}
			return nil
		},
	}
}
