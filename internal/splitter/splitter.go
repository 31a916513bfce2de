// Package splitter turns page-level segments into chunks. The strategy is a
// process-wide setting chosen at construction, not a per-call argument.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/logging"
	"github.com/54b3r/docpipe-go/internal/rag"
)

// Strategy names accepted by SPLITTER_STRATEGY.
const (
	StrategyRecursive = "recursive_character"
	StrategySemantic  = "semantic"
)

// Defaults for the recursive strategy.
const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 400
)

// Config selects and tunes the chunking strategy.
type Config struct {
	// Strategy is recursive_character (default) or semantic.
	Strategy     string
	ChunkSize    int
	ChunkOverlap int
	// Embedder is required by the semantic strategy.
	Embedder rag.Embedder
}

// Splitter implements [document.Transformer].
type Splitter struct {
	name      string
	recursive *Recursive
	semantic  *Semantic
	log       *slog.Logger
}

var _ document.Transformer = (*Splitter)(nil)

// ConfigFromEnv reads SPLITTER_STRATEGY, SPLITTER_CHUNK_SIZE and
// SPLITTER_CHUNK_OVERLAP.
func ConfigFromEnv(embedder rag.Embedder) Config {
	return Config{
		Strategy:     config.EnvOr("SPLITTER_STRATEGY", StrategyRecursive),
		ChunkSize:    config.EnvInt("SPLITTER_CHUNK_SIZE", DefaultChunkSize),
		ChunkOverlap: config.EnvInt("SPLITTER_CHUNK_OVERLAP", DefaultChunkOverlap),
		Embedder:     embedder,
	}
}

// New builds the splitter for cfg.Strategy.
func New(cfg Config, log *slog.Logger) (*Splitter, error) {
	s := &Splitter{log: logging.OrDiscard(log)}
	switch cfg.Strategy {
	case "", StrategyRecursive:
		size, overlap := cfg.ChunkSize, cfg.ChunkOverlap
		if size <= 0 {
			size = DefaultChunkSize
		}
		if overlap < 0 {
			overlap = 0
		}
		if overlap >= size {
			return nil, fmt.Errorf("splitter: chunk overlap %d must be smaller than chunk size %d", overlap, size)
		}
		s.name = "RecursiveCharacterTextSplitter"
		s.recursive = &Recursive{ChunkSize: size, ChunkOverlap: overlap}
	case StrategySemantic:
		if cfg.Embedder == nil {
			return nil, errors.New("splitter: semantic strategy requires an embedder")
		}
		s.name = "SemanticChunker"
		s.semantic = &Semantic{Embedder: cfg.Embedder, BufferSize: 1, Percentile: 95}
	default:
		return nil, fmt.Errorf("splitter: unknown strategy %q (valid: %s, %s)", cfg.Strategy, StrategyRecursive, StrategySemantic)
	}
	return s, nil
}

// Name is the splitter name recorded in record metadata.
func (s *Splitter) Name() string { return s.name }

// Transform implements [document.Transformer].
func (s *Splitter) Transform(ctx context.Context, src []*schema.Document, _ ...document.TransformerOption) ([]*schema.Document, error) {
	return s.Split(ctx, src)
}

// Split chunks each segment independently. Every chunk inherits a copy of
// its segment's metadata; chunk order follows segment order.
func (s *Splitter) Split(ctx context.Context, segments []*schema.Document) ([]*schema.Document, error) {
	var out []*schema.Document
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var texts []string
		if s.semantic != nil {
			var err error
			if texts, err = s.semantic.SplitText(ctx, seg.Content); err != nil {
				return nil, fmt.Errorf("splitter: %w", err)
			}
		} else {
			texts = s.recursive.SplitText(seg.Content)
		}

		for _, t := range texts {
			meta := make(map[string]any, len(seg.MetaData))
			for k, v := range seg.MetaData {
				meta[k] = v
			}
			out = append(out, &schema.Document{Content: t, MetaData: meta})
		}
	}
	s.log.Debug("splitter: split segments",
		slog.String("splitter", s.name),
		slog.Int("segments", len(segments)),
		slog.Int("chunks", len(out)),
	)
	return out, nil
}
