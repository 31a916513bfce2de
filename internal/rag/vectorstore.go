package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// ProbeText is embedded once at startup to learn the model's dimensionality.
const ProbeText = "test"

// DefaultTopK is used when Retrieve is called with k <= 0.
const DefaultTopK = 5

// embedBatchSize bounds the number of texts sent to the embedder per call.
const embedBatchSize = 32

// Vector backends accepted by VECTOR_BACKEND.
const (
	BackendLocal  = "local"
	BackendQdrant = "qdrant"
)

// VectorStore combines an Embedder and an Index. It embeds chunk text on
// write and query text on read.
type VectorStore struct {
	embedder Embedder
	index    Index
	log      *slog.Logger
}

var _ Retriever = (*VectorStore)(nil)

// Initialize probes embedder for its output dimension and opens the index
// through opener. Both steps are fatal on failure; a persisted index with a
// different dimension yields an error matching document.ErrIndexConsistency.
func Initialize(ctx context.Context, embedder Embedder, opener Opener, log *slog.Logger) (*VectorStore, error) {
	if embedder == nil {
		return nil, errors.New("rag: embedder must not be nil")
	}
	if opener == nil {
		return nil, errors.New("rag: index opener must not be nil")
	}
	log = logging.OrDiscard(log)

	probe, err := embedder.Embed(ctx, []string{ProbeText})
	if err != nil {
		return nil, fmt.Errorf("rag: probe embedding failed: %w", err)
	}
	if len(probe) == 0 || len(probe[0]) == 0 {
		return nil, errors.New("rag: embedder returned an empty probe vector")
	}
	dim := len(probe[0])

	index, err := opener(ctx, dim)
	if err != nil {
		return nil, fmt.Errorf("rag: open index: %w", err)
	}
	log.Info("vector store initialised", slog.Int("dimension", dim))
	return &VectorStore{embedder: embedder, index: index, log: log}, nil
}

// OpenerFromEnv selects the index backend from VECTOR_BACKEND (local or
// qdrant). embedderName is recorded by the local backend.
func OpenerFromEnv(embedderName string, log *slog.Logger) (Opener, string, error) {
	backend := strings.ToLower(config.EnvOr("VECTOR_BACKEND", BackendLocal))
	switch backend {
	case BackendLocal:
		return FlatOpener(config.EnvOr("VECTOR_INDEX_DIR", DefaultIndexDir), embedderName, log), backend, nil
	case BackendQdrant:
		return QdrantOpener(QdrantConfig{
			Host:       config.EnvOr("QDRANT_HOST", "localhost"),
			Port:       config.EnvInt("QDRANT_PORT", 6334),
			Collection: config.EnvOr("QDRANT_COLLECTION", "docpipe"),
			APIKey:     config.EnvOr("QDRANT_API_KEY", ""),
			UseTLS:     config.EnvOr("QDRANT_TLS", "false") == "true",
		}, log), backend, nil
	default:
		return nil, "", fmt.Errorf("rag: unknown VECTOR_BACKEND %q (valid: %s, %s)", backend, BackendLocal, BackendQdrant)
	}
}

// Dimension returns the vector length of the underlying index.
func (v *VectorStore) Dimension() int { return v.index.Dimension() }

// Index returns the underlying index backend.
func (v *VectorStore) Index() Index { return v.index }

// AddDocuments embeds chunks in batches and upserts them under their chunk
// ids. recordID is stored with every vector. An empty slice is a no-op.
func (v *VectorStore) AddDocuments(ctx context.Context, recordID string, chunks []document.Chunk) error {
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		docs := make([]Document, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
			source, _ := c.Metadata[document.MetaSource].(string)
			docs[i] = Document{
				ID:       c.ID,
				Content:  c.Text,
				Source:   source,
				RecordID: recordID,
				Page:     c.Page(),
			}
		}

		embeddings, err := v.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("rag: embed chunks: %w", err)
		}
		if len(embeddings) != len(texts) {
			return fmt.Errorf("rag: embedder returned %d vectors for %d chunks", len(embeddings), len(texts))
		}
		if err := v.index.Upsert(ctx, docs, embeddings); err != nil {
			return fmt.Errorf("rag: index chunks: %w", err)
		}
	}
	if len(chunks) > 0 {
		v.log.Debug("vector store: indexed chunks",
			slog.String("record_id", recordID),
			slog.Int("chunks", len(chunks)),
		)
	}
	return nil
}

// RemoveDocuments deletes vectors by chunk id.
func (v *VectorStore) RemoveDocuments(ctx context.Context, ids []string) error {
	if err := v.index.Delete(ctx, ids); err != nil {
		return fmt.Errorf("rag: remove chunks: %w", err)
	}
	return nil
}

// Retrieve embeds the query and returns the k most similar chunks, best
// first. k <= 0 selects DefaultTopK.
func (v *VectorStore) Retrieve(ctx context.Context, query string, k int) ([]Document, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", document.ErrInvalidInput)
	}
	if k <= 0 {
		k = DefaultTopK
	}

	embeddings, err := v.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, errors.New("rag: embedder returned empty result for query")
	}

	docs, err := v.index.Search(ctx, embeddings[0], k)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}
	return docs, nil
}

// Close releases the index.
func (v *VectorStore) Close() error {
	return v.index.Close()
}
