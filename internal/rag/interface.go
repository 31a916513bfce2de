// Package rag indexes chunk embeddings for similarity search. A VectorStore
// pairs an Embedder with an Index backend: either a flat L2 index persisted
// in a local directory or a Qdrant collection.
package rag

import (
	"context"
)

// Document is one indexed chunk, as stored in and returned from an Index.
type Document struct {
	// ID is the chunk id.
	ID string
	// Content is the chunk text.
	Content string
	// Source is the file path the chunk was extracted from.
	Source string
	// RecordID is the id of the document record that owns the chunk.
	RecordID string
	// Page is the 1-based source page, 0 when unknown.
	Page int
	// Score is the similarity assigned during retrieval; higher is closer.
	Score float32
}

// Index stores vectors keyed by chunk id. Implementations must be safe to
// call from multiple goroutines.
type Index interface {
	// Dimension is the vector length the index was created with.
	Dimension() int
	// Upsert stores or replaces docs. embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error
	// Search returns up to topK documents nearest to query, best first.
	Search(ctx context.Context, query []float32, topK int) ([]Document, error)
	// Delete removes documents by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error
	// Close releases resources held by the index.
	Close() error
}

// Opener opens (or creates) an Index for vectors of length dim. It must fail
// with a *document.DimensionMismatchError when an existing index was built
// with a different dimension.
type Opener func(ctx context.Context, dim int) (Index, error)

// Embedder converts text into dense vectors. Implementations must be safe to
// call from multiple goroutines.
type Embedder interface {
	// Embed returns one embedding per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fetches the chunks most relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}
