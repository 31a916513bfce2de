//go:build integration

package embedder

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/54b3r/docpipe-go/internal/rag"
)

// TestOllamaEmbedder_Integration calls a locally running Ollama instance and
// then initialises a local vector index with it.
//
// Prerequisites:
//
//	ollama pull nomic-embed-text
//	ollama serve
//
// Run with:
//
//	go test -tags=integration -run TestOllamaEmbedder_Integration ./internal/embedder/
func TestOllamaEmbedder_Integration(t *testing.T) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	model := os.Getenv("EMBEDDING_MODEL")
	if model == "" {
		model = defaultOllamaModel
	}

	emb := NewOllamaEmbedder(&OllamaConfig{Host: host, Model: model})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	texts := []string{
		"The quarterly report lists revenue by region.",
		"Install the package, then run the migration script.",
	}

	embeddings, err := emb.Embed(ctx, texts)
	if err != nil {
		t.Fatalf("Embed() failed: %v\n\nEnsure Ollama is running and %q is pulled:\n  ollama pull %s", err, model, model)
	}
	if len(embeddings) != len(texts) {
		t.Fatalf("expected %d embeddings, got %d", len(texts), len(embeddings))
	}
	for i, vec := range embeddings {
		if len(vec) == 0 {
			t.Errorf("embedding[%d] is empty", i)
		}
	}

	identical := len(embeddings[0]) == len(embeddings[1])
	for j := 0; identical && j < len(embeddings[0]); j++ {
		identical = embeddings[0][j] == embeddings[1][j]
	}
	if identical {
		t.Error("embeddings[0] and embeddings[1] are identical; model may not be working correctly")
	}

	vs, err := rag.Initialize(ctx, emb, rag.FlatOpener(t.TempDir(), emb.Name(), nil), nil)
	if err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	defer vs.Close()
	if vs.Dimension() != len(embeddings[0]) {
		t.Errorf("probe dimension %d, embed dimension %d", vs.Dimension(), len(embeddings[0]))
	}
	t.Logf("model=%s dim=%d", model, vs.Dimension())
}
