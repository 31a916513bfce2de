package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/docpipe-go/internal/document"
)

// letterEmbedder embeds text as counts of the first dim letters a, b, c...
type letterEmbedder struct {
	dim   int
	calls atomic.Int32
	err   error
}

func (e *letterEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, e.dim)
		for j := range v {
			v[j] = float32(strings.Count(strings.ToLower(t), string(rune('a'+j))))
		}
		out[i] = v
	}
	return out, nil
}

func chunk(text string, page int) document.Chunk {
	return document.Chunk{
		ID:       document.NewID(),
		Text:     text,
		Metadata: map[string]any{document.MetaSource: "f.txt", document.MetaPage: page},
	}
}

func TestInitialize_SameDirTwice(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "index")
	emb := &letterEmbedder{dim: 3}
	ctx := context.Background()

	vs, err := Initialize(ctx, emb, FlatOpener(dir, "letters", nil), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, vs.Dimension())
	_, err = os.Stat(filepath.Join(dir, IndexFile))
	require.NoError(t, err, "empty index must be persisted on creation")
	require.NoError(t, vs.Close())

	vs, err = Initialize(ctx, emb, FlatOpener(dir, "letters", nil), nil)
	require.NoError(t, err)
	require.NoError(t, vs.Close())
}

func TestInitialize_DimensionMismatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	vs, err := Initialize(ctx, &letterEmbedder{dim: 3}, FlatOpener(dir, "a", nil), nil)
	require.NoError(t, err)
	require.NoError(t, vs.Close())

	_, err = Initialize(ctx, &letterEmbedder{dim: 4}, FlatOpener(dir, "b", nil), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, document.ErrIndexConsistency)
	assert.Contains(t, err.Error(), "index has 3D vs model has 4D")

	var mismatch *document.DimensionMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, 3, mismatch.Index)
}

func TestInitialize_ForeignDirectory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))

	_, err := Initialize(context.Background(), &letterEmbedder{dim: 2}, FlatOpener(dir, "", nil), nil)
	assert.ErrorIs(t, err, document.ErrIndexConsistency)
}

func TestInitialize_ProbeFailure(t *testing.T) {
	t.Parallel()
	opened := false
	opener := func(context.Context, int) (Index, error) {
		opened = true
		return nil, nil
	}
	_, err := Initialize(context.Background(), &letterEmbedder{dim: 2, err: errors.New("offline")}, opener, nil)
	assert.ErrorContains(t, err, "offline")
	assert.False(t, opened)
}

func TestVectorStore_AddSearchRemove(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	emb := &letterEmbedder{dim: 3}

	vs, err := Initialize(ctx, emb, FlatOpener(dir, "letters", nil), nil)
	require.NoError(t, err)

	aaa, bbb, ccc := chunk("aaa", 1), chunk("bbb", 2), chunk("ccc", 3)
	require.NoError(t, vs.AddDocuments(ctx, "rec-1", []document.Chunk{aaa, bbb, ccc}))
	require.NoError(t, vs.AddDocuments(ctx, "rec-1", nil))

	hits, err := vs.Retrieve(ctx, "bbb", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, bbb.ID, hits[0].ID)
	assert.Equal(t, "bbb", hits[0].Content)
	assert.Equal(t, "rec-1", hits[0].RecordID)
	assert.Equal(t, "f.txt", hits[0].Source)
	assert.Equal(t, 2, hits[0].Page)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Greater(t, hits[0].Score, hits[1].Score)

	require.NoError(t, vs.RemoveDocuments(ctx, []string{bbb.ID}))
	hits, err = vs.Retrieve(ctx, "bbb", 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotEqual(t, bbb.ID, h.ID)
	}
	require.NoError(t, vs.Close())

	vs, err = Initialize(ctx, emb, FlatOpener(dir, "letters", nil), nil)
	require.NoError(t, err)
	defer vs.Close()
	hits, err = vs.Retrieve(ctx, "ccc", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ccc.ID, hits[0].ID, "vectors must survive a reopen")
	assert.Equal(t, 3, hits[0].Page)
}

func TestVectorStore_EmbedsInBatches(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	emb := &letterEmbedder{dim: 2}
	vs, err := Initialize(ctx, emb, FlatOpener(t.TempDir(), "", nil), nil)
	require.NoError(t, err)
	defer vs.Close()

	chunks := make([]document.Chunk, 70)
	for i := range chunks {
		chunks[i] = chunk("ab", 1)
	}
	emb.calls.Store(0)
	require.NoError(t, vs.AddDocuments(ctx, "r", chunks))
	assert.Equal(t, int32(3), emb.calls.Load())
	assert.Equal(t, 70, vs.Index().(*FlatIndex).Len())
}

func TestVectorStore_EmptyQuery(t *testing.T) {
	t.Parallel()
	vs, err := Initialize(context.Background(), &letterEmbedder{dim: 2}, FlatOpener(t.TempDir(), "", nil), nil)
	require.NoError(t, err)
	defer vs.Close()

	_, err = vs.Retrieve(context.Background(), "  ", 3)
	assert.ErrorIs(t, err, document.ErrInvalidInput)
}

func TestFlatIndex_RejectsWrongLength(t *testing.T) {
	t.Parallel()
	idx, err := OpenFlat(t.TempDir(), 2, "", nil)
	require.NoError(t, err)
	defer idx.Close()

	err = idx.Upsert(context.Background(), []Document{{ID: "x"}}, [][]float32{{1, 2, 3}})
	assert.ErrorIs(t, err, document.ErrIndexConsistency)

	_, err = idx.Search(context.Background(), []float32{1}, 1)
	assert.ErrorIs(t, err, document.ErrIndexConsistency)
}

func TestOpenerFromEnv(t *testing.T) {
	t.Setenv("VECTOR_BACKEND", "faiss")
	_, _, err := OpenerFromEnv("x", nil)
	assert.ErrorContains(t, err, "unknown VECTOR_BACKEND")

	t.Setenv("VECTOR_BACKEND", "")
	opener, backend, err := OpenerFromEnv("x", nil)
	require.NoError(t, err)
	assert.Equal(t, BackendLocal, backend)
	assert.NotNil(t, opener)
}

func TestEncodeVector_RoundTrip(t *testing.T) {
	t.Parallel()
	in := []float32{0, -1.5, 3.25}
	out, err := decodeVector(encodeVector(in), 3)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeVector([]byte{1, 2}, 3)
	assert.Error(t, err)
}
