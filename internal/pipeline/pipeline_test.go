package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/embedder"
	"github.com/54b3r/docpipe-go/internal/ingestion"
	"github.com/54b3r/docpipe-go/internal/loader"
	"github.com/54b3r/docpipe-go/internal/parse"
	"github.com/54b3r/docpipe-go/internal/rag"
	"github.com/54b3r/docpipe-go/internal/splitter"
	"github.com/54b3r/docpipe-go/internal/store"
)

type fixture struct {
	p     *Pipeline
	store *store.SQLiteStore
	vs    *rag.VectorStore
	reg   *prometheus.Registry
	dir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets wrap decorate the vector index seen by the pipeline.
func newFixtureWith(t *testing.T, wrap func(VectorIndex) VectorIndex) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	emb := embedder.NewHashEmbedder(64)
	vs, err := rag.Initialize(ctx, emb, rag.FlatOpener(filepath.Join(t.TempDir(), "index"), emb.Name(), nil), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	ld := loader.New(nil)
	sp, err := splitter.New(splitter.Config{}, nil)
	require.NoError(t, err)
	ing, err := ingestion.NewService(ld, sp, nil)
	require.NoError(t, err)
	ps, err := parse.NewService(ld, &parse.Hybrid{}, nil)
	require.NoError(t, err)

	var idx VectorIndex = vs
	if wrap != nil {
		idx = wrap(vs)
	}
	reg := prometheus.NewRegistry()
	p, err := New(Config{Ingester: ing, Parser: ps, Store: st, Index: idx, Registerer: reg})
	require.NoError(t, err)
	return &fixture{p: p, store: st, vs: vs, reg: reg, dir: t.TempDir()}
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// vectors returns the number of vectors in the fixture's flat index.
func (f *fixture) vectors(t *testing.T) int {
	t.Helper()
	flat, ok := f.vs.Index().(*rag.FlatIndex)
	require.True(t, ok)
	return flat.Len()
}

// flakyIndex fails AddDocuments while failing is set. With partial set the
// chunks reach the wrapped index before the error is returned, as when a
// later embedding batch fails.
type flakyIndex struct {
	VectorIndex
	failing atomic.Bool
	partial bool
}

func (x *flakyIndex) AddDocuments(ctx context.Context, recordID string, chunks []document.Chunk) error {
	if !x.failing.Load() {
		return x.VectorIndex.AddDocuments(ctx, recordID, chunks)
	}
	if x.partial {
		if err := x.VectorIndex.AddDocuments(ctx, recordID, chunks); err != nil {
			return err
		}
	}
	return errors.New("embedder down")
}

func newFlakyFixture(t *testing.T) (*fixture, *flakyIndex) {
	t.Helper()
	flaky := &flakyIndex{partial: true}
	f := newFixtureWith(t, func(inner VectorIndex) VectorIndex {
		flaky.VectorIndex = inner
		return flaky
	})
	return f, flaky
}

const handbook = "# Handbook\n\nExpense reports are due monthly.\n\n## Travel\n\nBook trains for short trips.\n"

func TestIngestFiles_StoresAndIndexes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "handbook.md", handbook)

	recs, err := f.p.IngestFiles(ctx, []string{path})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	got, err := f.store.Get(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, recs[0].ChunkIDs(), got.ChunkIDs())
	assert.Equal(t, "handbook.md", got.Metadata.Filename)
	assert.Equal(t, document.StatusUnparsed, got.Metadata.ParsingStatus)

	hits, err := f.p.Search(ctx, "expense reports", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, recs[0].ID, hits[0].RecordID)
	assert.Equal(t, path, hits[0].Source)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.p.metrics.ingestTotal.WithLabelValues(outcomeOK)))
	assert.Equal(t, float64(len(recs[0].Chunks)), testutil.ToFloat64(f.p.metrics.chunksIndexed))
}

func TestIngestFiles_FirstErrorAborts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	good := f.write(t, "a.txt", "first file")
	empty := f.write(t, "b.txt", "")
	later := f.write(t, "c.txt", "never reached")

	recs, err := f.p.IngestFiles(ctx, []string{good, empty, later})
	assert.ErrorIs(t, err, document.ErrInvalidInput)
	require.Len(t, recs, 1)

	all, err := f.store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.p.metrics.ingestTotal.WithLabelValues(outcomeInvalid)))
}

func TestParseDocument_ReplacesChunksAndVectors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "handbook.md", handbook)

	recs, err := f.p.IngestFiles(ctx, []string{path})
	require.NoError(t, err)
	oldIDs := recs[0].ChunkIDs()

	res, err := f.p.ParseDocument(ctx, recs[0].ID)
	require.NoError(t, err)
	require.True(t, res.OK())

	stored, err := f.store.Get(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusSuccess, stored.Metadata.ParsingStatus)
	assert.Equal(t, "HybridChunker", stored.Metadata.Parser)
	require.Len(t, stored.Chunks, 2)
	assert.Equal(t, []string{"Handbook", "Travel"}, stored.Chunks[1].Metadata[document.MetaHeadings])

	hits, err := f.p.Search(ctx, "trains trips travel", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
	for _, h := range hits {
		assert.NotContains(t, oldIDs, h.ID, "previous vectors must be removed")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.p.metrics.parseTotal.WithLabelValues("Success")))
}

func TestIngestFiles_IndexFailureLeavesNoRecord(t *testing.T) {
	t.Parallel()
	f, flaky := newFlakyFixture(t)
	ctx := context.Background()
	path := f.write(t, "a.txt", "quarterly revenue grew")

	flaky.failing.Store(true)
	for attempt := 1; attempt <= 2; attempt++ {
		recs, err := f.p.IngestFiles(ctx, []string{path})
		require.Error(t, err, "attempt %d", attempt)
		assert.ErrorContains(t, err, "embedder down")
		assert.NotErrorIs(t, err, document.ErrIndexConsistency)
		assert.Empty(t, recs)
	}

	all, err := f.store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all, "failed ingests must not leave records behind")
	assert.Zero(t, f.vectors(t), "partially indexed chunks must be removed")
	assert.Equal(t, 2.0, testutil.ToFloat64(f.p.metrics.ingestTotal.WithLabelValues(outcomeError)))

	flaky.failing.Store(false)
	recs, err := f.p.IngestFiles(ctx, []string{path})
	require.NoError(t, err)
	all, err = f.store.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, recs[0].ID, all[0].ID)
	assert.Equal(t, len(recs[0].Chunks), f.vectors(t))
}

func TestParseDocument_IndexFailureRestoresRecord(t *testing.T) {
	t.Parallel()
	f, flaky := newFlakyFixture(t)
	ctx := context.Background()
	path := f.write(t, "handbook.md", handbook)

	recs, err := f.p.IngestFiles(ctx, []string{path})
	require.NoError(t, err)
	before, err := f.store.Get(ctx, recs[0].ID)
	require.NoError(t, err)

	flaky.failing.Store(true)
	_, err = f.p.ParseDocument(ctx, recs[0].ID)
	require.Error(t, err)
	assert.ErrorContains(t, err, "embedder down")

	after, err := f.store.Get(ctx, recs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "previous record must be restored")
	assert.Equal(t, len(before.Chunks), f.vectors(t))

	hits, err := f.p.Search(ctx, "expense travel", 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Contains(t, before.ChunkIDs(), h.ID)
	}

	flaky.failing.Store(false)
	res, err := f.p.ParseDocument(ctx, recs[0].ID)
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, len(res.Record.Chunks), f.vectors(t))
}

func TestParseDocument_ConcurrentCallsLeaveNoOrphans(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	recs, err := f.p.IngestFiles(ctx, []string{f.write(t, "handbook.md", handbook)})
	require.NoError(t, err)
	id := recs[0].ID

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.p.ParseDocument(ctx, id)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	stored, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, len(stored.Chunks), f.vectors(t), "every vector belongs to the stored record")

	hits, err := f.p.Search(ctx, "expense travel trains", 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.Contains(t, stored.ChunkIDs(), h.ID)
	}
	assert.Zero(t, f.p.parsing.held())
}

func TestParseUnparsed_SkipsRecordsParsedMeanwhile(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	recs, err := f.p.IngestFiles(ctx, []string{f.write(t, "handbook.md", handbook)})
	require.NoError(t, err)
	_, err = f.p.ParseDocument(ctx, recs[0].ID)
	require.NoError(t, err)

	_, ran, err := f.p.parseRecord(ctx, recs[0].ID, true)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.p.metrics.parseTotal.WithLabelValues("Success")))
}

func TestParseDocument_NotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := f.p.ParseDocument(context.Background(), "missing")
	assert.ErrorIs(t, err, document.ErrNotFound)
}

func TestParseUnparsed_PersistsFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	keep := f.write(t, "keep.md", handbook)
	gone := f.write(t, "gone.md", "# Gone\n\nSoon deleted.\n")

	recs, err := f.p.IngestFiles(ctx, []string{keep, gone})
	require.NoError(t, err)
	require.NoError(t, os.Remove(gone))

	results, err := f.p.ParseUnparsed(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.ErrorIs(t, results[1].Err, document.ErrParse)

	failed, err := f.store.Get(ctx, recs[1].ID)
	require.NoError(t, err)
	assert.Equal(t, document.StatusFailed, failed.Metadata.ParsingStatus)
	assert.Equal(t, recs[1].ChunkIDs(), failed.ChunkIDs())

	left, err := f.store.List(ctx, document.StatusUnparsed)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestSweeper(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	_, err := NewSweeper(f.p, "every tuesday", nil)
	assert.ErrorContains(t, err, "invalid schedule")

	_, err = f.p.IngestFiles(ctx, []string{f.write(t, "h.md", handbook)})
	require.NoError(t, err)

	s, err := NewSweeper(f.p, "", nil)
	require.NoError(t, err)
	s.Start(ctx)
	s.Run()
	s.Stop()

	left, err := f.store.List(ctx, document.StatusUnparsed)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	assert.Error(t, err)
}
