package parse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/54b3r/docpipe-go/internal/budget"
	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/loader"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func record(path string) *document.Record {
	return &document.Record{
		ID: document.NewID(),
		Chunks: []document.Chunk{
			{ID: document.NewID(), Text: "old", Metadata: map[string]any{document.MetaPage: 1}},
		},
		Metadata: document.Metadata{
			Filename:      filepath.Base(path),
			FilePath:      path,
			ParsingStatus: document.StatusUnparsed,
			ChunkNumber:   1,
			PageNumber:    1,
			Loader:        "MarkdownLoader",
			Splitter:      "RecursiveCharacterTextSplitter",
		},
	}
}

func TestHybrid_MarkdownHeadings(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "guide.md",
		"# Guide\n\nIntro para.\n\n## Install\n\nRun make.\n\nThen run tests.\n\n## Usage\n\nCall it.\n")

	segs, err := loader.New(nil).LoadFile(context.Background(), path)
	require.NoError(t, err)
	out, err := (&Hybrid{}).Chunk(context.Background(), path, segs)
	require.NoError(t, err)

	require.Len(t, out, 3)
	assert.Equal(t, "Guide\nIntro para.", out[0].Content)
	assert.Equal(t, "Guide\nInstall\nRun make.\n\nThen run tests.", out[1].Content)
	assert.Equal(t, "Guide\nUsage\nCall it.", out[2].Content)
	assert.Equal(t, []string{"Guide", "Install"}, out[1].MetaData[document.MetaHeadings])
	assert.Equal(t, path, out[2].MetaData[document.MetaSource])
	assert.Equal(t, 1, out[2].MetaData[document.MetaPage])
}

func TestHybrid_SplitsOversizedParagraphs(t *testing.T) {
	t.Parallel()
	var b strings.Builder
	for i := 0; i < 50; i++ {
		fmt.Fprintf(&b, "This is sentence number %d. ", i)
	}
	b.WriteString("\n\nShort tail.")
	segs := []*schema.Document{
		{Content: b.String(), MetaData: map[string]any{document.MetaPage: 2, document.MetaSource: "x.txt"}},
		{Content: "Other page.", MetaData: map[string]any{document.MetaPage: 3, document.MetaSource: "x.txt"}},
	}

	h := &Hybrid{MaxTokens: 20}
	out, err := h.Chunk(context.Background(), "x.txt", segs)
	require.NoError(t, err)
	require.Greater(t, len(out), 5)

	var joined []string
	for _, d := range out {
		assert.True(t, budget.Fits(d.Content, 20), "chunk over budget: %q", d.Content)
		joined = append(joined, d.Content)
	}
	assert.Equal(t, "Other page.", out[len(out)-1].Content)
	assert.Equal(t, 3, out[len(out)-1].MetaData[document.MetaPage])
	assert.Equal(t, 2, out[0].MetaData[document.MetaPage])
	assert.Contains(t, strings.Join(joined, " "), "This is sentence number 49.")
	assert.Contains(t, strings.Join(joined, " "), "Short tail.")
	assert.Nil(t, out[0].MetaData[document.MetaHeadings])
}

func TestSplitToBudget_LongWord(t *testing.T) {
	t.Parallel()
	word := strings.Repeat("é", 30)  // 60 bytes
	pieces := splitToBudget(word, 4) // 16 bytes
	require.Len(t, pieces, 4)
	assert.Equal(t, word, strings.Join(pieces, ""))
	for _, p := range pieces {
		assert.True(t, budget.Fits(p, 4))
	}
}

func TestService_ParseSuccess(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "notes.md", "# Notes\n\nFirst.\n\n# More\n\nSecond.\n")
	in := record(path)
	before := in.Clone()

	svc, err := NewService(loader.New(nil), &Hybrid{}, nil)
	require.NoError(t, err)
	res := svc.Parse(context.Background(), in)
	require.True(t, res.OK(), "%v", res.Err)

	out := res.Record
	assert.Equal(t, before, in, "input record must not be mutated")
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, document.StatusSuccess, out.Metadata.ParsingStatus)
	assert.Equal(t, "HybridChunker", out.Metadata.Parser)
	assert.NotEmpty(t, out.Metadata.ParsedAt)
	assert.Equal(t, 2, out.Metadata.ChunkNumber)
	require.Len(t, out.Chunks, 2)
	assert.NotEqual(t, out.Chunks[0].ID, out.Chunks[1].ID)
	assert.NotEqual(t, in.Chunks[0].ID, out.Chunks[0].ID)
	assert.NoError(t, out.Validate())
}

type staticBackend struct {
	docs []*schema.Document
	err  error
}

func (staticBackend) Name() string { return "static" }

func (b staticBackend) Chunk(context.Context, string, []*schema.Document) ([]*schema.Document, error) {
	return b.docs, b.err
}

func TestService_ParseFailures(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "a.txt", "some text")

	cases := map[string]struct {
		rec     *document.Record
		backend Backend
		want    string
	}{
		"missing file":  {rec: record(filepath.Join(t.TempDir(), "gone.txt")), backend: &Hybrid{}, want: "does not exist"},
		"backend error": {rec: record(path), backend: staticBackend{err: errors.New("model overloaded")}, want: "model overloaded"},
		"no chunks":     {rec: record(path), backend: staticBackend{}, want: "no chunks"},
	}
	for name, tc := range cases {
		svc, err := NewService(loader.New(nil), tc.backend, nil)
		require.NoError(t, err)

		res := svc.Parse(context.Background(), tc.rec)
		assert.False(t, res.OK(), name)
		assert.ErrorIs(t, res.Err, document.ErrParse, name)
		assert.ErrorContains(t, res.Err, tc.want, name)

		assert.Equal(t, document.StatusFailed, res.Record.Metadata.ParsingStatus, name)
		assert.Equal(t, tc.rec.Chunks, res.Record.Chunks, name)
		assert.Empty(t, res.Record.Metadata.Parser, name)
		assert.Equal(t, document.StatusUnparsed, tc.rec.Metadata.ParsingStatus, "%s: input mutated", name)
	}
}

// fakeChat answers every request with reply and counts calls.
type fakeChat struct {
	reply string
	err   error
	calls atomic.Int32
}

func (f *fakeChat) Generate(_ context.Context, in []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return schema.AssistantMessage(f.reply, nil), nil
}

func (f *fakeChat) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func TestLLM_Chunk(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: "Sure:\n```json\n[\"Alpha passage.\", \" \", \"Beta passage.\"]\n```"}
	l, err := NewLLM(chat, "ollama", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "llm:ollama", l.Name())

	segs := []*schema.Document{{Content: "Alpha passage. Beta passage.", MetaData: map[string]any{document.MetaPage: 4}}}
	out, err := l.Chunk(context.Background(), "f.pdf", segs)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Beta passage.", out[1].Content)
	assert.Equal(t, 4, out[1].MetaData[document.MetaPage])
	assert.Equal(t, int32(1), chat.calls.Load())
}

func TestLLM_PresplitsLargePages(t *testing.T) {
	t.Parallel()
	chat := &fakeChat{reply: `["p"]`}
	overhead := budget.EstimateMessages([]*schema.Message{schema.SystemMessage(llmSystemPrompt), schema.UserMessage("")})
	l, err := NewLLM(chat, "openai", overhead+10, nil)
	require.NoError(t, err)

	page := strings.Repeat("Short sentence here. ", 20)
	_, err = l.Chunk(context.Background(), "", []*schema.Document{{Content: page}})
	require.NoError(t, err)
	assert.Greater(t, chat.calls.Load(), int32(1))
}

func TestLLM_Errors(t *testing.T) {
	t.Parallel()
	_, err := NewLLM(nil, "x", 0, nil)
	assert.Error(t, err)

	l, err := NewLLM(&fakeChat{err: errors.New("rate limited")}, "x", 0, nil)
	require.NoError(t, err)
	_, err = l.Chunk(context.Background(), "", []*schema.Document{{Content: "text"}})
	assert.ErrorContains(t, err, "rate limited")

	_, err = decodePassages("I cannot help with that.")
	assert.ErrorContains(t, err, "no JSON array")
	_, err = decodePassages(`[1, 2]`)
	assert.Error(t, err)
}

func TestBackendFromEnv(t *testing.T) {
	t.Setenv("PARSE_BACKEND", "")
	t.Setenv("PARSE_MAX_TOKENS", "128")
	b, err := BackendFromEnv(context.Background(), nil)
	require.NoError(t, err)
	require.IsType(t, &Hybrid{}, b)
	assert.Equal(t, 128, b.(*Hybrid).MaxTokens)

	t.Setenv("PARSE_BACKEND", "docling")
	_, err = BackendFromEnv(context.Background(), nil)
	assert.ErrorContains(t, err, "unknown PARSE_BACKEND")
}
