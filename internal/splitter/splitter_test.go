package splitter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// topicEmbedder maps text to word counts of two topics.
type topicEmbedder struct{ err error }

func (e topicEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(strings.Count(t, "Cats")), float32(strings.Count(t, "Stocks"))}
	}
	return out, nil
}

func TestRecursive_MatchesReferenceOutput(t *testing.T) {
	t.Parallel()
	text := "Hi.\n\nI'm Harrison.\n\nHow? Are? You?\nOkay then f f f f.\n" +
		"This is a weird text to write, but gotta test the splittingggg some how.\n\nBye!\n\n-H."
	r := &Recursive{ChunkSize: 10, ChunkOverlap: 1}
	want := []string{
		"Hi.", "I'm", "Harrison.", "How? Are?", "You?", "Okay then", "f f f f.",
		"This is a", "weird", "text to", "write,", "but gotta", "test the",
		"splitting", "gggg", "some how.", "Bye!", "-H.",
	}
	assert.Equal(t, want, r.SplitText(text))
}

func TestRecursive_Overlap(t *testing.T) {
	t.Parallel()
	r := &Recursive{ChunkSize: 15, ChunkOverlap: 5}
	got := r.SplitText("one two three four five six seven eight nine ten")
	assert.Equal(t, []string{"one two three", "four five six", "six seven", "eight nine ten"}, got)
}

func TestRecursive_DefaultWindowBounds(t *testing.T) {
	t.Parallel()

	var b strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&b, "Sentence number %d says hellö. ", i)
		if i%7 == 6 {
			b.WriteString("\n\n")
		}
	}

	s, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "RecursiveCharacterTextSplitter", s.Name())

	chunks := s.recursive.SplitText(b.String())
	require.Greater(t, len(chunks), 1)
	for i, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), DefaultChunkSize, "chunk %d too long", i)
	}
	for i := 1; i < len(chunks); i++ {
		assert.Contains(t, chunks[i-1], chunks[i][:30], "chunk %d should overlap its predecessor", i)
	}
	assert.Equal(t, 400, strings.Count(strings.Join(dedupe(chunks), " "), "says hell"))
}

// dedupe strips the overlap carried from each previous chunk.
func dedupe(chunks []string) []string {
	out := []string{chunks[0]}
	for i := 1; i < len(chunks); i++ {
		prev, cur := chunks[i-1], chunks[i]
		n := min(len(prev), len(cur))
		k := 0
		for l := n; l > 0; l-- {
			if strings.HasSuffix(prev, cur[:l]) {
				k = l
				break
			}
		}
		out = append(out, cur[k:])
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Strategy: "tokens"}, nil)
	assert.ErrorContains(t, err, "unknown strategy")

	_, err = New(Config{ChunkSize: 100, ChunkOverlap: 100}, nil)
	assert.Error(t, err)

	_, err = New(Config{Strategy: StrategySemantic}, nil)
	assert.ErrorContains(t, err, "embedder")
}

func TestSplit_CopiesSegmentMetadata(t *testing.T) {
	t.Parallel()
	s, err := New(Config{ChunkSize: 20, ChunkOverlap: 0}, nil)
	require.NoError(t, err)

	segs := []*schema.Document{
		{Content: "alpha beta gamma delta epsilon", MetaData: map[string]any{"page": 1, "source": "f.txt"}},
		{Content: "zeta", MetaData: map[string]any{"page": 2, "source": "f.txt"}},
	}
	out, err := s.Transform(context.Background(), segs)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "alpha beta gamma", out[0].Content)
	assert.Equal(t, 1, out[1].MetaData["page"])
	assert.Equal(t, 2, out[2].MetaData["page"])

	out[0].MetaData["page"] = 99
	assert.Equal(t, 1, segs[0].MetaData["page"], "segment metadata must not be aliased")
}

func TestSemantic_BreaksOnTopicShift(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Strategy: StrategySemantic, Embedder: topicEmbedder{}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "SemanticChunker", s.Name())

	text := "Cats purr. Cats nap. Cats eat. Stocks rose. Stocks fell. Stocks rallied."
	out, err := s.Split(context.Background(), []*schema.Document{{Content: text, MetaData: map[string]any{"page": 1}}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "Cats purr. Cats nap. Cats eat.", out[0].Content)
	assert.Equal(t, "Stocks rose. Stocks fell. Stocks rallied.", out[1].Content)
}

func TestSemantic_SingleSentenceAndErrors(t *testing.T) {
	t.Parallel()
	sem := &Semantic{Embedder: topicEmbedder{err: errors.New("down")}, BufferSize: 1, Percentile: 95}

	got, err := sem.SplitText(context.Background(), "Only one sentence here.")
	require.NoError(t, err)
	assert.Equal(t, []string{"Only one sentence here."}, got)

	_, err = sem.SplitText(context.Background(), "One. Two.")
	assert.ErrorContains(t, err, "down")
}

func TestSentences(t *testing.T) {
	t.Parallel()
	assert.Equal(t,
		[]string{"Is it v1.2?", "Yes!", "Ship it.", "trailing"},
		Sentences("Is it v1.2? Yes!\n\nShip it. trailing"),
	)
}

func TestPercentile(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 4.8, Percentile([]float64{5, 1, 4, 2, 3}, 95), 1e-9)
	assert.InDelta(t, 3.0, Percentile([]float64{1, 2, 3, 4, 5}, 50), 1e-9)
	assert.Equal(t, 0.0, Percentile(nil, 95))
}
