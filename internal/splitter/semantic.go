package splitter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/54b3r/docpipe-go/internal/rag"
)

// Semantic groups consecutive sentences and starts a new chunk wherever the
// embedding distance between neighbouring sentence windows is unusually
// large.
type Semantic struct {
	Embedder rag.Embedder
	// BufferSize is the number of neighbours on each side combined with a
	// sentence before embedding.
	BufferSize int
	// Percentile selects the breakpoint threshold among all distances.
	Percentile float64
}

// SplitText returns the sentence groups of text in source order.
func (s *Semantic) SplitText(ctx context.Context, text string) ([]string, error) {
	sentences := Sentences(text)
	if len(sentences) <= 1 {
		return sentences, nil
	}

	windows := make([]string, len(sentences))
	for i := range sentences {
		lo := max(0, i-s.BufferSize)
		hi := min(len(sentences), i+s.BufferSize+1)
		windows[i] = strings.Join(sentences[lo:hi], " ")
	}

	vecs, err := s.Embedder.Embed(ctx, windows)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed sentences: %w", err)
	}
	if len(vecs) != len(windows) {
		return nil, fmt.Errorf("semantic: expected %d embeddings, got %d", len(windows), len(vecs))
	}

	distances := make([]float64, len(vecs)-1)
	for i := range distances {
		distances[i] = 1 - cosine(vecs[i], vecs[i+1])
	}
	threshold := Percentile(distances, s.Percentile)

	var (
		chunks []string
		start  int
	)
	for i, d := range distances {
		if d > threshold {
			chunks = append(chunks, strings.Join(sentences[start:i+1], " "))
			start = i + 1
		}
	}
	if start < len(sentences) {
		chunks = append(chunks, strings.Join(sentences[start:], " "))
	}
	return chunks, nil
}

// Sentences splits text after '.', '!' or '?' when followed by whitespace.
// Blank sentences are dropped.
func Sentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !strings.ContainsRune(".!?", runes[i]) {
			continue
		}
		j := i + 1
		if j >= len(runes) || !unicode.IsSpace(runes[j]) {
			continue
		}
		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			out = append(out, s)
		}
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		start = j
		i = j - 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// Percentile returns the p-th percentile of values using linear
// interpolation between closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
