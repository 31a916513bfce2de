package splitter

import (
	"strings"
	"unicode/utf8"
)

// DefaultSeparators are tried in order: paragraphs, lines, words, runes.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Recursive splits text on the first separator that occurs in it, packs the
// pieces into windows of at most ChunkSize runes with ChunkOverlap runes of
// carry-over, and recurses with finer separators on pieces that are still
// too large. Separators are kept at the start of the piece that follows them.
type Recursive struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// SplitText returns the chunks of text in source order.
func (r *Recursive) SplitText(text string) []string {
	seps := r.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	return r.split(text, seps)
}

func (r *Recursive) split(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var rest []string
	for i, s := range separators {
		if s == "" {
			separator = s
			break
		}
		if strings.Contains(text, s) {
			separator = s
			rest = separators[i+1:]
			break
		}
	}

	var (
		out  []string
		good []string
	)
	for _, piece := range splitKeepStart(text, separator) {
		if runeLen(piece) < r.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			out = append(out, r.merge(good)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, piece)
		} else {
			out = append(out, r.split(piece, rest)...)
		}
	}
	if len(good) > 0 {
		out = append(out, r.merge(good)...)
	}
	return out
}

// merge packs pieces into windows. Pieces already carry their separator, so
// they are joined without one.
func (r *Recursive) merge(pieces []string) []string {
	var (
		out     []string
		current []string
		total   int
	)
	for _, p := range pieces {
		n := runeLen(p)
		if total+n > r.ChunkSize && len(current) > 0 {
			if chunk := join(current); chunk != "" {
				out = append(out, chunk)
			}
			for total > r.ChunkOverlap || (total+n > r.ChunkSize && total > 0) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, p)
		total += n
	}
	if chunk := join(current); chunk != "" {
		out = append(out, chunk)
	}
	return out
}

func join(pieces []string) string {
	return strings.TrimSpace(strings.Join(pieces, ""))
}

// splitKeepStart splits text on sep, attaching each separator to the start
// of the following piece. An empty sep splits into runes. Empty pieces are
// dropped.
func splitKeepStart(text, sep string) []string {
	if sep == "" {
		out := make([]string, 0, utf8.RuneCountInString(text))
		for _, r := range text {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, sep)
	out := make([]string, 0, len(parts))
	if parts[0] != "" {
		out = append(out, parts[0])
	}
	for _, p := range parts[1:] {
		out = append(out, sep+p)
	}
	return out
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
