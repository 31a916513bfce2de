package parse

import (
	"context"
	"os"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/docpipe-go/internal/budget"
	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/loader"
	"github.com/54b3r/docpipe-go/internal/splitter"
)

// DefaultMaxTokens is the chunk budget of the hybrid backend.
const DefaultMaxTokens = 256

var paragraphBreak = regexp.MustCompile(`\n[ \t]*\n`)

// Hybrid chunks along document structure. Markdown is split into blocks
// under their heading path; other formats into blank-line paragraphs per
// page. Items over MaxTokens are split at sentence, then word boundaries,
// and consecutive small items sharing a heading path and page are merged.
type Hybrid struct {
	MaxTokens int
}

var _ Backend = (*Hybrid)(nil)

// Name implements Backend.
func (h *Hybrid) Name() string { return "HybridChunker" }

type item struct {
	text     string
	headings []string
	page     int
	meta     map[string]any
}

// Chunk implements Backend.
func (h *Hybrid) Chunk(ctx context.Context, path string, segments []*schema.Document) ([]*schema.Document, error) {
	items, err := h.items(path, segments)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.render(h.merge(h.split(items))), nil
}

func (h *Hybrid) maxTokens() int {
	if h.MaxTokens <= 0 {
		return DefaultMaxTokens
	}
	return h.MaxTokens
}

func (h *Hybrid) items(path string, segments []*schema.Document) ([]item, error) {
	if kind, err := loader.KindOf(path); err == nil && kind == loader.KindMarkdown {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		base := map[string]any{document.MetaSource: path}
		var out []item
		for _, b := range loader.Blocks(src) {
			if b.Heading {
				continue
			}
			out = append(out, item{text: b.Text, headings: b.Headings, page: 1, meta: base})
		}
		return out, nil
	}

	var out []item
	for _, seg := range segments {
		if seg == nil {
			continue
		}
		page := (document.Chunk{Metadata: seg.MetaData}).Page()
		for _, para := range paragraphBreak.Split(seg.Content, -1) {
			if p := strings.TrimSpace(para); p != "" {
				out = append(out, item{text: p, page: page, meta: seg.MetaData})
			}
		}
	}
	return out, nil
}

// split breaks items whose rendered text exceeds the budget.
func (h *Hybrid) split(items []item) []item {
	var out []item
	for _, it := range items {
		limit := h.limit(it.headings)
		if budget.Fits(it.text, limit) {
			out = append(out, it)
			continue
		}
		for _, piece := range splitToBudget(it.text, limit) {
			next := it
			next.text = piece
			out = append(out, next)
		}
	}
	return out
}

// merge joins consecutive peers with the same heading path and page while
// the result stays within budget.
func (h *Hybrid) merge(items []item) []item {
	var out []item
	for _, it := range items {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.page == it.page && slices.Equal(last.headings, it.headings) {
				joined := last.text + "\n\n" + it.text
				if budget.Fits(joined, h.limit(it.headings)) {
					last.text = joined
					continue
				}
			}
		}
		out = append(out, it)
	}
	return out
}

func (h *Hybrid) render(items []item) []*schema.Document {
	out := make([]*schema.Document, 0, len(items))
	for _, it := range items {
		meta := make(map[string]any, len(it.meta)+2)
		for k, v := range it.meta {
			meta[k] = v
		}
		meta[document.MetaPage] = it.page
		content := it.text
		if len(it.headings) > 0 {
			meta[document.MetaHeadings] = slices.Clone(it.headings)
			content = headingPrefix(it.headings) + it.text
		}
		out = append(out, &schema.Document{Content: content, MetaData: meta})
	}
	return out
}

// limit is the token budget left for body text once the heading prefix is
// accounted for.
func (h *Hybrid) limit(headings []string) int {
	return max(1, h.maxTokens()-budget.Estimate(headingPrefix(headings)))
}

func headingPrefix(headings []string) string {
	if len(headings) == 0 {
		return ""
	}
	return strings.Join(headings, "\n") + "\n"
}

// splitToBudget packs sentences greedily into pieces of at most limit
// tokens. Sentences that are too long fall back to words, and words that
// are too long are cut by characters.
func splitToBudget(text string, limit int) []string {
	var units []string
	for _, s := range splitter.Sentences(text) {
		if budget.Fits(s, limit) {
			units = append(units, s)
			continue
		}
		for _, w := range strings.Fields(s) {
			if budget.Fits(w, limit) {
				units = append(units, w)
				continue
			}
			units = append(units, cutRunes(w, budget.MaxChars(limit))...)
		}
	}

	var (
		out []string
		cur string
	)
	for _, u := range units {
		if cur == "" {
			cur = u
			continue
		}
		if next := cur + " " + u; budget.Fits(next, limit) {
			cur = next
			continue
		}
		out = append(out, cur)
		cur = u
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// cutRunes splits s into pieces of at most n bytes without breaking runes.
func cutRunes(s string, n int) []string {
	var out []string
	for len(s) > n {
		cut := n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		if cut == 0 {
			cut = n
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
