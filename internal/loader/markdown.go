package loader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Block is one structural unit of a markdown document.
type Block struct {
	// Text is the plain text of the block with inline markup removed.
	Text string
	// Headings is the path of enclosing headings, outermost first. For a
	// heading block it includes the heading itself.
	Headings []string
	// Heading is set when the block is itself a heading.
	Heading bool
	// Code is set for fenced and indented code blocks.
	Code bool
}

var markdownEngine = goldmark.New()

// Blocks parses src as CommonMark and returns its leaf blocks in document
// order, each annotated with its heading path.
func Blocks(src []byte) []Block {
	root := markdownEngine.Parser().Parse(text.NewReader(src))

	var (
		blocks []Block
		path   []string
		levels []int
	)
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			title := strings.TrimSpace(inlineText(node, src))
			for len(levels) > 0 && levels[len(levels)-1] >= node.Level {
				levels = levels[:len(levels)-1]
				path = path[:len(path)-1]
			}
			levels = append(levels, node.Level)
			path = append(path, title)
			if title != "" {
				blocks = append(blocks, Block{Text: title, Headings: clonePath(path), Heading: true})
			}
			return ast.WalkSkipChildren, nil

		case *ast.Paragraph, *ast.TextBlock:
			if t := strings.TrimSpace(inlineText(node, src)); t != "" {
				blocks = append(blocks, Block{Text: t, Headings: clonePath(path)})
			}
			return ast.WalkSkipChildren, nil

		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if t := strings.TrimRight(rawLines(node, src), "\n"); strings.TrimSpace(t) != "" {
				blocks = append(blocks, Block{Text: t, Headings: clonePath(path), Code: true})
			}
			return ast.WalkSkipChildren, nil

		case *ast.HTMLBlock, *ast.ThematicBreak:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return blocks
}

// inlineText concatenates the text of n's inline descendants.
func inlineText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(t.Value)
		case *ast.AutoLink:
			b.Write(t.Label(src))
			return ast.WalkSkipChildren, nil
		case *ast.RawHTML:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func rawLines(n ast.Node, src []byte) string {
	var b bytes.Buffer
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(src))
	}
	return b.String()
}

func clonePath(p []string) []string {
	if len(p) == 0 {
		return nil
	}
	return append([]string(nil), p...)
}

// MarkdownParser extracts markdown as plain text, one segment per file.
// Blocks are separated by blank lines so the splitter's paragraph separator
// still applies.
type MarkdownParser struct{}

// Parse implements [parser.Parser].
func (p *MarkdownParser) Parse(_ context.Context, r io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("markdown: read: %w", err)
	}
	return []*schema.Document{segment(JoinBlocks(Blocks(src)), 1, opts, nil)}, nil
}

// JoinBlocks renders blocks back to text with blank-line separators.
func JoinBlocks(blocks []Block) string {
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Text
	}
	return strings.Join(parts, "\n\n")
}
