package loader

import (
	"context"
	"fmt"
	"io"
	"strings"

	htmltomd "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"

	doc "github.com/54b3r/docpipe-go/internal/document"
)

// HTMLParser converts an HTML page to markdown and then to plain text blocks,
// producing a single segment. The page title is kept in metadata.
type HTMLParser struct{}

// Parse implements [parser.Parser].
func (p *HTMLParser) Parse(_ context.Context, r io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	page, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("html: parse: %w", err)
	}
	title := strings.TrimSpace(page.Find("title").First().Text())

	conv := htmltomd.NewConverter("", true, nil)
	conv.Remove("script", "style", "noscript", "nav", "footer")

	body := page.Find("body")
	if body.Length() == 0 {
		body = page.Selection
	}
	markdown := conv.Convert(body)

	var extra map[string]any
	if title != "" {
		extra = map[string]any{doc.MetaTitle: title}
	}
	return []*schema.Document{segment(JoinBlocks(Blocks([]byte(markdown))), 1, opts, extra)}, nil
}
