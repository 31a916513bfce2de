// Package loader turns a file on disk into page-level text segments. The
// format strategy is chosen by file extension from a table built once at
// construction; every strategy is an eino [parser.Parser] so the loader can
// also be used wherever an eino [document.Loader] is expected.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/document"
	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"

	doc "github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// Kind identifies a supported source format.
type Kind int

const (
	KindText Kind = iota + 1
	KindMarkdown
	KindPDF
	KindWord
	KindPowerPoint
	KindExcel
	KindHTML
)

var kindNames = map[Kind]string{
	KindText:       "TextLoader",
	KindMarkdown:   "MarkdownLoader",
	KindPDF:        "PDFLoader",
	KindWord:       "WordDocumentLoader",
	KindPowerPoint: "PowerPointLoader",
	KindExcel:      "ExcelLoader",
	KindHTML:       "HTMLLoader",
}

// String returns the loader name recorded in record metadata.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var extKinds = map[string]Kind{
	".txt":      KindText,
	".md":       KindMarkdown,
	".markdown": KindMarkdown,
	".pdf":      KindPDF,
	".docx":     KindWord,
	".pptx":     KindPowerPoint,
	".xlsx":     KindExcel,
	".html":     KindHTML,
	".htm":      KindHTML,
}

// KindOf returns the format for path's extension, or an
// [*doc.UnsupportedFormatError].
func KindOf(path string) (Kind, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if k, ok := extKinds[ext]; ok {
		return k, nil
	}
	return 0, &doc.UnsupportedFormatError{Ext: ext}
}

// Name returns the loader name for path's extension.
func Name(path string) (string, error) {
	k, err := KindOf(path)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

// Extensions lists the supported extensions in sorted order.
func Extensions() []string {
	out := make([]string, 0, len(extKinds))
	for ext := range extKinds {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// Loader extracts text segments from files. It is safe for concurrent use.
type Loader struct {
	parsers map[Kind]parser.Parser
	log     *slog.Logger
}

var _ document.Loader = (*Loader)(nil)

// New builds a Loader with every format strategy registered.
func New(log *slog.Logger) *Loader {
	log = logging.OrDiscard(log)
	return &Loader{
		parsers: map[Kind]parser.Parser{
			KindText:       &parser.TextParser{},
			KindMarkdown:   &MarkdownParser{},
			KindPDF:        &PDFParser{log: log},
			KindWord:       &WordParser{},
			KindPowerPoint: &PowerPointParser{},
			KindExcel:      &ExcelParser{},
			KindHTML:       &HTMLParser{},
		},
		log: log,
	}
}

// Load implements [document.Loader]. src.URI must be a local file path.
func (l *Loader) Load(ctx context.Context, src document.Source, _ ...document.LoaderOption) ([]*schema.Document, error) {
	return l.LoadFile(ctx, src.URI)
}

// LoadFile extracts the segments of the file at path. Extraction runs on a
// separate goroutine; cancelling ctx abandons the wait. Every returned
// segment carries source and page metadata and empty segments are dropped.
func (l *Loader) LoadFile(ctx context.Context, path string) ([]*schema.Document, error) {
	kind, err := KindOf(path)
	if err != nil {
		return nil, err
	}
	p := l.parsers[kind]

	type result struct {
		docs []*schema.Document
		err  error
	}
	done := make(chan result, 1)

	go func() {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				err = fmt.Errorf("%w: %w", doc.ErrInvalidInput, err)
			}
			done <- result{err: err}
			return
		}
		defer f.Close()

		docs, err := p.Parse(ctx, f,
			parser.WithURI(path),
			parser.WithExtraMeta(map[string]any{doc.MetaSource: path}),
		)
		done <- result{docs: docs, err: err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("loader: %s: %w", path, ctx.Err())
	case r = <-done:
	}
	if r.err != nil {
		return nil, fmt.Errorf("loader: %s %s: %w", kind, path, r.err)
	}

	segments := normalise(r.docs, path)
	l.log.Debug("loader: extracted segments",
		slog.String("path", path),
		slog.String("loader", kind.String()),
		slog.Int("segments", len(segments)),
	)
	return segments, nil
}

// normalise drops blank segments and fills in missing source and page keys.
func normalise(in []*schema.Document, path string) []*schema.Document {
	out := make([]*schema.Document, 0, len(in))
	for _, d := range in {
		if d == nil || strings.TrimSpace(d.Content) == "" {
			continue
		}
		if d.MetaData == nil {
			d.MetaData = make(map[string]any, 2)
		}
		d.MetaData[doc.MetaSource] = path
		if _, ok := d.MetaData[doc.MetaPage]; !ok {
			d.MetaData[doc.MetaPage] = 1
		}
		out = append(out, d)
	}
	return out
}

// segment builds one page-level eino document, merging the parser's extra
// metadata with the page number.
func segment(text string, page int, opts []parser.Option, extra map[string]any) *schema.Document {
	o := parser.GetCommonOptions(&parser.Options{}, opts...)
	meta := make(map[string]any, len(o.ExtraMeta)+len(extra)+1)
	for k, v := range o.ExtraMeta {
		meta[k] = v
	}
	for k, v := range extra {
		meta[k] = v
	}
	meta[doc.MetaPage] = page
	return &schema.Document{Content: text, MetaData: meta}
}
