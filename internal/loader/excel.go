package loader

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/xuri/excelize/v2"

	doc "github.com/54b3r/docpipe-go/internal/document"
)

// ExcelParser extracts .xlsx workbooks, one segment per sheet. Rows become
// lines with cells separated by tabs; the sheet name is kept in metadata.
type ExcelParser struct{}

// Parse implements [parser.Parser].
func (p *ExcelParser) Parse(_ context.Context, r io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("xlsx: open: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	docs := make([]*schema.Document, 0, len(sheets))
	for i, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("xlsx: sheet %q: %w", name, err)
		}
		var b strings.Builder
		for _, row := range rows {
			line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
			if line == "" {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		docs = append(docs, segment(strings.TrimSpace(b.String()), i+1, opts, map[string]any{doc.MetaSheet: name}))
	}
	return docs, nil
}
