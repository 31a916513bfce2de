package loader

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

// WordParser extracts text from .docx files. Explicit page breaks start a new
// segment; documents without them load as a single page.
type WordParser struct{}

// Parse implements [parser.Parser].
func (p *WordParser) Parse(_ context.Context, r io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	zr, err := openZip(r)
	if err != nil {
		return nil, fmt.Errorf("docx: %w", err)
	}
	body, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return nil, fmt.Errorf("docx: %w", err)
	}

	pages, err := wordPages(body)
	if err != nil {
		return nil, fmt.Errorf("docx: decode document.xml: %w", err)
	}
	docs := make([]*schema.Document, 0, len(pages))
	for i, text := range pages {
		docs = append(docs, segment(text, i+1, opts, nil))
	}
	return docs, nil
}

func wordPages(body []byte) ([]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var (
		pages  []string
		cur    strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				cur.WriteByte('\t')
			case "br":
				if attr(t, "type") == "page" {
					pages = append(pages, strings.TrimSpace(cur.String()))
					cur.Reset()
				} else {
					cur.WriteByte('\n')
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				cur.WriteString("\n\n")
			}
		case xml.CharData:
			if inText {
				cur.Write(t)
			}
		}
	}
	pages = append(pages, strings.TrimSpace(cur.String()))
	return pages, nil
}

// PowerPointParser extracts text from .pptx files, one segment per slide in
// slide order.
type PowerPointParser struct{}

var slideNameRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// Parse implements [parser.Parser].
func (p *PowerPointParser) Parse(_ context.Context, r io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	zr, err := openZip(r)
	if err != nil {
		return nil, fmt.Errorf("pptx: %w", err)
	}

	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		if m := slideNameRe.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slide{n: n, f: f})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	docs := make([]*schema.Document, 0, len(slides))
	for i, s := range slides {
		body, err := readEntry(s.f)
		if err != nil {
			return nil, fmt.Errorf("pptx: %w", err)
		}
		text, err := slideText(body)
		if err != nil {
			return nil, fmt.Errorf("pptx: decode %s: %w", s.f.Name, err)
		}
		docs = append(docs, segment(text, i+1, opts, nil))
	}
	return docs, nil
}

func slideText(body []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func openZip(r io.Reader) (*zip.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	return zr, nil
}

func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			return readEntry(f)
		}
	}
	return nil, fmt.Errorf("archive has no %s", name)
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}
