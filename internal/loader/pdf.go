package loader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDFParser extracts one segment per page. pdfcpu decodes each page's
// content stream to a file; the text-showing operators are then read back
// out of it.
type PDFParser struct {
	log *slog.Logger
}

var contentPageRe = regexp.MustCompile(`page_(\d+)`)

// Parse implements [parser.Parser].
func (p *PDFParser) Parse(ctx context.Context, r io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	workDir, err := os.MkdirTemp("", "docpipe-pdf-*")
	if err != nil {
		return nil, fmt.Errorf("pdf: temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inFile := filepath.Join(workDir, "in.pdf")
	if err := writeFile(inFile, r); err != nil {
		return nil, fmt.Errorf("pdf: stage input: %w", err)
	}

	pdfCtx, err := api.ReadContextFile(inFile)
	if err != nil {
		return nil, fmt.Errorf("pdf: read context: %w", err)
	}

	outDir := filepath.Join(workDir, "content")
	if err := os.MkdirAll(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("pdf: content dir: %w", err)
	}
	if err := api.ExtractContentFile(inFile, outDir, nil, model.NewDefaultConfiguration()); err != nil {
		return nil, fmt.Errorf("pdf: extract content: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("pdf: list content: %w", err)
	}
	pageText := make(map[int]string, len(entries))
	maxPage := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := contentPageRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		raw, err := os.ReadFile(filepath.Join(outDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("pdf: read %s: %w", e.Name(), err)
		}
		pageText[n] += ContentText(raw)
		maxPage = max(maxPage, n)
	}

	pages := max(pdfCtx.PageCount, maxPage)
	if p.log != nil {
		p.log.Debug("pdf: extracted content streams",
			slog.Int("pages", pages),
			slog.Int("streams", len(entries)),
		)
	}

	docs := make([]*schema.Document, 0, pages)
	for n := 1; n <= pages; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		docs = append(docs, segment(strings.TrimSpace(pageText[n]), n, opts, nil))
	}
	return docs, nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ContentText returns the text drawn by a decoded PDF content stream. It
// honours the Tj, TJ, ' and " operators and turns line moves into newlines.
// Only literal and hex strings in simple (single-byte) encodings are
// decoded; glyph ids of composite fonts come through as raw bytes.
func ContentText(stream []byte) string {
	var (
		out      strings.Builder
		operands []string
		inArray  bool
		arrayBuf strings.Builder
	)
	newline := func() {
		s := out.String()
		if len(s) > 0 && !strings.HasSuffix(s, "\n") {
			out.WriteByte('\n')
		}
	}

	for i := 0; i < len(stream); {
		c := stream[i]
		switch {
		case c == '(':
			s, next := readLiteral(stream, i)
			if inArray {
				arrayBuf.WriteString(s)
			} else {
				operands = append(operands, s)
			}
			i = next
		case c == '<' && i+1 < len(stream) && stream[i+1] != '<':
			s, next := readHex(stream, i)
			if inArray {
				arrayBuf.WriteString(s)
			} else {
				operands = append(operands, s)
			}
			i = next
		case c == '[':
			inArray = true
			arrayBuf.Reset()
			i++
		case c == ']':
			inArray = false
			operands = append(operands, arrayBuf.String())
			i++
		case c == '%':
			for i < len(stream) && stream[i] != '\n' && stream[i] != '\r' {
				i++
			}
		case isDelim(c) || isSpace(c):
			i++
		default:
			j := i
			for j < len(stream) && !isDelim(stream[j]) && !isSpace(stream[j]) {
				j++
			}
			tok := string(stream[i:j])
			i = j
			if inArray {
				// Large negative kerning inside TJ arrays marks a word gap.
				if f, err := strconv.ParseFloat(tok, 64); err == nil && f < -200 {
					arrayBuf.WriteByte(' ')
				}
				continue
			}
			if _, err := strconv.ParseFloat(tok, 64); err == nil || strings.HasPrefix(tok, "/") {
				continue
			}
			switch tok {
			case "Tj", "TJ":
				if len(operands) > 0 {
					out.WriteString(operands[len(operands)-1])
				}
			case "'", "\"":
				newline()
				if len(operands) > 0 {
					out.WriteString(operands[len(operands)-1])
				}
			case "Td", "TD", "T*", "Tm":
				newline()
			case "ET":
				newline()
			}
			operands = operands[:0]
		}
	}
	return out.String()
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t' || c == '\f' || c == 0
}

func isDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

// readLiteral decodes a balanced-parenthesis string starting at src[i].
func readLiteral(src []byte, i int) (string, int) {
	var b strings.Builder
	depth := 0
	for i < len(src) {
		c := src[i]
		switch c {
		case '(':
			if depth > 0 {
				b.WriteByte(c)
			}
			depth++
			i++
		case ')':
			depth--
			i++
			if depth == 0 {
				return b.String(), i
			}
			b.WriteByte(c)
		case '\\':
			i++
			if i >= len(src) {
				return b.String(), i
			}
			e := src[i]
			switch e {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case '\r', '\n':
				// line continuation
			default:
				if e >= '0' && e <= '7' {
					n, j := 0, 0
					for j < 3 && i < len(src) && src[i] >= '0' && src[i] <= '7' {
						n = n*8 + int(src[i]-'0')
						i++
						j++
					}
					b.WriteRune(rune(byte(n)))
					continue
				}
				b.WriteByte(e)
			}
			i++
		default:
			b.WriteRune(rune(c))
			i++
		}
	}
	return b.String(), i
}

// readHex decodes a <...> hex string starting at src[i].
func readHex(src []byte, i int) (string, int) {
	i++
	var digits []byte
	for i < len(src) && src[i] != '>' {
		if !isSpace(src[i]) {
			digits = append(digits, src[i])
		}
		i++
	}
	if i < len(src) {
		i++
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	var b strings.Builder
	for j := 0; j+1 < len(digits); j += 2 {
		v, err := strconv.ParseUint(string(digits[j:j+2]), 16, 8)
		if err != nil {
			continue
		}
		if v >= 0x20 || v == '\n' || v == '\t' {
			b.WriteRune(rune(byte(v)))
		}
	}
	return b.String(), i
}
