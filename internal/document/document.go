// Package document defines the composite record persisted by the document
// store: an ingested file's ordered chunks plus its descriptive metadata.
// The JSON shape of these types is the on-disk format of the store, so field
// tags must stay stable across releases.
package document

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
)

// ParsingStatus tracks whether the deep-parse pass has run for a record.
type ParsingStatus string

const (
	// StatusUnparsed is assigned at ingestion time.
	StatusUnparsed ParsingStatus = "Unparsed"
	// StatusSuccess is assigned when a parse attempt produced chunks.
	StatusSuccess ParsingStatus = "Success"
	// StatusFailed is assigned when a parse attempt failed for any reason.
	StatusFailed ParsingStatus = "Failed"
)

// Valid reports whether s is one of the known statuses.
func (s ParsingStatus) Valid() bool {
	switch s {
	case StatusUnparsed, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// Chunk metadata keys written by loaders, splitters and parse backends.
const (
	MetaSource   = "source"
	MetaPage     = "page"
	MetaHeadings = "headings"
	MetaSheet    = "sheet"
	MetaTitle    = "title"
	MetaRecordID = "record_id"
)

// Chunk is a bounded span of text extracted from a source document. It is the
// unit of storage and embedding.
type Chunk struct {
	// ID is a random UUID assigned when the chunk is produced.
	ID string `json:"id" validate:"required"`
	// Text is the chunk content.
	Text string `json:"page_content"`
	// Metadata carries source information (file path, page, headings).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UnmarshalJSON restores the Go types the pipeline writes for the page and
// headings keys, which encoding/json would otherwise decode as float64 and
// []any. Other metadata values are left as decoded.
func (c *Chunk) UnmarshalJSON(data []byte) error {
	type plain Chunk
	var in plain
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if f, ok := in.Metadata[MetaPage].(float64); ok && f == math.Trunc(f) {
		in.Metadata[MetaPage] = int(f)
	}
	if raw, ok := in.Metadata[MetaHeadings].([]any); ok {
		hs := make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				hs = nil
				break
			}
			hs = append(hs, s)
		}
		if hs != nil {
			in.Metadata[MetaHeadings] = hs
		}
	}
	*c = Chunk(in)
	return nil
}

// Page returns the 1-based source page of the chunk, or 0 when unknown.
func (c Chunk) Page() int {
	switch v := c.Metadata[MetaPage].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// Metadata describes the source file and the processing applied to it.
type Metadata struct {
	Filename      string        `json:"filename" validate:"required"`
	Type          string        `json:"type"`
	PageNumber    int           `json:"page_number" validate:"gte=0"`
	ChunkNumber   int           `json:"chunk_number" validate:"gte=0"`
	Enabled       bool          `json:"enabled"`
	ParsingStatus ParsingStatus `json:"parsing_status" validate:"oneof=Unparsed Success Failed"`
	Size          string        `json:"size"`
	Loader        string        `json:"loader"`
	Parser        string        `json:"parser"`
	Splitter      string        `json:"splitter"`
	UploadedAt    string        `json:"uploadedAt"`
	FilePath      string        `json:"file_path" validate:"required"`
	ParsedAt      string        `json:"parsed_at"`
}

// Placeholders written for unset parser / splitter names.
const (
	noParser   = "no parser"
	noSplitter = "no splitter"
)

// MarshalJSON fills the parser and splitter placeholders so readers of the
// stored payload never see empty names.
func (m Metadata) MarshalJSON() ([]byte, error) {
	type plain Metadata
	out := plain(m)
	if out.Parser == "" {
		out.Parser = noParser
	}
	if out.Splitter == "" {
		out.Splitter = noSplitter
	}
	return json.Marshal(out)
}

// UnmarshalJSON reverses the placeholders applied by MarshalJSON.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	type plain Metadata
	var in plain
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Parser == noParser {
		in.Parser = ""
	}
	if in.Splitter == noSplitter {
		in.Splitter = ""
	}
	*m = Metadata(in)
	return nil
}

// Record is the composite document persisted by the store.
type Record struct {
	// ID is immutable after creation.
	ID string `json:"id" validate:"required"`
	// Chunks are ordered by source position.
	Chunks []Chunk `json:"documents" validate:"dive"`
	// Metadata describes the file and its processing state.
	Metadata Metadata `json:"metadata"`
}

// NewID returns a fresh random identifier for records and chunks.
func NewID() string {
	return uuid.New().String()
}

// Clone returns a deep copy of r. Chunk metadata maps are copied one level
// deep, which covers every value the pipeline writes.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{ID: r.ID, Metadata: r.Metadata}
	if r.Chunks != nil {
		out.Chunks = make([]Chunk, len(r.Chunks))
		for i, c := range r.Chunks {
			out.Chunks[i] = Chunk{ID: c.ID, Text: c.Text, Metadata: cloneMeta(c.Metadata)}
		}
	}
	return out
}

// ChunkIDs returns the ids of r's chunks in order.
func (r *Record) ChunkIDs() []string {
	ids := make([]string, len(r.Chunks))
	for i, c := range r.Chunks {
		ids[i] = c.ID
	}
	return ids
}

// CountPages returns the number of distinct source pages among chunks.
// Chunks without page information count as a single page.
func CountPages(chunks []Chunk) int {
	seen := make(map[int]struct{}, len(chunks))
	for _, c := range chunks {
		seen[c.Page()] = struct{}{}
	}
	return len(seen)
}

// ChunksFromSchema converts eino documents into chunks, assigning each a
// fresh id. Any id already present on the input is discarded.
func ChunksFromSchema(docs []*schema.Document) []Chunk {
	chunks := make([]Chunk, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:       NewID(),
			Text:     d.Content,
			Metadata: cloneMeta(d.MetaData),
		})
	}
	return chunks
}

// Timestamp formats t the way metadata timestamps are stored.
func Timestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// HumanSize renders a byte count in mebibytes with two decimals, e.g. "2.00 MB".
func HumanSize(bytes int64) string {
	return fmt.Sprintf("%.2f MB", float64(bytes)/(1024*1024))
}

func cloneMeta(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if ss, ok := v.([]string); ok {
			v = append([]string(nil), ss...)
		}
		out[k] = v
	}
	return out
}
