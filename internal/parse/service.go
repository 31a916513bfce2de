// Package parse re-chunks a stored record with a structure-aware backend.
// The outcome is returned as a Result value; parse failures are data, not
// panics or mutated inputs.
package parse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// Backend names accepted by PARSE_BACKEND.
const (
	BackendHybrid = "hybrid"
	BackendLLM    = "llm"
)

// Backend turns the page segments of a file into chunks. path is the source
// file; backends that understand its native structure may re-read it.
type Backend interface {
	Name() string
	Chunk(ctx context.Context, path string, segments []*schema.Document) ([]*schema.Document, error)
}

// SegmentLoader extracts page-level segments from a file.
type SegmentLoader interface {
	LoadFile(ctx context.Context, path string) ([]*schema.Document, error)
}

// Result is the outcome of parsing one record. Record is never nil: on
// success it carries the new chunks, on failure it is a copy of the input
// with status Failed.
type Result struct {
	Record *document.Record
	// Err is non-nil on failure and matches document.ErrParse.
	Err error
}

// OK reports whether the parse succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Service runs a Backend over stored records.
type Service struct {
	loader  SegmentLoader
	backend Backend
	log     *slog.Logger
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(l SegmentLoader, b Backend, log *slog.Logger) (*Service, error) {
	if l == nil {
		return nil, errors.New("parse: loader must not be nil")
	}
	if b == nil {
		return nil, errors.New("parse: backend must not be nil")
	}
	return &Service{loader: l, backend: b, log: logging.OrDiscard(log), now: time.Now}, nil
}

// BackendName returns the parser name recorded on success.
func (s *Service) BackendName() string { return s.backend.Name() }

// Parse re-chunks the file referenced by rec. rec itself is not modified.
func (s *Service) Parse(ctx context.Context, rec *document.Record) Result {
	if rec == nil {
		return Result{Record: &document.Record{Metadata: document.Metadata{ParsingStatus: document.StatusFailed}},
			Err: fmt.Errorf("%w: nil record", document.ErrParse)}
	}
	log := s.log.With(slog.String("record_id", rec.ID), slog.String("parser", s.backend.Name()))

	chunks, err := s.chunk(ctx, rec.Metadata.FilePath)
	if err != nil {
		log.Warn("parse failed", slog.Any("error", err))
		failed := rec.Clone()
		failed.Metadata.ParsingStatus = document.StatusFailed
		return Result{Record: failed, Err: fmt.Errorf("parse: %s: %w: %w", rec.Metadata.FilePath, document.ErrParse, err)}
	}

	out := rec.Clone()
	out.Chunks = chunks
	out.Metadata.ParsingStatus = document.StatusSuccess
	out.Metadata.Parser = s.backend.Name()
	out.Metadata.ParsedAt = document.Timestamp(s.now())
	out.Metadata.ChunkNumber = len(chunks)
	out.Metadata.PageNumber = document.CountPages(chunks)

	log.Info("document parsed", slog.Int("chunks", len(chunks)))
	return Result{Record: out}
}

func (s *Service) chunk(ctx context.Context, path string) ([]document.Chunk, error) {
	if path == "" {
		return nil, errors.New("record has no file path")
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("file %s does not exist", path)
	}
	segments, err := s.loader.LoadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	docs, err := s.backend.Chunk(ctx, path, segments)
	if err != nil {
		return nil, err
	}
	chunks := document.ChunksFromSchema(docs)
	if len(chunks) == 0 {
		return nil, errors.New("backend produced no chunks")
	}
	return chunks, nil
}
