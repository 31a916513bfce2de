// Package ingestion turns a file on disk into a document record: the file is
// validated, loaded into page segments, split into chunks and described by
// metadata. Persisting and indexing the record is the caller's job.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/loader"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// SegmentLoader extracts page-level segments from a file.
// *loader.Loader satisfies it.
type SegmentLoader interface {
	LoadFile(ctx context.Context, path string) ([]*schema.Document, error)
}

// ChunkSplitter splits segments into chunks. *splitter.Splitter satisfies it.
type ChunkSplitter interface {
	Split(ctx context.Context, segments []*schema.Document) ([]*schema.Document, error)
	Name() string
}

// Service builds records from files.
type Service struct {
	loader   SegmentLoader
	splitter ChunkSplitter
	log      *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service from its collaborators.
func NewService(l SegmentLoader, s ChunkSplitter, log *slog.Logger) (*Service, error) {
	if l == nil {
		return nil, errors.New("ingestion: loader must not be nil")
	}
	if s == nil {
		return nil, errors.New("ingestion: splitter must not be nil")
	}
	return &Service{loader: l, splitter: s, log: logging.OrDiscard(log), now: time.Now}, nil
}

// Ingest loads and splits the file at path and returns a new record with
// status Unparsed. Every chunk and the record get fresh ids. A missing or
// empty file, an unsupported extension, or a file with no extractable text
// fails with an error matching document.ErrInvalidInput.
func (s *Service) Ingest(ctx context.Context, path string) (*document.Record, error) {
	log := s.log.With(slog.String("path", path))
	log.Info("ingesting document")

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("ingestion: file %s does not exist: %w", path, document.ErrInvalidInput)
	case err != nil:
		return nil, fmt.Errorf("ingestion: stat %s: %w", path, err)
	case info.IsDir():
		return nil, fmt.Errorf("ingestion: %s is a directory: %w", path, document.ErrInvalidInput)
	case info.Size() == 0:
		return nil, fmt.Errorf("ingestion: file %s is empty: %w", path, document.ErrInvalidInput)
	}

	loaderName, err := loader.Name(path)
	if err != nil {
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	segments, err := s.loader.LoadFile(ctx, path)
	if err != nil {
		log.Error("ingestion: load failed", slog.Any("error", err))
		return nil, fmt.Errorf("ingestion: %w", err)
	}
	parts, err := s.splitter.Split(ctx, segments)
	if err != nil {
		log.Error("ingestion: split failed", slog.Any("error", err))
		return nil, fmt.Errorf("ingestion: %w", err)
	}

	chunks := document.ChunksFromSchema(parts)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("ingestion: no text extracted from %s: %w", path, document.ErrInvalidInput)
	}

	rec := &document.Record{
		ID:     document.NewID(),
		Chunks: chunks,
		Metadata: document.Metadata{
			Filename:      filepath.Base(path),
			Type:          strings.ToLower(filepath.Ext(path)),
			PageNumber:    document.CountPages(chunks),
			ChunkNumber:   len(chunks),
			Enabled:       false,
			ParsingStatus: document.StatusUnparsed,
			Size:          document.HumanSize(info.Size()),
			Loader:        loaderName,
			Splitter:      s.splitter.Name(),
			UploadedAt:    document.Timestamp(s.now()),
			FilePath:      path,
		},
	}

	log.Info("document ingested",
		slog.String("record_id", rec.ID),
		slog.Int("chunks", rec.Metadata.ChunkNumber),
		slog.Int("pages", rec.Metadata.PageNumber),
		slog.String("size", rec.Metadata.Size),
	)
	return rec, nil
}
