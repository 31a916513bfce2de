// Package pipeline wires the ingestion service, the document store, the
// parse service and the vector store into the end-to-end flows used by the
// CLI and the HTTP server.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
	"github.com/54b3r/docpipe-go/internal/parse"
	"github.com/54b3r/docpipe-go/internal/rag"
	"github.com/54b3r/docpipe-go/internal/store"
)

// Ingester builds a record from a file. *ingestion.Service satisfies it.
type Ingester interface {
	Ingest(ctx context.Context, path string) (*document.Record, error)
}

// Parser re-chunks a record. *parse.Service satisfies it.
type Parser interface {
	Parse(ctx context.Context, rec *document.Record) parse.Result
}

// VectorIndex stores chunk vectors. *rag.VectorStore satisfies it.
type VectorIndex interface {
	AddDocuments(ctx context.Context, recordID string, chunks []document.Chunk) error
	RemoveDocuments(ctx context.Context, ids []string) error
	Retrieve(ctx context.Context, query string, k int) ([]rag.Document, error)
}

// Config holds the collaborators of a Pipeline.
type Config struct {
	Ingester Ingester
	// Parser may be nil when only ingestion and search are needed.
	Parser Parser
	Store  store.DocumentStore
	Index  VectorIndex
	Logger *slog.Logger
	// Registerer receives the pipeline metrics. Nil selects a private
	// registry, so metrics are collected but not exported.
	Registerer prometheus.Registerer
}

// Pipeline runs the ingest, parse and search flows.
type Pipeline struct {
	ingester Ingester
	parser   Parser
	store    store.DocumentStore
	index    VectorIndex
	metrics  *pipelineMetrics
	log      *slog.Logger
	// parsing serialises parse runs per record id.
	parsing keyedMutex
}

// New validates cfg and constructs a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Ingester == nil {
		return nil, errors.New("pipeline: ingester must not be nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store must not be nil")
	}
	if cfg.Index == nil {
		return nil, errors.New("pipeline: vector index must not be nil")
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Pipeline{
		ingester: cfg.Ingester,
		parser:   cfg.Parser,
		store:    cfg.Store,
		index:    cfg.Index,
		metrics:  newPipelineMetrics(reg),
		log:      logging.OrDiscard(cfg.Logger),
	}, nil
}

// Store returns the document store the pipeline writes to.
func (p *Pipeline) Store() store.DocumentStore { return p.store }

// IngestFiles ingests, stores and indexes each path in order and returns the
// stored records. The first failure aborts the batch; records stored before
// it are kept.
func (p *Pipeline) IngestFiles(ctx context.Context, paths []string) ([]*document.Record, error) {
	out := make([]*document.Record, 0, len(paths))
	for _, path := range paths {
		rec, err := p.ingestOne(ctx, path)
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (p *Pipeline) ingestOne(ctx context.Context, path string) (*document.Record, error) {
	start := time.Now()
	defer func() { p.metrics.ingestDuration.Observe(time.Since(start).Seconds()) }()

	rec, err := p.ingester.Ingest(ctx, path)
	if err != nil {
		outcome := outcomeError
		if errors.Is(err, document.ErrInvalidInput) {
			outcome = outcomeInvalid
		}
		p.metrics.ingestTotal.WithLabelValues(outcome).Inc()
		return nil, err
	}
	if _, err := p.store.Insert(ctx, rec); err != nil {
		p.metrics.ingestTotal.WithLabelValues(outcomeError).Inc()
		return nil, fmt.Errorf("pipeline: store %s: %w", path, err)
	}
	if err := p.index.AddDocuments(ctx, rec.ID, rec.Chunks); err != nil {
		p.metrics.ingestTotal.WithLabelValues(outcomeError).Inc()
		err = fmt.Errorf("pipeline: index %s: %w", path, err)
		return nil, p.rollbackIngest(ctx, rec, err)
	}
	p.metrics.chunksIndexed.Add(float64(len(rec.Chunks)))
	p.metrics.ingestTotal.WithLabelValues(outcomeOK).Inc()

	p.log.Info("pipeline: file ingested",
		slog.String("path", path),
		slog.String("record_id", rec.ID),
		slog.Int("chunks", len(rec.Chunks)),
	)
	return rec, nil
}

// rollbackIngest removes whatever part of rec reached the index and its
// stored row, so a failed ingest leaves nothing behind and can be retried.
func (p *Pipeline) rollbackIngest(ctx context.Context, rec *document.Record, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	if err := p.index.RemoveDocuments(ctx, rec.ChunkIDs()); err != nil {
		errs = append(errs, err)
	}
	if _, err := p.store.Delete(ctx, rec.ID); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		p.log.Error("pipeline: ingest rollback incomplete",
			slog.String("record_id", rec.ID),
			slog.Any("error", errors.Join(errs...)),
		)
		return fmt.Errorf("%w: %w: rollback: %w", cause, document.ErrIndexConsistency, errors.Join(errs...))
	}
	return cause
}

// ParseDocument parses the stored record id and persists the outcome. On
// success the new chunks are indexed and the vectors of the replaced chunks
// removed. If indexing fails the previous record is restored, so the store
// and the index keep describing the same chunks. A parse failure is reported
// in the returned Result, not as an error; the error covers lookup, storage
// and indexing failures.
//
// Concurrent calls for the same id run one after the other.
func (p *Pipeline) ParseDocument(ctx context.Context, id string) (parse.Result, error) {
	res, _, err := p.parseRecord(ctx, id, false)
	return res, err
}

// parseRecord runs one parse under the per-id lock. With onlyUnparsed set
// a record whose status changed since it was listed is skipped and reported
// with ran == false.
func (p *Pipeline) parseRecord(ctx context.Context, id string, onlyUnparsed bool) (res parse.Result, ran bool, err error) {
	if p.parser == nil {
		return parse.Result{}, false, errors.New("pipeline: no parse backend configured")
	}
	unlock := p.parsing.lock(id)
	defer unlock()

	rec, err := p.store.Get(ctx, id)
	if err != nil {
		return parse.Result{}, false, err
	}
	if onlyUnparsed && rec.Metadata.ParsingStatus != document.StatusUnparsed {
		p.log.Debug("pipeline: record already parsed, skipping", slog.String("record_id", id))
		return parse.Result{}, false, nil
	}

	res = p.parser.Parse(ctx, rec)
	p.metrics.parseTotal.WithLabelValues(string(res.Record.Metadata.ParsingStatus)).Inc()

	ok, err := p.store.Update(ctx, id, res.Record)
	if err != nil {
		return res, true, fmt.Errorf("pipeline: persist parse result: %w", err)
	}
	if !ok {
		return res, true, fmt.Errorf("pipeline: record %s vanished during parse: %w", id, document.ErrNotFound)
	}
	if !res.OK() {
		return res, true, nil
	}
	return res, true, p.reindex(ctx, rec, res.Record)
}

// reindex swaps the vectors of prev for those of next. next is already
// stored; on failure prev is written back.
func (p *Pipeline) reindex(ctx context.Context, prev, next *document.Record) error {
	if err := p.index.AddDocuments(ctx, prev.ID, next.Chunks); err != nil {
		cause := fmt.Errorf("pipeline: index parsed chunks: %w", err)
		restoreCtx := context.WithoutCancel(ctx)
		var errs []error
		if err := p.index.RemoveDocuments(restoreCtx, next.ChunkIDs()); err != nil {
			errs = append(errs, err)
		}
		if _, err := p.store.Update(restoreCtx, prev.ID, prev); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			p.log.Error("pipeline: restore after failed reindex incomplete",
				slog.String("record_id", prev.ID),
				slog.Any("error", errors.Join(errs...)),
			)
			return fmt.Errorf("%w: %w: restore: %w", cause, document.ErrIndexConsistency, errors.Join(errs...))
		}
		p.log.Warn("pipeline: reindex failed, previous chunks restored",
			slog.String("record_id", prev.ID),
			slog.Any("error", err),
		)
		return cause
	}
	p.metrics.chunksIndexed.Add(float64(len(next.Chunks)))

	if err := p.index.RemoveDocuments(ctx, prev.ChunkIDs()); err != nil {
		return fmt.Errorf("pipeline: drop previous vectors of %s: %w: %w", prev.ID, document.ErrIndexConsistency, err)
	}
	return nil
}

// ParseUnparsed parses every record whose status is Unparsed and returns
// the results in store order. Records parsed by another caller after the
// listing are skipped. Storage and indexing errors abort the run.
func (p *Pipeline) ParseUnparsed(ctx context.Context) ([]parse.Result, error) {
	recs, err := p.store.List(ctx, document.StatusUnparsed)
	if err != nil {
		return nil, err
	}
	results := make([]parse.Result, 0, len(recs))
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, ran, err := p.parseRecord(ctx, rec.ID, true)
		if err != nil {
			return results, err
		}
		if ran {
			results = append(results, res)
		}
	}
	return results, nil
}

// Search returns the k chunks most similar to query.
func (p *Pipeline) Search(ctx context.Context, query string, k int) ([]rag.Document, error) {
	return p.index.Retrieve(ctx, query, k)
}
