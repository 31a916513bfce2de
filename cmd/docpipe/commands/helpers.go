package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docpipe-go/internal/config"
	"github.com/54b3r/docpipe-go/internal/embedder"
	"github.com/54b3r/docpipe-go/internal/ingestion"
	"github.com/54b3r/docpipe-go/internal/loader"
	"github.com/54b3r/docpipe-go/internal/parse"
	"github.com/54b3r/docpipe-go/internal/pipeline"
	"github.com/54b3r/docpipe-go/internal/rag"
	"github.com/54b3r/docpipe-go/internal/splitter"
	"github.com/54b3r/docpipe-go/internal/store"
	"github.com/54b3r/docpipe-go/internal/tracing"
)

// appOptions selects the optional parts of an app.
type appOptions struct {
	// parse builds the parse backend (and Langfuse tracing for the llm backend).
	parse bool
	// registerer receives pipeline metrics; nil keeps them private.
	registerer prometheus.Registerer
}

// app bundles the components built for one command invocation.
type app struct {
	store    *store.SQLiteStore
	vectors  *rag.VectorStore
	embedder embedder.Embedder
	backend  string
	pipeline *pipeline.Pipeline
	closers  []func() error
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// openStore opens the document store at DOCPIPE_DB.
func openStore(log *slog.Logger) (*store.SQLiteStore, error) {
	path := config.EnvOr("DOCPIPE_DB", store.DefaultDBPath)
	st, err := store.Open(path, log)
	if err != nil {
		return nil, fmt.Errorf("open document store %s: %w", path, err)
	}
	return st, nil
}

// openVectors builds the embedder and initialises the configured vector
// index, verifying the persisted dimension against the embedder.
func openVectors(ctx context.Context, log *slog.Logger) (*rag.VectorStore, embedder.Embedder, string, error) {
	if err := embedder.Preflight(log); err != nil {
		return nil, nil, "", err
	}
	emb, err := embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("initialise embedder: %w", err)
	}
	opener, backend, err := rag.OpenerFromEnv(emb.Name(), log)
	if err != nil {
		return nil, nil, "", err
	}
	vs, err := rag.Initialize(ctx, emb, opener, log)
	if err != nil {
		return nil, nil, "", fmt.Errorf("initialise %s vector store: %w", backend, err)
	}
	log.Info("vector store ready",
		slog.String("backend", backend),
		slog.String("embedder", emb.Name()),
		slog.Int("dimension", vs.Dimension()),
	)
	return vs, emb, backend, nil
}

// openApp wires store, vector store, ingestion and (optionally) parsing into
// a pipeline. The caller must Close the returned app.
func openApp(ctx context.Context, log *slog.Logger, opts appOptions) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	vs, emb, backend, err := openVectors(ctx, log)
	if err != nil {
		return nil, err
	}
	a.vectors, a.embedder, a.backend = vs, emb, backend
	a.closers = append(a.closers, vs.Close)

	st, err := openStore(log)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	ld := loader.New(log)
	sp, err := splitter.New(splitter.ConfigFromEnv(emb), log)
	if err != nil {
		return nil, err
	}
	ing, err := ingestion.NewService(ld, sp, log)
	if err != nil {
		return nil, err
	}

	cfg := pipeline.Config{
		Ingester:   ing,
		Store:      st,
		Index:      vs,
		Logger:     log,
		Registerer: opts.registerer,
	}
	if opts.parse {
		flush, _ := tracing.Setup(log)
		a.closers = append(a.closers, func() error { flush(); return nil })

		pb, err := parse.BackendFromEnv(ctx, log)
		if err != nil {
			return nil, err
		}
		ps, err := parse.NewService(ld, pb, log)
		if err != nil {
			return nil, err
		}
		cfg.Parser = ps
		log.Info("parse backend ready", slog.String("backend", ps.BackendName()))
	}

	p, err := pipeline.New(cfg)
	if err != nil {
		return nil, err
	}
	a.pipeline = p
	return a, nil
}
