// Package server implements the HTTP API over the document pipeline. It is
// started by the `docpipe serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
	"github.com/54b3r/docpipe-go/internal/pipeline"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request-level failures outside the document error taxonomy.
var (
	errUnauthorized = errors.New("unauthorized")
	errRateLimited  = errors.New("rate limit exceeded")
)

// New constructs a Server from the provided pipeline and config.
func New(p *pipeline.Pipeline, cfg *Config) (*Server, error) {
	if p == nil {
		return nil, fmt.Errorf("server: pipeline must not be nil")
	}
	return newServer(p, cfg), nil
}

func newServer(p documentPipeline, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	if cfg.IngestRoot == "" {
		cfg.IngestRoot = "."
	}
	if abs, err := filepath.Abs(cfg.IngestRoot); err == nil {
		cfg.IngestRoot = abs
	}
	if cfg.MetricsRegistry == nil {
		cfg.MetricsRegistry = prometheus.DefaultRegisterer
	}
	if cfg.MetricsGatherer == nil {
		cfg.MetricsGatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	s := &Server{
		pipeline: p,
		cfg:      cfg,
		log:      log,
		pingers:  cfg.Pingers,
		metrics:  newServerMetrics(cfg.MetricsRegistry),
	}

	rl, stop := newRateLimiter(cfg.RateLimit, cfg.RateBurst)
	s.limiter, s.stopRL = rl, stop
	limited := func(h http.HandlerFunc) http.Handler { return s.rateLimited(h) }

	api := http.NewServeMux()
	api.Handle("POST /api/documents", s.instrument("ingest", limited(s.handleIngest)))
	api.Handle("GET /api/documents", s.instrument("list", http.HandlerFunc(s.handleList)))
	api.Handle("GET /api/documents/{id}", s.instrument("get", http.HandlerFunc(s.handleGet)))
	api.Handle("POST /api/documents/{id}/parse", s.instrument("parse", limited(s.handleParse)))
	api.Handle("POST /api/search", s.instrument("search", limited(s.handleSearch)))

	root := http.NewServeMux()
	root.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	root.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	root.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))
	root.Handle("/api/", s.requireAPIKey(api))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, root),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	if s.cfg.APIKey == "" {
		s.log.Warn("server: DOCPIPE_API_KEY is not set, API authentication is disabled")
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening",
			slog.String("addr", "http://"+s.httpServer.Addr),
			slog.String("ingest_root", s.cfg.IngestRoot),
			slog.Float64("rate_limit", s.cfg.RateLimit),
			slog.Int("rate_burst", s.cfg.RateBurst),
		)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		s.log.Info("server: stopped")
		return nil
	}
}

// handleIngest handles POST /api/documents. The path must name a file under
// the configured ingest root. The file is loaded, split, stored and indexed
// before the response is written.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	path, err := confinePath(s.cfg.IngestRoot, req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	recs, err := s.pipeline.IngestFiles(r.Context(), []string{path})
	if err != nil {
		writeError(w, r, err)
		return
	}
	annotate(r, slog.String("record_id", recs[0].ID), slog.Int("chunks", len(recs[0].Chunks)))
	writeJSON(w, r, http.StatusCreated, recs[0])
}

// handleList handles GET /api/documents with an optional ?status= filter.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := document.ParsingStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, r, fmt.Errorf("unknown status %q: %w", status, document.ErrInvalidInput))
		return
	}
	recs, err := s.pipeline.Store().List(r.Context(), status)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*document.Record{}
	}
	annotate(r, slog.String("status", string(status)), slog.Int("records", len(recs)))
	writeJSON(w, r, http.StatusOK, listResponse{Records: recs})
}

// handleGet handles GET /api/documents/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	annotate(r, slog.String("record_id", id))
	rec, err := s.pipeline.Store().Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// handleParse handles POST /api/documents/{id}/parse. A failed parse is
// still a 200: the record is persisted with status Failed and the cause is
// returned in the error field.
func (s *Server) handleParse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	annotate(r, slog.String("record_id", id))
	res, err := s.pipeline.ParseDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Record != nil {
		annotate(r, slog.String("parsing_status", string(res.Record.Metadata.ParsingStatus)))
	}
	resp := parseResponse{Record: res.Record}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleSearch handles POST /api/search.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	docs, err := s.pipeline.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		writeError(w, r, err)
		return
	}
	annotate(r, slog.Int("top_k", req.TopK), slog.Int("hits", len(docs)))
	resp := searchResponse{Results: make([]searchHit, 0, len(docs))}
	for _, d := range docs {
		resp.Results = append(resp.Results, searchHit{
			ChunkID:  d.ID,
			RecordID: d.RecordID,
			Source:   d.Source,
			Page:     d.Page,
			Content:  d.Content,
			Score:    d.Score,
		})
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// decodeJSON reads and validates a JSON body into dst. On failure it writes
// a 400 response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("invalid request body: %w", document.ErrInvalidInput))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", document.ErrInvalidInput, err))
		return false
	}
	return true
}

// statusFor maps the pipeline error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, document.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, document.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.Any("error", err))
	} else {
		log.Warn("request rejected", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}
