package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/parse"
	"github.com/54b3r/docpipe-go/internal/rag"
	"github.com/54b3r/docpipe-go/internal/store"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. Ingest
	// and parse requests run synchronously, so keep it generous.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate per client IP on the ingest,
	// parse and search routes (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// IngestRoot confines the paths accepted by POST /api/documents. Relative
	// request paths resolve against it. Defaults to the working directory.
	IngestRoot string
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives the HTTP metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer is served on GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
}

// documentPipeline is the subset of *pipeline.Pipeline the handlers call.
// Tests inject a fake.
type documentPipeline interface {
	IngestFiles(ctx context.Context, paths []string) ([]*document.Record, error)
	ParseDocument(ctx context.Context, id string) (parse.Result, error)
	Search(ctx context.Context, query string, k int) ([]rag.Document, error)
	Store() store.DocumentStore
}

// Server is the HTTP front end of the document pipeline.
type Server struct {
	// pipeline runs ingest, parse and search.
	pipeline documentPipeline
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus collectors for HTTP traffic.
	metrics *serverMetrics
	// limiter holds the per-client buckets of the write routes.
	limiter *rateLimiter
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// ingestRequest is the JSON body for POST /api/documents.
type ingestRequest struct {
	// Path is a file under the server's ingest root.
	Path string `json:"path" validate:"required"`
}

// searchRequest is the JSON body for POST /api/search.
type searchRequest struct {
	Query string `json:"query" validate:"required"`
	// TopK defaults to 5 when zero.
	TopK int `json:"top_k" validate:"gte=0,lte=100"`
}

// searchHit is one entry of a searchResponse.
type searchHit struct {
	ChunkID  string  `json:"chunk_id"`
	RecordID string  `json:"record_id"`
	Source   string  `json:"source"`
	Page     int     `json:"page,omitempty"`
	Content  string  `json:"content"`
	Score    float32 `json:"score"`
}

// searchResponse is the JSON response for POST /api/search.
type searchResponse struct {
	Results []searchHit `json:"results"`
}

// listResponse is the JSON response for GET /api/documents.
type listResponse struct {
	Records []*document.Record `json:"records"`
}

// parseResponse is the JSON response for POST /api/documents/{id}/parse.
type parseResponse struct {
	Record *document.Record `json:"record"`
	// Error is the parse failure, empty on success.
	Error string `json:"error,omitempty"`
}

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
}
