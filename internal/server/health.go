package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/54b3r/docpipe-go/internal/logging"
	"github.com/54b3r/docpipe-go/internal/version"
)

// checkTimeout bounds each dependency check of GET /api/ready.
const checkTimeout = 5 * time.Second

// Pinger is a dependency that can report its own reachability. Ping returns
// nil when healthy. Implementations must be safe for concurrent use.
type Pinger interface {
	Ping(ctx context.Context) error
	// Name labels the dependency in readiness responses and in the
	// docpipe_dependency_up gauge, e.g. "store" or "qdrant".
	Name() string
}

// healthResponse is the JSON body returned by GET /api/health.
type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type readyCheck struct {
	Name      string `json:"name"`
	OK        bool   `json:"ok"`
	LatencyMS int64  `json:"latency_ms"`
	// Error is empty on success.
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Ready is true only when every check passed.
	Ready  bool         `json:"ready"`
	Checks []readyCheck `json:"checks"`
}

// handleHealth handles GET /api/health. It answers as long as the process
// serves HTTP and never touches the store, embedder or index.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, healthResponse{Status: "ok", Version: version.Version})
}

// handleReady handles GET /api/ready. All pingers are checked concurrently
// and reported in registration order; any failure makes the response 503.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make([]readyCheck, len(s.pingers))

	var g errgroup.Group
	for i, p := range s.pingers {
		g.Go(func() error {
			checks[i] = s.check(r.Context(), p)
			return nil
		})
	}
	_ = g.Wait()

	resp := readyResponse{Ready: true, Checks: checks}
	for _, c := range checks {
		if !c.OK {
			resp.Ready = false
		}
	}

	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// check pings p and records the outcome in docpipe_dependency_up.
func (s *Server) check(ctx context.Context, p Pinger) readyCheck {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(ctx)
	c := readyCheck{Name: p.Name(), OK: err == nil, LatencyMS: time.Since(start).Milliseconds()}

	up := 1.0
	if err != nil {
		up = 0
		c.Error = err.Error()
		logging.FromContext(ctx).Warn("readiness probe failed",
			slog.String("dependency", c.Name),
			slog.Any("error", err),
		)
	}
	s.metrics.dependencyUp.WithLabelValues(c.Name).Set(up)
	return c
}
