package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/docpipe-go/internal/logging"
)

// requestIDHeader carries the request id in both directions.
const requestIDHeader = "X-Request-ID"

// requestLogger gives every request an id, reusing a well-formed incoming
// X-Request-ID, and echoes it in the response. The context logger carries
// the id, method and path. One line is logged per request on completion,
// including any fields handlers attached with annotate.
func requestLogger(base *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(requestIDHeader)
		if !validRequestID(reqID) {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)

		log := base.With(
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
		fields := &logFields{}
		ctx := logging.WithLogger(r.Context(), log)
		ctx = context.WithValue(ctx, logFieldsKey{}, fields)
		r = r.WithContext(ctx)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rw, r)

		attrs := append([]slog.Attr{
			slog.Int("status", rw.status),
			slog.Int("bytes", rw.bytes),
			slog.Duration("duration", time.Since(start)),
		}, fields.snapshot()...)
		log.LogAttrs(ctx, slog.LevelInfo, "request", attrs...)
	})
}

type logFieldsKey struct{}

// logFields collects per-request attributes for the completion line.
type logFields struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

func (f *logFields) snapshot() []slog.Attr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]slog.Attr(nil), f.attrs...)
}

// annotate adds attrs to the request's completion log line, e.g. the record
// id a handler worked on. It is a no-op outside requestLogger.
func annotate(r *http.Request, attrs ...slog.Attr) {
	f, ok := r.Context().Value(logFieldsKey{}).(*logFields)
	if !ok {
		return
	}
	f.mu.Lock()
	f.attrs = append(f.attrs, attrs...)
	f.mu.Unlock()
}

// validRequestID accepts caller ids of up to 64 characters from
// [A-Za-z0-9._-], so they are safe to log and echo.
func validRequestID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// responseWriter records the status code and body size written by the
// handler for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}
