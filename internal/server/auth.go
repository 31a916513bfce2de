package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// Bearer challenges sent with 401 responses.
const (
	challengeMissing = `Bearer realm="docpipe"`
	challengeInvalid = `Bearer realm="docpipe", error="invalid_token"`
)

// requireAPIKey guards the document and search routes with
//
//	Authorization: Bearer <DOCPIPE_API_KEY>
//
// When no key is configured the routes are open; Start warns about it once.
// Rejections use the errorResponse body of every other API failure and are
// counted in docpipe_http_rejected_total. The presented token is never logged.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	key := []byte(s.cfg.APIKey)
	if len(key) == 0 {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		switch {
		case token == "":
			s.rejectUnauthorized(w, r, challengeMissing, "missing bearer token")
		case subtle.ConstantTimeCompare([]byte(token), key) != 1:
			s.rejectUnauthorized(w, r, challengeInvalid, "invalid token")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (s *Server) rejectUnauthorized(w http.ResponseWriter, r *http.Request, challenge, reason string) {
	s.metrics.httpRejectedTotal.WithLabelValues(rejectUnauthorized).Inc()
	w.Header().Set("WWW-Authenticate", challenge)
	writeError(w, r, fmt.Errorf("%w: %s", errUnauthorized, reason))
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
