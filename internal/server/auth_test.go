package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestRequireAPIKey_Disabled verifies that the document routes are open when
// no API key is configured.
func TestRequireAPIKey_Disabled(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	if w := do(t, s, http.MethodGet, "/api/documents", ""); w.Code != http.StatusOK {
		t.Errorf("expected 200 when auth disabled, got %d", w.Code)
	}
}

// TestRequireAPIKey verifies the Bearer check, the challenge header and that
// rejections use the JSON error body of every other API failure.
func TestRequireAPIKey(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		header    string
		wantCode  int
		challenge string
	}{
		{"missing header", "", http.StatusUnauthorized, challengeMissing},
		{"wrong token", "Bearer wrong-token", http.StatusUnauthorized, challengeInvalid},
		{"basic auth", "Basic dXNlcjpwYXNz", http.StatusUnauthorized, challengeMissing},
		{"correct token", "Bearer secret", http.StatusOK, ""},
		{"lowercase scheme", "bearer secret", http.StatusOK, ""},
	}

	s, _ := newTestServerWith(t, &fakePipeline{}, &Config{APIKey: "secret"})
	rejected := 0
	for _, tc := range cases {
		var hdr []string
		if tc.header != "" {
			hdr = []string{"Authorization", tc.header}
		}
		w := do(t, s, http.MethodGet, "/api/documents", "", hdr...)
		if w.Code != tc.wantCode {
			t.Errorf("%s: expected %d, got %d", tc.name, tc.wantCode, w.Code)
			continue
		}
		if tc.wantCode != http.StatusUnauthorized {
			continue
		}
		rejected++

		if got := w.Header().Get("WWW-Authenticate"); got != tc.challenge {
			t.Errorf("%s: challenge: expected %q, got %q", tc.name, tc.challenge, got)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s: Content-Type: expected application/json, got %q", tc.name, ct)
		}
		var body errorResponse
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if !strings.HasPrefix(body.Error, "unauthorized") {
			t.Errorf("%s: error: got %q", tc.name, body.Error)
		}
		if strings.Contains(body.Error, "wrong-token") {
			t.Errorf("%s: presented token echoed in response", tc.name)
		}
	}

	if got := testutil.ToFloat64(s.metrics.httpRejectedTotal.WithLabelValues(rejectUnauthorized)); got != float64(rejected) {
		t.Errorf("rejected counter: expected %d, got %v", rejected, got)
	}
}

// TestRequireAPIKey_ParseRouteProtected verifies that the parse trigger sits
// behind the key like the other document routes.
func TestRequireAPIKey_ParseRouteProtected(t *testing.T) {
	t.Parallel()

	s, _ := newTestServerWith(t, &fakePipeline{}, &Config{APIKey: "secret"})
	w := do(t, s, http.MethodPost, "/api/documents/abc/parse", "")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

// TestBearerToken verifies the bearerToken extraction helper.
func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"Bearer mytoken", "mytoken"},
		{"bearer mytoken", "mytoken"},
		{"BEARER mytoken", "mytoken"},
		{"Bearer  spaced ", "spaced"},
		{"Basic dXNlcjpwYXNz", ""},
		{"", ""},
		{"Bearer", ""},
		{"token only", ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("header=%q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}
