package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/parse"
	"github.com/54b3r/docpipe-go/internal/rag"
)

// ingestRoot creates a temporary ingest root holding the named files and
// returns its real path.
func ingestRoot(t *testing.T, names ...string) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	for _, n := range names {
		p := filepath.Join(root, n)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(p, []byte("hello"), 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
	return root
}

func TestHandleIngest_Created(t *testing.T) {
	t.Parallel()

	root := ingestRoot(t, "a.txt", "sub/b.md")
	cases := []struct {
		name string
		path string
		want string
	}{
		{"relative", "a.txt", filepath.Join(root, "a.txt")},
		{"nested", "sub/b.md", filepath.Join(root, "sub", "b.md")},
		{"absolute inside root", filepath.Join(root, "a.txt"), filepath.Join(root, "a.txt")},
		{"dot segments inside root", "sub/../a.txt", filepath.Join(root, "a.txt")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fp := &fakePipeline{}
			s, _ := newTestServerWith(t, fp, &Config{IngestRoot: root})

			body, _ := json.Marshal(ingestRequest{Path: tc.path})
			w := do(t, s, http.MethodPost, "/api/documents", string(body))
			if w.Code != http.StatusCreated {
				t.Fatalf("expected 201, got %d body: %s", w.Code, w.Body.String())
			}
			var rec document.Record
			if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if rec.ID == "" || rec.Metadata.FilePath != tc.want {
				t.Errorf("unexpected record: %+v", rec)
			}
			if len(fp.lastPaths) != 1 || fp.lastPaths[0] != tc.want {
				t.Errorf("pipeline called with %v, want [%s]", fp.lastPaths, tc.want)
			}
		})
	}
}

func TestHandleIngest_ConfinedToRoot(t *testing.T) {
	t.Parallel()

	root := ingestRoot(t, "a.txt", "sub/b.md")
	outside := ingestRoot(t, "secret.txt")
	secret := filepath.Join(outside, "secret.txt")

	cases := []struct {
		name string
		path string
	}{
		{"absolute outside", secret},
		{"parent traversal", "../" + filepath.Base(outside) + "/secret.txt"},
		{"traversal through subdir", "sub/../../secret.txt"},
		{"missing file", "nope.txt"},
		{"system file", "/etc/passwd"},
	}
	if err := os.Symlink(secret, filepath.Join(root, "link.txt")); err == nil {
		cases = append(cases, struct {
			name string
			path string
		}{"symlink escaping root", "link.txt"})
	}
	if err := os.Symlink(outside, filepath.Join(root, "linkdir")); err == nil {
		cases = append(cases, struct {
			name string
			path string
		}{"symlinked directory", "linkdir/secret.txt"})
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fp := &fakePipeline{}
			s, _ := newTestServerWith(t, fp, &Config{IngestRoot: root})

			body, _ := json.Marshal(ingestRequest{Path: tc.path})
			w := do(t, s, http.MethodPost, "/api/documents", string(body))
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d body: %s", w.Code, w.Body.String())
			}
			var resp errorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if strings.Contains(resp.Error, "hello") {
				t.Errorf("response leaks file content: %q", resp.Error)
			}
			if fp.lastPaths != nil {
				t.Errorf("pipeline must not be called, got %v", fp.lastPaths)
			}
		})
	}
}

func TestHandleIngest_BadRequests(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
	}{
		{"missing path", `{}`},
		{"empty path", `{"path":""}`},
		{"unknown field", `{"path":"a.txt","extra":1}`},
		{"not json", `path=a.txt`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newTestServer(t)
			w := do(t, s, http.MethodPost, "/api/documents", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d body: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleIngest_ErrorMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unsupported format", &document.UnsupportedFormatError{Ext: ".xyz"}, http.StatusBadRequest},
		{"empty file", fmt.Errorf("ingest: %w: empty file", document.ErrInvalidInput), http.StatusBadRequest},
		{"storage", fmt.Errorf("pipeline: store: %w: disk full", document.ErrStorage), http.StatusInternalServerError},
		{"index", fmt.Errorf("pipeline: index: %w", document.ErrIndexConsistency), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			root := ingestRoot(t, "a.xyz")
			s, _ := newTestServerWith(t, &fakePipeline{ingestErr: tc.err}, &Config{IngestRoot: root})
			w := do(t, s, http.MethodPost, "/api/documents", `{"path":"a.xyz"}`)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, w.Code)
			}
			var body errorResponse
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tc.err.Error() {
				t.Errorf("error: expected %q, got %q", tc.err.Error(), body.Error)
			}
		})
	}
}

func TestHandleGet(t *testing.T) {
	t.Parallel()

	fp := &fakePipeline{}
	s, _ := newTestServerWith(t, fp, nil)
	rec := testRecord("/data/b.txt")
	if _, err := fp.store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	w := do(t, s, http.MethodGet, "/api/documents/"+rec.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got document.Record
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != rec.ID || len(got.Chunks) != 1 {
		t.Errorf("unexpected record: %+v", got)
	}

	w = do(t, s, http.MethodGet, "/api/documents/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing id: expected 404, got %d", w.Code)
	}
}

func TestHandleList_StatusFilter(t *testing.T) {
	t.Parallel()

	fp := &fakePipeline{}
	s, _ := newTestServerWith(t, fp, nil)
	ctx := context.Background()

	unparsed := testRecord("/data/u.txt")
	parsed := testRecord("/data/p.txt")
	parsed.Metadata.ParsingStatus = document.StatusSuccess
	if _, err := fp.store.Insert(ctx, unparsed, parsed); err != nil {
		t.Fatalf("insert: %v", err)
	}

	decode := func(t *testing.T, target string) listResponse {
		t.Helper()
		w := do(t, s, http.MethodGet, target, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", target, w.Code)
		}
		var resp listResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp
	}

	if got := decode(t, "/api/documents"); len(got.Records) != 2 {
		t.Errorf("all: expected 2 records, got %d", len(got.Records))
	}
	got := decode(t, "/api/documents?status=Unparsed")
	if len(got.Records) != 1 || got.Records[0].ID != unparsed.ID {
		t.Errorf("Unparsed filter returned %+v", got.Records)
	}
	if got := decode(t, "/api/documents?status=Failed"); got.Records == nil || len(got.Records) != 0 {
		t.Errorf("Failed filter: expected empty array, got %+v", got.Records)
	}

	w := do(t, s, http.MethodGet, "/api/documents?status=Bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bogus status: expected 400, got %d", w.Code)
	}
}

func TestHandleParse(t *testing.T) {
	t.Parallel()

	failed := testRecord("/data/c.pdf")
	failed.Metadata.ParsingStatus = document.StatusFailed
	cause := fmt.Errorf("parse: /data/c.pdf: %w: %w", document.ErrParse, errors.New("corrupt xref"))

	s, _ := newTestServerWith(t, &fakePipeline{parseRes: parse.Result{Record: failed, Err: cause}}, nil)
	w := do(t, s, http.MethodPost, "/api/documents/"+failed.ID+"/parse", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp parseResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Record == nil || resp.Record.Metadata.ParsingStatus != document.StatusFailed {
		t.Errorf("expected Failed record, got %+v", resp.Record)
	}
	if !strings.Contains(resp.Error, "corrupt xref") {
		t.Errorf("error: expected cause, got %q", resp.Error)
	}

	s, _ = newTestServerWith(t, &fakePipeline{parseErr: fmt.Errorf("store: get x: %w", document.ErrNotFound)}, nil)
	w = do(t, s, http.MethodPost, "/api/documents/x/parse", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing id: expected 404, got %d", w.Code)
	}
}

func TestHandleSearch(t *testing.T) {
	t.Parallel()

	fp := &fakePipeline{hits: []rag.Document{
		{ID: "c1", RecordID: "r1", Source: "/data/a.pdf", Page: 3, Content: "alpha", Score: 0.5},
	}}
	s, _ := newTestServerWith(t, fp, nil)

	w := do(t, s, http.MethodPost, "/api/search", `{"query":"alpha","top_k":3}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body: %s", w.Code, w.Body.String())
	}
	var resp searchResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := searchHit{ChunkID: "c1", RecordID: "r1", Source: "/data/a.pdf", Page: 3, Content: "alpha", Score: 0.5}
	if len(resp.Results) != 1 || resp.Results[0] != want {
		t.Errorf("results: expected [%+v], got %+v", want, resp.Results)
	}
	if fp.lastQuery != "alpha" || fp.lastK != 3 {
		t.Errorf("pipeline called with (%q, %d)", fp.lastQuery, fp.lastK)
	}
}

func TestHandleSearch_Validation(t *testing.T) {
	t.Parallel()

	for _, body := range []string{`{"query":""}`, `{"query":"x","top_k":-1}`, `{"query":"x","top_k":101}`} {
		s := newTestServer(t)
		w := do(t, s, http.MethodPost, "/api/search", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestRoutes_AuthAppliesToAPIOnly(t *testing.T) {
	t.Parallel()

	s, _ := newTestServerWith(t, &fakePipeline{}, &Config{APIKey: "secret"})

	if w := do(t, s, http.MethodGet, "/api/documents", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("list without token: expected 401, got %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/documents", "", "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Errorf("list with token: expected 200, got %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/health", ""); w.Code != http.StatusOK {
		t.Errorf("health: expected 200 without token, got %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/metrics", ""); w.Code != http.StatusOK {
		t.Errorf("metrics: expected 200 without token, got %d", w.Code)
	}
}

func TestRoutes_PostsAreRateLimited(t *testing.T) {
	t.Parallel()

	s, _ := newTestServerWith(t, &fakePipeline{}, &Config{RateLimit: 0.001, RateBurst: 1})

	if w := do(t, s, http.MethodPost, "/api/search", `{"query":"a"}`); w.Code != http.StatusOK {
		t.Fatalf("first search: expected 200, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/search", `{"query":"a"}`); w.Code != http.StatusTooManyRequests {
		t.Errorf("second search: expected 429, got %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/documents", ""); w.Code != http.StatusOK {
		t.Errorf("GET is not rate limited: expected 200, got %d", w.Code)
	}
}
