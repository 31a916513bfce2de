package server

import (
	"context"
	"errors"
	"testing"
)

type stubEmbedder struct {
	vecs [][]float32
	err  error
}

func (s stubEmbedder) Embed(context.Context, []string) ([][]float32, error) { return s.vecs, s.err }

type stubStore struct{ err error }

func (s stubStore) Ping(context.Context) error { return s.err }

func TestEmbedderPinger(t *testing.T) {
	t.Parallel()

	ok := NewEmbedderPinger(stubEmbedder{vecs: [][]float32{{1, 0}}}, "hash:2")
	if err := ok.Ping(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
	if ok.Name() != "hash:2" {
		t.Errorf("name: got %q", ok.Name())
	}

	if err := NewEmbedderPinger(stubEmbedder{err: errors.New("refused")}, "x").Ping(context.Background()); err == nil {
		t.Error("expected error from failing embedder")
	}
	if err := NewEmbedderPinger(stubEmbedder{vecs: [][]float32{{}}}, "x").Ping(context.Background()); err == nil {
		t.Error("expected error for empty vector")
	}
}

func TestStorePinger(t *testing.T) {
	t.Parallel()

	if err := NewStorePinger(stubStore{}).Ping(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
	err := NewStorePinger(stubStore{err: errors.New("locked")}).Ping(context.Background())
	if err == nil || err.Error() != "store ping failed: locked" {
		t.Errorf("unexpected error: %v", err)
	}
}
