package rag

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// DefaultIndexDir is used when VECTOR_INDEX_DIR is unset.
const DefaultIndexDir = "vector_stores/index"

// IndexFile is the bbolt file holding a flat index inside its directory.
const IndexFile = "index.db"

var (
	bucketMeta     = []byte("meta")
	bucketVectors  = []byte("vectors")
	bucketDocstore = []byte("docstore")

	keyDimension = []byte("dimension")
	keyEmbedder  = []byte("embedder")
	keyCreatedAt = []byte("created_at")
)

// FlatIndex is an exact L2 index held in memory and persisted to a bbolt file
// on every write. Search cost is linear in the number of vectors.
type FlatIndex struct {
	mu      sync.RWMutex
	db      *bbolt.DB
	dim     int
	vectors map[string][]float32
	docs    map[string]Document
	log     *slog.Logger
}

var _ Index = (*FlatIndex)(nil)

// FlatOpener returns an Opener for a flat index stored under dir. embedder
// names the model that produced the vectors; it is recorded on creation.
func FlatOpener(dir, embedder string, log *slog.Logger) Opener {
	return func(_ context.Context, dim int) (Index, error) {
		return OpenFlat(dir, dim, embedder, log)
	}
}

// OpenFlat loads the index persisted in dir, or creates and persists an empty
// one when dir is missing or empty. An existing index whose dimension differs
// from dim fails with *document.DimensionMismatchError.
func OpenFlat(dir string, dim int, embedder string, log *slog.Logger) (*FlatIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("flat index: invalid dimension %d", dim)
	}
	log = logging.OrDiscard(log)

	existing, err := nonEmptyDir(dir)
	if err != nil {
		return nil, fmt.Errorf("flat index: inspect %s: %w", dir, err)
	}
	path := filepath.Join(dir, IndexFile)
	if existing {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("flat index: %s is not empty but holds no %s: %w", dir, IndexFile, document.ErrIndexConsistency)
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flat index: create %s: %w", dir, err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("flat index: open %s: %w", path, err)
	}

	idx := &FlatIndex{
		db:      db,
		dim:     dim,
		vectors: make(map[string][]float32),
		docs:    make(map[string]Document),
		log:     log,
	}
	if existing {
		err = idx.load()
	} else {
		err = idx.create(embedder)
	}
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("flat index: ready",
		slog.String("dir", dir),
		slog.Int("dimension", dim),
		slog.Int("vectors", len(idx.vectors)),
		slog.Bool("created", !existing),
	)
	return idx, nil
}

func (x *FlatIndex) create(embedder string) error {
	err := x.db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketVectors, bucketDocstore} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if err := meta.Put(keyDimension, []byte(strconv.Itoa(x.dim))); err != nil {
			return err
		}
		if err := meta.Put(keyEmbedder, []byte(embedder)); err != nil {
			return err
		}
		return meta.Put(keyCreatedAt, []byte(time.Now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return fmt.Errorf("flat index: create: %w", err)
	}
	return nil
}

func (x *FlatIndex) load() error {
	return x.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return fmt.Errorf("flat index: missing meta bucket: %w", document.ErrIndexConsistency)
		}
		stored, err := strconv.Atoi(string(meta.Get(keyDimension)))
		if err != nil {
			return fmt.Errorf("flat index: unreadable dimension: %w", document.ErrIndexConsistency)
		}
		if stored != x.dim {
			return &document.DimensionMismatchError{Index: stored, Model: x.dim}
		}
		if name := string(meta.Get(keyEmbedder)); name != "" {
			x.log.Debug("flat index: persisted embedder", slog.String("embedder", name))
		}

		if b := tx.Bucket(bucketVectors); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				vec, err := decodeVector(v, x.dim)
				if err != nil {
					return fmt.Errorf("vector %s: %w", k, err)
				}
				x.vectors[string(k)] = vec
				return nil
			}); err != nil {
				return fmt.Errorf("flat index: load vectors: %w", err)
			}
		}
		if b := tx.Bucket(bucketDocstore); b != nil {
			if err := b.ForEach(func(k, v []byte) error {
				var d Document
				if err := json.Unmarshal(v, &d); err != nil {
					return fmt.Errorf("doc %s: %w", k, err)
				}
				x.docs[string(k)] = d
				return nil
			}); err != nil {
				return fmt.Errorf("flat index: load docstore: %w", err)
			}
		}
		return nil
	})
}

// Dimension implements Index.
func (x *FlatIndex) Dimension() int { return x.dim }

// Len returns the number of stored vectors.
func (x *FlatIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Upsert implements Index. The write is committed to disk before the
// in-memory index changes.
func (x *FlatIndex) Upsert(_ context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("flat index: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	for i, e := range embeddings {
		if len(e) != x.dim {
			return &document.DimensionMismatchError{Index: x.dim, Model: len(e)}
		}
		if docs[i].ID == "" {
			return errors.New("flat index: document without id")
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.db.Update(func(tx *bbolt.Tx) error {
		vb, db := tx.Bucket(bucketVectors), tx.Bucket(bucketDocstore)
		for i, d := range docs {
			payload, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if err := vb.Put([]byte(d.ID), encodeVector(embeddings[i])); err != nil {
				return err
			}
			if err := db.Put([]byte(d.ID), payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flat index: upsert: %w", err)
	}

	for i, d := range docs {
		x.vectors[d.ID] = append([]float32(nil), embeddings[i]...)
		x.docs[d.ID] = d
	}
	return nil
}

// Search implements Index. Scores are 1/(1+d) where d is the squared L2
// distance, so identical vectors score 1.
func (x *FlatIndex) Search(_ context.Context, query []float32, topK int) ([]Document, error) {
	if len(query) != x.dim {
		return nil, &document.DimensionMismatchError{Index: x.dim, Model: len(query)}
	}
	if topK <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	type hit struct {
		id   string
		dist float64
	}
	hits := make([]hit, 0, len(x.vectors))
	for id, v := range x.vectors {
		hits = append(hits, hit{id: id, dist: squaredL2(query, v)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist == hits[j].dist {
			return hits[i].id < hits[j].id
		}
		return hits[i].dist < hits[j].dist
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}

	out := make([]Document, 0, len(hits))
	for _, h := range hits {
		d := x.docs[h.id]
		d.ID = h.id
		d.Score = float32(1 / (1 + h.dist))
		out = append(out, d)
	}
	return out, nil
}

// Delete implements Index.
func (x *FlatIndex) Delete(_ context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	err := x.db.Update(func(tx *bbolt.Tx) error {
		vb, db := tx.Bucket(bucketVectors), tx.Bucket(bucketDocstore)
		for _, id := range ids {
			if err := vb.Delete([]byte(id)); err != nil {
				return err
			}
			if err := db.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("flat index: delete: %w", err)
	}
	for _, id := range ids {
		delete(x.vectors, id)
		delete(x.docs, id)
	}
	return nil
}

// Close implements Index.
func (x *FlatIndex) Close() error {
	if err := x.db.Close(); err != nil {
		return fmt.Errorf("flat index: close: %w", err)
	}
	return nil
}

func nonEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) != 4*dim {
		return nil, fmt.Errorf("expected %d bytes, got %d", 4*dim, len(b))
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}
