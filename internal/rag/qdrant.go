package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/qdrant/go-client/qdrant"

	"github.com/54b3r/docpipe-go/internal/document"
	"github.com/54b3r/docpipe-go/internal/logging"
)

// Payload keys written alongside every Qdrant point.
const (
	payloadContent  = "content"
	payloadSource   = "source"
	payloadRecordID = "record_id"
	payloadPage     = "page"
)

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name (default: docpipe).
	Collection string

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements Index backed by a Qdrant collection using cosine
// distance.
type QdrantIndex struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this index.
	cfg QdrantConfig

	// dim is the vector size of the collection.
	dim int

	log *slog.Logger
}

var _ Index = (*QdrantIndex)(nil)

// QdrantOpener returns an Opener that connects to Qdrant and ensures the
// configured collection holds vectors of the probed dimension.
func QdrantOpener(cfg QdrantConfig, log *slog.Logger) Opener {
	return func(ctx context.Context, dim int) (Index, error) {
		return OpenQdrant(ctx, cfg, dim, log)
	}
}

// OpenQdrant connects to Qdrant and creates the collection when absent. An
// existing collection whose vector size differs from dim fails with
// *document.DimensionMismatchError.
func OpenQdrant(ctx context.Context, cfg QdrantConfig, dim int, log *slog.Logger) (*QdrantIndex, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("qdrant: invalid dimension %d", dim)
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "docpipe"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg, dim: dim, log: logging.OrDiscard(log)}
	if err := idx.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return idx, nil
}

// ensureCollection creates the collection if it does not already exist and
// otherwise verifies its vector size.
func (s *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}

	if exists {
		info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
		if err != nil {
			return fmt.Errorf("qdrant: failed to read collection %q: %w", s.cfg.Collection, err)
		}
		size := int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if size != s.dim {
			return &document.DimensionMismatchError{Index: size, Model: s.dim}
		}
		s.log.Info("qdrant: using existing collection",
			slog.String("collection", s.cfg.Collection),
			slog.Int("dimension", size),
		)
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}
	s.log.Info("qdrant: created collection",
		slog.String("collection", s.cfg.Collection),
		slog.Int("dimension", s.dim),
	)
	return nil
}

// Client exposes the gRPC client for readiness probes.
func (s *QdrantIndex) Client() *qdrant.Client { return s.client }

// Dimension implements Index.
func (s *QdrantIndex) Dimension() int { return s.dim }

// Upsert implements Index. Points use the chunk id (a UUID) as point id and
// the call waits for the write to be applied.
func (s *QdrantIndex) Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("qdrant: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	points := make([]*qdrant.PointStruct, 0, len(docs))
	for i, doc := range docs {
		if len(embeddings[i]) != s.dim {
			return &document.DimensionMismatchError{Index: s.dim, Model: len(embeddings[i])}
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(doc.ID),
			Vectors: qdrant.NewVectors(embeddings[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				payloadContent:  doc.Content,
				payloadSource:   doc.Source,
				payloadRecordID: doc.RecordID,
				payloadPage:     int64(doc.Page),
			}),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	return nil
}

// Search implements Index. Scores are cosine similarities.
func (s *QdrantIndex) Search(ctx context.Context, query []float32, topK int) ([]Document, error) {
	if len(query) != s.dim {
		return nil, &document.DimensionMismatchError{Index: s.dim, Model: len(query)}
	}
	if topK <= 0 {
		return nil, nil
	}
	limit := uint64(topK)
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	docs := make([]Document, 0, len(results))
	for _, r := range results {
		doc := Document{ID: r.GetId().GetUuid(), Score: r.GetScore()}
		if p := r.GetPayload(); p != nil {
			doc.Content = p[payloadContent].GetStringValue()
			doc.Source = p[payloadSource].GetStringValue()
			doc.RecordID = p[payloadRecordID].GetStringValue()
			doc.Page = int(p[payloadPage].GetIntegerValue())
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Delete implements Index.
func (s *QdrantIndex) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	return nil
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantIndex) Close() error {
	return s.client.Close()
}
