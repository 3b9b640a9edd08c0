// Package qdrant is a rag.VectorStore backed by a Qdrant collection over gRPC.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/rag"
)

// Config holds configuration for connecting to Qdrant.
type Config struct {
	URL        string // e.g. "http://localhost:6333" or "https://xyz.cloud.qdrant.io:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Store implements rag.VectorStore on one collection.
type Store struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

var _ rag.VectorStore = (*Store)(nil)

// parseURL extracts host, gRPC port, and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("qdrant: invalid URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("qdrant: invalid port in URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// New connects to Qdrant and ensures the collection exists.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: connect to %s:%d: %w", host, port, err)
	}

	s := &Store{client: client, collection: cfg.Collection, dims: cfg.Dims, logger: logger}
	if err := s.ensureCollection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant: check collection exists: %w", err)
	}
	if exists {
		s.logger.Debug("qdrant: collection already exists", "collection", s.collection)
		return nil
	}

	if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.dims,
			Distance: qdrant.Distance_Cosine,
		}),
	}); err != nil {
		return fmt.Errorf("qdrant: create collection %q: %w", s.collection, err)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	if _, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      "source_id",
		FieldType:      &keywordType,
	}); err != nil {
		return fmt.Errorf("qdrant: ensure index on source_id: %w", err)
	}

	s.logger.Info("qdrant: created collection", "collection", s.collection, "dims", s.dims)
	return nil
}

// Upsert writes points and waits for them to be indexed.
func (s *Store) Upsert(ctx context.Context, points []rag.Point) error {
	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Vector),
			Payload: qdrant.NewValueMap(map[string]any{
				"text":        p.Payload.Text,
				"source_id":   p.Payload.SourceID,
				"chunk_index": int64(p.Payload.ChunkIndex),
			}),
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qpoints,
	})
	if err != nil {
		return ragflow.Retryable(fmt.Errorf("qdrant: upsert %d points: %w", len(points), err))
	}
	return nil
}

// Search runs a dense query and returns hits with their payloads.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]rag.ScoredPoint, error) {
	limit := uint64(topK) //nolint:gosec // topK is validated by the caller
	scored, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, ragflow.Retryable(fmt.Errorf("qdrant: query: %w", err))
	}

	hits := make([]rag.ScoredPoint, 0, len(scored))
	for _, sp := range scored {
		id, err := uuid.Parse(sp.Id.GetUuid())
		if err != nil {
			s.logger.Warn("qdrant: invalid UUID in point ID", "id", sp.Id.String())
			continue
		}
		payload := sp.GetPayload()
		hits = append(hits, rag.ScoredPoint{
			ID:    id,
			Score: sp.Score,
			Payload: rag.ChunkPayload{
				Text:       payload["text"].GetStringValue(),
				SourceID:   payload["source_id"].GetStringValue(),
				ChunkIndex: int(payload["chunk_index"].GetIntegerValue()),
			},
		})
	}
	return hits, nil
}
