// Package pgvector is a rag.VectorStore backed by PostgreSQL with the vector extension.
package pgvector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/rag"
)

// Config configures a Store.
type Config struct {
	DSN   string
	Table string
	Dims  int
}

// Store keeps chunk vectors in one table and ranks them by cosine distance.
type Store struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger
}

var _ rag.VectorStore = (*Store)(nil)

// New creates the vector extension and the chunk table if needed and opens a pool
// with pgvector types registered on every connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = "chunks"
	}
	if cfg.Dims <= 0 {
		return nil, fmt.Errorf("pgvector: dimensions must be positive, got %d", cfg.Dims)
	}

	// The extension must exist before types can be registered on pool connections.
	conn, err := pgx.Connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: bootstrap connection: %w", err)
	}
	_, err = conn.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	_ = conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgvector: create extension: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgvector: parse DSN: %w", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("pgvector: create pool: %w", err)
	}

	table := pgx.Identifier{cfg.Table}.Sanitize()
	_, err = pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY,
		source_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		embedding vector(%d) NOT NULL
	)`, table, cfg.Dims))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector: create table: %w", err)
	}

	return &Store{pool: pool, table: table, logger: logger}, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Upsert writes all points in one batch.
func (s *Store) Upsert(ctx context.Context, points []rag.Point) error {
	if len(points) == 0 {
		return nil
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, source_id, chunk_index, text, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			chunk_index = EXCLUDED.chunk_index,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(query, p.ID.String(), p.Payload.SourceID, p.Payload.ChunkIndex, p.Payload.Text, pgvector.NewVector(p.Vector))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return ragflow.Retryable(fmt.Errorf("pgvector: upsert %d points: %w", len(points), err))
	}
	return nil
}

// Search orders rows by cosine distance. The score is the cosine similarity.
func (s *Store) Search(ctx context.Context, vector []float32, topK int) ([]rag.ScoredPoint, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT id::text, source_id, chunk_index, text, 1 - (embedding <=> $1) AS score
		FROM %s ORDER BY embedding <=> $1 LIMIT $2`, s.table), pgvector.NewVector(vector), topK)
	if err != nil {
		return nil, ragflow.Retryable(fmt.Errorf("pgvector: query: %w", err))
	}
	defer rows.Close()

	var hits []rag.ScoredPoint
	for rows.Next() {
		var (
			rawID string
			hit   rag.ScoredPoint
			score float64
		)
		if err := rows.Scan(&rawID, &hit.Payload.SourceID, &hit.Payload.ChunkIndex, &hit.Payload.Text, &score); err != nil {
			return nil, fmt.Errorf("pgvector: scan: %w", err)
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			s.logger.Warn("pgvector: invalid UUID", "id", rawID)
			continue
		}
		hit.ID = id
		hit.Score = float32(score)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, ragflow.Retryable(fmt.Errorf("pgvector: query: %w", err))
	}
	return hits, nil
}
