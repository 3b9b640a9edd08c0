// Package rag defines the PDF ingestion and question answering functions that run on
// the ragflow engine, together with the provider interfaces they depend on.
package rag

import (
	"context"
	"strconv"

	"github.com/google/uuid"
)

// Event names handled by this package.
const (
	IngestEvent = "rag/ingest_pdf"
	QueryEvent  = "rag/query_pdf_ai"
)

// Loader extracts the plain text of a document.
type Loader interface {
	Load(ctx context.Context, path string) (string, error)
}

// Embedder turns texts into vectors of a fixed dimension.
type Embedder interface {
	// Embed returns one vector per text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the length of every vector Embed produces.
	Dimensions() int
}

// GenerateRequest is a single completion request.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Generator produces an answer for a prompt.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// VectorStore holds chunk vectors and answers nearest neighbour queries.
type VectorStore interface {
	// Upsert inserts points, replacing any point with the same ID.
	Upsert(ctx context.Context, points []Point) error

	// Search returns at most topK points ordered by descending similarity.
	Search(ctx context.Context, vector []float32, topK int) ([]ScoredPoint, error)
}

// ChunkPayload is stored alongside every vector.
type ChunkPayload struct {
	Text       string `json:"text"`
	SourceID   string `json:"source_id"`
	ChunkIndex int    `json:"chunk_index"`
}

// Point is a chunk vector keyed by its deterministic ID.
type Point struct {
	ID      uuid.UUID
	Vector  []float32
	Payload ChunkPayload
}

// ScoredPoint is a search hit. Higher scores are more similar.
type ScoredPoint struct {
	ID      uuid.UUID
	Score   float32
	Payload ChunkPayload
}

// RetrievedContext is a chunk selected to answer a question.
type RetrievedContext struct {
	Text       string  `json:"text"`
	Source     string  `json:"source"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
}

// chunkNamespace scopes chunk IDs so they cannot collide with other UUIDv5 users.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/dynoinc/ragflow/chunks"))

// ChunkID returns the deterministic ID of chunk index of sourceID. Re-ingesting a
// source therefore overwrites its previous points.
func ChunkID(sourceID string, index int) uuid.UUID {
	return uuid.NewSHA1(chunkNamespace, []byte(sourceID+":"+strconv.Itoa(index)))
}
