package rag

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/events"
)

// DefaultBatchSize is the number of chunks embedded and upserted per step.
const DefaultBatchSize = 32

// IngestPayload is the payload of IngestEvent.
type IngestPayload struct {
	PDFPath  string `json:"pdf_path"`
	SourceID string `json:"source_id,omitempty"`
}

// Validate requires a path and defaults the source ID to the file name.
func (p *IngestPayload) Validate() error {
	p.PDFPath = strings.TrimSpace(p.PDFPath)
	if p.PDFPath == "" {
		return events.FieldError("pdf_path", "is required")
	}
	if strings.ContainsRune(p.PDFPath, 0) {
		return events.FieldError("pdf_path", "must not contain NUL characters")
	}
	p.SourceID = strings.TrimSpace(p.SourceID)
	if strings.ContainsRune(p.SourceID, 0) {
		return events.FieldError("source_id", "must not contain NUL characters")
	}
	if p.SourceID == "" {
		p.SourceID = filepath.Base(p.PDFPath)
	}
	return nil
}

// IngestResult is the output of a completed ingestion run.
type IngestResult struct {
	IngestedCount int    `json:"ingested_count"`
	SourceID      string `json:"source_id"`
}

// IngestDeps are the providers the ingestion function calls.
type IngestDeps struct {
	Loader   Loader
	Embedder Embedder
	Store    VectorStore
}

// IngestConfig tunes the ingestion function.
type IngestConfig struct {
	Chunker   Chunker
	BatchSize int

	RateLimit   *ragflow.RateLimit
	Throttle    *ragflow.Throttle
	Retry       *ragflow.RetryPolicy
	StepTimeout time.Duration
}

// DefaultIngestConfig allows one ingestion per source every 4 hours and at most two
// ingestions per minute overall.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		Chunker:   Chunker{Size: DefaultChunkSize, Overlap: DefaultChunkOverlap},
		BatchSize: DefaultBatchSize,
		RateLimit: &ragflow.RateLimit{Key: "source_id", Limit: 1, Period: 4 * time.Hour},
		Throttle:  &ragflow.Throttle{Limit: 2, Period: time.Minute},
	}
}

// NewIngestFunction returns the function that loads, chunks, embeds and stores a document.
func NewIngestFunction(deps IngestDeps, cfg IngestConfig) (ragflow.Function, error) {
	if deps.Loader == nil || deps.Embedder == nil || deps.Store == nil {
		return nil, errors.New("ingest: loader, embedder and store are required")
	}
	if err := cfg.Chunker.Validate(); err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	in := &ingester{deps: deps, cfg: cfg}
	return ragflow.NewFunction(ragflow.FunctionConfig{
		ID:          "ingest-pdf",
		Event:       IngestEvent,
		RateLimit:   cfg.RateLimit,
		Throttle:    cfg.Throttle,
		Retry:       cfg.Retry,
		StepTimeout: cfg.StepTimeout,
	}, in.run), nil
}

type ingester struct {
	deps IngestDeps
	cfg  IngestConfig
}

func (i *ingester) run(wc *ragflow.Context, in IngestPayload) (IngestResult, error) {
	chunks, err := ragflow.Step(wc, "load-and-chunk", func(ctx context.Context) ([]string, error) {
		text, err := i.deps.Loader.Load(ctx, in.PDFPath)
		if err != nil {
			return nil, err
		}
		chunks := i.cfg.Chunker.Split(text)
		if len(chunks) == 0 {
			return nil, ragflow.Terminalf("no text extracted from %s", in.PDFPath)
		}
		return chunks, nil
	})
	if err != nil {
		return IngestResult{}, err
	}

	for start := 0; start < len(chunks); start += i.cfg.BatchSize {
		end := min(start+i.cfg.BatchSize, len(chunks))
		key := fmt.Sprintf("embed-and-upsert-%d-%d", start, end)
		_, err := ragflow.Step(wc, key, func(ctx context.Context) (int, error) {
			return i.embedAndUpsert(ctx, in.SourceID, start, chunks[start:end])
		})
		if err != nil {
			return IngestResult{}, err
		}
	}

	wc.Logger().Info("document ingested", "source_id", in.SourceID, "chunks", len(chunks))
	return IngestResult{IngestedCount: len(chunks), SourceID: in.SourceID}, nil
}

func (i *ingester) embedAndUpsert(ctx context.Context, sourceID string, offset int, texts []string) (int, error) {
	vectors, err := i.deps.Embedder.Embed(ctx, texts)
	if err != nil {
		return 0, err
	}
	if len(vectors) != len(texts) {
		return 0, ragflow.Terminalf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}

	dims := i.deps.Embedder.Dimensions()
	points := make([]Point, len(texts))
	for j, text := range texts {
		if len(vectors[j]) != dims {
			return 0, ragflow.Terminalf("embedding dimension mismatch: got %d, want %d", len(vectors[j]), dims)
		}
		index := offset + j
		points[j] = Point{
			ID:     ChunkID(sourceID, index),
			Vector: vectors[j],
			Payload: ChunkPayload{
				Text:       text,
				SourceID:   sourceID,
				ChunkIndex: index,
			},
		}
	}

	if err := i.deps.Store.Upsert(ctx, points); err != nil {
		return 0, err
	}
	return len(points), nil
}
