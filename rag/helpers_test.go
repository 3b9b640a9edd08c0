package rag_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/rag"
	"github.com/dynoinc/ragflow/vectorstore/memory"
)

const testDims = 16

type fakeLoader struct {
	mu       sync.Mutex
	docs     map[string]string
	failures int
	calls    int
}

func (l *fakeLoader) Load(_ context.Context, path string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.failures > 0 {
		l.failures--
		return "", ragflow.Retryable(errors.New("read: resource temporarily unavailable"))
	}
	text, ok := l.docs[path]
	if !ok {
		return "", ragflow.Retryable(fmt.Errorf("open %s: no such file or directory", path))
	}
	return text, nil
}

func (l *fakeLoader) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// hashEmbedder maps every word into one of dims buckets, so texts sharing words are similar.
type hashEmbedder struct {
	mu       sync.Mutex
	dims     int
	outDims  int
	failures int
	calls    int
}

func (e *hashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failures > 0 {
		e.failures--
		return nil, ragflow.Retryable(errors.New("embed: 503 service unavailable"))
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		n := e.dims
		if e.outDims > 0 {
			n = e.outDims
		}
		vec := make([]float32, n)
		for _, w := range strings.Fields(strings.ToLower(text)) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			vec[int(h.Sum32())%n]++
		}
		out[i] = vec
	}
	return out, nil
}

func (e *hashEmbedder) Dimensions() int { return e.dims }

func (e *hashEmbedder) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeGenerator struct {
	mu       sync.Mutex
	requests []rag.GenerateRequest
}

func (g *fakeGenerator) Generate(_ context.Context, req rag.GenerateRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	return "  the answer  ", nil
}

func (g *fakeGenerator) Requests() []rag.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]rag.GenerateRequest(nil), g.requests...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t         *testing.T
	clock     *clock
	loader    *fakeLoader
	embedder  *hashEmbedder
	generator *fakeGenerator
	vectors   *memory.Store
	engine    *ragflow.Engine
}

func newHarness(t *testing.T, ingestCfg rag.IngestConfig) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		clock:     &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		loader:    &fakeLoader{docs: map[string]string{}},
		embedder:  &hashEmbedder{dims: testDims},
		generator: &fakeGenerator{},
		vectors:   memory.New(testDims),
	}

	ingest, err := rag.NewIngestFunction(rag.IngestDeps{
		Loader:   h.loader,
		Embedder: h.embedder,
		Store:    h.vectors,
	}, ingestCfg)
	require.NoError(t, err)

	query, err := rag.NewQueryFunction(rag.QueryDeps{
		Embedder:  h.embedder,
		Generator: h.generator,
		Store:     h.vectors,
	}, rag.DefaultQueryConfig())
	require.NoError(t, err)

	h.engine, err = ragflow.New(ragflow.NewInMemoryStore(), []ragflow.Function{ingest, query},
		ragflow.WithClock(h.clock.Now),
		ragflow.WithWorkerID("test-worker"),
	)
	require.NoError(t, err)
	return h
}

func (h *harness) submit(name string, payload any) string {
	h.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(h.t, err)
	res, err := h.engine.Submit(h.t.Context(), name, data)
	require.NoError(h.t, err)
	require.Nil(h.t, res.Denied, "submission denied")
	return res.RunID
}

// process runs one worker pass and returns the run afterwards.
func (h *harness) process(runID string) *ragflow.Run {
	h.t.Helper()
	h.engine.ProcessOnce(h.t.Context())
	run, err := h.engine.Status(h.t.Context(), runID)
	require.NoError(h.t, err)
	return run
}

func (h *harness) stepKeys(runID string) []string {
	h.t.Helper()
	steps, err := h.engine.Steps(h.t.Context(), runID)
	require.NoError(h.t, err)
	keys := make([]string, 0, len(steps))
	for _, s := range steps {
		keys = append(keys, s.StepKey+":"+string(s.Status))
	}
	return keys
}

// words returns n distinct space separated words of equal length.
func words(prefix string, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = prefix + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
	}
	return strings.Join(parts, " ")
}
