package pgvector

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/dynoinc/ragflow/rag"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := t.Context()

	container, err := postgres.Run(ctx, "pgvector/pgvector:pg16", postgres.BasicWaitStrategies())
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	store, err := New(ctx, Config{
		DSN:  container.MustConnectionString(ctx, "sslmode=disable"),
		Dims: 3,
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestUpsertAndSearch(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()

	require.NoError(t, s.Upsert(ctx, []rag.Point{
		{ID: rag.ChunkID("a", 0), Vector: []float32{1, 0, 0}, Payload: rag.ChunkPayload{Text: "x", SourceID: "a"}},
		{ID: rag.ChunkID("a", 1), Vector: []float32{0, 1, 0}, Payload: rag.ChunkPayload{Text: "y", SourceID: "a", ChunkIndex: 1}},
		{ID: rag.ChunkID("b", 0), Vector: []float32{1, 1, 0}, Payload: rag.ChunkPayload{Text: "xy", SourceID: "b"}},
	}))

	hits, err := s.Search(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, rag.ChunkID("a", 0), hits[0].ID)
	require.InDelta(t, 1.0, hits[0].Score, 1e-5)
	require.Equal(t, "xy", hits[1].Payload.Text)
	require.Equal(t, "b", hits[1].Payload.SourceID)
}

func TestUpsertOverwrites(t *testing.T) {
	s := newStore(t)
	ctx := t.Context()
	id := rag.ChunkID("a", 0)

	require.NoError(t, s.Upsert(ctx, []rag.Point{{ID: id, Vector: []float32{1, 0, 0}, Payload: rag.ChunkPayload{Text: "v1", SourceID: "a"}}}))
	require.NoError(t, s.Upsert(ctx, []rag.Point{{ID: id, Vector: []float32{0, 0, 1}, Payload: rag.ChunkPayload{Text: "v2", SourceID: "a"}}}))

	hits, err := s.Search(ctx, []float32{0, 0, 1}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "v2", hits[0].Payload.Text)
}
