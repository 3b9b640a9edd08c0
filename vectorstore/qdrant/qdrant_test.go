package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dynoinc/ragflow/rag"
)

func TestParseURL(t *testing.T) {
	for raw, want := range map[string]struct {
		host string
		port int
		tls  bool
	}{
		"http://localhost:6333":            {"localhost", 6334, false},
		"https://xyz.cloud.qdrant.io:6333": {"xyz.cloud.qdrant.io", 6334, true},
		"http://qdrant:7000":               {"qdrant", 7000, false},
		"http://qdrant":                    {"qdrant", 6334, false},
	} {
		host, port, tls, err := parseURL(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want.host, host, raw)
		require.Equal(t, want.port, port, raw)
		require.Equal(t, want.tls, tls, raw)
	}

	_, _, _, err := parseURL("localhost")
	require.Error(t, err)
}

func TestStoreAgainstQdrant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := t.Context()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.16.2",
			ExposedPorts: []string{"6333/tcp", "6334/tcp"},
			WaitingFor:   wait.ForHTTP("/readyz").WithPort("6333/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6334")
	require.NoError(t, err)

	store, err := New(ctx, Config{
		URL:        fmt.Sprintf("http://%s:%s", host, port.Port()),
		Collection: "chunks",
		Dims:       2,
	}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Upsert(ctx, []rag.Point{
		{ID: rag.ChunkID("a", 0), Vector: []float32{1, 0}, Payload: rag.ChunkPayload{Text: "east", SourceID: "a"}},
		{ID: rag.ChunkID("a", 1), Vector: []float32{0, 1}, Payload: rag.ChunkPayload{Text: "north", SourceID: "a", ChunkIndex: 1}},
	}))
	// Re-upserting the same ID replaces the point.
	require.NoError(t, store.Upsert(ctx, []rag.Point{
		{ID: rag.ChunkID("a", 1), Vector: []float32{0, 1}, Payload: rag.ChunkPayload{Text: "north v2", SourceID: "a", ChunkIndex: 1}},
	}))

	hits, err := store.Search(ctx, []float32{0.1, 1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, rag.ChunkID("a", 1), hits[0].ID)
	require.Equal(t, "north v2", hits[0].Payload.Text)
	require.Equal(t, 1, hits[0].Payload.ChunkIndex)
	require.Equal(t, "a", hits[0].Payload.SourceID)
	require.Greater(t, hits[0].Score, hits[1].Score)

	// Reconnecting to an existing collection is fine.
	again, err := New(ctx, Config{URL: fmt.Sprintf("http://%s:%s", host, port.Port()), Collection: "chunks", Dims: 2}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}
