package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynoinc/ragflow/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{ServiceName: "ragflow"}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestInitWithEndpoint(t *testing.T) {
	// Exporters connect lazily, so an unreachable endpoint still initializes.
	shutdown, err := Init(context.Background(), config.TelemetryConfig{
		Endpoint:    "127.0.0.1:1",
		ServiceName: "ragflow",
		Insecure:    true,
	}, "test")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Flushing to an unreachable collector may fail; it must not hang.
	_ = shutdown(ctx)
}
