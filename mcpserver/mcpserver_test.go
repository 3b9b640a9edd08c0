package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/rag"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	ingest := ragflow.NewFunction(ragflow.FunctionConfig{
		ID:        "ingest-pdf",
		Event:     rag.IngestEvent,
		RateLimit: &ragflow.RateLimit{Key: "source_id", Limit: 1, Period: time.Hour},
	}, func(wc *ragflow.Context, in rag.IngestPayload) (rag.IngestResult, error) {
		return ragflow.Step(wc, "load-and-chunk", func(ctx context.Context) (rag.IngestResult, error) {
			return rag.IngestResult{IngestedCount: 3, SourceID: in.SourceID}, nil
		})
	})
	query := ragflow.NewFunction(ragflow.FunctionConfig{ID: "query-pdf", Event: rag.QueryEvent},
		func(wc *ragflow.Context, in rag.QueryPayload) (rag.QueryResult, error) {
			return rag.QueryResult{
				Answer:      "answer to " + in.Question,
				Sources:     []string{"doc.pdf"},
				NumContexts: *in.TopK,
			}, nil
		})

	engine, err := ragflow.New(ragflow.NewInMemoryStore(), []ragflow.Function{ingest, query},
		ragflow.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = engine.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := ragflow.NewClient(engine, ragflow.WithWaitPolling(10*time.Millisecond, 5*time.Second))
	return New(client, "test", nil)
}

func callTool(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func toolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestIngestAndQuery(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleIngest(t.Context(), callTool("ingest_pdf", map[string]any{
		"pdf_path": "/docs/manual.pdf",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var ingested rag.IngestResult
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &ingested))
	require.Equal(t, rag.IngestResult{IngestedCount: 3, SourceID: "manual.pdf"}, ingested)

	result, err = s.handleQuery(t.Context(), callTool("query_pdf", map[string]any{
		"question": "what is it?",
		"top_k":    float64(3),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var answered rag.QueryResult
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &answered))
	require.Equal(t, "answer to what is it?", answered.Answer)
	require.Equal(t, 3, answered.NumContexts)
}

func TestIngestWithoutWaiting(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleIngest(t.Context(), callTool("ingest_pdf", map[string]any{
		"pdf_path": "/docs/manual.pdf",
		"wait":     false,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, toolText(t, result))

	var submitted map[string]string
	require.NoError(t, json.Unmarshal([]byte(toolText(t, result)), &submitted))
	runID := submitted["run_id"]
	require.NotEmpty(t, runID)

	require.Eventually(t, func() bool {
		result, err := s.handleRunStatus(t.Context(), callTool("run_status", map[string]any{"run_id": runID}))
		if err != nil || result.IsError || len(result.Content) == 0 {
			return false
		}
		text, ok := result.Content[0].(mcplib.TextContent)
		if !ok {
			return false
		}
		var status runStatus
		return json.Unmarshal([]byte(text.Text), &status) == nil && status.Status == ragflow.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// The same source is rate limited.
	result, err = s.handleIngest(t.Context(), callTool("ingest_pdf", map[string]any{
		"pdf_path": "/other/manual.pdf",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.True(t, strings.HasPrefix(toolText(t, result), "rate limited"), toolText(t, result))
}

func TestToolErrors(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleQuery(t.Context(), callTool("query_pdf", map[string]any{"question": "  "}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, toolText(t, result), "question")

	result, err = s.handleQuery(t.Context(), callTool("query_pdf", map[string]any{
		"question": "why?",
		"top_k":    float64(rag.MaxTopK + 1),
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Contains(t, toolText(t, result), "top_k")

	result, err = s.handleRunStatus(t.Context(), callTool("run_status", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	result, err = s.handleRunStatus(t.Context(), callTool("run_status", map[string]any{}))
	require.NoError(t, err)
	require.True(t, result.IsError)
}
