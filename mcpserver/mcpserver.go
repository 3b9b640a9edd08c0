// Package mcpserver exposes document ingestion and querying as Model Context Protocol tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/events"
	"github.com/dynoinc/ragflow/rag"
)

// Server wraps the mcp-go server with the ragflow client.
type Server struct {
	mcpServer *mcpserver.MCPServer
	client    *ragflow.Client
	logger    *slog.Logger
}

// New creates an MCP server with the ingest_pdf, query_pdf and run_status tools.
func New(client *ragflow.Client, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{client: client, logger: logger}
	s.mcpServer = mcpserver.NewMCPServer("ragflow", version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// ServeStdio serves the tools over stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	return mcpserver.ServeStdio(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("ingest_pdf",
			mcplib.WithDescription(`Ingest a PDF into the knowledge base.

The document is split into overlapping chunks, embedded and stored. Re-ingesting
the same source overwrites its chunks. Each source may be ingested at most once
per rate-limit period.`),
			mcplib.WithString("pdf_path",
				mcplib.Description("Path of the PDF on the server's file system."),
				mcplib.Required(),
			),
			mcplib.WithString("source_id",
				mcplib.Description("Identifier of the document. Defaults to the file name."),
			),
			mcplib.WithBoolean("wait",
				mcplib.Description("Wait for ingestion to finish. When false the run ID is returned immediately."),
				mcplib.DefaultBool(true),
			),
		),
		s.handleIngest,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("query_pdf",
			mcplib.WithDescription("Answer a question using the ingested documents."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("question",
				mcplib.Description("The question to answer."),
				mcplib.Required(),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Number of chunks to retrieve as context."),
				mcplib.Min(1),
				mcplib.Max(rag.MaxTopK),
				mcplib.DefaultNumber(rag.DefaultTopK),
			),
		),
		s.handleQuery,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("run_status",
			mcplib.WithDescription("Return the status, result or error of a run."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("The run ID returned by ingest_pdf."),
				mcplib.Required(),
			),
		),
		s.handleRunStatus,
	)
}

func (s *Server) handleIngest(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	payload := rag.IngestPayload{
		PDFPath:  request.GetString("pdf_path", ""),
		SourceID: request.GetString("source_id", ""),
	}
	runID, res := s.send(ctx, rag.IngestEvent, payload)
	if res != nil {
		return res, nil
	}
	if !request.GetBool("wait", true) {
		return jsonResult(map[string]string{"run_id": runID})
	}

	var out rag.IngestResult
	if res := s.wait(ctx, runID, &out); res != nil {
		return res, nil
	}
	return jsonResult(out)
}

func (s *Server) handleQuery(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	topK := request.GetInt("top_k", rag.DefaultTopK)
	payload := rag.QueryPayload{
		Question: request.GetString("question", ""),
		TopK:     &topK,
	}
	runID, res := s.send(ctx, rag.QueryEvent, payload)
	if res != nil {
		return res, nil
	}

	var out rag.QueryResult
	if res := s.wait(ctx, runID, &out); res != nil {
		return res, nil
	}
	return jsonResult(out)
}

type runStatus struct {
	RunID  string            `json:"run_id"`
	Status ragflow.RunStatus `json:"status"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  *ragflow.RunError `json:"error,omitempty"`
}

func (s *Server) handleRunStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, err := request.RequireString("run_id")
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	run, err := s.client.Status(ctx, runID)
	if errors.Is(err, ragflow.ErrRunNotFound) {
		return mcplib.NewToolResultError(fmt.Sprintf("run %s not found", runID)), nil
	}
	if err != nil {
		return nil, err
	}
	return jsonResult(runStatus{RunID: run.ID, Status: run.Status, Result: run.Result, Error: run.Error})
}

// send submits the event. A non-nil result reports a denial or invalid arguments.
func (s *Server) send(ctx context.Context, name string, payload any) (string, *mcplib.CallToolResult) {
	res, err := s.client.Send(ctx, name, payload)
	var ve *events.ValidationError
	switch {
	case errors.As(err, &ve):
		return "", mcplib.NewToolResultError(ve.Error())
	case err != nil:
		s.logger.ErrorContext(ctx, "failed to submit event", "event", name, "error", err)
		return "", mcplib.NewToolResultErrorFromErr("failed to submit event", err)
	case res.Denied != nil:
		return "", mcplib.NewToolResultError(fmt.Sprintf("rate limited, retry after %d seconds", res.Denied.RetryAfterSeconds()))
	}
	return res.RunID, nil
}

func (s *Server) wait(ctx context.Context, runID string, out any) *mcplib.CallToolResult {
	run, err := s.client.Wait(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("run "+runID+" did not finish", err)
	}
	if err := ragflow.Output(run, out); err != nil {
		return mcplib.NewToolResultError(fmt.Sprintf("run %s %s: %v", runID, run.Status, err))
	}
	return nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool result: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}
