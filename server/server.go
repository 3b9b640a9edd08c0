// Package server exposes the engine over HTTP: event ingress plus run inspection.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/events"
)

// maxEventBytes bounds the body of an event submission.
const maxEventBytes = 1 << 20

// Engine is the part of *ragflow.Engine the server calls.
type Engine interface {
	Submit(ctx context.Context, name string, data json.RawMessage) (ragflow.SubmitResult, error)
	Status(ctx context.Context, runID string) (*ragflow.Run, error)
	Steps(ctx context.Context, runID string) ([]*ragflow.StepRecord, error)
	Cancel(ctx context.Context, runID string) error
}

// Config holds the dependencies of a Server.
type Config struct {
	Addr   string
	Engine Engine
	Logger *slog.Logger
	// MCPServer, when set, is served over streamable HTTP at /mcp.
	MCPServer *mcpserver.MCPServer
}

// Server is the ragflow HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	engine     Engine
	logger     *slog.Logger
}

// New creates a server with all routes configured.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{engine: cfg.Engine, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /events/{name...}", s.handleSubmit)
	mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/steps", s.handleGetSteps)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

type deniedResponse struct {
	Error             string `json:"error"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	res, err := s.engine.Submit(r.Context(), name, body)
	var ve *events.ValidationError
	switch {
	case errors.Is(err, ragflow.ErrUnknownEvent):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case err != nil:
		s.logger.ErrorContext(r.Context(), "failed to submit event", "event", name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to submit event")
	case res.Denied != nil:
		secs := res.Denied.RetryAfterSeconds()
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, deniedResponse{Error: "admission denied", RetryAfterSeconds: secs})
	default:
		writeJSON(w, http.StatusAccepted, submitResponse{RunID: res.RunID})
	}
}

type runResponse struct {
	ID         string            `json:"id"`
	FunctionID string            `json:"function_id"`
	Event      string            `json:"event"`
	Status     ragflow.RunStatus `json:"status"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      *ragflow.RunError `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	WakeAt     *time.Time        `json:"wake_at,omitempty"`
}

func newRunResponse(run *ragflow.Run) runResponse {
	resp := runResponse{
		ID:         run.ID,
		FunctionID: run.FunctionID,
		Event:      run.Event.Name,
		Status:     run.Status,
		Result:     run.Result,
		Error:      run.Error,
		CreatedAt:  run.CreatedAt,
		FinishedAt: run.FinishedAt,
	}
	if !run.Status.Terminal() && !run.WakeAt.IsZero() {
		wakeAt := run.WakeAt
		resp.WakeAt = &wakeAt
	}
	return resp
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run))
}

func (s *Server) handleGetSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.engine.Steps(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	if steps == nil {
		steps = []*ragflow.StepRecord{}
	}
	writeJSON(w, http.StatusOK, steps)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.writeRunError(w, r, err)
		return
	}
	run, err := s.engine.Status(r.Context(), id)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRunResponse(run))
}

func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ragflow.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, ragflow.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.ErrorContext(r.Context(), "run lookup failed", "run_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
