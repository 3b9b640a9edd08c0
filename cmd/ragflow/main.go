// Command ragflow runs the document ingestion and question answering workflows.
//
// Usage:
//
//	ragflow [-config ragflow.yaml] serve|mcp|chat
//
// serve runs the HTTP ingress and a worker. mcp serves MCP tools over stdio and runs a
// worker. chat starts an interactive prompt backed by an in-process worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/dynoinc/ragflow/config"
	"github.com/dynoinc/ragflow/mcpserver"
	"github.com/dynoinc/ragflow/server"
	"github.com/dynoinc/ragflow/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	_ = godotenv.Load()

	cfgPath := flag.String("config", "", "Path to YAML config file (optional)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] serve|mcp|chat\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	mode := "serve"
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	level, _ := cfg.Log.SlogLevel()

	// stdout carries the MCP protocol in mcp mode, so logs always go to stderr.
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.StampMilli,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, mode, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, mode string, cfg config.Config, logger *slog.Logger) error {
	switch mode {
	case "serve", "mcp", "chat":
	default:
		flag.Usage()
		return fmt.Errorf("unknown mode %q", mode)
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("ragflow starting", "version", version, "mode", mode,
		"store", cfg.Store.Driver, "vector", cfg.Vector.Driver,
		"embed", cfg.Provider.Embed, "generate", cfg.Provider.Generate)

	switch mode {
	case "serve":
		return serve(ctx, cfg, a, logger)
	case "mcp":
		return serveMCP(ctx, a, logger)
	default:
		return chat(ctx, a, logger)
	}
}

func serve(ctx context.Context, cfg config.Config, a *app, logger *slog.Logger) error {
	mcp := mcpserver.New(a.client, version, logger)
	srv := server.New(server.Config{
		Addr:      cfg.HTTP.Addr,
		Engine:    a.engine,
		Logger:    logger,
		MCPServer: mcp.MCPServer(),
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Start(ctx) })
	g.Go(func() error { return srv.ListenAndServe(ctx) })
	return g.Wait()
}

func serveMCP(ctx context.Context, a *app, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Start(ctx) })
	g.Go(func() error {
		// ServeStdio returns when stdin closes; stop the worker with it.
		defer cancel()
		err := mcpserver.New(a.client, version, logger).ServeStdio()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}
