package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/backends/postgres"
	"github.com/dynoinc/ragflow/config"
	"github.com/dynoinc/ragflow/loader"
	"github.com/dynoinc/ragflow/providers/ollama"
	"github.com/dynoinc/ragflow/providers/openai"
	"github.com/dynoinc/ragflow/rag"
	"github.com/dynoinc/ragflow/vectorstore/memory"
	"github.com/dynoinc/ragflow/vectorstore/pgvector"
	"github.com/dynoinc/ragflow/vectorstore/qdrant"
)

// app holds the wired engine and everything that must be closed on exit.
type app struct {
	engine  *ragflow.Engine
	client  *ragflow.Client
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	store, err := openStore(ctx, cfg.Store, a)
	if err != nil {
		return nil, err
	}
	vectors, err := openVectorStore(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}
	embedder, generator, err := openProviders(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if embedder.Dimensions() != cfg.Provider.Dimensions {
		return nil, fmt.Errorf("embedder produces %d dimensions, config expects %d", embedder.Dimensions(), cfg.Provider.Dimensions)
	}

	ingest, err := rag.NewIngestFunction(rag.IngestDeps{
		Loader:   loader.New(),
		Embedder: embedder,
		Store:    vectors,
	}, cfg.IngestFunctionConfig())
	if err != nil {
		return nil, err
	}
	query, err := rag.NewQueryFunction(rag.QueryDeps{
		Embedder:  embedder,
		Generator: generator,
		Store:     vectors,
	}, cfg.QueryFunctionConfig())
	if err != nil {
		return nil, err
	}

	a.engine, err = ragflow.New(store, []ragflow.Function{ingest, query},
		ragflow.WithLogger(logger),
		ragflow.WithPollInterval(cfg.Engine.PollInterval),
		ragflow.WithLeaseDuration(cfg.Engine.LeaseDuration),
		ragflow.WithMaxConcurrentRuns(cfg.Engine.MaxConcurrentRuns),
	)
	if err != nil {
		return nil, err
	}
	a.client = ragflow.NewClient(a.engine)
	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, a *app) (ragflow.Store, error) {
	switch cfg.Driver {
	case "memory":
		return ragflow.NewInMemoryStore(), nil
	case "sqlite":
		store, err := ragflow.NewSQLiteStore(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	case "postgres":
		store, err := postgres.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func openVectorStore(ctx context.Context, cfg config.Config, logger *slog.Logger, a *app) (rag.VectorStore, error) {
	switch cfg.Vector.Driver {
	case "memory":
		return memory.New(cfg.Provider.Dimensions), nil
	case "qdrant":
		store, err := qdrant.New(ctx, qdrant.Config{
			URL:        cfg.Vector.URL,
			APIKey:     cfg.Vector.APIKey,
			Collection: cfg.Vector.Collection,
			Dims:       uint64(cfg.Provider.Dimensions),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open qdrant: %w", err)
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		return store, nil
	case "pgvector":
		store, err := pgvector.New(ctx, pgvector.Config{
			DSN:   cfg.Store.DSN,
			Table: cfg.Vector.Collection,
			Dims:  cfg.Provider.Dimensions,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("open pgvector: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown vector driver %q", cfg.Vector.Driver)
	}
}

type provider interface {
	rag.Embedder
	rag.Generator
}

func openProviders(cfg config.ProviderConfig) (rag.Embedder, rag.Generator, error) {
	var ollamaClient, openaiClient provider
	get := func(name string) (provider, error) {
		switch name {
		case "ollama":
			if ollamaClient == nil {
				ollamaClient = ollama.New(ollama.Config{
					BaseURL:           cfg.OllamaURL,
					EmbedModel:        cfg.OllamaEmbedModel,
					GenerateModel:     cfg.OllamaGenerateModel,
					Dimensions:        cfg.Dimensions,
					RequestsPerSecond: cfg.RequestsPerSecond,
				})
			}
			return ollamaClient, nil
		case "openai":
			if cfg.OpenAIAPIKey == "" {
				return nil, errors.New("OPENAI_API_KEY is required for the openai provider")
			}
			if openaiClient == nil {
				openaiClient = openai.New(openai.Config{
					APIKey:            cfg.OpenAIAPIKey,
					BaseURL:           cfg.OpenAIBaseURL,
					EmbedModel:        cfg.OpenAIEmbedModel,
					GenerateModel:     cfg.OpenAIGenerateModel,
					Dimensions:        cfg.Dimensions,
					RequestsPerSecond: cfg.RequestsPerSecond,
				})
			}
			return openaiClient, nil
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
	}

	embedder, err := get(cfg.Embed)
	if err != nil {
		return nil, nil, err
	}
	generator, err := get(cfg.Generate)
	if err != nil {
		return nil, nil, err
	}
	return embedder, generator, nil
}
