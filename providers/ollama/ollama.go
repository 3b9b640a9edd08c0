// Package ollama implements rag.Embedder and rag.Generator against a local Ollama server.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/providers"
	"github.com/dynoinc/ragflow/rag"
)

// Defaults match the nomic-embed-text model.
const (
	DefaultBaseURL        = "http://localhost:11434"
	DefaultEmbedModel     = "nomic-embed-text"
	DefaultDimensions     = 768
	DefaultGenerateModel  = "llama3.2"
	defaultMaxConcurrency = 4
)

// Config configures a Client.
type Config struct {
	BaseURL       string
	EmbedModel    string
	GenerateModel string
	Dimensions    int
	// RequestsPerSecond paces outbound requests. Zero disables pacing.
	RequestsPerSecond float64
	// MaxConcurrency bounds parallel embedding requests within one batch.
	MaxConcurrency int
	Timeout        time.Duration
}

// Client talks to Ollama's /api/embeddings and /api/generate endpoints.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

var (
	_ rag.Embedder  = (*Client)(nil)
	_ rag.Generator = (*Client)(nil)
)

// New creates a Client, filling zero fields of cfg with defaults.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	if cfg.GenerateModel == "" {
		cfg.GenerateModel = DefaultGenerateModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, cfg.MaxConcurrency))
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
	}
}

// Dimensions returns the configured embedding size.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed embeds each text with its own request, at most MaxConcurrency at a time.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.MaxConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			var resp embedResponse
			if err := c.post(ctx, "/api/embeddings", embedRequest{Model: c.cfg.EmbedModel, Prompt: text}, &resp); err != nil {
				return fmt.Errorf("ollama: embed item %d: %w", i, err)
			}
			if len(resp.Embedding) == 0 {
				return ragflow.Terminalf("ollama: empty embedding returned for item %d", i)
			}
			vecs[i] = resp.Embedding
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

type generateRequest struct {
	Model   string          `json:"model"`
	System  string          `json:"system,omitempty"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// Generate runs a non-streaming completion.
func (c *Client) Generate(ctx context.Context, req rag.GenerateRequest) (string, error) {
	var resp generateResponse
	err := c.post(ctx, "/api/generate", generateRequest{
		Model:  c.cfg.GenerateModel,
		System: req.System,
		Prompt: req.Prompt,
		Options: generateOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("ollama: generate: %w", err)
	}
	return resp.Response, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqBody, err := json.Marshal(body)
	if err != nil {
		return ragflow.Terminal(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return ragflow.Terminal(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return ragflow.Retryable(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return providers.StatusError(path, resp.StatusCode, string(msg), providers.RetryAfter(resp.Header))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ragflow.Retryable(fmt.Errorf("decode response: %w", err))
	}
	return nil
}
