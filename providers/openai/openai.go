// Package openai implements rag.Embedder and rag.Generator with the OpenAI API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/providers"
	"github.com/dynoinc/ragflow/rag"
)

// Defaults for the hosted API.
const (
	DefaultEmbedModel    = "text-embedding-3-small"
	DefaultDimensions    = 1536
	DefaultGenerateModel = "gpt-4o-mini"
)

// Config configures a Client.
type Config struct {
	APIKey string
	// BaseURL points at an OpenAI compatible endpoint. Empty uses the SDK default.
	BaseURL       string
	EmbedModel    string
	GenerateModel string
	Dimensions    int
	// RequestsPerSecond paces outbound requests. Zero disables pacing.
	RequestsPerSecond float64
}

// Client wraps the openai-go SDK.
type Client struct {
	cfg     Config
	client  openai.Client
	limiter *rate.Limiter
}

var (
	_ rag.Embedder  = (*Client)(nil)
	_ rag.Generator = (*Client)(nil)
)

// New creates a Client. The SDK's own retries are disabled, the engine retries steps.
func New(cfg Config, opts ...option.RequestOption) *Client {
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = DefaultEmbedModel
	}
	if cfg.GenerateModel == "" {
		cfg.GenerateModel = DefaultGenerateModel
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultDimensions
	}

	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	reqOpts = append(reqOpts, opts...)

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &Client{
		cfg:     cfg,
		client:  openai.NewClient(reqOpts...),
		limiter: limiter,
	}
}

// Dimensions returns the configured embedding size.
func (c *Client) Dimensions() int { return c.cfg.Dimensions }

// Embed embeds all texts in one request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(c.cfg.EmbedModel),
	}
	// Only the v3 models accept a target dimension.
	if strings.HasPrefix(c.cfg.EmbedModel, "text-embedding-3") {
		params.Dimensions = openai.Int(int64(c.cfg.Dimensions))
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify("openai: embed", err)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(texts) {
			return nil, ragflow.Terminalf("openai: invalid index %d in response", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		vecs[d.Index] = vec
	}
	for i, v := range vecs {
		if v == nil {
			return nil, ragflow.Terminalf("openai: missing embedding for item %d", i)
		}
	}
	return vecs, nil
}

// Generate runs a chat completion with a system and a user message.
func (c *Client) Generate(ctx context.Context, req rag.GenerateRequest) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.cfg.GenerateModel),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify("openai: generate", err)
	}
	if len(resp.Choices) == 0 {
		return "", ragflow.Retryable(errors.New("openai: generate: no choices returned"))
	}
	return resp.Choices[0].Message.Content, nil
}

func classify(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var retryAfter time.Duration
		if apiErr.Response != nil {
			retryAfter = providers.RetryAfter(apiErr.Response.Header)
		}
		return providers.StatusError(op, apiErr.StatusCode, apiErr.Message, retryAfter)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return ragflow.Retryable(fmt.Errorf("%s: %w", op, err))
}
