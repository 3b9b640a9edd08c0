package rag

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/events"
)

// Query defaults.
const (
	DefaultTopK = 5
	MaxTopK     = 50

	DefaultTemperature = 0.2
	DefaultMaxTokens   = 1024
)

// NoContextAnswer is returned when no stored chunk matches the question.
const NoContextAnswer = "I could not find any relevant context in the ingested documents to answer this question."

const systemPrompt = "You answer questions using only the provided context. " +
	"If the context does not contain the answer, say that you do not know."

// QueryPayload is the payload of QueryEvent.
type QueryPayload struct {
	Question string `json:"question"`
	TopK     *int   `json:"top_k,omitempty"`
}

// Validate requires a question and defaults TopK.
func (p *QueryPayload) Validate() error {
	p.Question = strings.TrimSpace(p.Question)
	if p.Question == "" {
		return events.FieldError("question", "is required")
	}
	if strings.ContainsRune(p.Question, 0) {
		return events.FieldError("question", "must not contain NUL characters")
	}
	if p.TopK == nil {
		k := DefaultTopK
		p.TopK = &k
	}
	if *p.TopK < 1 || *p.TopK > MaxTopK {
		return events.FieldError("top_k", "must be between 1 and %d, got %d", MaxTopK, *p.TopK)
	}
	return nil
}

// SearchResult is the memoized output of the retrieval step.
type SearchResult struct {
	Contexts []RetrievedContext `json:"contexts"`
	Sources  []string           `json:"sources"`
}

// QueryResult is the output of a completed query run.
type QueryResult struct {
	Answer      string   `json:"answer"`
	Sources     []string `json:"sources"`
	NumContexts int      `json:"num_contexts"`
}

// QueryDeps are the providers the query function calls.
type QueryDeps struct {
	Embedder  Embedder
	Generator Generator
	Store     VectorStore
}

// QueryConfig tunes the query function.
type QueryConfig struct {
	Temperature float64
	MaxTokens   int

	Throttle    *ragflow.Throttle
	Retry       *ragflow.RetryPolicy
	StepTimeout time.Duration
}

// DefaultQueryConfig returns the default generation settings.
func DefaultQueryConfig() QueryConfig {
	return QueryConfig{
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
}

// NewQueryFunction returns the function that retrieves context and answers a question.
func NewQueryFunction(deps QueryDeps, cfg QueryConfig) (ragflow.Function, error) {
	if deps.Embedder == nil || deps.Generator == nil || deps.Store == nil {
		return nil, errors.New("query: embedder, generator and store are required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	q := &querier{deps: deps, cfg: cfg}
	return ragflow.NewFunction(ragflow.FunctionConfig{
		ID:          "query-pdf",
		Event:       QueryEvent,
		Throttle:    cfg.Throttle,
		Retry:       cfg.Retry,
		StepTimeout: cfg.StepTimeout,
	}, q.run), nil
}

type querier struct {
	deps QueryDeps
	cfg  QueryConfig
}

func (q *querier) run(wc *ragflow.Context, in QueryPayload) (QueryResult, error) {
	found, err := ragflow.Step(wc, "embed-and-search", func(ctx context.Context) (SearchResult, error) {
		return q.search(ctx, in.Question, *in.TopK)
	})
	if err != nil {
		return QueryResult{}, err
	}

	if len(found.Contexts) == 0 {
		wc.Logger().Info("no context found, skipping generation")
		return QueryResult{Answer: NoContextAnswer, Sources: []string{}}, nil
	}

	answer, err := ragflow.Step(wc, "generate-answer", func(ctx context.Context) (string, error) {
		return q.deps.Generator.Generate(ctx, GenerateRequest{
			System:      systemPrompt,
			Prompt:      BuildPrompt(in.Question, found.Contexts),
			Temperature: q.cfg.Temperature,
			MaxTokens:   q.cfg.MaxTokens,
		})
	})
	if err != nil {
		return QueryResult{}, err
	}

	return QueryResult{
		Answer:      strings.TrimSpace(answer),
		Sources:     found.Sources,
		NumContexts: len(found.Contexts),
	}, nil
}

func (q *querier) search(ctx context.Context, question string, topK int) (SearchResult, error) {
	vectors, err := q.deps.Embedder.Embed(ctx, []string{question})
	if err != nil {
		return SearchResult{}, err
	}
	if len(vectors) != 1 {
		return SearchResult{}, ragflow.Terminalf("embedder returned %d vectors for 1 text", len(vectors))
	}
	if dims := q.deps.Embedder.Dimensions(); len(vectors[0]) != dims {
		return SearchResult{}, ragflow.Terminalf("embedding dimension mismatch: got %d, want %d", len(vectors[0]), dims)
	}

	hits, err := q.deps.Store.Search(ctx, vectors[0], topK)
	if err != nil {
		return SearchResult{}, err
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}

	res := SearchResult{
		Contexts: make([]RetrievedContext, 0, len(hits)),
		Sources:  []string{},
	}
	for _, h := range hits {
		res.Contexts = append(res.Contexts, RetrievedContext{
			Text:       h.Payload.Text,
			Source:     h.Payload.SourceID,
			ChunkIndex: h.Payload.ChunkIndex,
			Score:      h.Score,
		})
		if h.Payload.SourceID != "" {
			res.Sources = append(res.Sources, h.Payload.SourceID)
		}
	}
	slices.SortStableFunc(res.Contexts, func(a, b RetrievedContext) int {
		return cmp.Compare(b.Score, a.Score)
	})
	slices.Sort(res.Sources)
	res.Sources = slices.Compact(res.Sources)
	return res, nil
}

// BuildPrompt renders the retrieved contexts and the question into a single prompt.
func BuildPrompt(question string, contexts []RetrievedContext) string {
	var b strings.Builder
	b.WriteString("Use the following context to answer the question.\n\nContext:\n")
	for i, c := range contexts {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(c.Text)
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nAnswer concisely using the context above.")
	return b.String()
}
