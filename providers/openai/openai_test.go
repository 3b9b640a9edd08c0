package openai

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/rag"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", BaseURL: srv.URL + "/", Dimensions: 3})
}

func TestEmbed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embeddings", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, DefaultEmbedModel, body["model"])
		require.Equal(t, []any{"first", "second"}, body["input"])
		require.EqualValues(t, 3, body["dimensions"])

		w.Header().Set("Content-Type", "application/json")
		// Out of order on purpose.
		_, _ = w.Write([]byte(`{"object":"list","model":"text-embedding-3-small",
			"data":[
				{"object":"embedding","index":1,"embedding":[0,1,0]},
				{"object":"embedding","index":0,"embedding":[1,0,0]}
			],
			"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	})

	vecs, err := c.Embed(t.Context(), []string{"first", "second"})
	require.NoError(t, err)
	require.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
	require.Equal(t, 3, c.Dimensions())
}

func TestGenerate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var body struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			MaxTokens   int     `json:"max_tokens"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, DefaultGenerateModel, body.Model)
		require.InDelta(t, 0.2, body.Temperature, 1e-9)
		require.Equal(t, 1024, body.MaxTokens)
		require.Len(t, body.Messages, 2)
		require.Equal(t, "system", body.Messages[0].Role)
		require.Equal(t, "user", body.Messages[1].Role)
		require.Equal(t, "what?", body.Messages[1].Content)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"42"}}]}`))
	})

	answer, err := c.Generate(t.Context(), rag.GenerateRequest{System: "be brief", Prompt: "what?", Temperature: 0.2, MaxTokens: 1024})
	require.NoError(t, err)
	require.Equal(t, "42", answer)
}

func TestErrorsAreClassified(t *testing.T) {
	for code, want := range map[int]ragflow.ErrorKind{
		http.StatusTooManyRequests:     ragflow.ErrorKindRetryable,
		http.StatusInternalServerError: ragflow.ErrorKindRetryable,
		http.StatusBadRequest:          ragflow.ErrorKindTerminal,
		http.StatusUnauthorized:        ragflow.ErrorKindTerminal,
	} {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
		})
		_, err := c.Embed(t.Context(), []string{"x"})
		require.Error(t, err)
		require.Equal(t, want, ragflow.Classify(err), "status %d", code)
	}
}
