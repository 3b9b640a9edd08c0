package rag_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dynoinc/ragflow"
	"github.com/dynoinc/ragflow/events"
	"github.com/dynoinc/ragflow/rag"
)

func TestQueryPayloadValidation(t *testing.T) {
	p, err := events.Decode[rag.QueryPayload](rag.QueryEvent, json.RawMessage(`{"question":"  what is ragflow?  "}`))
	require.NoError(t, err)
	require.Equal(t, "what is ragflow?", p.Question)
	require.Equal(t, rag.DefaultTopK, *p.TopK)

	for name, data := range map[string]string{
		"blank question":  `{"question":"   "}`,
		"top_k zero":      `{"question":"q","top_k":0}`,
		"top_k too big":   `{"question":"q","top_k":51}`,
		"top_k negative":  `{"question":"q","top_k":-3}`,
		"NUL in question": `{"question":"what\u0000is"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := events.Decode[rag.QueryPayload](rag.QueryEvent, json.RawMessage(data))
			var ve *events.ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}

	p, err = events.Decode[rag.QueryPayload](rag.QueryEvent, json.RawMessage(`{"question":"q","top_k":50}`))
	require.NoError(t, err)
	require.Equal(t, 50, *p.TopK)
}

func TestQueryAnswersFromIngestedChunks(t *testing.T) {
	h := newHarness(t, rag.DefaultIngestConfig())
	h.loader.docs["/tmp/a.pdf"] = words("w", 550)
	require.Equal(t, ragflow.RunStatusCompleted,
		h.process(h.submit(rag.IngestEvent, rag.IngestPayload{PDFPath: "/tmp/a.pdf", SourceID: "a"})).Status)

	topK := 2
	runID := h.submit(rag.QueryEvent, rag.QueryPayload{Question: "waa wba wca", TopK: &topK})
	run := h.process(runID)
	require.Equal(t, ragflow.RunStatusCompleted, run.Status)

	var out rag.QueryResult
	require.NoError(t, ragflow.Output(run, &out))
	require.Equal(t, "the answer", out.Answer)
	require.Equal(t, []string{"a"}, out.Sources)
	require.Equal(t, 2, out.NumContexts)

	steps, err := h.engine.Steps(t.Context(), runID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, "embed-and-search", steps[0].StepKey)
	require.Equal(t, "generate-answer", steps[1].StepKey)

	var found rag.SearchResult
	require.NoError(t, json.Unmarshal(steps[0].Output, &found))
	require.Len(t, found.Contexts, 2)
	require.GreaterOrEqual(t, found.Contexts[0].Score, found.Contexts[1].Score)

	reqs := h.generator.Requests()
	require.Len(t, reqs, 1)
	require.InDelta(t, 0.2, reqs[0].Temperature, 1e-9)
	require.Equal(t, 1024, reqs[0].MaxTokens)
	require.NotEmpty(t, reqs[0].System)
	require.Contains(t, reqs[0].Prompt, found.Contexts[0].Text)
	require.Contains(t, reqs[0].Prompt, found.Contexts[1].Text)
	require.Contains(t, reqs[0].Prompt, "Question: waa wba wca")
}

func TestQueryWithoutContextSkipsGeneration(t *testing.T) {
	h := newHarness(t, rag.DefaultIngestConfig())

	runID := h.submit(rag.QueryEvent, rag.QueryPayload{Question: "anything there?"})
	run := h.process(runID)
	require.Equal(t, ragflow.RunStatusCompleted, run.Status)
	require.JSONEq(t, `{"answer":"`+rag.NoContextAnswer+`","sources":[],"num_contexts":0}`, string(run.Result))
	require.Empty(t, h.generator.Requests())
	require.Equal(t, []string{"embed-and-search:succeeded"}, h.stepKeys(runID))
}

func TestQueryRetryReusesSearch(t *testing.T) {
	h := newHarness(t, rag.DefaultIngestConfig())
	h.loader.docs["/tmp/a.pdf"] = "alpha beta gamma"
	require.Equal(t, ragflow.RunStatusCompleted,
		h.process(h.submit(rag.IngestEvent, rag.IngestPayload{PDFPath: "/tmp/a.pdf"})).Status)
	embedCalls := h.embedder.Calls()

	runID := h.submit(rag.QueryEvent, rag.QueryPayload{Question: "alpha"})
	run := h.process(runID)
	require.Equal(t, ragflow.RunStatusCompleted, run.Status)
	require.Equal(t, embedCalls+1, h.embedder.Calls())

	// A second pass over a completed run must not touch the providers.
	h.process(runID)
	require.Equal(t, embedCalls+1, h.embedder.Calls())
	require.Len(t, h.generator.Requests(), 1)
}

func TestBuildPrompt(t *testing.T) {
	prompt := rag.BuildPrompt("why?", []rag.RetrievedContext{{Text: "first"}, {Text: "second"}})
	require.Equal(t, "Use the following context to answer the question.\n\nContext:\nfirst\n\nsecond"+
		"\n\nQuestion: why?\nAnswer concisely using the context above.", prompt)
}
