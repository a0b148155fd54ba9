package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

const responseBody = `{
  "id": "resp_1",
  "object": "response",
  "created_at": 1700000000,
  "status": "completed",
  "model": "gpt-4o-mini",
  "output": [{
    "type": "message",
    "id": "msg_1",
    "status": "completed",
    "role": "assistant",
    "content": [{"type": "output_text", "text": "{\"value\":0.9}", "annotations": []}]
  }],
  "parallel_tool_calls": true,
  "tool_choice": "auto",
  "tools": []
}`

func TestOpenAI_CompleteSendsSchema(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		assert.Equal(t, "system framing", body["instructions"])

		format := body["text"].(map[string]any)["format"].(map[string]any)
		assert.Equal(t, "json_schema", format["type"])
		assert.Equal(t, "ElementAssessment", format["name"])
		assert.Equal(t, true, format["strict"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(responseBody))
	}))
	defer server.Close()

	c := NewOpenAI(Options{APIKey: "sk-test", BaseURL: server.URL + "/"}, "gpt-4o-mini")
	out, err := c.Complete(context.Background(), llm.Request{
		System:     "system framing",
		Prompt:     "history",
		SchemaName: "ElementAssessment",
		Schema:     map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"value":0.9}`, out)
}

func TestOpenAI_ServerErrorIsTransientProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer server.Close()

	c := NewOpenAI(Options{APIKey: "sk-test", BaseURL: server.URL + "/"}, "gpt-4o-mini")
	_, err := c.Complete(context.Background(), llm.Request{Prompt: "x"})

	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe), "got %v", err)
	assert.Equal(t, http.StatusInternalServerError, pe.StatusCode)
	assert.True(t, llm.IsTransient(err))
}

func TestOpenAIEmbedder_RestoresInputOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)

		var body struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"first", "second"}, body.Input)
		assert.Equal(t, "text-embedding-3-small", body.Model)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
		  "object": "list",
		  "model": "text-embedding-3-small",
		  "data": [
		    {"object": "embedding", "index": 1, "embedding": [0, 1]},
		    {"object": "embedding", "index": 0, "embedding": [1, 0]}
		  ],
		  "usage": {"prompt_tokens": 2, "total_tokens": 2}
		}`))
	}))
	defer server.Close()

	e := NewOpenAIEmbedder(Options{APIKey: "sk-test", BaseURL: server.URL + "/"}, "text-embedding-3-small")
	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])
	assert.Equal(t, "text-embedding-3-small", e.Model())
}

func TestOpenAIEmbedder_CountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[1]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
	}))
	defer server.Close()

	e := NewOpenAIEmbedder(Options{APIKey: "k", BaseURL: server.URL + "/"}, "m")
	_, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestOpenAIEmbedder_EmptyInput(t *testing.T) {
	e := NewOpenAIEmbedder(Options{APIKey: "k", BaseURL: "http://127.0.0.1:1/"}, "m")
	vecs, err := e.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOpenAI_RequestsPerSecondPacesCalls(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(responseBody))
	}))
	defer server.Close()

	c := NewOpenAI(Options{APIKey: "k", BaseURL: server.URL + "/", RequestsPerSecond: 0.001}, "gpt-4o-mini")
	for range 5 {
		_, err := c.Complete(context.Background(), llm.Request{Prompt: "hi"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, llm.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit wait")
	assert.Equal(t, int32(5), hits.Load(), "the paced call never reaches the API")
}
