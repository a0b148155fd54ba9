package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

func TestComplete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "you are a test", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "hello", req.Messages[0].Content)
		assert.Equal(t, 100, req.MaxTokens)

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"content":[{"type":"text","text":"world"}],"stop_reason":"end_turn"}`))
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetBaseURL(server.URL)

	result, err := c.Complete(context.Background(), llm.Request{System: "you are a test", Prompt: "hello", MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "world", result)
}

func TestComplete_SchemaAppendedToSystem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.System, "base prompt")
		assert.Contains(t, req.System, `"confidence"`)
		assert.Equal(t, 1024, req.MaxTokens)
		w.Write([]byte(`{"content":[{"type":"text","text":"{}"}]}`))
	}))
	defer server.Close()

	c := NewClient("k", "m")
	c.SetBaseURL(server.URL)

	_, err := c.Complete(context.Background(), llm.Request{
		System: "base prompt",
		Prompt: "x",
		Schema: map[string]any{"type": "object", "properties": map[string]any{"confidence": map[string]any{"type": "number"}}},
	})
	require.NoError(t, err)
}

func TestComplete_APIErrorIsTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"max_tokens is too large"}}`))
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetBaseURL(server.URL)

	_, err := c.Complete(context.Background(), llm.Request{Prompt: "hi"})
	var pe *llm.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
	assert.Contains(t, pe.Message, "max_tokens is too large")
	assert.False(t, llm.IsTransient(err))
}

func TestComplete_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("upstream overloaded"))
	}))
	defer server.Close()

	c := NewClient("k", "m")
	c.SetBaseURL(server.URL)

	_, err := c.Complete(context.Background(), llm.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
}

func TestComplete_EmptyContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":[],"stop_reason":"end_turn"}`))
	}))
	defer server.Close()

	c := NewClient("test-key", "test-model")
	c.SetBaseURL(server.URL)

	_, err := c.Complete(context.Background(), llm.Request{Prompt: "hi"})
	assert.Error(t, err)
}

func TestComplete_DeadlineIsProviderTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	c := NewClient("k", "m")
	c.SetBaseURL(server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, llm.Request{Prompt: "hi"})
	assert.True(t, errors.Is(err, llm.ErrProviderTimeout))
}
