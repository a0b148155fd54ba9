package anthropic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

const defaultBaseURL = "https://api.anthropic.com"

// Client implements llm.Completer over the Anthropic Messages API.
type Client struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
}

func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey:    apiKey,
		model:     model,
		maxTokens: 1024,
		baseURL:   defaultBaseURL,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

// SetBaseURL points the client at another host, such as a proxy or a test server.
func (c *Client) SetBaseURL(url string) {
	c.baseURL = url
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
}

type response struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends one user message and returns the text response. The Messages
// API has no schema-constrained mode, so a requested schema is appended to the
// system prompt and enforced by the caller's decoder.
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	reqBody := request{
		Model:       c.model,
		MaxTokens:   maxTokens,
		System:      systemWithSchema(req),
		Messages:    []Message{{Role: "user", Content: req.Prompt}},
		Temperature: 0.3,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", llm.ErrProviderTimeout, err)
		}
		return "", &llm.ProviderError{Provider: "anthropic", Message: "api call failed", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &llm.ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Type + ": " + errResp.Error.Message
		}
		return "", &llm.ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: msg}
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", &llm.ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: "unmarshal response", Err: err}
	}

	if len(apiResp.Content) == 0 {
		return "", &llm.ProviderError{Provider: "anthropic", StatusCode: resp.StatusCode, Message: "empty response content"}
	}

	return apiResp.Content[0].Text, nil
}

func systemWithSchema(req llm.Request) string {
	if req.Schema == nil {
		return req.System
	}
	schema, err := json.Marshal(req.Schema)
	if err != nil {
		return req.System
	}
	return req.System + "\n\nRespond with a single JSON object and nothing else. It must match this JSON schema:\n" + string(schema)
}
