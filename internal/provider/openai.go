// Package provider adapts the OpenAI API to the completion and embedding
// interfaces used by extraction, discovery and construct creation.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"golang.org/x/time/rate"

	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

// Options configures the shared OpenAI client.
type Options struct {
	APIKey  string
	BaseURL string
	// RequestsPerSecond paces completion calls; zero disables pacing.
	RequestsPerSecond float64
}

func newClient(opts Options) openai.Client {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// Retries are owned by llm.RetryPolicy and the embedding client.
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return openai.NewClient(reqOpts...)
}

// OpenAI implements llm.Completer with the Responses API and strict JSON-schema output.
type OpenAI struct {
	client    openai.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
}

func NewOpenAI(opts Options, model string) *OpenAI {
	o := &OpenAI{client: newClient(opts), model: model, maxTokens: 1024}
	if opts.RequestsPerSecond > 0 {
		o.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 5)
	}
	return o
}

func (o *OpenAI) Complete(ctx context.Context, req llm.Request) (string, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	maxTokens := o.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(maxTokens),
		Instructions:    openai.String(req.System),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.Prompt, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "Response"
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(true),
					Type:   "json_schema",
				},
			},
		}
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return "", classify(ctx, err)
	}
	out := resp.OutputText()
	if out == "" {
		return "", &llm.ProviderError{Provider: "openai", StatusCode: 200, Message: "empty output text"}
	}
	return out, nil
}

// OpenAIEmbedder implements embedding.Provider with the Embeddings API.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
}

func NewOpenAIEmbedder(opts Options, model string) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: newClient(opts), model: model}
}

func (e *OpenAIEmbedder) Model() string { return e.model }

// EmbedBatch embeds texts in one request, returning vectors in input order.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, &llm.ProviderError{
			Provider: "openai", StatusCode: 200,
			Message: fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(resp.Data)),
		}
	}

	data := resp.Data
	sort.SliceStable(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", llm.ErrProviderTimeout, err)
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &llm.ProviderError{Provider: "openai", StatusCode: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &llm.ProviderError{Provider: "openai", Message: "request failed", Err: err}
}
