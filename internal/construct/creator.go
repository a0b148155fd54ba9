package construct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/aperture/internal/catalog"
	"github.com/MikeSquared-Agency/aperture/internal/embedding"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
	"github.com/MikeSquared-Agency/aperture/internal/metrics"
)

type MatchType string

const (
	MatchTemplate MatchType = "template"
	MatchCustom   MatchType = "custom"
)

// State is a step of a creation request.
type State string

const (
	StateReceived      State = "received"
	StateEmbedding     State = "embedding"
	StateTemplateMatch State = "template_match"
	StateGenerating    State = "generating"
	StateValidating    State = "validating"
	StateRegenerating  State = "regenerating"
	StateReturned      State = "returned"
	StateFailed        State = "failed"
)

// TemplateMatch is a template ranked against a description.
type TemplateMatch struct {
	catalog.Template
	Similarity float64 `json:"similarity"`
}

type MatchResult struct {
	MatchType          MatchType       `json:"match_type"`
	SuggestedTemplates []TemplateMatch `json:"suggested_templates,omitempty"`
	CustomGenerated    *Config         `json:"custom_generated,omitempty"`
	Message            string          `json:"message"`
	Trace              []State         `json:"trace"`
}

// PatternSource supplies templates derived from recent discovery runs.
type PatternSource interface {
	DiscoveredTemplates(ctx context.Context, since time.Time) ([]catalog.Template, error)
}

type Options struct {
	MatchThreshold float64
	TopK           int
	MinSimilarity  float64
	// PatternLookback bounds which discovery runs contribute templates.
	PatternLookback time.Duration
	Patterns        PatternSource
	Retry           llm.RetryPolicy
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

type Creator struct {
	templates []catalog.Template
	embedder  *embedding.Client
	completer llm.Completer
	opts      Options

	flight  singleflight.Group
	mu      sync.RWMutex
	vectors map[string]embedding.Vector
}

func New(templates []catalog.Template, embedder *embedding.Client, completer llm.Completer, opts Options) *Creator {
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = 0.75
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = 0.6
	}
	if opts.PatternLookback <= 0 {
		opts.PatternLookback = 30 * 24 * time.Hour
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = llm.DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Creator{
		templates: templates,
		embedder:  embedder,
		completer: completer,
		opts:      opts,
		vectors:   make(map[string]embedding.Vector),
	}
}

// Templates lists catalog templates filtered by query and use case.
func (c *Creator) Templates(query, useCase string) []catalog.Template {
	cat := catalog.Catalog{Templates: c.templates}
	return cat.SearchTemplates(query, useCase)
}

// CreateFromDescription matches description against known templates and
// generates a custom config when nothing matches closely enough.
func (c *Creator) CreateFromDescription(ctx context.Context, description string) (*MatchResult, error) {
	trace := []State{StateReceived}
	description = strings.TrimSpace(description)
	if description == "" {
		return nil, ErrEmptyDescription
	}

	trace = append(trace, StateEmbedding)
	query, err := c.embedder.Embed(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("embed description: %w", err)
	}

	matches := c.rank(ctx, query)
	if len(matches) > 0 && matches[0].Similarity >= c.opts.MatchThreshold {
		trace = append(trace, StateTemplateMatch, StateReturned)
		c.finish(MatchTemplate, trace)
		return &MatchResult{
			MatchType:          MatchTemplate,
			SuggestedTemplates: matches,
			Message:            "Found similar existing constructs. Use them as-is or customize them.",
			Trace:              trace,
		}, nil
	}

	var guidance []string
	for attempt := 0; attempt < 2; attempt++ {
		if attempt == 0 {
			trace = append(trace, StateGenerating)
		} else {
			trace = append(trace, StateRegenerating)
		}

		cfg, err := c.generate(ctx, description, guidance)
		if err != nil && !llm.IsParseError(err) {
			trace = append(trace, StateFailed)
			c.finish("failed", trace)
			return nil, fmt.Errorf("generate construct: %w", err)
		}

		trace = append(trace, StateValidating)
		if err != nil {
			guidance = []string{"the previous response was not a valid JSON object"}
			continue
		}
		verr := cfg.Validate()
		if verr == nil {
			trace = append(trace, StateReturned)
			c.finish(MatchCustom, trace)
			return &MatchResult{
				MatchType:          MatchCustom,
				SuggestedTemplates: matches,
				CustomGenerated:    &cfg,
				Message:            "Generated a custom construct from the description.",
				Trace:              trace,
			}, nil
		}
		var ve *ValidationError
		errors.As(verr, &ve)
		guidance = ve.Issues
	}

	trace = append(trace, StateFailed)
	c.finish("failed", trace)
	return nil, &ValidationError{Issues: guidance}
}

func (c *Creator) finish(kind MatchType, trace []State) {
	c.opts.Metrics.ConstructResult(string(kind))
	c.opts.Logger.Debug("construct request finished", "match_type", kind, "trace", trace)
}

// rank scores every candidate template against query.
func (c *Creator) rank(ctx context.Context, query embedding.Vector) []TemplateMatch {
	candidates := c.candidates(ctx)
	vectors := c.templateVectors(ctx, candidates)

	cands := make([]embedding.Candidate[catalog.Template], len(candidates))
	for i, t := range candidates {
		cands[i] = embedding.Candidate[catalog.Template]{Item: t, Vector: vectors[t.MatchText()]}
	}

	found := embedding.FindSimilar(query, cands, c.opts.TopK, c.opts.MinSimilarity)
	out := make([]TemplateMatch, len(found))
	for i, m := range found {
		out[i] = TemplateMatch{Template: m.Item, Similarity: m.Score}
	}
	return out
}

func (c *Creator) candidates(ctx context.Context) []catalog.Template {
	out := append([]catalog.Template(nil), c.templates...)
	if c.opts.Patterns == nil {
		return out
	}
	discovered, err := c.opts.Patterns.DiscoveredTemplates(ctx, time.Now().Add(-c.opts.PatternLookback))
	if err != nil {
		c.opts.Logger.Warn("failed to load discovered templates", "error", err)
		return out
	}
	return append(out, discovered...)
}

// templateVectors returns vectors keyed by match text. Templates whose
// embedding fails are absent and drop out of ranking.
func (c *Creator) templateVectors(ctx context.Context, templates []catalog.Template) map[string]embedding.Vector {
	out := make(map[string]embedding.Vector, len(templates))
	var missing []string

	c.mu.RLock()
	for _, t := range templates {
		text := t.MatchText()
		if v, ok := c.vectors[text]; ok {
			out[text] = v
		} else {
			missing = append(missing, text)
		}
	}
	c.mu.RUnlock()
	if len(missing) == 0 {
		return out
	}

	slices.Sort(missing)
	missing = slices.Compact(missing)
	key := strings.Join(missing, "\x00")
	res, _, _ := c.flight.Do(key, func() (any, error) {
		vecs, err := c.embedder.EmbedBatch(ctx, missing)
		if err != nil {
			c.opts.Logger.Warn("failed to embed templates", "count", len(missing), "error", err)
		}
		got := make(map[string]embedding.Vector, len(missing))
		c.mu.Lock()
		for i, v := range vecs {
			if v != nil {
				c.vectors[missing[i]] = v
				got[missing[i]] = v
			}
		}
		c.mu.Unlock()
		return got, nil
	})
	for text, v := range res.(map[string]embedding.Vector) {
		out[text] = v
	}
	return out
}

func (c *Creator) generate(ctx context.Context, description string, guidance []string) (Config, error) {
	raw, err := c.opts.Retry.Complete(ctx, c.completer, llm.Request{
		System:     generateSystem,
		Prompt:     buildGeneratePrompt(description, guidance),
		SchemaName: "ConstructConfig",
		Schema:     draftSchema,
		MaxTokens:  800,
	})
	if err != nil {
		return Config{}, err
	}
	var d Draft
	if err := llm.DecodeJSON(raw, &d); err != nil {
		return Config{}, err
	}
	return d.Config(description), nil
}
