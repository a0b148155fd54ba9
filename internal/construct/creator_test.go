package construct

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/aperture/internal/catalog"
	"github.com/MikeSquared-Agency/aperture/internal/embedding"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

var keywords = []string{"purchase", "support", "student", "developer", "upgrade"}

// keywordEmbedder maps text to keyword counts plus a small constant so no
// vector has zero norm.
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (k *keywordEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	k.mu.Lock()
	k.calls++
	k.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		lower := strings.ToLower(t)
		v := make([]float32, len(keywords)+1)
		for j, kw := range keywords {
			v[j] = float32(strings.Count(lower, kw))
		}
		v[len(keywords)] = 0.1
		out[i] = v
	}
	return out, nil
}

type scriptedCompleter struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
}

func (s *scriptedCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, req.Prompt)
	if len(s.responses) == 0 {
		return "", errors.New("no scripted response")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

const validDraft = `{
  "name": "upgrade_readiness",
  "description": "How ready a user is to move to a paid tier",
  "elements": [
    {"name": "budget_signal", "value_type": "tag", "description": "Budget mentions",
     "extraction_prompt": "Look for budget talk", "possible_values": ["Mentioned", "none"]},
    {"name": "feature_pressure", "value_type": "score", "description": "Need for paid features",
     "extraction_prompt": "Rate the need", "possible_values": []}
  ],
  "use_cases": ["saas"],
  "update_frequency": "every_message"
}`

const invalidDraft = `{"name": "Upgrade Readiness", "description": "", "elements": [], "use_cases": [], "update_frequency": "daily"}`

func newCreator(t *testing.T, completer llm.Completer, opts Options) (*Creator, *keywordEmbedder) {
	t.Helper()
	emb := &keywordEmbedder{}
	opts.Retry = llm.RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond, Timeout: time.Second}
	return New(catalog.Default().Templates, embedding.New(emb, embedding.Options{}), completer, opts), emb
}

func TestCreateFromDescription_MatchesPurchaseIntentTemplate(t *testing.T) {
	completer := &scriptedCompleter{}
	c, _ := newCreator(t, completer, Options{})

	res, err := c.CreateFromDescription(context.Background(), "I want to track purchase intent")
	require.NoError(t, err)

	assert.Equal(t, MatchTemplate, res.MatchType)
	require.NotEmpty(t, res.SuggestedTemplates)
	assert.LessOrEqual(t, len(res.SuggestedTemplates), 3)
	assert.Equal(t, "purchase_intent", res.SuggestedTemplates[0].ID)
	assert.GreaterOrEqual(t, res.SuggestedTemplates[0].Similarity, 0.75)
	assert.Nil(t, res.CustomGenerated)
	assert.Empty(t, completer.prompts, "template match must not call the model")
	assert.Equal(t, []State{StateReceived, StateEmbedding, StateTemplateMatch, StateReturned}, res.Trace)
}

func TestCreateFromDescription_GeneratesCustom(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{validDraft}}
	c, _ := newCreator(t, completer, Options{})

	res, err := c.CreateFromDescription(context.Background(), "I want to know when users are ready to upgrade")
	require.NoError(t, err)

	assert.Equal(t, MatchCustom, res.MatchType)
	require.NotNil(t, res.CustomGenerated)
	cfg := res.CustomGenerated
	assert.Equal(t, "upgrade_readiness", cfg.Name)
	assert.Equal(t, "I want to know when users are ready to upgrade", cfg.GeneratedFrom)
	assert.Equal(t, 0.8, cfg.Confidence)
	require.Len(t, cfg.Elements, 2)
	assert.Equal(t, []string{"mentioned", "none"}, cfg.Elements[0].Tags)
	assert.Nil(t, cfg.Elements[1].Tags)
	assert.Equal(t, []State{StateReceived, StateEmbedding, StateGenerating, StateValidating, StateReturned}, res.Trace)
	require.Len(t, completer.prompts, 1)
	assert.Contains(t, completer.prompts[0], "ready to upgrade")
}

func TestCreateFromDescription_RegeneratesWithGuidance(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{invalidDraft, validDraft}}
	c, _ := newCreator(t, completer, Options{})

	res, err := c.CreateFromDescription(context.Background(), "track readiness to upgrade")
	require.NoError(t, err)

	assert.Equal(t, MatchCustom, res.MatchType)
	require.Len(t, completer.prompts, 2)
	assert.NotContains(t, completer.prompts[0], "previous attempt")
	assert.Contains(t, completer.prompts[1], "at least one element")
	assert.Contains(t, res.Trace, StateRegenerating)
}

func TestCreateFromDescription_FailsAfterSecondInvalidConfig(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{invalidDraft, invalidDraft}}
	c, _ := newCreator(t, completer, Options{})

	res, err := c.CreateFromDescription(context.Background(), "track readiness to upgrade")
	assert.Nil(t, res)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.NotEmpty(t, ve.Issues)
	assert.Len(t, completer.prompts, 2)
}

func TestCreateFromDescription_ParseErrorCountsAsAttempt(t *testing.T) {
	completer := &scriptedCompleter{responses: []string{"not json at all", validDraft}}
	c, _ := newCreator(t, completer, Options{})

	res, err := c.CreateFromDescription(context.Background(), "track readiness to upgrade")
	require.NoError(t, err)
	assert.Equal(t, MatchCustom, res.MatchType)
	assert.Contains(t, completer.prompts[1], "not a valid JSON object")
}

func TestCreateFromDescription_ProviderErrorIsReturned(t *testing.T) {
	completer := llm.CompleterFunc(func(context.Context, llm.Request) (string, error) {
		return "", &llm.ProviderError{Provider: "test", StatusCode: 400, Message: "bad request"}
	})
	c, _ := newCreator(t, completer, Options{})

	_, err := c.CreateFromDescription(context.Background(), "track readiness to upgrade")
	var pe *llm.ProviderError
	assert.True(t, errors.As(err, &pe))
}

func TestCreateFromDescription_EmptyDescription(t *testing.T) {
	c, _ := newCreator(t, &scriptedCompleter{}, Options{})
	_, err := c.CreateFromDescription(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyDescription)
}

type fakePatterns struct {
	templates []catalog.Template
	since     time.Time
}

func (f *fakePatterns) DiscoveredTemplates(_ context.Context, since time.Time) ([]catalog.Template, error) {
	f.since = since
	return f.templates, nil
}

func TestCreateFromDescription_MatchesDiscoveredTemplates(t *testing.T) {
	patterns := &fakePatterns{templates: []catalog.Template{{
		ID:          "discovered-1",
		Name:        "upgrade_readiness",
		Description: "Users weighing an upgrade",
		Source:      "discovered",
	}}}
	completer := &scriptedCompleter{}
	c, _ := newCreator(t, completer, Options{Patterns: patterns, PatternLookback: time.Hour})

	res, err := c.CreateFromDescription(context.Background(), "users who want to upgrade")
	require.NoError(t, err)
	assert.Equal(t, MatchTemplate, res.MatchType)
	assert.Equal(t, "discovered-1", res.SuggestedTemplates[0].ID)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), patterns.since, time.Minute)
}

func TestCreateFromDescription_TemplateVectorsComputedOnce(t *testing.T) {
	c, emb := newCreator(t, &scriptedCompleter{}, Options{})

	_, err := c.CreateFromDescription(context.Background(), "I want to track purchase intent")
	require.NoError(t, err)
	first := emb.calls

	_, err = c.CreateFromDescription(context.Background(), "purchase intent for enterprise buyers")
	require.NoError(t, err)
	assert.Equal(t, first+1, emb.calls, "only the new description should be embedded")
}

func TestTemplates_Search(t *testing.T) {
	c, _ := newCreator(t, &scriptedCompleter{}, Options{})

	assert.Len(t, c.Templates("", ""), 4)

	got := c.Templates("BANT", "")
	require.Len(t, got, 1)
	assert.Equal(t, "purchase_intent", got[0].ID)

	got = c.Templates("", "tutoring")
	require.Len(t, got, 1)
	assert.Equal(t, "student_knowledge_tracker", got[0].ID)
}
