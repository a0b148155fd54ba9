package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/embedding"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
)

var fixedNow = time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)

var dims = []string{"aws", "deploy", "python", "frustrat", "billing"}

type keywordProvider struct {
	mu    sync.Mutex
	calls int
	fail  string
}

func (k *keywordProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	k.mu.Lock()
	k.calls++
	k.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if k.fail != "" && strings.Contains(t, k.fail) {
			return nil, errors.New("provider rejected input")
		}
		lower := strings.ToLower(t)
		v := make([]float32, len(dims)+1)
		for j, d := range dims {
			v[j] = float32(strings.Count(lower, d))
		}
		v[len(dims)] = 0.1
		out[i] = v
	}
	return out, nil
}

type fakeRepo struct {
	rows  []assessment.WithEvidence
	since time.Time
}

func (f *fakeRepo) ScanAssessments(_ context.Context, since time.Time, _ int) ([]assessment.WithEvidence, error) {
	f.since = since
	return f.rows, nil
}

type recordingSink struct {
	runs []*Result
}

func (r *recordingSink) SaveDiscoveryRun(_ context.Context, res *Result) error {
	r.runs = append(r.runs, res)
	return nil
}

type countingCompleter struct {
	mu    sync.Mutex
	calls int
	fn    func(req llm.Request) (string, error)
}

func (c *countingCompleter) Complete(_ context.Context, req llm.Request) (string, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.fn(req)
}

const suggestionJSON = `{
  "name": "cloud_deployment_stage",
  "description": "Where the user is in shipping to the cloud",
  "value_proposition": "Route infra questions to the right docs",
  "elements": [{"name": "cloud_provider", "value_type": "tag", "description": "Provider in use",
                "extraction_prompt": "Which cloud?", "possible_values": ["aws", "gcp", "azure"]}],
  "example_use_cases": ["developer support"]
}`

func row(user, element string, v assessment.Value, conf float64, at time.Time, quotes ...string) assessment.WithEvidence {
	a := assessment.WithEvidence{Assessment: assessment.Assessment{
		ID:               uuid.New(),
		UserID:           user,
		Element:          element,
		ValueType:        v.Type,
		Value:            v,
		Confidence:       conf,
		ObservationCount: 1,
		CreatedAt:        at,
		UpdatedAt:        at,
	}}
	for _, q := range quotes {
		a.Evidence = append(a.Evidence, assessment.Evidence{Quote: q, UserMessage: q})
	}
	return a
}

func newEngine(repo Repository, p *keywordProvider, c llm.Completer, opts Options) *Engine {
	opts.Now = func() time.Time { return fixedNow }
	opts.Retry = llm.RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond, Timeout: time.Second}
	return New(repo, embedding.New(p, embedding.Options{}), c, opts)
}

func awsRows() []assessment.WithEvidence {
	t0 := fixedNow.Add(-48 * time.Hour)
	return []assessment.WithEvidence{
		row("u1", "current_goal", assessment.TextValue("deploying the API on AWS"), 0.8, t0, "I'm deploying on AWS tomorrow"),
		row("u2", "current_goal", assessment.TextValue("deploying on AWS"), 0.7, t0.Add(time.Minute), "we are deploying on AWS"),
		row("u1", "emotional_state", assessment.TagValue("frustrated"), 0.9, t0.Add(2*time.Minute), "this is frustrating"),
		row("u3", "current_goal", assessment.TextValue("deploying a worker on AWS"), 0.6, t0.Add(3*time.Minute), "deploying on AWS again"),
	}
}

func TestDiscover_AWSScenario(t *testing.T) {
	repo := &fakeRepo{rows: awsRows()}
	completer := &countingCompleter{fn: func(llm.Request) (string, error) { return suggestionJSON, nil }}
	sink := &recordingSink{}
	e := newEngine(repo, &keywordProvider{}, completer, Options{Sinks: []Sink{sink}})

	res, err := e.Discover(context.Background(), Params{MinUsers: 2, MinOccurrenceRate: 0.5, LookbackDays: 7})
	require.NoError(t, err)

	assert.Equal(t, fixedNow.AddDate(0, 0, -7), repo.since)
	assert.Equal(t, 3, res.TotalUsers)
	require.Len(t, res.Patterns, 1)
	assert.Equal(t, 1, res.PatternsFound)

	p := res.Patterns[0]
	assert.Equal(t, "current_goal", p.Element)
	assert.Equal(t, 3, p.DetectedIn)
	assert.InDelta(t, 1.0, p.OccurrenceRate, 1e-9)
	assert.InDelta(t, 0.7, p.Confidence, 1e-9)
	assert.Equal(t, "detected in 3 users (100%)", p.Summary)
	assert.Equal(t, "cloud_deployment_stage", p.Name)
	require.NotNil(t, p.SuggestedConstruct)
	assert.InDelta(t, 0.7, p.SuggestedConstruct.Confidence, 1e-9)
	assert.Equal(t, []string{"developer support"}, p.SuggestedConstruct.UseCases)
	assert.Len(t, p.Evidence, 3)
	assert.LessOrEqual(t, len(p.Evidence), 5)
	assert.Equal(t, 1, completer.calls)

	require.Len(t, sink.runs, 1)
	assert.Equal(t, res.RunID, sink.runs[0].RunID)
}

func TestDiscover_MinUsersAbovePopulationReturnsEmpty(t *testing.T) {
	provider := &keywordProvider{}
	completer := &countingCompleter{fn: func(llm.Request) (string, error) { return suggestionJSON, nil }}
	sink := &recordingSink{}
	e := newEngine(&fakeRepo{rows: awsRows()}, provider, completer, Options{Sinks: []Sink{sink}})

	res, err := e.Discover(context.Background(), Params{MinUsers: 4, MinOccurrenceRate: 0.1, LookbackDays: 7})
	require.NoError(t, err)
	assert.Empty(t, res.Patterns)
	assert.Equal(t, 0, res.PatternsFound)
	assert.Equal(t, 0, provider.calls)
	assert.Equal(t, 0, completer.calls)
	assert.Empty(t, sink.runs)
}

func TestDiscover_FailedSuggestionKeepsPattern(t *testing.T) {
	completer := &countingCompleter{fn: func(llm.Request) (string, error) {
		return "", &llm.ProviderError{Provider: "test", StatusCode: 400, Message: "nope"}
	}}
	e := newEngine(&fakeRepo{rows: awsRows()}, &keywordProvider{}, completer, Options{})

	res, err := e.Discover(context.Background(), Params{MinUsers: 2, MinOccurrenceRate: 0.5, LookbackDays: 7})
	require.NoError(t, err)
	require.Len(t, res.Patterns, 1)
	assert.Nil(t, res.Patterns[0].SuggestedConstruct)
	assert.Equal(t, "current_goal_pattern_1", res.Patterns[0].Name)
}

func TestDiscover_InvalidSuggestionIsDropped(t *testing.T) {
	completer := &countingCompleter{fn: func(llm.Request) (string, error) {
		return `{"name":"Bad Name","description":"","value_proposition":"","elements":[],"example_use_cases":[]}`, nil
	}}
	e := newEngine(&fakeRepo{rows: awsRows()}, &keywordProvider{}, completer, Options{})

	res, err := e.Discover(context.Background(), Params{MinUsers: 2, MinOccurrenceRate: 0.5, LookbackDays: 7})
	require.NoError(t, err)
	require.Len(t, res.Patterns, 1)
	assert.Nil(t, res.Patterns[0].SuggestedConstruct)
}

func TestDiscover_SortsByOccurrenceThenDetectedIn(t *testing.T) {
	t0 := fixedNow.Add(-time.Hour)
	var rows []assessment.WithEvidence
	for i := 0; i < 4; i++ {
		rows = append(rows, row(fmt.Sprintf("u%d", i), "current_goal", assessment.TextValue("fix billing"), 0.5, t0.Add(time.Duration(i)*time.Second)))
	}
	for i := 0; i < 6; i++ {
		rows = append(rows, row(fmt.Sprintf("u%d", i), "current_goal", assessment.TextValue("learn python"), 0.5, t0.Add(time.Minute+time.Duration(i)*time.Second)))
	}
	completer := &countingCompleter{fn: func(llm.Request) (string, error) { return "", errors.New("offline") }}
	e := newEngine(&fakeRepo{rows: rows}, &keywordProvider{}, completer, Options{})

	res, err := e.Discover(context.Background(), Params{MinUsers: 2, MinOccurrenceRate: 0.1, LookbackDays: 1})
	require.NoError(t, err)
	require.Len(t, res.Patterns, 2)
	assert.Equal(t, 6, res.Patterns[0].DetectedIn)
	assert.Equal(t, []string{"learn python"}, res.Patterns[0].SampleValues)
	assert.Equal(t, 4, res.Patterns[1].DetectedIn)
}

func TestDiscover_SkipsItemsWhoseEmbeddingFails(t *testing.T) {
	rows := append(awsRows(), row("u4", "current_goal", assessment.TextValue("poison text"), 0.5, fixedNow.Add(-time.Minute)))
	provider := &keywordProvider{fail: "poison"}
	completer := &countingCompleter{fn: func(llm.Request) (string, error) { return suggestionJSON, nil }}
	e := New(&fakeRepo{rows: rows}, embedding.New(provider, embedding.Options{BatchSize: 1}), completer, Options{
		Now:   func() time.Time { return fixedNow },
		Retry: llm.RetryPolicy{MaxAttempts: 1, Timeout: time.Second},
	})

	res, err := e.Discover(context.Background(), Params{MinUsers: 2, MinOccurrenceRate: 0.5, LookbackDays: 7})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 4, res.TotalUsers)
	require.Len(t, res.Patterns, 1)
	assert.Equal(t, 3, res.Patterns[0].DetectedIn)
	assert.InDelta(t, 0.75, res.Patterns[0].OccurrenceRate, 1e-9)
}

func TestDiscover_CanceledBeforeClusteringReturnsContextError(t *testing.T) {
	e := newEngine(&fakeRepo{rows: awsRows()}, &keywordProvider{}, &countingCompleter{fn: func(llm.Request) (string, error) { return suggestionJSON, nil }}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Discover(ctx, Params{MinUsers: 2, MinOccurrenceRate: 0.5, LookbackDays: 7})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiscover_ZeroParamsUseDefaults(t *testing.T) {
	repo := &fakeRepo{rows: awsRows()}
	e := newEngine(repo, &keywordProvider{}, &countingCompleter{fn: func(llm.Request) (string, error) { return suggestionJSON, nil }}, Options{})

	res, err := e.Discover(context.Background(), Params{})
	require.NoError(t, err)
	assert.Equal(t, Params{MinUsers: 10, MinOccurrenceRate: 0.2, LookbackDays: 7}, res.Params)
	assert.Empty(t, res.Patterns)
}

func TestRepresentation(t *testing.T) {
	text := row("u", "goal", assessment.TextValue("ship v2"), 0.5, fixedNow, "ignored quote")
	assert.Equal(t, "ship v2", representation(text))

	tag := row("u", "mood", assessment.TagValue("curious"), 0.5, fixedNow, "how does this work?", "and this?")
	assert.Equal(t, "how does this work?\nand this?", representation(tag))

	noEvidence := row("u", "mood", assessment.TagValue("curious"), 0.5, fixedNow)
	noEvidence.Reasoning = "asks many questions"
	assert.Equal(t, "asks many questions", representation(noEvidence))

	bare := row("u", "skill", assessment.ScoreValue(0.4), 0.5, fixedNow)
	assert.Equal(t, bare.Value.String(), representation(bare))
}

func TestGreedyClusteringIsOrderDependent(t *testing.T) {
	e := newEngine(&fakeRepo{}, &keywordProvider{}, nil, Options{ClusterThreshold: 0.9})
	t0 := fixedNow
	rows := []assessment.WithEvidence{
		row("a", "goal", assessment.TextValue("aws"), 0.5, t0),
		row("b", "goal", assessment.TextValue("aws deploy"), 0.5, t0),
		row("c", "goal", assessment.TextValue("deploy"), 0.5, t0),
	}

	clusters, skipped, err := e.cluster(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 0, skipped)
	require.Len(t, clusters, 3)

	again, _, err := e.cluster(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, again, len(clusters))
	for i := range clusters {
		assert.Equal(t, clusters[i].members[0].UserID, again[i].members[0].UserID)
	}
}

// vectorProvider returns a fixed vector per text.
type vectorProvider map[string][]float32

func (v vectorProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = v[t]
	}
	return out, nil
}

func TestClusterJoinsOnlyAboveThreshold(t *testing.T) {
	// cos((3,4),(4,3)) is exactly 24/25.
	vectors := vectorProvider{"north": {3, 4}, "east": {4, 3}}
	rows := []assessment.WithEvidence{
		row("a", "goal", assessment.TextValue("north"), 0.5, fixedNow),
		row("b", "goal", assessment.TextValue("east"), 0.5, fixedNow),
	}
	build := func(threshold float64) *Engine {
		return New(&fakeRepo{}, embedding.New(vectors, embedding.Options{}), nil, Options{ClusterThreshold: threshold})
	}

	atThreshold, _, err := build(0.96).cluster(context.Background(), rows)
	require.NoError(t, err)
	assert.Len(t, atThreshold, 2, "similarity equal to the threshold does not join")

	below, _, err := build(0.95).cluster(context.Background(), rows)
	require.NoError(t, err)
	require.Len(t, below, 1)
	assert.Len(t, below[0].members, 2)
}

type fakeBus struct {
	subjects []string
	events   []any
}

func (f *fakeBus) Publish(subject string, data any) error {
	f.subjects = append(f.subjects, subject)
	f.events = append(f.events, data)
	return nil
}

func TestPublisher_PublishesEveryPattern(t *testing.T) {
	bus := &fakeBus{}
	res := &Result{RunID: uuid.New(), Patterns: []Pattern{
		{Name: "a", Element: "current_goal", DetectedIn: 3},
		{Name: "b", Element: "emotional_state", DetectedIn: 2},
	}}

	require.NoError(t, NewPublisher(bus).SaveDiscoveryRun(context.Background(), res))
	assert.Equal(t, []string{"aperture.pattern.discovered", "aperture.pattern.discovered"}, bus.subjects)
}
