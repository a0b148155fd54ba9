// Package extractor turns conversation turns into merged, evidence-backed
// assessments about the user.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/confidence"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
	"github.com/MikeSquared-Agency/aperture/internal/metrics"
	"github.com/MikeSquared-Agency/aperture/internal/store"
)

var ErrEmptyUserID = errors.New("empty user id")

type Options struct {
	MaxHistoryTokens int
	WindowSize       int
	// Concurrency bounds in-flight element calls per extraction.
	Concurrency int
	Merge       assessment.MergePolicy
	Retry       llm.RetryPolicy
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

type Extractor struct {
	elements  []assessment.Element
	repo      Repository
	completer llm.Completer
	window    windower
	locks     *keyedMutex
	opts      Options
}

func New(elements []assessment.Element, repo Repository, completer llm.Completer, opts Options) (*Extractor, error) {
	if opts.MaxHistoryTokens <= 0 {
		opts.MaxHistoryTokens = 3800
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 10
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 5
	}
	if opts.Merge == (assessment.MergePolicy{}) {
		opts.Merge = assessment.DefaultMergePolicy()
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = llm.DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w, err := newWindower(opts.WindowSize, opts.MaxHistoryTokens)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Extractor{
		elements:  elements,
		repo:      repo,
		completer: completer,
		window:    w,
		locks:     newKeyedMutex(),
		opts:      opts,
	}, nil
}

// Extract assesses every due element against the recent history and merges
// the observations into the user's stored assessments. Element failures are
// reported in Result.Skipped; the only error is an empty user ID.
func (e *Extractor) Extract(ctx context.Context, userID string, history []Turn) (*Result, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrEmptyUserID
	}
	start := time.Now()
	res := &Result{UserID: userID}

	window, tokens := e.window.apply(history)
	if !hasUserTurn(window) {
		e.opts.Metrics.ExtractionRun("empty", time.Since(start))
		return res, nil
	}

	userTurns := countUserTurns(history)
	var due []assessment.Element
	for _, el := range e.elements {
		if el.Due(userTurns) {
			due = append(due, el)
		}
	}

	e.opts.Logger.Debug("extracting assessments",
		"user_id", userID,
		"window_turns", len(window),
		"window_tokens", tokens,
		"elements", len(due),
	)

	observations := make([]assessment.Observation, len(due))
	errs := make([]error, len(due))

	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, el := range due {
		g.Go(func() error {
			observations[i], errs[i] = e.observe(ctx, el, window)
			return nil
		})
	}
	g.Wait()

	for i, el := range due {
		if err := errs[i]; err != nil {
			e.skip(res, el.Name, llm.Reason(err), err)
			continue
		}
		upd, err := e.merge(ctx, userID, el, observations[i])
		if err != nil {
			e.skip(res, el.Name, "store", err)
			continue
		}
		res.Updates = append(res.Updates, upd)
	}

	outcome := "ok"
	switch {
	case len(res.Skipped) == 0:
	case len(res.Updates) == 0:
		outcome = "failed"
	default:
		outcome = "partial"
	}
	e.opts.Metrics.ExtractionRun(outcome, time.Since(start))
	e.opts.Logger.Info("extraction complete",
		"user_id", userID,
		"updates", len(res.Updates),
		"skipped", len(res.Skipped),
	)
	return res, nil
}

func (e *Extractor) skip(res *Result, element, reason string, err error) {
	res.Skipped = append(res.Skipped, Skipped{Element: element, Reason: reason})
	e.opts.Metrics.ElementFailed(element, reason)
	e.opts.Logger.Warn("element skipped",
		"user_id", res.UserID,
		"element", element,
		"reason", reason,
		"error", err,
	)
}

func (e *Extractor) observe(ctx context.Context, el assessment.Element, window []Turn) (assessment.Observation, error) {
	var obs assessment.Observation
	err := e.opts.Retry.Structured(ctx, e.completer, llm.Request{
		System:     systemPrompt,
		Prompt:     buildElementPrompt(el, window),
		SchemaName: "assessment_" + el.Name,
		Schema:     responseSchema(el),
		MaxTokens:  400,
	}, func(raw string) error {
		var err error
		obs, err = parseObservation(raw, el, window)
		return err
	})
	return obs, err
}

func (e *Extractor) merge(ctx context.Context, userID string, el assessment.Element, obs assessment.Observation) (Update, error) {
	unlock := e.locks.lock(lockKey(userID, el.Name))
	defer unlock()

	existing, err := e.repo.GetAssessment(ctx, userID, el.Name)
	if errors.Is(err, store.ErrNotFound) {
		existing, err = nil, nil
	}
	if err != nil {
		return Update{}, fmt.Errorf("load assessment: %w", err)
	}

	a, evidence, outcome := e.opts.Merge.Merge(userID, el.ValueType, existing, obs, e.opts.Now())
	if err := e.repo.SaveAssessment(ctx, a, evidence); err != nil {
		return Update{}, fmt.Errorf("save assessment: %w", err)
	}
	e.opts.Metrics.Merged(string(outcome))
	return Update{Assessment: a, Evidence: evidence, Outcome: outcome}, nil
}

type response struct {
	Value      json.RawMessage `json:"value"`
	Content    json.RawMessage `json:"content"`
	Reasoning  string          `json:"reasoning"`
	Evidence   []string        `json:"evidence"`
	Confidence *float64        `json:"confidence"`
	Questions  []string        `json:"questions"`
}

// parseObservation validates a model response for el. Every rejection is a
// *llm.ParseError.
func parseObservation(raw string, el assessment.Element, window []Turn) (assessment.Observation, error) {
	var r response
	if err := llm.DecodeJSON(raw, &r); err != nil {
		return assessment.Observation{}, err
	}

	payload := r.Value
	if len(payload) == 0 || string(payload) == "null" {
		payload = r.Content
	}
	value, err := parseElementValue(raw, el, payload)
	if err != nil {
		return assessment.Observation{}, err
	}

	conf, err := checkConfidence(raw, r.Confidence)
	if err != nil {
		return assessment.Observation{}, err
	}

	var evidence []assessment.Evidence
	seen := make(map[string]bool)
	for _, q := range r.Evidence {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			continue
		}
		msg, reply, ok := locateQuote(window, q)
		if !ok {
			continue
		}
		seen[q] = true
		evidence = append(evidence, assessment.Evidence{
			UserMessage: msg,
			Quote:       q,
			Context:     reply,
			Weight:      confidence.Clamp(conf),
		})
	}
	if len(evidence) == 0 {
		return assessment.Observation{}, llm.NewParseError("no verbatim evidence", raw, nil)
	}

	return assessment.Observation{
		Element:    el.Name,
		Value:      value,
		Reasoning:  strings.TrimSpace(r.Reasoning),
		Confidence: conf,
		Evidence:   evidence,
		Questions:  r.Questions,
	}, nil
}

func parseElementValue(raw string, el assessment.Element, payload []byte) (assessment.Value, error) {
	value, err := assessment.ParseValue(el.ValueType, payload)
	if err != nil {
		return assessment.Value{}, llm.NewParseError("invalid value", raw, err)
	}
	if value.Type == assessment.ValueTag && !el.AllowsTag(value.Tag) {
		return assessment.Value{}, llm.NewParseError(fmt.Sprintf("tag %q not allowed", value.Tag), raw, nil)
	}
	return value, nil
}

func checkConfidence(raw string, c *float64) (float64, error) {
	if c == nil {
		return 0, llm.NewParseError("missing confidence", raw, nil)
	}
	conf := *c
	if conf != conf || conf < 0 || conf > 1 {
		return 0, llm.NewParseError(fmt.Sprintf("confidence %v outside [0,1]", conf), raw, nil)
	}
	return conf, nil
}
