// Package discovery clusters assessments across users to surface recurring
// patterns that could become first-class constructs.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/construct"
	"github.com/MikeSquared-Agency/aperture/internal/embedding"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
	"github.com/MikeSquared-Agency/aperture/internal/metrics"
)

// ErrInsufficientData means the analyzed population is smaller than the
// requested minimum. Discover reports it as an empty result, never as an error.
var ErrInsufficientData = errors.New("clustering data insufficient")

// evidencePerAssessment bounds the quotes loaded per assessment.
const evidencePerAssessment = 3

type Params struct {
	MinUsers          int     `json:"min_users"`
	MinOccurrenceRate float64 `json:"min_occurrence_rate"`
	LookbackDays      int     `json:"lookback_days"`
}

// Pattern is a cluster of similar assessments seen across users.
type Pattern struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	Element            string            `json:"element"`
	DetectedIn         int               `json:"detected_in"`
	OccurrenceRate     float64           `json:"occurrence_rate"`
	Confidence         float64           `json:"confidence"`
	Summary            string            `json:"summary"`
	SuggestedConstruct *construct.Config `json:"suggested_construct"`
	Evidence           []string          `json:"evidence"`
	SampleValues       []string          `json:"sample_values"`
}

type Result struct {
	RunID         uuid.UUID `json:"run_id"`
	Params        Params    `json:"params"`
	Since         time.Time `json:"since"`
	TotalUsers    int       `json:"total_users"`
	Analyzed      int       `json:"assessments_analyzed"`
	Skipped       int       `json:"assessments_skipped"`
	PatternsFound int       `json:"patterns_found"`
	Patterns      []Pattern `json:"patterns"`
	CreatedAt     time.Time `json:"created_at"`
}

// Repository scans assessments updated at or after since, ordered by
// (updated_at, id), each with up to evidencePer of its newest evidence rows.
type Repository interface {
	ScanAssessments(ctx context.Context, since time.Time, evidencePer int) ([]assessment.WithEvidence, error)
}

// Sink receives every completed run.
type Sink interface {
	SaveDiscoveryRun(ctx context.Context, res *Result) error
}

type Options struct {
	Defaults         Params
	ClusterThreshold float64
	MaxEvidence      int
	// KnownElements are the catalog's element names; element suggestions
	// never repeat them.
	KnownElements []string
	// SuggestionConcurrency bounds concurrent construct suggestion calls.
	SuggestionConcurrency int
	Retry                 llm.RetryPolicy
	Sinks                 []Sink
	Metrics               *metrics.Metrics
	Logger                *slog.Logger
	Now                   func() time.Time
}

type Engine struct {
	repo      Repository
	embedder  *embedding.Client
	completer llm.Completer
	opts      Options
}

func New(repo Repository, embedder *embedding.Client, completer llm.Completer, opts Options) *Engine {
	if opts.Defaults.MinUsers <= 0 {
		opts.Defaults.MinUsers = 10
	}
	if opts.Defaults.MinOccurrenceRate <= 0 {
		opts.Defaults.MinOccurrenceRate = 0.2
	}
	if opts.Defaults.LookbackDays <= 0 {
		opts.Defaults.LookbackDays = 7
	}
	if opts.ClusterThreshold <= 0 {
		opts.ClusterThreshold = 0.75
	}
	if opts.MaxEvidence <= 0 {
		opts.MaxEvidence = 5
	}
	if opts.SuggestionConcurrency <= 0 {
		opts.SuggestionConcurrency = 3
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
	return &Engine{repo: repo, embedder: embedder, completer: completer, opts: opts}
}

func (e *Engine) withDefaults(p Params) Params {
	if p.MinUsers <= 0 {
		p.MinUsers = e.opts.Defaults.MinUsers
	}
	if p.MinOccurrenceRate <= 0 {
		p.MinOccurrenceRate = e.opts.Defaults.MinOccurrenceRate
	}
	if p.LookbackDays <= 0 {
		p.LookbackDays = e.opts.Defaults.LookbackDays
	}
	return p
}

// Discover runs one discovery pass. Cancellation before clustering completes
// returns the context error; after that, pending suggestions are left empty
// and the patterns found so far are returned.
func (e *Engine) Discover(ctx context.Context, p Params) (*Result, error) {
	p = e.withDefaults(p)
	now := e.opts.Now().UTC()
	res := &Result{
		RunID:     uuid.New(),
		Params:    p,
		Since:     now.AddDate(0, 0, -p.LookbackDays),
		Patterns:  []Pattern{},
		CreatedAt: now,
	}
	logger := e.opts.Logger.With("run_id", res.RunID)

	rows, err := e.repo.ScanAssessments(ctx, res.Since, evidencePerAssessment)
	if err != nil {
		e.opts.Metrics.DiscoveryRun("failed", 0)
		return nil, fmt.Errorf("scan assessments: %w", err)
	}

	users := make(map[string]struct{})
	for _, r := range rows {
		users[r.UserID] = struct{}{}
	}
	res.TotalUsers = len(users)
	res.Analyzed = len(rows)

	if res.TotalUsers < p.MinUsers {
		logger.Info("discovery skipped", "reason", ErrInsufficientData, "users", res.TotalUsers, "min_users", p.MinUsers)
		e.opts.Metrics.DiscoveryRun("insufficient", 0)
		return res, nil
	}

	clusters, skipped, err := e.cluster(ctx, rows)
	if err != nil {
		e.opts.Metrics.DiscoveryRun("canceled", 0)
		return nil, err
	}
	res.Skipped = skipped

	var kept []*cluster
	for _, c := range clusters {
		detected := len(c.users)
		rate := float64(detected) / float64(res.TotalUsers)
		if detected < p.MinUsers || rate < p.MinOccurrenceRate {
			continue
		}
		kept = append(kept, c)
	}

	patterns := make([]Pattern, len(kept))
	for i, c := range kept {
		patterns[i] = e.summarize(c, res.TotalUsers)
	}
	e.suggestAll(ctx, logger, patterns, kept)

	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].OccurrenceRate != patterns[j].OccurrenceRate {
			return patterns[i].OccurrenceRate > patterns[j].OccurrenceRate
		}
		return patterns[i].DetectedIn > patterns[j].DetectedIn
	})
	res.Patterns = patterns
	res.PatternsFound = len(patterns)

	logger.Info("discovery complete",
		"users", res.TotalUsers,
		"assessments", res.Analyzed,
		"skipped", res.Skipped,
		"clusters", len(clusters),
		"patterns", res.PatternsFound,
	)
	e.opts.Metrics.DiscoveryRun("ok", res.PatternsFound)

	for _, s := range e.opts.Sinks {
		if err := s.SaveDiscoveryRun(context.WithoutCancel(ctx), res); err != nil {
			logger.Warn("failed to record discovery run", "error", err)
		}
	}
	return res, nil
}

func (e *Engine) summarize(c *cluster, total int) Pattern {
	detected := len(c.users)
	rate := float64(detected) / float64(total)

	var confSum float64
	for _, m := range c.members {
		confSum += m.Confidence
	}

	p := Pattern{
		Element:        c.element,
		DetectedIn:     detected,
		OccurrenceRate: rate,
		Confidence:     confSum / float64(len(c.members)),
		Summary:        fmt.Sprintf("detected in %d users (%.0f%%)", detected, rate*100),
		Evidence:       c.evidence(e.opts.MaxEvidence),
		SampleValues:   c.sampleValues(e.opts.MaxEvidence),
	}
	p.Name = fallbackName(c)
	p.Description = fmt.Sprintf("Recurring %s assessments: %s", c.element, strings.Join(p.SampleValues, ", "))
	return p
}

func fallbackName(c *cluster) string {
	return fmt.Sprintf("%s_pattern_%d", c.element, c.seq+1)
}

// suggestAll fills in construct suggestions with bounded parallelism. A failed
// or canceled suggestion leaves SuggestedConstruct nil.
func (e *Engine) suggestAll(ctx context.Context, logger *slog.Logger, patterns []Pattern, clusters []*cluster) {
	var g errgroup.Group
	g.SetLimit(e.opts.SuggestionConcurrency)
	for i := range patterns {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			cfg, err := e.suggest(ctx, patterns[i], clusters[i])
			if err != nil {
				logger.Warn("construct suggestion failed", "element", patterns[i].Element, "reason", llm.Reason(err), "error", err)
				return nil
			}
			patterns[i].SuggestedConstruct = cfg
			if cfg.Name != "" {
				patterns[i].Name = cfg.Name
			}
			if cfg.Description != "" {
				patterns[i].Description = cfg.Description
			}
			return nil
		})
	}
	_ = g.Wait()
}
