package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MikeSquared-Agency/aperture/internal/anthropic"
	"github.com/MikeSquared-Agency/aperture/internal/api"
	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/catalog"
	"github.com/MikeSquared-Agency/aperture/internal/config"
	"github.com/MikeSquared-Agency/aperture/internal/construct"
	"github.com/MikeSquared-Agency/aperture/internal/discovery"
	"github.com/MikeSquared-Agency/aperture/internal/embedding"
	"github.com/MikeSquared-Agency/aperture/internal/extractor"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
	"github.com/MikeSquared-Agency/aperture/internal/metrics"
	"github.com/MikeSquared-Agency/aperture/internal/provider"
	"github.com/MikeSquared-Agency/aperture/internal/store"
)

// repository is everything the pipeline needs from storage. Both the Postgres
// store and the in-memory store implement it.
type repository interface {
	extractor.Repository
	discovery.Repository
	discovery.Sink
	construct.PatternSource
	api.Assessments
	Ping(ctx context.Context) error
}

var (
	_ repository = (*store.Store)(nil)
	_ repository = (*store.Memory)(nil)
)

// app holds the wired components shared by the commands.
type app struct {
	cfg      config.Config
	catalog  *catalog.Catalog
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	repo     repository
	db       *store.Store
	embedder *embedding.Client

	extractor *extractor.Extractor
	discovery *discovery.Engine
	creator   *construct.Creator
}

func newApp(ctx context.Context, cfg config.Config, sinks ...discovery.Sink) (*app, error) {
	logger := slog.Default()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &app{cfg: cfg, catalog: cat, registry: reg, metrics: m}

	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := db.Migrate(ctx); err != nil {
				db.Close()
				return nil, err
			}
		}
		a.db, a.repo = db, db
		logger.Info("database connected")
	} else {
		a.repo = store.NewMemory()
		logger.Warn("DATABASE_URL not set, assessments are kept in memory")
	}

	assessLLM, err := newCompleter(cfg, cfg.AssessmentModel)
	if err != nil {
		a.close()
		return nil, err
	}
	constructLLM, err := newCompleter(cfg, cfg.ConstructModel)
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.OpenAIAPIKey == "" {
		a.close()
		return nil, errors.New("OPENAI_API_KEY is required for embeddings")
	}

	embedder := provider.NewOpenAIEmbedder(providerOptions(cfg), cfg.EmbeddingModel)
	a.embedder = embedding.New(
		embedder,
		embedding.Options{
			BatchSize:   cfg.Embedding.BatchSize,
			Concurrency: cfg.Embedding.Concurrency,
			Rate:        cfg.Embedding.Rate,
			Timeout:     cfg.Embedding.Timeout,
			Metrics:     m,
			Logger:      logger,
		},
	)
	templateEmbedder := a.embedder
	if a.db != nil {
		templateEmbedder = a.embedder.WithCache(a.db.EmbeddingCache(embedder.Model(), logger))
	}

	retry := llm.RetryPolicy{
		MaxAttempts: cfg.LLMMaxRetries,
		Backoff:     cfg.LLMBackoff,
		MaxBackoff:  10 * time.Second,
		Timeout:     cfg.LLMTimeout,
	}

	a.extractor, err = extractor.New(cat.Elements, a.repo, assessLLM, extractor.Options{
		MaxHistoryTokens: cfg.Extraction.MaxHistoryTokens,
		WindowSize:       cfg.Extraction.SlidingWindowSize,
		Concurrency:      cfg.Extraction.Concurrency,
		Merge: assessment.MergePolicy{
			OverrideMargin: cfg.Merge.OverrideMargin,
			CorrectionStep: cfg.Merge.CorrectionStep,
			CorrectedFloor: cfg.Merge.CorrectedFloor,
		},
		Retry:   retry,
		Metrics: m,
		Logger:  logger.With("component", "extractor"),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.discovery = discovery.New(a.repo, a.embedder, constructLLM, discovery.Options{
		Defaults: discovery.Params{
			MinUsers:          cfg.Discovery.MinUsers,
			MinOccurrenceRate: cfg.Discovery.MinOccurrenceRate,
			LookbackDays:      cfg.Discovery.LookbackDays,
		},
		ClusterThreshold: cfg.Discovery.ClusterThreshold,
		MaxEvidence:      cfg.Discovery.MaxEvidence,
		KnownElements:    cat.ElementNames(),
		Retry:            retry,
		Sinks:            append([]discovery.Sink{a.repo}, sinks...),
		Metrics:          m,
		Logger:           logger.With("component", "discovery"),
	})

	a.creator = construct.New(cat.Templates, templateEmbedder, constructLLM, construct.Options{
		MatchThreshold: cfg.Construct.MatchThreshold,
		TopK:           cfg.Construct.TopK,
		MinSimilarity:  cfg.Construct.MinSimilarity,
		Patterns:       a.repo,
		Retry:          retry,
		Metrics:        m,
		Logger:         logger.With("component", "construct"),
	})

	return a, nil
}

func newCompleter(cfg config.Config, model string) (llm.Completer, error) {
	switch cfg.LLMProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is required")
		}
		return provider.NewOpenAI(providerOptions(cfg), model), nil
	case "anthropic":
		if cfg.AnthropicAPIKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is required")
		}
		return anthropic.NewClient(cfg.AnthropicAPIKey, model), nil
	}
	return nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.LLMProvider)
}

func providerOptions(cfg config.Config) provider.Options {
	return provider.Options{
		APIKey:            cfg.OpenAIAPIKey,
		BaseURL:           cfg.OpenAIBaseURL,
		RequestsPerSecond: cfg.LLMRate,
	}
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}
