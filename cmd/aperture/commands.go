package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/aperture/internal/api"
	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/backfill"
	"github.com/MikeSquared-Agency/aperture/internal/catalog"
	"github.com/MikeSquared-Agency/aperture/internal/config"
	"github.com/MikeSquared-Agency/aperture/internal/discovery"
	"github.com/MikeSquared-Agency/aperture/internal/extractor"
	"github.com/MikeSquared-Agency/aperture/internal/hermes"
	"github.com/MikeSquared-Agency/aperture/internal/processor"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the NATS event consumers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVar(&cfg.Port, "port", cfg.Port, "HTTP listen port")
	return cmd
}

func runServe(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("aperture starting", "port", cfg.Port, "provider", cfg.LLMProvider)

	// NATS is optional; without it only the HTTP surface is served.
	var bus *hermes.Client
	var publisher hermes.Publisher
	var busState connectivity
	var sinks []discovery.Sink
	if cfg.NatsURL != "" {
		c, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, slog.Default())
		if err != nil {
			return err
		}
		defer c.Close()
		bus, publisher, busState = c, c, c
		sinks = append(sinks, discovery.NewPublisher(c))
		slog.Info("NATS connected", "url", cfg.NatsURL)
	} else {
		slog.Warn("NATS_URL not set, running without event bus")
	}

	a, err := newApp(ctx, cfg, sinks...)
	if err != nil {
		return err
	}
	defer a.close()

	var proc *processor.Processor
	dispatcher := extractor.NewDispatcher(a.extractor, extractor.DispatcherOptions{
		Workers:   cfg.Extraction.Workers,
		QueueSize: cfg.Extraction.QueueSize,
		Timeout:   cfg.Extraction.Timeout,
		OnResult: func(ctx context.Context, res *extractor.Result) {
			proc.PublishUpdates(ctx, res)
		},
		Metrics: a.metrics,
		Logger:  slog.Default().With("component", "dispatcher"),
	})
	corrector := a.extractor.Corrector()
	proc = processor.New(dispatcher, corrector, publisher, slog.Default().With("component", "processor"))

	// Queued jobs drain on shutdown under their own timeout.
	dispatcher.Start(context.WithoutCancel(ctx))
	defer dispatcher.Stop()

	if bus != nil {
		if err := bus.Subscribe(hermes.SubjectTurn, proc.HandleTurn); err != nil {
			return fmt.Errorf("subscribe %s: %w", hermes.SubjectTurn, err)
		}
		if err := bus.Subscribe(hermes.SubjectCorrection, proc.HandleCorrection); err != nil {
			return fmt.Errorf("subscribe %s: %w", hermes.SubjectCorrection, err)
		}
	}

	srv := api.NewServer(cfg.Port, api.Deps{
		Assessments: a.repo,
		Dispatcher:  dispatcher,
		Corrector:   corrector,
		Discovery:   a.discovery,
		Constructs:  a.creator,
		OnCorrected: func(updated assessment.Assessment) {
			proc.PublishAssessment(updated, "corrected", 0)
		},
		Ready:    readiness(a.repo.Ping, busState),
		Gatherer: a.registry,
		APIKey:   cfg.APIKey,
		Logger:   slog.Default().With("component", "api"),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("aperture ready", "port", cfg.Port, "elements", len(a.catalog.Elements), "templates", len(a.catalog.Templates))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "error", err)
	}
	slog.Info("aperture stopped")
	return nil
}

// connectivity is satisfied by *hermes.Client.
type connectivity interface {
	Connected() bool
}

var errBusDisconnected = errors.New("nats disconnected")

// readiness reports the service unready when the store is unreachable or,
// with an event bus configured, the bus connection is down.
func readiness(ping func(context.Context) error, bus connectivity) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return err
		}
		if bus != nil && !bus.Connected() {
			return errBusDisconnected
		}
		return nil
	}
}

func newDiscoverCommand(cfg config.Config) *cobra.Command {
	var p discovery.Params
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Run one pattern discovery pass and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.discovery.Discover(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&p.MinUsers, "min-users", 0, "minimum distinct users in the window (default from config)")
	cmd.Flags().Float64Var(&p.MinOccurrenceRate, "min-occurrence-rate", 0, "minimum share of users a pattern must cover")
	cmd.Flags().IntVar(&p.LookbackDays, "lookback-days", 0, "days of assessments to scan")
	cmd.AddCommand(newDiscoverElementsCommand(cfg), newDiscoverCorrelationsCommand(cfg))
	return cmd
}

func newDiscoverElementsCommand(cfg config.Config) *cobra.Command {
	var p discovery.ElementParams
	cmd := &cobra.Command{
		Use:   "elements",
		Short: "Suggest new elements from recent user messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.discovery.SuggestElements(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&p.LookbackDays, "lookback-days", 0, "days of evidence to sample (default from config)")
	cmd.Flags().IntVar(&p.SampleSize, "sample-size", 0, "user messages sent to the model (default 20)")
	return cmd
}

func newDiscoverCorrelationsCommand(cfg config.Config) *cobra.Command {
	var p discovery.CorrelationParams
	cmd := &cobra.Command{
		Use:   "correlations",
		Short: "Find element values that the same users tend to hold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.discovery.FindCorrelations(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().IntVar(&p.MinUsers, "min-users", 0, "minimum users holding both values (default 3)")
	cmd.Flags().Float64Var(&p.MinStrength, "min-strength", 0, "minimum co-occurrence strength (default 0.6)")
	cmd.Flags().IntVar(&p.LookbackDays, "lookback-days", 0, "days of assessments to scan (default from config)")
	return cmd
}

func newConstructCommand(cfg config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "construct <description>",
		Short: "Match a description against templates or generate a construct config",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.creator.CreateFromDescription(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

// templates only reads the catalog, so it needs no provider credentials.
func newTemplatesCommand(cfg config.Config) *cobra.Command {
	var query, useCase string
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List catalog templates",
		RunE: func(_ *cobra.Command, _ []string) error {
			cat, err := catalog.Load(cfg.CatalogPath)
			if err != nil {
				return err
			}
			return printJSON(cat.SearchTemplates(query, useCase))
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "substring to match against name, description and tags")
	cmd.Flags().StringVar(&useCase, "use-case", "", "only templates tagged with this use case")
	return cmd
}

func newBackfillCommand(cfg config.Config) *cobra.Command {
	var (
		bf     backfill.Config
		format string
		since  string
	)
	cmd := &cobra.Command{
		Use:   "backfill <path>",
		Short: "Replay stored transcripts through the extractor",
		Long: `backfill reads JSONL transcripts from a file or directory, splits each user's
history into sessions and runs extraction on them in order. Progress is kept in
a state file so an interrupted run resumes with the next unprocessed file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if bf.Format, err = backfill.ParseFormat(format); err != nil {
				return err
			}
			if since != "" {
				if bf.Since, err = time.Parse(time.DateOnly, since); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
			}
			bf.Path = args[0]

			// A dry run never extracts, so it needs no providers.
			var ext backfill.Extractor
			if !bf.DryRun {
				a, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer a.close()
				ext = a.extractor
			}

			sum, err := backfill.NewRunner(bf, ext, slog.Default().With("component", "backfill")).Run(cmd.Context())
			if sum != nil {
				if perr := printJSON(sum); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", string(backfill.FormatTurns), "transcript layout: turns or session")
	cmd.Flags().StringVar(&bf.DefaultUser, "user", "", "user id for lines that carry none")
	cmd.Flags().StringVar(&bf.StatePath, "state", "~/.aperture/backfill-state.json", "progress file, empty to disable")
	cmd.Flags().StringVar(&since, "since", "", "skip turns before this date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&bf.MaxTurns, "max-turns", 20, "turns per extraction chunk")
	cmd.Flags().DurationVar(&bf.TimeGap, "gap", 10*time.Minute, "silence that starts a new chunk")
	cmd.Flags().BoolVar(&bf.DryRun, "dry-run", false, "parse and chunk without calling the extractor")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
