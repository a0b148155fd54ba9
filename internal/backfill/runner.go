package backfill

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/aperture/internal/extractor"
)

// Extractor is satisfied by *extractor.Extractor.
type Extractor interface {
	Extract(ctx context.Context, userID string, history []extractor.Turn) (*extractor.Result, error)
}

type Config struct {
	// Path is a transcript file or a directory searched for *.jsonl files.
	Path   string
	Format Format
	// DefaultUser owns lines that carry no user id.
	DefaultUser string
	StatePath   string
	Since       time.Time
	MaxTurns    int
	TimeGap     time.Duration
	DryRun      bool
}

// Summary reports one run.
type Summary struct {
	Files   int      `json:"files"`
	Skipped int      `json:"files_skipped"`
	Users   int      `json:"users"`
	Chunks  int      `json:"chunks"`
	Updates int      `json:"updates"`
	Errors  []string `json:"errors,omitempty"`
	DryRun  bool     `json:"dry_run"`
}

type Runner struct {
	cfg       Config
	extractor Extractor
	logger    *slog.Logger
	now       func() time.Time
}

func NewRunner(cfg Config, ext Extractor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, extractor: ext, logger: logger, now: time.Now}
}

// Run replays every unprocessed file in order. Chunks of one user run
// sequentially so later sessions merge over earlier ones. State is saved
// after each file; a cancelled context stops between chunks.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	state, err := LoadState(r.cfg.StatePath, r.now().UTC())
	if err != nil {
		return nil, err
	}
	files, err := r.files()
	if err != nil {
		return nil, fmt.Errorf("discover files: %w", err)
	}
	r.logger.Info("backfill starting", "files", len(files), "format", r.cfg.Format, "dry_run", r.cfg.DryRun)

	sum := &Summary{DryRun: r.cfg.DryRun}
	users := make(map[string]struct{})
	for _, path := range files {
		if state.IsProcessed(path) {
			sum.Skipped++
			continue
		}
		convs, err := ParseFile(path, r.cfg.Format, r.cfg.DefaultUser)
		if err != nil {
			r.logger.Warn("failed to parse transcript", "path", path, "error", err)
			state.AddError(fmt.Sprintf("parse %s: %v", path, err))
			sum.Errors = append(sum.Errors, err.Error())
			continue
		}

		for _, conv := range convs {
			users[conv.UserID] = struct{}{}
			for i, chunk := range Chunk(r.recent(conv.Turns), r.cfg.MaxTurns, r.cfg.TimeGap) {
				if err := ctx.Err(); err != nil {
					r.logger.Info("backfill interrupted, saving state")
					_ = state.Save(r.now().UTC())
					return sum, err
				}
				sum.Chunks++
				if r.cfg.DryRun {
					continue
				}
				res, err := r.extractor.Extract(ctx, conv.UserID, chunk)
				if err != nil {
					ref := fmt.Sprintf("%s#%s-%d", path, conv.UserID, i)
					r.logger.Error("chunk extraction failed", "ref", ref, "error", err)
					state.AddError(fmt.Sprintf("%s: %v", ref, err))
					sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", ref, err))
					continue
				}
				state.ChunksProcessed++
				state.Updates += len(res.Updates)
				sum.Updates += len(res.Updates)
			}
		}

		sum.Files++
		if r.cfg.DryRun {
			continue
		}
		state.MarkProcessed(path)
		if err := state.Save(r.now().UTC()); err != nil {
			return sum, fmt.Errorf("save state: %w", err)
		}
		r.logger.Info("file processed", "path", path, "users", len(convs))
	}
	sum.Users = len(users)

	r.logger.Info("backfill complete",
		"files", sum.Files,
		"skipped", sum.Skipped,
		"chunks", sum.Chunks,
		"updates", sum.Updates,
		"errors", len(sum.Errors),
	)
	return sum, nil
}

func (r *Runner) recent(turns []extractor.Turn) []extractor.Turn {
	if r.cfg.Since.IsZero() {
		return turns
	}
	out := turns[:0:0]
	for _, t := range turns {
		if t.Timestamp.IsZero() || !t.Timestamp.Before(r.cfg.Since) {
			out = append(out, t)
		}
	}
	return out
}

func (r *Runner) files() ([]string, error) {
	if r.cfg.Path == "" {
		return nil, errors.New("no transcript path given")
	}
	var files []string
	err := filepath.WalkDir(r.cfg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == r.cfg.Path && !d.IsDir() {
			files = append(files, path)
			return nil
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".jsonl") {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
