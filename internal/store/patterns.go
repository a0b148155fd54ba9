package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aperture/internal/catalog"
	"github.com/MikeSquared-Agency/aperture/internal/construct"
	"github.com/MikeSquared-Agency/aperture/internal/discovery"
)

// SaveDiscoveryRun records a run and its patterns.
func (s *Store) SaveDiscoveryRun(ctx context.Context, res *discovery.Result) error {
	params, err := json.Marshal(res.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO discovery_runs (id, params, since, total_users, assessments_analyzed, assessments_skipped, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		res.RunID, params, res.Since, res.TotalUsers, res.Analyzed, res.Skipped, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert discovery run: %w", err)
	}

	for i, p := range res.Patterns {
		var suggested []byte
		if p.SuggestedConstruct != nil {
			if suggested, err = json.Marshal(p.SuggestedConstruct); err != nil {
				return fmt.Errorf("encode suggested construct: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO discovered_patterns (id, run_id, position, name, element, description, detected_in,
				occurrence_rate, confidence, summary, suggested_construct, evidence, sample_values, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			uuid.New(), res.RunID, i, p.Name, p.Element, p.Description, p.DetectedIn,
			p.OccurrenceRate, p.Confidence, p.Summary, suggested, p.Evidence, p.SampleValues, res.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert discovered pattern: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DiscoveredTemplates returns the constructs suggested by patterns found since
// the given time, newest first, one per construct name.
func (s *Store) DiscoveredTemplates(ctx context.Context, since time.Time) ([]catalog.Template, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, suggested_construct
		FROM discovered_patterns
		WHERE suggested_construct IS NOT NULL AND created_at >= $1
		ORDER BY created_at DESC, position`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("query discovered patterns: %w", err)
	}
	defer rows.Close()

	var found []discoveredConstruct
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan discovered pattern: %w", err)
		}
		var cfg construct.Config
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode suggested construct %s: %w", id, err)
		}
		found = append(found, discoveredConstruct{id: id, cfg: cfg})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return toTemplates(found), nil
}

type discoveredConstruct struct {
	id  string
	cfg construct.Config
}

// toTemplates converts suggested constructs, newest first, into templates,
// keeping the first occurrence of each name.
func toTemplates(found []discoveredConstruct) []catalog.Template {
	seen := make(map[string]bool)
	var out []catalog.Template
	for _, f := range found {
		if f.cfg.Name == "" || seen[f.cfg.Name] {
			continue
		}
		seen[f.cfg.Name] = true
		out = append(out, catalog.Template{
			ID:          "discovered:" + f.id,
			Name:        f.cfg.Name,
			Description: f.cfg.Description,
			UseCases:    f.cfg.UseCases,
			Elements:    f.cfg.Elements,
			Source:      "discovered",
		})
	}
	return out
}
