package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
)

// ListFilter narrows ListAssessments. Zero values match everything.
type ListFilter struct {
	Element       string
	MinConfidence float64
}

const assessmentColumns = `id, user_id, element, value_type, value_data, reasoning, confidence,
	user_corrected, observation_count, created_at, updated_at`

func scanAssessment(row pgx.Row) (*assessment.Assessment, error) {
	var a assessment.Assessment
	var raw []byte
	err := row.Scan(&a.ID, &a.UserID, &a.Element, &a.ValueType, &raw, &a.Reasoning, &a.Confidence,
		&a.UserCorrected, &a.ObservationCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(raw, &a.Value); err != nil {
		return nil, fmt.Errorf("decode value_data for %s: %w", a.ID, err)
	}
	return &a, nil
}

// GetAssessment fetches the live assessment for a user and element.
func (s *Store) GetAssessment(ctx context.Context, userID, element string) (*assessment.Assessment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assessmentColumns+`
		FROM assessments WHERE user_id = $1 AND element = $2`,
		userID, element,
	)
	return scanAssessment(row)
}

func (s *Store) GetAssessmentByID(ctx context.Context, id uuid.UUID) (*assessment.Assessment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+assessmentColumns+`
		FROM assessments WHERE id = $1`, id)
	return scanAssessment(row)
}

// SaveAssessment upserts a on (user_id, element) and appends evidence in one
// transaction. Evidence rows are attached to the id the row ends up with.
func (s *Store) SaveAssessment(ctx context.Context, a assessment.Assessment, evidence []assessment.Evidence) error {
	value, err := json.Marshal(a.Value)
	if err != nil {
		return fmt.Errorf("encode value_data: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		INSERT INTO assessments (id, user_id, element, value_type, value_data, reasoning, confidence,
			user_corrected, observation_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, element)
		DO UPDATE SET
			value_type = $4,
			value_data = $5,
			reasoning = $6,
			confidence = $7,
			user_corrected = $8,
			observation_count = $9,
			updated_at = $11
		RETURNING id`,
		a.ID, a.UserID, a.Element, string(a.ValueType), value, a.Reasoning, a.Confidence,
		a.UserCorrected, a.ObservationCount, a.CreatedAt, a.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("upsert assessment: %w", err)
	}

	for _, ev := range evidence {
		_, err = tx.Exec(ctx, `
			INSERT INTO assessment_evidence (id, assessment_id, user_message, quote, context, weight, conflicting, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.ID, id, ev.UserMessage, ev.Quote, ev.Context, ev.Weight, ev.Conflicting, ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) ListAssessments(ctx context.Context, userID string, f ListFilter) ([]assessment.Assessment, error) {
	query := `SELECT ` + assessmentColumns + ` FROM assessments WHERE user_id = $1 AND confidence >= $2`
	args := []any{userID, f.MinConfidence}
	if f.Element != "" {
		query += " AND element = $3"
		args = append(args, f.Element)
	}
	query += " ORDER BY element"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	var out []assessment.Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ListEvidence returns the newest evidence for an assessment; limit <= 0 returns all.
func (s *Store) ListEvidence(ctx context.Context, assessmentID uuid.UUID, limit int) ([]assessment.Evidence, error) {
	query := `
		SELECT id, assessment_id, user_message, quote, context, weight, conflicting, created_at
		FROM assessment_evidence WHERE assessment_id = $1
		ORDER BY created_at DESC`
	args := []any{assessmentID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query evidence: %w", err)
	}
	defer rows.Close()

	var out []assessment.Evidence
	for rows.Next() {
		var ev assessment.Evidence
		if err := rows.Scan(&ev.ID, &ev.AssessmentID, &ev.UserMessage, &ev.Quote, &ev.Context,
			&ev.Weight, &ev.Conflicting, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ScanAssessments returns every assessment updated at or after since, ordered
// by (updated_at, id), each with up to evidencePer of its newest evidence.
func (s *Store) ScanAssessments(ctx context.Context, since time.Time, evidencePer int) ([]assessment.WithEvidence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.id, a.user_id, a.element, a.value_type, a.value_data, a.reasoning, a.confidence,
			a.user_corrected, a.observation_count, a.created_at, a.updated_at,
			e.id::text, e.user_message, e.quote, e.context, e.weight, e.conflicting, e.created_at
		FROM assessments a
		LEFT JOIN LATERAL (
			SELECT * FROM assessment_evidence ev
			WHERE ev.assessment_id = a.id
			ORDER BY ev.created_at DESC
			LIMIT $2
		) e ON true
		WHERE a.updated_at >= $1
		ORDER BY a.updated_at, a.id, e.created_at DESC`,
		since, evidencePer,
	)
	if err != nil {
		return nil, fmt.Errorf("scan assessments: %w", err)
	}
	defer rows.Close()

	var out []assessment.WithEvidence
	for rows.Next() {
		var a assessment.Assessment
		var raw []byte
		var (
			evID, evMessage, evQuote, evContext *string
			evWeight                            *float64
			evConflicting                       *bool
			evCreated                           *time.Time
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.Element, &a.ValueType, &raw, &a.Reasoning, &a.Confidence,
			&a.UserCorrected, &a.ObservationCount, &a.CreatedAt, &a.UpdatedAt,
			&evID, &evMessage, &evQuote, &evContext, &evWeight, &evConflicting, &evCreated); err != nil {
			return nil, fmt.Errorf("scan assessment row: %w", err)
		}

		if n := len(out); n == 0 || out[n-1].ID != a.ID {
			if err := json.Unmarshal(raw, &a.Value); err != nil {
				return nil, fmt.Errorf("decode value_data for %s: %w", a.ID, err)
			}
			out = append(out, assessment.WithEvidence{Assessment: a})
		}
		if evID == nil {
			continue
		}
		id, err := uuid.Parse(*evID)
		if err != nil {
			return nil, fmt.Errorf("parse evidence id: %w", err)
		}
		last := &out[len(out)-1]
		last.Evidence = append(last.Evidence, assessment.Evidence{
			ID:           id,
			AssessmentID: a.ID,
			UserMessage:  *evMessage,
			Quote:        *evQuote,
			Context:      *evContext,
			Weight:       *evWeight,
			Conflicting:  *evConflicting,
			CreatedAt:    *evCreated,
		})
	}
	return out, rows.Err()
}
