package extractor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation, oldest first.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Update is one merged assessment produced by an extraction pass.
type Update struct {
	Assessment assessment.Assessment   `json:"assessment"`
	Evidence   []assessment.Evidence   `json:"evidence"`
	Outcome    assessment.MergeOutcome `json:"outcome"`
}

// Skipped records an element that produced no update this turn.
type Skipped struct {
	Element string `json:"element"`
	Reason  string `json:"reason"`
}

type Result struct {
	UserID  string    `json:"user_id"`
	Updates []Update  `json:"updates"`
	Skipped []Skipped `json:"skipped,omitempty"`
}

// Repository is the assessment storage the extractor merges into.
// Lookups that match nothing return store.ErrNotFound.
type Repository interface {
	GetAssessment(ctx context.Context, userID, element string) (*assessment.Assessment, error)
	GetAssessmentByID(ctx context.Context, id uuid.UUID) (*assessment.Assessment, error)
	SaveAssessment(ctx context.Context, a assessment.Assessment, evidence []assessment.Evidence) error
	ListEvidence(ctx context.Context, assessmentID uuid.UUID, limit int) ([]assessment.Evidence, error)
}
