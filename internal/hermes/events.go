package hermes

import (
	"time"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
)

const queueGroup = "aperture"

const (
	// SubjectTurn carries conversation turns to extract from.
	SubjectTurn = "aperture.conversation.turn"
	// SubjectCorrection carries user corrections of an assessment.
	SubjectCorrection = "aperture.assessment.correction"
	// SubjectAssessmentUpdated is emitted after every merge or correction.
	SubjectAssessmentUpdated = "aperture.assessment.updated"
	// SubjectPatternDiscovered is emitted once per pattern of a discovery run.
	SubjectPatternDiscovered = "aperture.pattern.discovered"
)

type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TurnEvent is the latest conversation history for a user.
type TurnEvent struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Turns          []Turn `json:"turns"`
}

type CorrectionEvent struct {
	UserID       string                    `json:"user_id"`
	AssessmentID string                    `json:"assessment_id"`
	Type         assessment.CorrectionType `json:"correction_type"`
	Value        *assessment.Value         `json:"value_data,omitempty"`
	Explanation  string                    `json:"explanation"`
}

type AssessmentUpdatedEvent struct {
	UserID           string           `json:"user_id"`
	AssessmentID     string           `json:"assessment_id"`
	Element          string           `json:"element"`
	Value            assessment.Value `json:"value_data"`
	Confidence       float64          `json:"confidence"`
	ObservationCount int              `json:"observation_count"`
	UserCorrected    bool             `json:"user_corrected"`
	Outcome          string           `json:"outcome"`
	NewEvidence      int              `json:"new_evidence"`
	Timestamp        time.Time        `json:"timestamp"`
}

type PatternDiscoveredEvent struct {
	RunID          string    `json:"run_id"`
	Name           string    `json:"name"`
	Element        string    `json:"element"`
	DetectedIn     int       `json:"detected_in"`
	OccurrenceRate float64   `json:"occurrence_rate"`
	Confidence     float64   `json:"confidence"`
	Summary        string    `json:"summary"`
	HasSuggestion  bool      `json:"has_suggestion"`
	Timestamp      time.Time `json:"timestamp"`
}
