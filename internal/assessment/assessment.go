package assessment

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidName reports whether s is a snake_case identifier.
func ValidName(s string) bool {
	return namePattern.MatchString(s)
}

// Element is a configured dimension of user understanding.
type Element struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	ValueType   ValueType `json:"value_type" yaml:"value_type"`
	Tags        []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	Prompt      string    `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	UpdateEvery int       `json:"update_every,omitempty" yaml:"update_every,omitempty"`
}

// Validate checks an element loaded from configuration. Prompts are required here;
// generated construct elements are checked more leniently by their own validator.
func (e Element) Validate() error {
	if !ValidName(e.Name) {
		return fmt.Errorf("element name %q is not snake_case", e.Name)
	}
	if !e.ValueType.Valid() {
		return fmt.Errorf("element %s: unknown value type %q", e.Name, e.ValueType)
	}
	if strings.TrimSpace(e.Prompt) == "" {
		return fmt.Errorf("element %s: empty prompt", e.Name)
	}
	if e.UpdateEvery < 0 {
		return fmt.Errorf("element %s: negative update_every", e.Name)
	}
	return nil
}

// Due reports whether the element runs for a history with the given number of user turns.
func (e Element) Due(userTurns int) bool {
	if e.UpdateEvery <= 1 {
		return true
	}
	return userTurns > 0 && userTurns%e.UpdateEvery == 0
}

// AllowsTag reports whether tag is acceptable. An empty tag list accepts any tag.
func (e Element) AllowsTag(tag string) bool {
	if len(e.Tags) == 0 {
		return true
	}
	for _, t := range e.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// Assessment is the merged state for one (user, element) pair.
type Assessment struct {
	ID               uuid.UUID `json:"id"`
	UserID           string    `json:"user_id"`
	Element          string    `json:"element"`
	ValueType        ValueType `json:"value_type"`
	Value            Value     `json:"value_data"`
	Reasoning        string    `json:"reasoning"`
	Confidence       float64   `json:"confidence"`
	UserCorrected    bool      `json:"user_corrected"`
	ObservationCount int       `json:"observation_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Evidence is an immutable quote supporting an assessment.
type Evidence struct {
	ID           uuid.UUID `json:"id"`
	AssessmentID uuid.UUID `json:"assessment_id"`
	UserMessage  string    `json:"user_message"`
	Quote        string    `json:"quote"`
	Context      string    `json:"context,omitempty"`
	Weight       float64   `json:"weight"`
	Conflicting  bool      `json:"conflicting"`
	CreatedAt    time.Time `json:"created_at"`
}

// WithEvidence pairs an assessment with a bounded sample of its evidence.
type WithEvidence struct {
	Assessment
	Evidence []Evidence `json:"evidence"`
}

// Observation is one extraction's candidate for an assessment, before merging.
type Observation struct {
	Element    string
	Value      Value
	Reasoning  string
	Confidence float64
	Evidence   []Evidence
	Questions  []string
}

// CorrectionType classifies a user correction.
type CorrectionType string

const (
	CorrectionWrongValue          CorrectionType = "wrong_value"
	CorrectionWrongInterpretation CorrectionType = "wrong_interpretation"
	CorrectionNotApplicable       CorrectionType = "not_applicable"
	CorrectionOther               CorrectionType = "other"
)

func (c CorrectionType) Valid() bool {
	switch c {
	case CorrectionWrongValue, CorrectionWrongInterpretation, CorrectionNotApplicable, CorrectionOther:
		return true
	}
	return false
}

// Correction is an explicit override submitted for an assessment.
type Correction struct {
	Type        CorrectionType `json:"correction_type"`
	Value       *Value         `json:"value_data,omitempty"`
	Explanation string         `json:"explanation"`
}
