package assessment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aperture/internal/confidence"
)

// MergeOutcome describes what a merge did to the stored assessment.
type MergeOutcome string

const (
	OutcomeCreated    MergeOutcome = "created"
	OutcomeReinforced MergeOutcome = "reinforced"
	OutcomeUpdated    MergeOutcome = "updated"
	OutcomeReplaced   MergeOutcome = "replaced"
	OutcomeConflict   MergeOutcome = "conflict"
)

// MergePolicy folds observations into existing assessments.
type MergePolicy struct {
	// OverrideMargin is how far a new observation's confidence must exceed the
	// stored confidence before a tag, range or text value is replaced.
	OverrideMargin float64
	// CorrectionStep bounds confidence movement on user-corrected assessments.
	CorrectionStep float64
	// CorrectedFloor is the lowest confidence a corrected assessment can reach
	// through later extractions.
	CorrectedFloor float64
}

func DefaultMergePolicy() MergePolicy {
	return MergePolicy{OverrideMargin: 0.15, CorrectionStep: 0.05, CorrectedFloor: 0.5}
}

// Merge applies obs to existing (nil when none) and returns the new state.
// Evidence in the observation is stamped with the assessment ID and flagged
// when it contradicts a user-corrected value.
func (p MergePolicy) Merge(userID string, vt ValueType, existing *Assessment, obs Observation, now time.Time) (Assessment, []Evidence, MergeOutcome) {
	if existing == nil {
		a := Assessment{
			ID:               uuid.New(),
			UserID:           userID,
			Element:          obs.Element,
			ValueType:        vt,
			Value:            obs.Value,
			Reasoning:        obs.Reasoning,
			Confidence:       confidence.Clamp(obs.Confidence),
			ObservationCount: 1,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		return a, stampEvidence(a.ID, obs.Evidence, false, now), OutcomeCreated
	}

	a := *existing
	n := a.ObservationCount
	if n < 1 {
		n = 1
	}
	a.ObservationCount = n + 1
	a.UpdatedAt = now

	if a.UserCorrected {
		floor := min(p.CorrectedFloor, a.Confidence)
		if obs.Value.Equal(a.Value) {
			a.Confidence = confidence.Reinforce(a.Confidence, p.CorrectionStep, floor)
			return a, stampEvidence(a.ID, obs.Evidence, false, now), OutcomeReinforced
		}
		a.Confidence = confidence.Contradict(a.Confidence, p.CorrectionStep, floor)
		return a, stampEvidence(a.ID, obs.Evidence, true, now), OutcomeConflict
	}

	prior := a.Confidence
	a.Confidence = confidence.Blend(prior, n, obs.Confidence)

	outcome := OutcomeReinforced
	switch {
	case obs.Value.Equal(a.Value):
	case a.ValueType == ValueScore && obs.Value.Type == ValueScore:
		a.Value = ScoreValue(confidence.Clamp((a.Value.Score*float64(n) + obs.Value.Score) / float64(n+1)))
		outcome = OutcomeUpdated
	case obs.Confidence >= prior+p.OverrideMargin:
		a.Value = obs.Value
		a.Reasoning = obs.Reasoning
		outcome = OutcomeReplaced
	}
	return a, stampEvidence(a.ID, obs.Evidence, false, now), outcome
}

func stampEvidence(id uuid.UUID, in []Evidence, conflicting bool, now time.Time) []Evidence {
	out := make([]Evidence, len(in))
	for i, ev := range in {
		ev.ID = uuid.New()
		ev.AssessmentID = id
		ev.Conflicting = conflicting
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		out[i] = ev
	}
	return out
}

// ErrInvalidCorrection marks corrections that cannot be applied.
var ErrInvalidCorrection = errors.New("invalid correction")

// ApplyCorrection overrides an assessment from an explicit user correction.
// The corrected value becomes authoritative, the observation count restarts
// and confidence drops to the correction level.
func ApplyCorrection(a Assessment, c Correction, now time.Time) (Assessment, error) {
	if !c.Type.Valid() {
		return a, fmt.Errorf("%w: unknown type %q", ErrInvalidCorrection, c.Type)
	}
	if c.Value != nil {
		if c.Value.Type != a.ValueType {
			return a, fmt.Errorf("%w: value type %q does not match %q", ErrInvalidCorrection, c.Value.Type, a.ValueType)
		}
		if err := c.Value.Validate(); err != nil {
			return a, fmt.Errorf("%w: %v", ErrInvalidCorrection, err)
		}
		a.Value = *c.Value
	} else if c.Type == CorrectionWrongValue {
		return a, fmt.Errorf("%w: wrong_value requires a value", ErrInvalidCorrection)
	}

	if c.Type == CorrectionNotApplicable && c.Value == nil {
		a.Confidence = 0
	} else {
		a.Confidence = confidence.CorrectionDrop(a.Confidence)
	}
	if note := strings.TrimSpace(c.Explanation); note != "" {
		a.Reasoning = strings.TrimSpace(a.Reasoning + "\n[user correction: " + string(c.Type) + "] " + note)
	}
	a.UserCorrected = true
	a.ObservationCount = 1
	a.UpdatedAt = now
	return a, nil
}
