package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/llm"
	"github.com/MikeSquared-Agency/aperture/internal/store"
)

// correctionEvidence is how many recent evidence rows the re-analysis sees.
const correctionEvidence = 5

var errNoCompleter = errors.New("no completer configured")

// Corrector applies user corrections. It shares the extractor's per-element
// locks so a correction never interleaves with a merge.
type Corrector struct {
	ext *Extractor
}

func (e *Extractor) Corrector() *Corrector {
	return &Corrector{ext: e}
}

// Apply overrides the assessment identified by assessmentID. The assessment
// must belong to userID; otherwise store.ErrNotFound is returned.
//
// The model re-analyses the assessment in light of the correction. When that
// fails the correction is applied with the fixed confidence drop instead.
func (c *Corrector) Apply(ctx context.Context, userID string, assessmentID uuid.UUID, corr assessment.Correction) (*assessment.Assessment, error) {
	e := c.ext
	current, err := e.repo.GetAssessmentByID(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("load assessment %s: %w", assessmentID, err)
	}
	if current.UserID != userID {
		return nil, fmt.Errorf("assessment %s for user %s: %w", assessmentID, userID, store.ErrNotFound)
	}

	unlock := e.locks.lock(lockKey(userID, current.Element))
	defer unlock()

	// Reload under the lock; a merge may have landed in between.
	current, err = e.repo.GetAssessmentByID(ctx, assessmentID)
	if err != nil {
		return nil, fmt.Errorf("reload assessment %s: %w", assessmentID, err)
	}

	updated, err := assessment.ApplyCorrection(*current, corr, e.opts.Now())
	if err != nil {
		return nil, err
	}

	mode := "fixed"
	// A bare not_applicable zeroes confidence; there is nothing to re-analyse.
	if corr.Type != assessment.CorrectionNotApplicable || corr.Value != nil {
		rev, err := c.reanalyze(ctx, *current, corr, updated)
		if err != nil {
			e.opts.Logger.Warn("correction re-analysis failed, applying fixed drop",
				"user_id", userID,
				"element", current.Element,
				"reason", llm.Reason(err),
				"error", err,
			)
		} else {
			updated, mode = rev, "reanalyzed"
		}
	}

	if err := e.repo.SaveAssessment(ctx, updated, nil); err != nil {
		return nil, fmt.Errorf("save corrected assessment: %w", err)
	}

	e.opts.Metrics.Merged("corrected")
	e.opts.Logger.Info("assessment corrected",
		"user_id", userID,
		"element", updated.Element,
		"correction_type", corr.Type,
		"mode", mode,
		"confidence", updated.Confidence,
	)
	return &updated, nil
}

// reanalyze asks the model for a revised value, reasoning and confidence.
// base is the correction already applied with the fixed drop; the revision
// replaces its value and confidence and extends its reasoning.
func (c *Corrector) reanalyze(ctx context.Context, current assessment.Assessment, corr assessment.Correction, base assessment.Assessment) (assessment.Assessment, error) {
	e := c.ext
	if e.completer == nil {
		return base, errNoCompleter
	}
	evidence, err := e.repo.ListEvidence(ctx, current.ID, correctionEvidence)
	if err != nil {
		return base, fmt.Errorf("load evidence: %w", err)
	}

	el := e.element(current.Element, current.ValueType)
	var rev revised
	err = e.opts.Retry.Structured(ctx, e.completer, llm.Request{
		System:     correctionSystemPrompt,
		Prompt:     buildCorrectionPrompt(el, current, corr, evidence),
		SchemaName: "correction_" + el.Name,
		Schema:     revisionSchema(el),
		MaxTokens:  300,
	}, func(raw string) error {
		var err error
		rev, err = parseRevision(raw, el)
		return err
	})
	if err != nil {
		return base, err
	}

	out := base
	// An explicit value from the user stays authoritative.
	if corr.Value == nil {
		out.Value = rev.value
	}
	out.Confidence = rev.confidence
	if rev.reasoning != "" {
		out.Reasoning = strings.TrimSpace(out.Reasoning + "\n[re-analysis] " + rev.reasoning)
	}
	return out, nil
}

// element returns the catalog definition for name, or a bare element of the
// stored type when the catalog no longer carries it.
func (e *Extractor) element(name string, vt assessment.ValueType) assessment.Element {
	for _, el := range e.elements {
		if el.Name == name && el.ValueType == vt {
			return el
		}
	}
	return assessment.Element{Name: name, ValueType: vt}
}

type revised struct {
	value      assessment.Value
	reasoning  string
	confidence float64
}

func parseRevision(raw string, el assessment.Element) (revised, error) {
	var r struct {
		Value      json.RawMessage `json:"value"`
		Reasoning  string          `json:"reasoning"`
		Confidence *float64        `json:"confidence"`
	}
	if err := llm.DecodeJSON(raw, &r); err != nil {
		return revised{}, err
	}
	value, err := parseElementValue(raw, el, r.Value)
	if err != nil {
		return revised{}, err
	}
	conf, err := checkConfidence(raw, r.Confidence)
	if err != nil {
		return revised{}, err
	}
	return revised{value: value, reasoning: strings.TrimSpace(r.Reasoning), confidence: conf}, nil
}
