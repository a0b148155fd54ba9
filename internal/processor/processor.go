// Package processor connects bus events to the extraction pipeline.
package processor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/aperture/internal/assessment"
	"github.com/MikeSquared-Agency/aperture/internal/extractor"
	"github.com/MikeSquared-Agency/aperture/internal/hermes"
)

const correctionTimeout = 30 * time.Second

// Submitter queues extraction work; satisfied by *extractor.Dispatcher.
type Submitter interface {
	Submit(userID string, turns []extractor.Turn) bool
}

// CorrectionApplier is satisfied by *extractor.Corrector.
type CorrectionApplier interface {
	Apply(ctx context.Context, userID string, assessmentID uuid.UUID, corr assessment.Correction) (*assessment.Assessment, error)
}

type Processor struct {
	dispatcher Submitter
	corrector  CorrectionApplier
	bus        hermes.Publisher
	logger     *slog.Logger
}

// New builds a processor. bus may be nil, in which case nothing is published.
func New(d Submitter, c CorrectionApplier, bus hermes.Publisher, logger *slog.Logger) *Processor {
	return &Processor{dispatcher: d, corrector: c, bus: bus, logger: logger}
}

// HandleTurn is the NATS handler for aperture.conversation.turn.
func (p *Processor) HandleTurn(subject string, data []byte) {
	var evt hermes.TurnEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Error("failed to parse turn event", "subject", subject, "error", err)
		return
	}
	if strings.TrimSpace(evt.UserID) == "" {
		p.logger.Warn("turn event without user id", "subject", subject)
		return
	}

	if !p.dispatcher.Submit(evt.UserID, ToTurns(evt.Turns)) {
		p.logger.Warn("turn not queued", "user_id", evt.UserID, "conversation_id", evt.ConversationID)
		return
	}
	p.logger.Debug("turn queued", "user_id", evt.UserID, "turns", len(evt.Turns))
}

// HandleCorrection is the NATS handler for aperture.assessment.correction.
func (p *Processor) HandleCorrection(subject string, data []byte) {
	var evt hermes.CorrectionEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.Error("failed to parse correction event", "subject", subject, "error", err)
		return
	}
	id, err := uuid.Parse(evt.AssessmentID)
	if err != nil {
		p.logger.Error("invalid assessment id", "assessment_id", evt.AssessmentID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), correctionTimeout)
	defer cancel()

	a, err := p.corrector.Apply(ctx, evt.UserID, id, assessment.Correction{
		Type:        evt.Type,
		Value:       evt.Value,
		Explanation: evt.Explanation,
	})
	if err != nil {
		p.logger.Error("correction failed", "user_id", evt.UserID, "assessment_id", evt.AssessmentID, "error", err)
		return
	}
	p.PublishAssessment(*a, "corrected", 0)
}

// PublishUpdates emits one assessment.updated event per update. It is the
// dispatcher's result hook.
func (p *Processor) PublishUpdates(_ context.Context, res *extractor.Result) {
	for _, u := range res.Updates {
		p.PublishAssessment(u.Assessment, string(u.Outcome), len(u.Evidence))
	}
}

func (p *Processor) PublishAssessment(a assessment.Assessment, outcome string, newEvidence int) {
	if p.bus == nil {
		return
	}
	evt := hermes.AssessmentUpdatedEvent{
		UserID:           a.UserID,
		AssessmentID:     a.ID.String(),
		Element:          a.Element,
		Value:            a.Value,
		Confidence:       a.Confidence,
		ObservationCount: a.ObservationCount,
		UserCorrected:    a.UserCorrected,
		Outcome:          outcome,
		NewEvidence:      newEvidence,
		Timestamp:        a.UpdatedAt,
	}
	if err := p.bus.Publish(hermes.SubjectAssessmentUpdated, evt); err != nil {
		p.logger.Warn("failed to publish assessment update", "user_id", a.UserID, "element", a.Element, "error", err)
	}
}

// ToTurns converts bus turns to extractor turns, dropping unknown roles.
func ToTurns(in []hermes.Turn) []extractor.Turn {
	out := make([]extractor.Turn, 0, len(in))
	for _, t := range in {
		role := extractor.Role(strings.ToLower(strings.TrimSpace(t.Role)))
		if role != extractor.RoleUser && role != extractor.RoleAssistant {
			continue
		}
		out = append(out, extractor.Turn{Role: role, Content: t.Content, Timestamp: t.Timestamp})
	}
	return out
}
