package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MikeSquared-Agency/aperture/internal/hermes"
)

// Publisher announces discovered patterns on the event bus. It is a Sink.
type Publisher struct {
	bus hermes.Publisher
}

func NewPublisher(bus hermes.Publisher) *Publisher {
	return &Publisher{bus: bus}
}

func (p *Publisher) SaveDiscoveryRun(_ context.Context, res *Result) error {
	var errs []error
	for _, pat := range res.Patterns {
		ev := hermes.PatternDiscoveredEvent{
			RunID:          res.RunID.String(),
			Name:           pat.Name,
			Element:        pat.Element,
			DetectedIn:     pat.DetectedIn,
			OccurrenceRate: pat.OccurrenceRate,
			Confidence:     pat.Confidence,
			Summary:        pat.Summary,
			HasSuggestion:  pat.SuggestedConstruct != nil,
			Timestamp:      time.Now().UTC(),
		}
		if err := p.bus.Publish(hermes.SubjectPatternDiscovered, ev); err != nil {
			errs = append(errs, fmt.Errorf("publish pattern %s: %w", pat.Name, err))
		}
	}
	return errors.Join(errs...)
}
