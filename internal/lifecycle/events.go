package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onex-io/substrate/internal/bus"
	"github.com/onex-io/substrate/internal/event"
	"github.com/onex-io/substrate/internal/pattern"
)

// Emitter publishes the pattern-store event topics as children of a driving
// command envelope, so correlation IDs survive the hop.
type Emitter struct {
	publisher bus.Publisher
	registry  *event.Registry
}

// NewEmitter creates an emitter over the frozen topic registry.
func NewEmitter(publisher bus.Publisher, registry *event.Registry) *Emitter {
	return &Emitter{publisher: publisher, registry: registry}
}

// PatternStored emits evt.pattern-stored for a newly persisted version.
func (em *Emitter) PatternStored(ctx context.Context, parent event.Envelope, p pattern.Pattern, now time.Time) error {
	payload, err := json.Marshal(PatternStoredEvent{
		PatternID:     p.PatternID,
		SignatureHash: p.SignatureHash,
		Version:       p.Version,
		Status:        p.LifecycleStatus.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode pattern-stored payload: %w", err)
	}

	return em.emit(ctx, parent, event.TopicPatternStored, TypePatternStored, now, payload)
}

// Transitioned emits evt.pattern-lifecycle-transitioned for every applied
// edge, plus evt.pattern-promoted or evt.pattern-demoted for edges that move
// the pattern toward or away from injection eligibility.
func (em *Emitter) Transitioned(ctx context.Context, parent event.Envelope, p pattern.Pattern,
	from, to pattern.LifecycleStatus, actor, reason string, now time.Time,
) error {
	payload, err := json.Marshal(LifecycleTransitionedEvent{
		PatternID:      p.PatternID,
		SignatureHash:  p.SignatureHash,
		From:           from.String(),
		To:             to.String(),
		Tier:           p.EvidenceTier.String(),
		Actor:          actor,
		Reason:         reason,
		TransitionedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode transition payload: %w", err)
	}

	if err := em.emit(ctx, parent, event.TopicPatternLifecycleTransitioned, TypeLifecycleTransitioned, now, payload); err != nil {
		return err
	}

	switch to {
	case pattern.StatusProvisional, pattern.StatusValidated:
		return em.emit(ctx, parent, event.TopicPatternPromoted, TypePatternPromoted, now, payload)
	case pattern.StatusDeprecated, pattern.StatusBlacklisted:
		return em.emit(ctx, parent, event.TopicPatternDemoted, TypePatternDemoted, now, payload)
	default:
		return nil
	}
}

func (em *Emitter) emit(ctx context.Context, parent event.Envelope, topicName, eventType string,
	now time.Time, payload json.RawMessage,
) error {
	spec, err := em.registry.Lookup(topicName)
	if err != nil {
		return err
	}

	child := parent.Derive(spec.Topic, eventType, now, payload)

	return em.publisher.Publish(ctx, child)
}
