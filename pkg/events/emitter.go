// Package events handles event emission for contact lifecycle changes
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Emitter publishes identity events. All emission is best effort: identify
// calls have already committed when these run, so failures are logged and
// counted but never surfaced to the caller.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// ContactCreated emits a contact.created event
func (e *Emitter) ContactCreated(ctx context.Context, contact models.Contact) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ContactCreated")
	defer span.End()

	primaryID := contact.ID
	if contact.LinkedID != nil {
		primaryID = *contact.LinkedID
	}

	event := &kafka.IdentityEvent{
		EventType:        "contact.created",
		ContactID:        contact.ID,
		PrimaryContactID: primaryID,
		Email:            contact.Email,
		PhoneNumber:      contact.PhoneNumber,
		LinkPrecedence:   string(contact.LinkPrecedence),
	}

	e.publish(ctx, event)
}

// ContactLinked emits a contact.linked event
func (e *Emitter) ContactLinked(ctx context.Context, contact models.Contact, primaryID int64) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.ContactLinked")
	defer span.End()

	event := &kafka.IdentityEvent{
		EventType:        "contact.linked",
		ContactID:        contact.ID,
		PrimaryContactID: primaryID,
		Email:            contact.Email,
		PhoneNumber:      contact.PhoneNumber,
		LinkPrecedence:   string(contact.LinkPrecedence),
	}

	e.publish(ctx, event)
}

// IdentityMerged emits an identity.merged event
func (e *Emitter) IdentityMerged(ctx context.Context, survivorID int64, mergedIDs []int64) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.IdentityMerged")
	defer span.End()

	event := &kafka.IdentityEvent{
		EventType:        "identity.merged",
		PrimaryContactID: survivorID,
		MergedContactIDs: mergedIDs,
	}

	e.publish(ctx, event)
}

func (e *Emitter) publish(ctx context.Context, event *kafka.IdentityEvent) {
	if err := e.producer.PublishIdentityEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("event_type", event.EventType).Error("Failed to emit identity event")
		metrics.EventsEmitted.WithLabelValues(event.EventType, "error").Inc()
		return
	}
	metrics.EventsEmitted.WithLabelValues(event.EventType, "ok").Inc()
}
