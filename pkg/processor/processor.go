// Package processor wires consumed identify messages into the identity engine
package processor

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/identity"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Processor handles identify requests arriving over Kafka
type Processor struct {
	logger ectologger.Logger
	engine *identity.Engine
}

// New creates a new processor
func New(logger ectologger.Logger, engine *identity.Engine) *Processor {
	return &Processor{
		logger: logger,
		engine: engine,
	}
}

// HandleMessage resolves one consumed identify request. Invalid requests are
// swallowed so the consumer commits past them; store errors propagate so the
// message is retried.
func (p *Processor) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.HandleMessage")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	if msg.Request == nil {
		log.Warn("Skipping message with no identify request")
		metrics.MessagesConsumed.WithLabelValues("skipped").Inc()
		return nil
	}

	resp, err := p.engine.Identify(ctx, *msg.Request)
	if err != nil {
		if identity.IsInvalidRequest(err) {
			log.WithError(err).Warn("Skipping invalid identify request")
			metrics.MessagesConsumed.WithLabelValues("invalid").Inc()
			return nil
		}
		metrics.MessagesConsumed.WithLabelValues("error").Inc()
		return err
	}

	log.WithField("primary_contact_id", resp.Contact.PrimaryContactID).Debug("Resolved identify message")
	metrics.MessagesConsumed.WithLabelValues("ok").Inc()
	return nil
}
