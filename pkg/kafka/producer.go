package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	requiredAcks := kafka.RequiredAcks(cfg.RequiredAcks)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           requiredAcks,
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// IdentityEvent represents a change to a contact or its identity group
type IdentityEvent struct {
	EventType        string    `json:"event_type"` // contact.created, contact.linked, identity.merged
	ContactID        int64     `json:"contact_id,omitempty"`
	PrimaryContactID int64     `json:"primary_contact_id"`
	Email            *string   `json:"email,omitempty"`
	PhoneNumber      *string   `json:"phone_number,omitempty"`
	LinkPrecedence   string    `json:"link_precedence,omitempty"`
	MergedContactIDs []int64   `json:"merged_contact_ids,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// PublishIdentityEvent publishes an identity event to Kafka. Events are keyed
// by primary contact ID so every change to a group lands on one partition.
func (p *Producer) PublishIdentityEvent(ctx context.Context, event *IdentityEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishIdentityEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(strconv.FormatInt(event.PrimaryContactID, 10)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "schema_version", Value: []byte("1.0")},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish identity event")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type":         event.EventType,
		"contact_id":         event.ContactID,
		"primary_contact_id": event.PrimaryContactID,
	}).Debug("Published identity event")

	return nil
}
