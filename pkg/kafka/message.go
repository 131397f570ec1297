package kafka

import (
	"encoding/json"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string

	// Parsed content
	Request *models.IdentifyRequest
}

// ParseIdentifyRequest parses the message value as an identify request
func (m *IncomingMessage) ParseIdentifyRequest() error {
	var req models.IdentifyRequest
	if err := json.Unmarshal(m.Value, &req); err != nil {
		return err
	}
	m.Request = &req
	return nil
}
