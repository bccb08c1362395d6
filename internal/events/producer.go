package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

const (
	eventTypeHeader   = "event_type"
	eventGroupChanged = "incident_group.changed"
	eventAlert        = "alert.normalized"
)

// Publisher emits group-changed facts for downstream notification layers.
type Publisher interface {
	Publish(ctx context.Context, fact models.GroupChanged) error
	Close() error
}

// NoopPublisher drops every fact.
type NoopPublisher struct{}

// Publish implements Publisher.
func (NoopPublisher) Publish(context.Context, models.GroupChanged) error { return nil }

// Close implements Publisher.
func (NoopPublisher) Close() error { return nil }

// messageWriter is the subset of *kafka.Writer the producer needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes JSON messages keyed by workspace so a tenant's facts stay ordered.
type Producer struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewProducer creates a synchronous producer for topic.
func NewProducer(logger *slog.Logger, brokers, topic string) (*Producer, error) {
	if err := validate(brokers, topic); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	brokerList := ParseBrokers(brokers)
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokerList...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	logger.Info("kafka producer configured",
		slog.Any("brokers", brokerList),
		slog.String("topic", topic),
	)
	return &Producer{writer: writer, topic: topic, logger: logger}, nil
}

// Publish writes a group-changed fact.
func (p *Producer) Publish(ctx context.Context, fact models.GroupChanged) error {
	msg, err := encode(fact.WorkspaceID, eventGroupChanged, fact)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write group changed to %s: %w", p.topic, err)
	}
	p.logger.Debug("published group changed",
		slog.String("workspace_id", fact.WorkspaceID),
		slog.String("group_id", fact.GroupID),
	)
	return nil
}

// PublishAlert writes a normalized alert envelope, used by local tooling to feed the consumer.
func (p *Producer) PublishAlert(ctx context.Context, msg AlertMessage) error {
	out, err := encode(msg.WorkspaceID, eventAlert, msg)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, out); err != nil {
		return fmt.Errorf("write alert to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		p.logger.Error("close kafka producer", slog.String("topic", p.topic), slog.Any("error", err))
		return err
	}
	return nil
}

func encode(key, eventType string, value any) (kafka.Message, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "schema_version", Value: []byte(SchemaVersion)},
			{Key: eventTypeHeader, Value: []byte(eventType)},
		},
		Time: time.Now(),
	}, nil
}
