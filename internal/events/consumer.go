package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

// ErrMalformedMessage marks a message that can never be processed and should be skipped.
var ErrMalformedMessage = errors.New("malformed alert message")

// AlertMessage is the envelope carried on the normalized alerts topic.
type AlertMessage struct {
	WorkspaceID string                 `json:"workspaceId"`
	Alert       models.NormalizedAlert `json:"alert"`
}

// messageReader is the subset of *kafka.Reader the consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads normalized alerts with at-least-once semantics.
type Consumer struct {
	reader messageReader
	topic  string
	logger *slog.Logger
}

// NewConsumer creates a consumer-group reader for topic.
func NewConsumer(logger *slog.Logger, brokers, topic, groupID string) (*Consumer, error) {
	if err := validate(brokers, topic); err != nil {
		return nil, err
	}
	if groupID == "" {
		return nil, fmt.Errorf("groupID cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := readerConfig(ParseBrokers(brokers), topic, groupID)
	logger.Info("kafka consumer configured",
		slog.Any("brokers", cfg.Brokers),
		slog.String("topic", topic),
		slog.String("group_id", groupID),
	)
	return &Consumer{reader: kafka.NewReader(cfg), topic: topic, logger: logger}, nil
}

// ReadMessage fetches the next message without committing it. A decode failure
// returns the raw message together with an error wrapping ErrMalformedMessage.
func (c *Consumer) ReadMessage(ctx context.Context) (*AlertMessage, *kafka.Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch from %s: %w", c.topic, err)
	}
	decoded, err := DecodeAlert(msg)
	if err != nil {
		return nil, &msg, err
	}
	return decoded, &msg, nil
}

// CommitMessage commits the offset of a processed message.
func (c *Consumer) CommitMessage(ctx context.Context, msg *kafka.Message) error {
	return c.reader.CommitMessages(ctx, *msg)
}

// Close releases the reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		c.logger.Error("close kafka consumer", slog.String("topic", c.topic), slog.Any("error", err))
		return err
	}
	return nil
}

// DecodeAlert parses an alert envelope. The workspace falls back to the message key.
func DecodeAlert(msg kafka.Message) (*AlertMessage, error) {
	if t := header(msg, eventTypeHeader); t != "" && t != eventAlert {
		return nil, fmt.Errorf("%w: unexpected event type %q", ErrMalformedMessage, t)
	}
	var out AlertMessage
	if err := json.Unmarshal(msg.Value, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(out.WorkspaceID) == "" {
		out.WorkspaceID = string(msg.Key)
	}
	if strings.TrimSpace(out.WorkspaceID) == "" {
		return nil, fmt.Errorf("%w: missing workspace", ErrMalformedMessage)
	}
	return &out, nil
}
