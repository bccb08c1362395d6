// Package events moves normalized alerts in and group-changed facts out over Kafka.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	// SchemaVersion is stamped on every message header.
	SchemaVersion = "1"

	writeTimeout   = 10 * time.Second
	maxPollWait    = 500 * time.Millisecond
	commitInterval = 0
)

// ParseBrokers splits a comma-separated broker list and trims whitespace.
func ParseBrokers(brokers string) []string {
	if strings.TrimSpace(brokers) == "" {
		return nil
	}
	parts := strings.Split(brokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validate(brokers, topic string) error {
	if len(ParseBrokers(brokers)) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return fmt.Errorf("topic cannot be empty")
	}
	return nil
}

// readerConfig is tuned for at-least-once delivery; offsets are committed explicitly.
func readerConfig(brokers []string, topic, groupID string) kafka.ReaderConfig {
	return kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        maxPollWait,
		CommitInterval: commitInterval,
		StartOffset:    kafka.FirstOffset,
	}
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
