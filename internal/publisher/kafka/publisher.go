// Package kafka publishes job events with segmentio/kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter abstracts kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config describes the brokers to write to.
type Config struct {
	Brokers      []string
	BatchTimeout time.Duration
}

// Publisher writes JSON payloads keyed by job id.
type Publisher struct {
	writer MessageWriter
}

// New builds a Publisher backed by a kafka.Writer. The writer carries no
// topic; each message names its own.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("publisher.kafka.brokers is required")
	}
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: false,
	}), nil
}

// NewWithWriter wraps an existing writer (primarily for testing).
func NewWithWriter(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer}
}

type keyed interface {
	EventKey() string
}

// Publish marshals payload and writes it to topic. The partition key is the
// payload's EventKey when it has one, so events of a job stay ordered.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := kafka.Message{Topic: topic, Value: data}
	var key string
	if k, ok := payload.(keyed); ok {
		key = k.EventKey()
		msg.Key = []byte(key)
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return fmt.Sprintf("%s/%s", topic, key), nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
