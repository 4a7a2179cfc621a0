package kafka

import (
	"context"
	"fmt"
	"time"

	"ledger-saga/pkg/events"

	"github.com/segmentio/kafka-go"
)

// PublisherConfig configures the Kafka writer.
type PublisherConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// DefaultPublisherConfig returns a local single-broker configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "ledger.transfers",
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

// Publisher writes settlement events to a Kafka topic, keyed by
// transaction id so one transaction's events stay on one partition.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher creates a publisher. No connection is made until the first
// write.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}

	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(config.Brokers...),
			Topic:                  config.Topic,
			Balancer:               &kafka.Hash{},
			BatchTimeout:           config.BatchTimeout,
			WriteTimeout:           config.WriteTimeout,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
	}, nil
}

// Message encodes event as a Kafka message.
func Message(event events.Event) (kafka.Message, error) {
	data, err := event.Marshal()
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: failed to marshal event: %w", err)
	}
	return kafka.Message{
		Key:   event.Key(),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
		Time: event.OccurredAt,
	}, nil
}

// Publish writes one event.
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	msg, err := Message(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: failed to publish %s: %w", event.Type, err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
