package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/manimcat/api/internal/config"
)

// Job event types
const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is published once per terminal job
type JobEvent struct {
	Type           string    `json:"type"`
	JobID          string    `json:"jobId"`
	Status         string    `json:"status"`
	GenerationType string    `json:"generationType,omitempty"`
	ArtifactURL    string    `json:"artifactUrl,omitempty"`
	ImageURLs      []string  `json:"imageUrls,omitempty"`
	Error          string    `json:"error,omitempty"`
	CancelReason   string    `json:"cancelReason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventPublisher delivers job events to downstream consumers
type EventPublisher interface {
	Publish(ctx context.Context, event JobEvent) error
	Close() error
}

// KafkaPublisher writes job events to a Kafka topic keyed by job id
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg *config.EventsConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: 10 * time.Second,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event JobEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	msg := kafka.Message{Key: []byte(event.JobID), Value: value, Time: event.Timestamp}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher drops every event; used when no brokers are configured
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, JobEvent) error { return nil }
func (NoopPublisher) Close() error                            { return nil }
