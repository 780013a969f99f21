package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/acme/call-orchestrator/internal/lifecycle"
)

// NotificationPublisher emits one Kafka record per applied lifecycle
// transition, keyed by call id so per-call ordering survives
// partitioning. It implements lifecycle.Notifier.
type NotificationPublisher struct {
	writer *kafka.Writer
}

// NewNotificationPublisher constructs the publisher for the given topic.
func NewNotificationPublisher(k *Kafka, topic string) *NotificationPublisher {
	return &NotificationPublisher{writer: k.NewWriter(topic)}
}

// NotifyStatus publishes the transition.
func (p *NotificationPublisher) NotifyStatus(ctx context.Context, n lifecycle.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notification publisher: marshal: %w", err)
	}
	record := kafka.Message{
		Key:   n.CallID[:],
		Value: value,
		Time:  n.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("notification publisher: write: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *NotificationPublisher) Close() error {
	return p.writer.Close()
}

// AlertPublisher emits operational alerts, currently DLQ backlog
// warnings. It implements jobs.AlertPublisher.
type AlertPublisher struct {
	writer *kafka.Writer
}

// NewAlertPublisher constructs the publisher for the given topic.
func NewAlertPublisher(k *Kafka, topic string) *AlertPublisher {
	return &AlertPublisher{writer: k.NewWriter(topic)}
}

// AlertMessage is the wire form of one alert.
type AlertMessage struct {
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PublishAlert emits the alert.
func (p *AlertPublisher) PublishAlert(ctx context.Context, kind, detail string) error {
	value, err := json.Marshal(AlertMessage{Kind: kind, Detail: detail, OccurredAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("alert publisher: marshal: %w", err)
	}
	record := kafka.Message{
		Key:   []byte(kind),
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("alert publisher: write: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *AlertPublisher) Close() error {
	return p.writer.Close()
}
