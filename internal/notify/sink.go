package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	appLog "orgcal/internal/log"
	"orgcal/internal/model"
)

// Sink delivers reminders somewhere a user will see them.
type Sink interface {
	Deliver(ctx context.Context, orgID string, notifications []model.Notification) error
}

// LogSink writes one log line per reminder.
type LogSink struct{}

func (LogSink) Deliver(_ context.Context, orgID string, notifications []model.Notification) error {
	for _, n := range notifications {
		appLog.Info("notification", "org", orgID, "id", n.ID, "date", n.Date, "time", n.Time, "message", n.Message)
	}
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, orgID string, notifications []model.Notification) error

func (f SinkFunc) Deliver(ctx context.Context, orgID string, notifications []model.Notification) error {
	return f(ctx, orgID, notifications)
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, orgID string, notifications []model.Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, orgID, notifications); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes reminders as JSON, keyed by notification id so a
// consumer can de-duplicate.
type KafkaSink struct {
	w messageWriter
}

type kafkaPayload struct {
	OrganizationID string             `json:"organizationId"`
	Notification   model.Notification `json:"notification"`
	SentAt         time.Time          `json:"sentAt"`
}

// NewKafkaSink builds a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (k *KafkaSink) Deliver(ctx context.Context, orgID string, notifications []model.Notification) error {
	if len(notifications) == 0 {
		return nil
	}
	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(notifications))
	for _, n := range notifications {
		body, err := json.Marshal(kafkaPayload{OrganizationID: orgID, Notification: n, SentAt: now})
		if err != nil {
			return fmt.Errorf("kafka sink: marshal %s: %w", n.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(n.ID), Value: body})
	}
	if err := k.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka sink: write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.w.Close()
}
