// Package events publishes domain events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"qrorder-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Type string

const (
	SessionCreated        Type = "session.created"
	CustomerAuthenticated Type = "customer.authenticated"
	FingerprintBlocked    Type = "fingerprint.blocked"
	OrderPlaced           Type = "order.placed"
)

type Event struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	SessionID  string         `json:"session_id,omitempty"`
	StoreID    string         `json:"store_id,omitempty"`
	CustomerID string         `json:"customer_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaPublisher keys events by session so a session's events stay ordered.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

func NewKafkaPublisher(producer Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	key := evt.SessionID
	if key == "" {
		key = evt.ID
	}
	headers := map[string]string{"event_type": string(evt.Type)}
	if err := p.producer.ProduceMessage(ctx, p.topic, []byte(key), value, headers); err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.Type, err)
	}
	return nil
}

// NopPublisher drops events after a debug log.
type NopPublisher struct{}

func (NopPublisher) Publish(_ context.Context, evt Event) error {
	util.Debug("Event dropped (no publisher)", zap.String("type", string(evt.Type)), zap.String("session_id", evt.SessionID))
	return nil
}
