// Package messaging delivers WhatsApp messages to diners.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"qrorder-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway sends a WhatsApp message. Delivery retries belong to the gateway.
type Gateway interface {
	SendWhatsAppMessage(ctx context.Context, phone, content string) error
}

// Producer is the Kafka producer surface used by KafkaGateway.
type Producer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

type outboundMessage struct {
	MessageID string    `json:"message_id"`
	Channel   string    `json:"channel"`
	Phone     string    `json:"phone"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// KafkaGateway hands messages to the delivery worker through a topic keyed by
// phone, so messages to one recipient stay ordered.
type KafkaGateway struct {
	producer Producer
	topic    string
}

func NewKafkaGateway(producer Producer, topic string) *KafkaGateway {
	return &KafkaGateway{producer: producer, topic: topic}
}

func (g *KafkaGateway) SendWhatsAppMessage(ctx context.Context, phone, content string) error {
	msg := outboundMessage{
		MessageID: uuid.NewString(),
		Channel:   "whatsapp",
		Phone:     phone,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode whatsapp message: %w", err)
	}

	headers := map[string]string{
		"message_id": msg.MessageID,
		"channel":    msg.Channel,
	}
	if err := g.producer.ProduceMessage(ctx, g.topic, []byte(phone), value, headers); err != nil {
		return fmt.Errorf("failed to publish whatsapp message: %w", err)
	}
	return nil
}

// LogGateway only logs. Used when Kafka is disabled.
type LogGateway struct{}

func (LogGateway) SendWhatsAppMessage(_ context.Context, phone, content string) error {
	util.Info("WhatsApp message (log gateway)",
		util.Phone("phone", phone),
		zap.Int("content_length", len(content)),
	)
	util.Debug("WhatsApp message content", zap.String("content", content))
	return nil
}

// Dispatcher sends messages in the background so callers never wait on
// delivery. Failures are logged and dropped.
type Dispatcher struct {
	gateway Gateway
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(gateway Gateway, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{gateway: gateway, timeout: timeout}
}

func (d *Dispatcher) Dispatch(phone, content string) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				util.Error("WhatsApp dispatch panicked", zap.Any("panic", r), util.Phone("phone", phone))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.gateway.SendWhatsAppMessage(ctx, phone, content); err != nil {
			util.Error("WhatsApp dispatch failed", zap.Error(err), util.Phone("phone", phone))
		}
	}()
}

// Wait blocks until in-flight dispatches finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
