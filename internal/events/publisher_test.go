package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type captureProducer struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

func (c *captureProducer) ProduceMessage(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	c.topic, c.key, c.value, c.headers = topic, string(key), value, headers
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	c := &captureProducer{}
	p := NewKafkaPublisher(c, "qrorder.events")

	err := p.Publish(context.Background(), Event{
		Type:       OrderPlaced,
		OccurredAt: time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC),
		SessionID:  "sess-1",
		Data:       map[string]any{"amount": 4200},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if c.topic != "qrorder.events" || c.key != "sess-1" || c.headers["event_type"] != "order.placed" {
		t.Fatalf("topic=%q key=%q headers=%v", c.topic, c.key, c.headers)
	}

	var got Event
	if err := json.Unmarshal(c.value, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID == "" || got.Type != OrderPlaced {
		t.Fatalf("event = %+v", got)
	}
}
