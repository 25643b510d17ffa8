package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qrorder-auth/internal/bucketing"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/util"
)

type memSink struct {
	name string
	fail bool
	mu   sync.Mutex
	got  []models.SecurityEvent
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Write(_ context.Context, events []models.SecurityEvent) error {
	if s.fail {
		return errors.New("sink down")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, events...)
	return nil
}

func newRecorder(sinks ...Sink) *Recorder {
	buckets := bucketing.NewBucketingManager(config.BucketingConfig{CustomerBuckets: 8, EventBuckets: 8})
	clock := util.NewFakeClock(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC))
	return NewRecorder(buckets, clock, sinks...)
}

func TestRecorderFansOutToSinks(t *testing.T) {
	a, b := &memSink{name: "a"}, &memSink{name: "b"}
	r := newRecorder(a, b)

	r.Record(models.SecurityEvent{EventType: models.EventAuthFailed, SessionID: "s1", RiskScore: 20})
	r.Record(models.SecurityEvent{EventType: models.EventContextMismatch, SessionID: "s1", RiskScore: 60})

	if err := r.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(a.got) != 2 || len(b.got) != 2 {
		t.Fatalf("a=%d b=%d", len(a.got), len(b.got))
	}
	e := a.got[0]
	if e.EventID == "" || e.EventDate != "2026-02-01" || e.EventBucket != a.got[1].EventBucket {
		t.Fatalf("event not enriched: %+v", e)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d", r.Pending())
	}
}

func TestRecorderKeepsEventsWhenEverySinkFails(t *testing.T) {
	down := &memSink{name: "down", fail: true}
	r := newRecorder(down)
	r.Record(models.SecurityEvent{EventType: models.EventRateLimited})

	if err := r.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error")
	}
	if r.Pending() != 1 {
		t.Fatalf("event should be retained, pending = %d", r.Pending())
	}

	down.fail = false
	if err := r.Flush(context.Background()); err != nil || len(down.got) != 1 {
		t.Fatalf("retry flush: err=%v got=%d", err, len(down.got))
	}
}

func TestRecorderWithoutSinksOnlyLogs(t *testing.T) {
	r := newRecorder()
	r.Record(models.SecurityEvent{EventType: models.EventSessionCreated})
	if r.Pending() != 0 {
		t.Fatalf("no sinks should mean nothing buffered")
	}
}

type rowCapture struct {
	query string
	rows  [][]any
}

func (c *rowCapture) Exec(context.Context, string, ...any) error { return nil }

func (c *rowCapture) BatchInsert(_ context.Context, query string, data [][]any) error {
	c.query, c.rows = query, data
	return nil
}

func TestClickHouseSinkRowShape(t *testing.T) {
	c := &rowCapture{}
	sink := NewClickHouseSink(c)
	err := sink.Write(context.Background(), []models.SecurityEvent{{
		EventID:   "e1",
		EventTime: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		EventType: models.EventAuthFailed,
		RiskScore: 250,
	}})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(c.rows) != 1 || len(c.rows[0]) != 12 {
		t.Fatalf("rows = %v", c.rows)
	}
	if c.rows[0][10] != uint8(100) {
		t.Fatalf("risk score not clamped: %v", c.rows[0][10])
	}
}
