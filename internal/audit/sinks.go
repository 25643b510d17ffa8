package audit

import (
	"context"
	"fmt"

	"qrorder-auth/internal/models"
)

const createSecurityEventsTable = `
CREATE TABLE IF NOT EXISTS security_events (
	event_id     String,
	event_bucket UInt16,
	event_date   Date,
	event_time   DateTime64(3, 'UTC'),
	event_type   LowCardinality(String),
	session_id   String,
	store_id     String,
	fingerprint  String,
	phone_masked String,
	ip_address   String,
	risk_score   UInt8,
	details      String
) ENGINE = MergeTree
PARTITION BY event_date
ORDER BY (event_bucket, event_time)
TTL event_date + INTERVAL 180 DAY`

const insertSecurityEvents = `INSERT INTO security_events (event_id, event_bucket, event_date, event_time, event_type, session_id, store_id, fingerprint, phone_masked, ip_address, risk_score, details)`

// BatchWriter is the ClickHouse client surface used by ClickHouseSink.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...any) error
	BatchInsert(ctx context.Context, query string, data [][]any) error
}

type ClickHouseSink struct {
	client BatchWriter
}

func NewClickHouseSink(client BatchWriter) *ClickHouseSink {
	return &ClickHouseSink{client: client}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.client.Exec(ctx, createSecurityEventsTable); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		rows = append(rows, []any{
			e.EventID,
			uint16(e.EventBucket),
			e.EventTime.UTC(),
			e.EventTime.UTC(),
			string(e.EventType),
			e.SessionID,
			e.StoreID,
			e.Fingerprint,
			e.PhoneMasked,
			e.IPAddress,
			uint8(min(max(e.RiskScore, 0), 100)),
			e.Details,
		})
	}
	if err := s.client.BatchInsert(ctx, insertSecurityEvents, rows); err != nil {
		return fmt.Errorf("failed to insert security events: %w", err)
	}
	return nil
}

// DocumentIndexer is the Elasticsearch client surface used by ElasticsearchSink.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document any) error
}

type ElasticsearchSink struct {
	client DocumentIndexer
	index  string
}

func NewElasticsearchSink(client DocumentIndexer, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

// Write indexes each event under its id, so a retried batch does not
// duplicate documents.
func (s *ElasticsearchSink) Write(ctx context.Context, events []models.SecurityEvent) error {
	for _, e := range events {
		if err := s.client.IndexDocument(ctx, s.index, e.EventID, e); err != nil {
			return fmt.Errorf("failed to index event %s: %w", e.EventID, err)
		}
	}
	return nil
}
