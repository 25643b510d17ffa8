// Package audit records security events and ships them to analytics sinks.
package audit

import (
	"context"
	"sync"
	"time"

	"qrorder-auth/internal/bucketing"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxBuffered bounds memory when sinks are down; the oldest events go first.
const MaxBuffered = 10000

type Sink interface {
	Name() string
	Write(ctx context.Context, events []models.SecurityEvent) error
}

// Recorder logs every event immediately and buffers it for the sinks, which
// are written in batches by Flush.
type Recorder struct {
	sinks   []Sink
	buckets *bucketing.BucketingManager
	clock   util.Clock

	mu  sync.Mutex
	buf []models.SecurityEvent
}

func NewRecorder(buckets *bucketing.BucketingManager, clock util.Clock, sinks ...Sink) *Recorder {
	return &Recorder{sinks: sinks, buckets: buckets, clock: clock}
}

func (r *Recorder) Record(evt models.SecurityEvent) {
	if evt.EventID == "" {
		evt.EventID = uuid.NewString()
	}
	if evt.EventTime.IsZero() {
		evt.EventTime = r.clock.Now()
	}
	evt.EventDate = r.buckets.DateBucket(evt.EventTime)
	partition := evt.SessionID
	if partition == "" {
		partition = evt.Fingerprint
	}
	evt.EventBucket = r.buckets.EventBucket(partition)

	fields := []zap.Field{
		zap.String("event_type", string(evt.EventType)),
		zap.String("session_id", evt.SessionID),
		zap.String("store_id", evt.StoreID),
		zap.Int("risk_score", evt.RiskScore),
	}
	if evt.PhoneMasked != "" {
		fields = append(fields, zap.String("phone", evt.PhoneMasked))
	}
	if evt.RiskScore >= 50 {
		util.Warn("Security event", fields...)
	} else {
		util.Info("Security event", fields...)
	}

	if len(r.sinks) == 0 {
		return
	}

	r.mu.Lock()
	r.buf = append(r.buf, evt)
	if over := len(r.buf) - MaxBuffered; over > 0 {
		r.buf = r.buf[over:]
	}
	r.mu.Unlock()
}

// Flush writes buffered events to every sink concurrently. Events that no
// sink accepted are put back for the next flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	failed := make([]bool, len(r.sinks))
	g, gctx := errgroup.WithContext(ctx)
	for i, sink := range r.sinks {
		g.Go(func() error {
			if err := sink.Write(gctx, batch); err != nil {
				failed[i] = true
				util.Error("Failed to write security events",
					zap.String("sink", sink.Name()),
					zap.Int("count", len(batch)),
					zap.Error(err),
				)
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	allFailed := true
	for _, f := range failed {
		if !f {
			allFailed = false
			break
		}
	}
	if allFailed {
		r.mu.Lock()
		r.buf = append(batch, r.buf...)
		if over := len(r.buf) - MaxBuffered; over > 0 {
			r.buf = r.buf[over:]
		}
		r.mu.Unlock()
	}
	return err
}

// Run flushes on interval until ctx is done, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	if len(r.sinks) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = r.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = r.Flush(flushCtx)
			cancel()
			return
		}
	}
}

func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}
