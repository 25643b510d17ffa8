package memory

import (
	"context"
	"sync"
	"time"

	"qrorder-auth/internal/models"
)

type RateLimitStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{events: make(map[string][]time.Time)}
}

func (s *RateLimitStore) Hit(_ context.Context, now time.Time, rules ...models.RateLimitRule) ([]models.RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]models.RateLimitResult, len(rules))
	allowed := true
	for i, rule := range rules {
		results[i] = s.evaluateLocked(now, rule)
		if !results[i].Allowed {
			allowed = false
		}
	}
	if !allowed {
		for i := range results {
			results[i].Allowed = false
		}
		return results, nil
	}

	for i, rule := range rules {
		s.events[rule.Key] = append(s.events[rule.Key], now)
		results[i].Count++
		results[i].Remaining = max(rule.Limit-results[i].Count, 0)
	}
	return results, nil
}

func (s *RateLimitStore) Peek(_ context.Context, now time.Time, rule models.RateLimitRule) (models.RateLimitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.evaluateLocked(now, rule), nil
}

func (s *RateLimitStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.events, key)
	return nil
}

// evaluateLocked prunes events older than the window and reports whether one
// more event fits.
func (s *RateLimitStore) evaluateLocked(now time.Time, rule models.RateLimitRule) models.RateLimitResult {
	windowStart := now.Add(-rule.Window)
	kept := s.events[rule.Key][:0]
	for _, ts := range s.events[rule.Key] {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	if len(kept) == 0 {
		delete(s.events, rule.Key)
	} else {
		s.events[rule.Key] = kept
	}

	res := models.RateLimitResult{
		Key:         rule.Key,
		Count:       len(kept),
		WindowStart: windowStart,
		ResetAt:     now.Add(rule.Window),
	}
	if len(kept) > 0 {
		res.ResetAt = kept[0].Add(rule.Window)
	}
	res.Allowed = res.Count < rule.Limit
	res.Remaining = max(rule.Limit-res.Count, 0)
	return res
}
