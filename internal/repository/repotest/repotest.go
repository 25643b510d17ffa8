// Package repotest is a conformance suite every storage backend must pass.
package repotest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
)

// Stores bundles one backend's implementations.
type Stores struct {
	Sessions     repository.SessionStore
	Fingerprints repository.FingerprintStore
	Tokens       repository.TokenStore
	RateLimits   repository.RateLimitStore
	Carts        repository.CartStore
}

// Factory returns fresh, isolated stores for a single test.
type Factory func(t *testing.T) Stores

// RunStoreTests runs the complete suite against the provided factory.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("Sessions_CreateThenGet", func(t *testing.T) { testSessionCreateThenGet(t, factory) })
	t.Run("Sessions_AttachLiveTuple", func(t *testing.T) { testSessionAttach(t, factory) })
	t.Run("Sessions_ExpiredTupleNotAttached", func(t *testing.T) { testSessionExpiredTuple(t, factory) })
	t.Run("Sessions_FingerprintLimit", func(t *testing.T) { testSessionFingerprintLimit(t, factory) })
	t.Run("Sessions_TableLimit", func(t *testing.T) { testSessionTableLimit(t, factory) })
	t.Run("Sessions_ConcurrentCreateRespectsLimit", func(t *testing.T) { testSessionConcurrentLimit(t, factory) })
	t.Run("Sessions_UpdateAndDelete", func(t *testing.T) { testSessionUpdateDelete(t, factory) })
	t.Run("Sessions_DeleteExpired", func(t *testing.T) { testSessionDeleteExpired(t, factory) })
	t.Run("Fingerprints_Counters", func(t *testing.T) { testFingerprintCounters(t, factory) })
	t.Run("Tokens_MarkUsedOnce", func(t *testing.T) { testTokenMarkUsedOnce(t, factory) })
	t.Run("Tokens_Attempts", func(t *testing.T) { testTokenAttempts(t, factory) })
	t.Run("RateLimits_SlidingWindow", func(t *testing.T) { testRateLimitWindow(t, factory) })
	t.Run("RateLimits_AllOrNothing", func(t *testing.T) { testRateLimitAllOrNothing(t, factory) })
	t.Run("RateLimits_ConcurrentHits", func(t *testing.T) { testRateLimitConcurrent(t, factory) })
	t.Run("Carts_SaveGetDelete", func(t *testing.T) { testCartRoundTrip(t, factory) })
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSession(fingerprint, store, table string, now time.Time, ttl time.Duration) *models.ContextualSession {
	return &models.ContextualSession{
		ID:           uuid.NewString(),
		StoreID:      store,
		TableID:      table,
		IsDelivery:   table == "",
		Fingerprint:  fingerprint,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(ttl),
		State:        models.SessionActive,
	}
}

func unique(prefix string) string { return prefix + "-" + uuid.NewString() }

func testSessionCreateThenGet(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	cand := newSession(unique("fp"), unique("store"), "T1", base, time.Hour)

	got, attached, err := s.Sessions.CreateOrAttach(ctx, cand, repository.SessionLimits{MaxPerTable: 10, MaxPerFingerprint: 3}, base)
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	if attached {
		t.Fatalf("fresh tuple reported as attached")
	}
	if got.ID != cand.ID {
		t.Fatalf("got id %q want %q", got.ID, cand.ID)
	}

	loaded, err := s.Sessions.Get(ctx, cand.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !loaded.ExpiresAt.Equal(cand.ExpiresAt) || loaded.TableID != "T1" {
		t.Fatalf("loaded session mismatch: %+v", loaded)
	}

	if _, err := s.Sessions.Get(ctx, uuid.NewString()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing session: want ErrNotFound, got %v", err)
	}
}

func testSessionAttach(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	fp, store := unique("fp"), unique("store")
	limits := repository.SessionLimits{MaxPerTable: 10, MaxPerFingerprint: 3}

	first := newSession(fp, store, "T1", base, time.Hour)
	if _, _, err := s.Sessions.CreateOrAttach(ctx, first, limits, base); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := newSession(fp, store, "T1", base.Add(time.Minute), time.Hour)
	got, attached, err := s.Sessions.CreateOrAttach(ctx, second, limits, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !attached || got.ID != first.ID {
		t.Fatalf("expected attach to %s, got attached=%v id=%s", first.ID, attached, got.ID)
	}
	if _, err := s.Sessions.Get(ctx, second.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("candidate should not be stored on attach, got %v", err)
	}
}

func testSessionExpiredTuple(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	fp, store := unique("fp"), unique("store")
	limits := repository.SessionLimits{MaxPerTable: 10, MaxPerFingerprint: 1}

	first := newSession(fp, store, "T1", base, time.Minute)
	if _, _, err := s.Sessions.CreateOrAttach(ctx, first, limits, base); err != nil {
		t.Fatalf("create: %v", err)
	}

	later := base.Add(2 * time.Minute)
	second := newSession(fp, store, "T1", later, time.Hour)
	got, attached, err := s.Sessions.CreateOrAttach(ctx, second, limits, later)
	if err != nil {
		t.Fatalf("expired session must not count toward limits: %v", err)
	}
	if attached || got.ID != second.ID {
		t.Fatalf("expired tuple was reattached")
	}
}

func testSessionFingerprintLimit(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	fp, store := unique("fp"), unique("store")
	limits := repository.SessionLimits{MaxPerTable: 10, MaxPerFingerprint: 2}

	for _, table := range []string{"T1", "T2"} {
		if _, _, err := s.Sessions.CreateOrAttach(ctx, newSession(fp, store, table, base, time.Hour), limits, base); err != nil {
			t.Fatalf("create %s: %v", table, err)
		}
	}
	_, _, err := s.Sessions.CreateOrAttach(ctx, newSession(fp, store, "T3", base, time.Hour), limits, base)
	var limitErr *repository.LimitError
	if !errors.As(err, &limitErr) || limitErr.Scope != "fingerprint" {
		t.Fatalf("want fingerprint LimitError, got %v", err)
	}
	if !errors.Is(err, repository.ErrLimitExceeded) {
		t.Fatalf("LimitError must match ErrLimitExceeded")
	}
}

func testSessionTableLimit(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	store := unique("store")
	limits := repository.SessionLimits{MaxPerTable: 2, MaxPerFingerprint: 3}

	for i := 0; i < 2; i++ {
		if _, _, err := s.Sessions.CreateOrAttach(ctx, newSession(unique("fp"), store, "T1", base, time.Hour), limits, base); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, _, err := s.Sessions.CreateOrAttach(ctx, newSession(unique("fp"), store, "T1", base, time.Hour), limits, base)
	var limitErr *repository.LimitError
	if !errors.As(err, &limitErr) || limitErr.Scope != "table" {
		t.Fatalf("want table LimitError, got %v", err)
	}

	// A different table of the same store is unaffected.
	if _, _, err := s.Sessions.CreateOrAttach(ctx, newSession(unique("fp"), store, "T2", base, time.Hour), limits, base); err != nil {
		t.Fatalf("other table: %v", err)
	}
}

func testSessionConcurrentLimit(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	store := unique("store")
	limits := repository.SessionLimits{MaxPerTable: 3, MaxPerFingerprint: 3}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, attached, err := s.Sessions.CreateOrAttach(ctx, newSession(unique("fp"), store, "T1", base, time.Hour), limits, base)
			if err == nil && !attached {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if created != 3 {
		t.Fatalf("created %d sessions, want exactly 3", created)
	}
}

func testSessionUpdateDelete(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	sess := newSession(unique("fp"), unique("store"), "", base, time.Hour)
	if _, _, err := s.Sessions.CreateOrAttach(ctx, sess, repository.SessionLimits{}, base); err != nil {
		t.Fatalf("create: %v", err)
	}

	sess.LastActivity = base.Add(30 * time.Minute)
	sess.ExpiresAt = base.Add(90 * time.Minute)
	sess.OrderCount = 2
	if err := s.Sessions.Update(ctx, sess); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := s.Sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.ExpiresAt.Equal(sess.ExpiresAt) || got.OrderCount != 2 {
		t.Fatalf("update not persisted: %+v", got)
	}
	if got.Version != 1 || sess.Version != 1 {
		t.Fatalf("version not bumped: stored=%d local=%d", got.Version, sess.Version)
	}

	stale := *got
	stale.Version = 0
	stale.OrderCount = 99
	if err := s.Sessions.Update(ctx, &stale); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("stale update: want ErrConflict, got %v", err)
	}

	list, err := s.Sessions.ListByFingerprint(ctx, sess.Fingerprint)
	if err != nil || len(list) != 1 || list[0].ID != sess.ID {
		t.Fatalf("ListByFingerprint = %v, %v", list, err)
	}

	if err := s.Sessions.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Sessions.Get(ctx, sess.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deleted session still readable: %v", err)
	}
	if err := s.Sessions.Update(ctx, sess); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("update of deleted session: want ErrNotFound, got %v", err)
	}
}

func testSessionDeleteExpired(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	store := unique("store")

	short := newSession(unique("fp"), store, "T1", base, time.Minute)
	long := newSession(unique("fp"), store, "T2", base, time.Hour)
	for _, sess := range []*models.ContextualSession{short, long} {
		if _, _, err := s.Sessions.CreateOrAttach(ctx, sess, repository.SessionLimits{}, base); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	removed, err := s.Sessions.DeleteExpired(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed %d, want 1", removed)
	}
	if _, err := s.Sessions.Get(ctx, long.ID); err != nil {
		t.Fatalf("live session removed: %v", err)
	}
}

func testFingerprintCounters(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	hash := unique("fp")

	if _, err := s.Fingerprints.Get(ctx, hash); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown fingerprint: want ErrNotFound, got %v", err)
	}

	fp := &models.StoredFingerprint{
		Hash:       hash,
		DeviceInfo: models.DeviceInfo{UserAgent: "ua", Timezone: "America/Sao_Paulo"},
		Confidence: 0.8,
		FirstSeen:  base,
		LastSeen:   base,
	}
	if err := s.Fingerprints.Upsert(ctx, fp); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if n, err := s.Fingerprints.IncrementUsage(ctx, hash, base); err != nil || n != 1 {
		t.Fatalf("IncrementUsage = %d, %v", n, err)
	}

	for i := 1; i <= 3; i++ {
		count, blocked, err := s.Fingerprints.IncrementSuspicious(ctx, hash, 3, base)
		if err != nil {
			t.Fatalf("IncrementSuspicious: %v", err)
		}
		if count != i || blocked != (i >= 3) {
			t.Fatalf("step %d: count=%d blocked=%v", i, count, blocked)
		}
	}

	// Upsert must keep counters.
	fp.Confidence = 0.5
	if err := s.Fingerprints.Upsert(ctx, fp); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Fingerprints.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.UsageCount != 1 || got.SuspiciousActivity != 3 || !got.IsBlocked || got.Confidence != 0.5 {
		t.Fatalf("fingerprint state: %+v", got)
	}
	if got.DeviceInfo.Timezone != "America/Sao_Paulo" {
		t.Fatalf("device info lost: %+v", got.DeviceInfo)
	}
}

func newToken(now time.Time) *models.AuthToken {
	return &models.AuthToken{
		Kind:      models.TokenMagicLink,
		LookupKey: uuid.NewString(),
		Phone:     "+5511999999999",
		StoreID:   "S1",
		IssuedAt:  now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
}

func testTokenMarkUsedOnce(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	tok := newToken(base)
	if err := s.Tokens.Save(ctx, tok); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Tokens.MarkUsed(ctx, tok.LookupKey, base)
			if err != nil {
				t.Errorf("MarkUsed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("%d callers flipped the token, want 1", winners)
	}

	got, err := s.Tokens.Get(ctx, tok.LookupKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Used || got.UsedAt == nil {
		t.Fatalf("token not marked used: %+v", got)
	}

	if _, err := s.Tokens.MarkUsed(ctx, uuid.NewString(), base); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown token: want ErrNotFound, got %v", err)
	}

	if err := s.Tokens.Delete(ctx, tok.LookupKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Tokens.Get(ctx, tok.LookupKey); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deleted token still readable: %v", err)
	}
}

func testTokenAttempts(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	tok := newToken(base)
	tok.Kind = models.TokenOTP
	if err := s.Tokens.Save(ctx, tok); err != nil {
		t.Fatalf("Save: %v", err)
	}
	for i := 1; i <= 3; i++ {
		n, err := s.Tokens.IncrementAttempts(ctx, tok.LookupKey)
		if err != nil || n != i {
			t.Fatalf("IncrementAttempts = %d, %v; want %d", n, err, i)
		}
	}

	// Re-issuing under the same key starts a fresh record.
	if err := s.Tokens.Save(ctx, tok); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Tokens.Get(ctx, tok.LookupKey)
	if err != nil || got.Attempts != 0 || got.Used {
		t.Fatalf("reissued token = %+v, %v", got, err)
	}
}

func testRateLimitWindow(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	rule := models.RateLimitRule{Key: unique("rl"), Limit: 2, Window: time.Hour}

	for i := 1; i <= 2; i++ {
		res, err := s.RateLimits.Hit(ctx, base.Add(time.Duration(i)*time.Minute), rule)
		if err != nil {
			t.Fatalf("Hit: %v", err)
		}
		if !res[0].Allowed || res[0].Count != i || res[0].Remaining != 2-i {
			t.Fatalf("hit %d: %+v", i, res[0])
		}
	}

	res, err := s.RateLimits.Hit(ctx, base.Add(3*time.Minute), rule)
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if res[0].Allowed || res[0].Count != 2 {
		t.Fatalf("third hit should be rejected: %+v", res[0])
	}
	if want := base.Add(time.Minute + time.Hour); !res[0].ResetAt.Equal(want) {
		t.Fatalf("ResetAt = %v, want %v", res[0].ResetAt, want)
	}

	peek, err := s.RateLimits.Peek(ctx, base.Add(time.Hour+90*time.Second), rule)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if !peek.Allowed || peek.Count != 1 {
		t.Fatalf("first event should have slid out: %+v", peek)
	}

	if err := s.RateLimits.Reset(ctx, rule.Key); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	peek, _ = s.RateLimits.Peek(ctx, base.Add(3*time.Minute), rule)
	if peek.Count != 0 {
		t.Fatalf("reset window still counts %d", peek.Count)
	}
}

func testRateLimitAllOrNothing(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	hour := models.RateLimitRule{Key: unique("hour"), Limit: 5, Window: time.Hour}
	day := models.RateLimitRule{Key: unique("day"), Limit: 1, Window: 24 * time.Hour}

	if res, err := s.RateLimits.Hit(ctx, base, hour, day); err != nil || !res[0].Allowed {
		t.Fatalf("first hit: %v, %v", res, err)
	}
	res, err := s.RateLimits.Hit(ctx, base.Add(time.Minute), hour, day)
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if res[0].Allowed || res[1].Allowed {
		t.Fatalf("exhausted day window must reject both: %+v", res)
	}
	peek, _ := s.RateLimits.Peek(ctx, base.Add(time.Minute), hour)
	if peek.Count != 1 {
		t.Fatalf("rejected hit was recorded in the hour window: %d", peek.Count)
	}
}

func testRateLimitConcurrent(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	rule := models.RateLimitRule{Key: unique("rl"), Limit: 5, Window: time.Hour}

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.RateLimits.Hit(ctx, base, rule)
			if err == nil && res[0].Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if allowed != 5 {
		t.Fatalf("allowed %d concurrent hits, want 5", allowed)
	}
}

func testCartRoundTrip(t *testing.T, factory Factory) {
	s := factory(t)
	ctx := context.Background()
	owner := unique("fp")

	if _, err := s.Carts.Get(ctx, owner); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("empty cart: want ErrNotFound, got %v", err)
	}

	cart := &models.CartSnapshot{
		Items:       []models.CartItem{{ProductIdentify: "burger", Quantity: 2, AdditionalIDs: []string{"a", "b"}}},
		StoreID:     "S1",
		TableID:     "T1",
		LastUpdated: base,
		ExpiresAt:   base.Add(4 * time.Hour),
	}
	if err := s.Carts.Save(ctx, owner, cart, 4*time.Hour); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Carts.Get(ctx, owner)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Quantity != 2 || len(got.Items[0].AdditionalIDs) != 2 {
		t.Fatalf("cart mismatch: %+v", got)
	}

	if err := s.Carts.Delete(ctx, owner); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Carts.Get(ctx, owner); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("deleted cart: want ErrNotFound, got %v", err)
	}
}
