// Package repository defines the storage contracts shared by the in-memory
// and Redis backends, plus the customer directory.
package repository

import (
	"context"
	"errors"
	"time"

	"qrorder-auth/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrLimitExceeded = errors.New("session limit exceeded")
	ErrAlreadyExists = errors.New("record already exists")
	ErrConflict      = errors.New("record modified concurrently")
)

// SessionLimits bounds how many live sessions may coexist.
type SessionLimits struct {
	MaxPerTable       int
	MaxPerFingerprint int
}

// LimitError reports which session limit rejected a creation. It matches
// ErrLimitExceeded.
type LimitError struct {
	Scope string // "table" or "fingerprint"
	Count int
	Max   int
}

func (e *LimitError) Error() string {
	return "session limit exceeded for " + e.Scope
}

func (e *LimitError) Is(target error) bool { return target == ErrLimitExceeded }

// SessionStore persists ContextualSession records with TTL.
type SessionStore interface {
	// CreateOrAttach atomically either returns the live session already
	// holding candidate's (fingerprint, store, table) slot with attached=true,
	// or checks the per-table and per-fingerprint limits and stores candidate.
	// Sessions expired at now never count toward limits nor get attached.
	CreateOrAttach(ctx context.Context, candidate *models.ContextualSession, limits SessionLimits, now time.Time) (session *models.ContextualSession, attached bool, err error)
	Get(ctx context.Context, id string) (*models.ContextualSession, error)
	// Update rewrites a stored session, refreshing its TTL and index entries.
	// It fails with ErrConflict unless the stored Version equals
	// session.Version; on success both are incremented.
	Update(ctx context.Context, session *models.ContextualSession) error
	Delete(ctx context.Context, id string) error
	// DeleteExpired removes every session whose ExpiresAt is not after now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// ListByFingerprint returns the stored sessions carrying hash.
	ListByFingerprint(ctx context.Context, hash string) ([]*models.ContextualSession, error)
}

// FingerprintStore persists device fingerprints and their abuse counters.
type FingerprintStore interface {
	Get(ctx context.Context, hash string) (*models.StoredFingerprint, error)
	// Upsert records device info and confidence, keeping existing counters.
	Upsert(ctx context.Context, fp *models.StoredFingerprint) error
	IncrementUsage(ctx context.Context, hash string, now time.Time) (int64, error)
	// IncrementSuspicious bumps the suspicious counter and blocks the
	// fingerprint once the counter reaches threshold.
	IncrementSuspicious(ctx context.Context, hash string, threshold int, now time.Time) (count int, blocked bool, err error)
}

// TokenStore persists single-use auth tokens and codes.
type TokenStore interface {
	Save(ctx context.Context, token *models.AuthToken) error
	Get(ctx context.Context, lookupKey string) (*models.AuthToken, error)
	// MarkUsed flips Used to true. It returns false when the token was
	// already used, so exactly one caller wins.
	MarkUsed(ctx context.Context, lookupKey string, now time.Time) (bool, error)
	// IncrementAttempts atomically counts a verification attempt and returns
	// the new total.
	IncrementAttempts(ctx context.Context, lookupKey string) (int, error)
	Delete(ctx context.Context, lookupKey string) error
}

// RateLimitStore keeps sliding-window counters.
type RateLimitStore interface {
	// Hit evaluates every rule and, only when all allow, records one event in
	// each window. Evaluation and recording are atomic.
	Hit(ctx context.Context, now time.Time, rules ...models.RateLimitRule) ([]models.RateLimitResult, error)
	// Peek evaluates rule without recording an event.
	Peek(ctx context.Context, now time.Time, rule models.RateLimitRule) (models.RateLimitResult, error)
	Reset(ctx context.Context, key string) error
}

// CartStore persists cart snapshots per device fingerprint.
type CartStore interface {
	Get(ctx context.Context, owner string) (*models.CartSnapshot, error)
	Save(ctx context.Context, owner string, cart *models.CartSnapshot, ttl time.Duration) error
	Delete(ctx context.Context, owner string) error
}

// CustomerDirectory resolves customers by phone within a store.
type CustomerDirectory interface {
	FindCustomerByPhone(ctx context.Context, storeID, phone string) (*models.Customer, error)
	// CreateCustomer returns ErrAlreadyExists when the phone is already
	// registered for the store.
	CreateCustomer(ctx context.Context, storeID, phone string) (*models.Customer, error)
}
