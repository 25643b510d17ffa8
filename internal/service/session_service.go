package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qrorder-auth/internal/audit"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/events"
	"qrorder-auth/internal/fingerprint"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
	"qrorder-auth/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxUpdateAttempts = 5
	maxIdentifierLen  = 64
)

// errUnchanged lets a mutation skip the write.
var errUnchanged = errors.New("unchanged")

type CreateSessionRequest struct {
	StoreID     string             `json:"store_id"`
	TableID     string             `json:"table_id,omitempty"`
	Fingerprint string             `json:"fingerprint,omitempty"`
	DeviceInfo  *models.DeviceInfo `json:"device_info,omitempty"`
	// SessionID is the session the client already holds, if any. It is
	// required to reattach to a session a customer has signed in to.
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

type CreateSessionResult struct {
	Session    *models.ContextualSession `json:"session"`
	Attached   bool                      `json:"attached"`
	Confidence float64                   `json:"confidence,omitempty"`
}

// SessionService owns the ContextualSession lifecycle.
type SessionService struct {
	sessions     repository.SessionStore
	fingerprints repository.FingerprintStore
	engine       *fingerprint.Engine
	limiter      *RateLimiter
	publisher    events.Publisher
	recorder     *audit.Recorder
	policy       config.PolicyConfig
	clock        util.Clock
}

func NewSessionService(
	sessions repository.SessionStore,
	fingerprints repository.FingerprintStore,
	engine *fingerprint.Engine,
	limiter *RateLimiter,
	publisher events.Publisher,
	recorder *audit.Recorder,
	policy config.PolicyConfig,
	clock util.Clock,
) *SessionService {
	return &SessionService{
		sessions:     sessions,
		fingerprints: fingerprints,
		engine:       engine,
		limiter:      limiter,
		publisher:    publisher,
		recorder:     recorder,
		policy:       policy,
		clock:        clock,
	}
}

func (s *SessionService) durationFor(delivery bool) time.Duration {
	if delivery {
		return s.policy.DeliverySessionDuration()
	}
	return s.policy.TableSessionDuration()
}

// CreateSession creates a session for the request's context, or reattaches
// the live session this device already holds for the same store and table.
func (s *SessionService) CreateSession(ctx context.Context, req CreateSessionRequest) (*CreateSessionResult, error) {
	storeID, tableID := strings.TrimSpace(req.StoreID), strings.TrimSpace(req.TableID)
	if !validIdentifier(storeID) || (tableID != "" && !validIdentifier(tableID)) {
		return nil, fmt.Errorf("%w: store and table ids", ErrInvalidInput)
	}

	hash := strings.TrimSpace(req.Fingerprint)
	var device *fingerprint.Result
	if req.DeviceInfo != nil {
		signals := *req.DeviceInfo
		if signals.UserAgent == "" {
			signals.UserAgent = req.UserAgent
		}
		res, err := s.engine.Generate(signals)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		device = &res
		hash = res.Hash
	}
	if !validIdentifier(hash) {
		return nil, fmt.Errorf("%w: fingerprint is required", ErrInvalidInput)
	}

	if err := s.ensureNotBlocked(ctx, hash); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	delivery := tableID == ""

	// Reattaching never counts against the creation quota.
	if existing, err := s.findLive(ctx, hash, storeID, tableID, now); err != nil {
		return nil, err
	} else if existing != nil {
		return s.reattach(ctx, existing, device, req)
	}

	if err := s.limiter.Allow(ctx, models.RateLimitRule{
		Key:    "session:create:fingerprint:hour:" + hash,
		Limit:  s.policy.RateLimits.FingerprintPerHour,
		Window: time.Hour,
	}); err != nil {
		return nil, err
	}

	candidate := &models.ContextualSession{
		ID:           uuid.NewString(),
		StoreID:      storeID,
		TableID:      tableID,
		IsDelivery:   delivery,
		Fingerprint:  hash,
		IPAddress:    req.IPAddress,
		UserAgent:    util.SanitizeInput(req.UserAgent),
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(s.durationFor(delivery)),
		State:        models.SessionActive,
	}

	limits := repository.SessionLimits{
		MaxPerTable:       s.policy.MaxSessionsPerTable,
		MaxPerFingerprint: s.policy.MaxSessionsPerFingerprint,
	}
	if delivery {
		// Delivery sessions share no physical table.
		limits.MaxPerTable = 0
	}

	sess, attached, err := s.sessions.CreateOrAttach(ctx, candidate, limits, now)
	if err != nil {
		var limitErr *repository.LimitError
		if errors.As(err, &limitErr) {
			util.Warn("Session limit exceeded",
				zap.String("scope", limitErr.Scope),
				zap.Int("count", limitErr.Count),
				zap.String("store_id", storeID))
			return nil, fmt.Errorf("%w: %s limit of %d reached", ErrSessionLimitExceeded, limitErr.Scope, limitErr.Max)
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	if attached {
		return s.reattach(ctx, sess, device, req)
	}

	s.trackDevice(ctx, hash, device, now)

	s.publish(ctx, events.Event{
		Type:       events.SessionCreated,
		OccurredAt: now,
		SessionID:  sess.ID,
		StoreID:    sess.StoreID,
		Data:       map[string]any{"table_id": sess.TableID, "is_delivery": sess.IsDelivery},
	})
	s.recorder.Record(models.SecurityEvent{
		EventType:   models.EventSessionCreated,
		SessionID:   sess.ID,
		StoreID:     sess.StoreID,
		Fingerprint: hash,
		IPAddress:   req.IPAddress,
	})

	util.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("store_id", sess.StoreID),
		zap.Bool("is_delivery", sess.IsDelivery),
		zap.Time("expires_at", sess.ExpiresAt))

	res := &CreateSessionResult{Session: sess}
	if device != nil {
		res.Confidence = device.Confidence
	}
	return res, nil
}

// reattach hands the live session back to its device. A signed-in session
// is only handed to a client that already presents its id, since another
// device can produce the same fingerprint.
func (s *SessionService) reattach(ctx context.Context, existing *models.ContextualSession, device *fingerprint.Result, req CreateSessionRequest) (*CreateSessionResult, error) {
	if existing.IsAuthenticated && strings.TrimSpace(req.SessionID) != existing.ID {
		util.Warn("Reattach to signed-in session refused",
			zap.String("session_id", existing.ID),
			zap.String("store_id", existing.StoreID))
		s.recorder.Record(models.SecurityEvent{
			EventType:   models.EventSessionReattachRefused,
			SessionID:   existing.ID,
			StoreID:     existing.StoreID,
			Fingerprint: existing.Fingerprint,
			IPAddress:   req.IPAddress,
		})
		return nil, fmt.Errorf("%w: session is signed in on another client", ErrInvalidSessionState)
	}

	sess, err := s.UpdateActivity(ctx, existing.ID)
	if err != nil {
		return nil, err
	}
	s.trackDevice(ctx, sess.Fingerprint, device, s.clock.Now())

	util.Debug("Session reattached", zap.String("session_id", sess.ID))
	res := &CreateSessionResult{Session: sess, Attached: true}
	if device != nil {
		res.Confidence = device.Confidence
	}
	return res, nil
}

// findLive returns the unexpired session holding the tuple, if any.
func (s *SessionService) findLive(ctx context.Context, hash, storeID, tableID string, now time.Time) (*models.ContextualSession, error) {
	list, err := s.sessions.ListByFingerprint(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to list fingerprint sessions: %w", err)
	}
	for _, sess := range list {
		if sess.MatchesContext(storeID, tableID) && !sess.IsExpired(now) {
			return sess, nil
		}
	}
	return nil, nil
}

func (s *SessionService) trackDevice(ctx context.Context, hash string, device *fingerprint.Result, now time.Time) {
	if device != nil {
		err := s.fingerprints.Upsert(ctx, &models.StoredFingerprint{
			Hash:       hash,
			DeviceInfo: device.DeviceInfo,
			Confidence: device.Confidence,
			FirstSeen:  now,
			LastSeen:   now,
		})
		if err != nil {
			util.Error("Failed to store fingerprint", zap.String("fingerprint", hash), zap.Error(err))
		}
	}
	if _, err := s.fingerprints.IncrementUsage(ctx, hash, now); err != nil {
		util.Error("Failed to count fingerprint usage", zap.String("fingerprint", hash), zap.Error(err))
	}
}

func (s *SessionService) ensureNotBlocked(ctx context.Context, hash string) error {
	fp, err := s.fingerprints.Get(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load fingerprint: %w", err)
	}
	if fp.IsBlocked {
		return ErrFingerprintBlocked
	}
	return nil
}

// GetSession loads a session without touching or validating it.
func (s *SessionService) GetSession(ctx context.Context, id string) (*models.ContextualSession, error) {
	sess, err := s.sessions.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ValidateSession checks that id is live and belongs to storeID/tableID. A
// context mismatch counts as suspicious activity for the session's device.
func (s *SessionService) ValidateSession(ctx context.Context, id, storeID, tableID string) (*models.ContextualSession, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(s.clock.Now()) {
		return nil, ErrSessionExpired
	}
	if err := s.checkNotBlocked(ctx, sess); err != nil {
		return nil, err
	}

	if !sess.MatchesContext(strings.TrimSpace(storeID), strings.TrimSpace(tableID)) {
		s.flagSuspicious(ctx, sess.Fingerprint, models.SecurityEvent{
			EventType: models.EventContextMismatch,
			SessionID: sess.ID,
			StoreID:   storeID,
			RiskScore: 60,
			Details:   fmt.Sprintf("session context %s/%s, requested %s/%s", sess.StoreID, sess.TableID, storeID, tableID),
		})
		return nil, ErrSessionContextMismatch
	}
	return sess, nil
}

// checkNotBlocked moves the session to blocked when its fingerprint is.
func (s *SessionService) checkNotBlocked(ctx context.Context, sess *models.ContextualSession) error {
	if sess.State == models.SessionBlocked {
		return ErrFingerprintBlocked
	}
	if err := s.ensureNotBlocked(ctx, sess.Fingerprint); errors.Is(err, ErrFingerprintBlocked) {
		s.blockSession(ctx, sess.ID)
		return err
	} else if err != nil {
		return err
	}
	return nil
}

// UpdateActivity extends the session by its mode's duration from now, never
// past CreatedAt plus the maximum lifetime, and never backwards.
func (s *SessionService) UpdateActivity(ctx context.Context, id string) (*models.ContextualSession, error) {
	return s.mutate(ctx, id, func(sess *models.ContextualSession, now time.Time) error {
		if sess.IsExpired(now) {
			return ErrSessionExpired
		}
		if sess.State == models.SessionBlocked {
			return ErrFingerprintBlocked
		}

		ceiling := sess.CreatedAt.Add(s.policy.MaxSessionLifetime())
		next := now.Add(s.durationFor(sess.IsDelivery))
		if next.After(ceiling) {
			next = ceiling
		}

		changed := false
		if next.After(sess.ExpiresAt) {
			sess.ExpiresAt = next
			changed = true
		}
		if now.After(sess.LastActivity) {
			sess.LastActivity = now
			changed = true
		}
		if !changed {
			return errUnchanged
		}
		return nil
	})
}

// AssociateCustomer authenticates an active, anonymous session.
func (s *SessionService) AssociateCustomer(ctx context.Context, id, customerID string) (*models.ContextualSession, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	}
	sess, err := s.mutate(ctx, id, func(sess *models.ContextualSession, now time.Time) error {
		if sess.IsExpired(now) || sess.State != models.SessionActive || sess.IsAuthenticated {
			return ErrInvalidSessionState
		}
		sess.IsAuthenticated = true
		sess.CustomerID = customerID
		if now.After(sess.LastActivity) {
			sess.LastActivity = now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.Info("Customer associated to session",
		zap.String("session_id", sess.ID),
		zap.String("customer_id", customerID))
	return sess, nil
}

// RecordOrder bumps the session's order counters and emits order.placed.
func (s *SessionService) RecordOrder(ctx context.Context, id string, amount int64) (*models.ContextualSession, error) {
	if amount < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidInput)
	}
	sess, err := s.mutate(ctx, id, func(sess *models.ContextualSession, now time.Time) error {
		if sess.IsExpired(now) {
			return ErrSessionExpired
		}
		if sess.State == models.SessionBlocked {
			return ErrFingerprintBlocked
		}
		sess.OrderCount++
		sess.TotalSpent += amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, events.Event{
		Type:       events.OrderPlaced,
		OccurredAt: s.clock.Now(),
		SessionID:  sess.ID,
		StoreID:    sess.StoreID,
		CustomerID: sess.CustomerID,
		Data:       map[string]any{"amount": amount, "order_count": sess.OrderCount, "table_id": sess.TableID},
	})
	return sess, nil
}

// ExpireSession invalidates a session immediately. Unknown ids are not an
// error.
func (s *SessionService) ExpireSession(ctx context.Context, id string) error {
	if err := s.sessions.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to expire session: %w", err)
	}
	util.Info("Session expired", zap.String("session_id", id))
	return nil
}

// CleanExpiredSessions reclaims expired sessions and returns how many were
// removed. Validation never depends on it having run.
func (s *SessionService) CleanExpiredSessions(ctx context.Context) (int, error) {
	removed, err := s.sessions.DeleteExpired(ctx, s.clock.Now())
	if err != nil {
		return removed, fmt.Errorf("failed to clean expired sessions: %w", err)
	}
	if removed > 0 {
		util.Info("Expired sessions cleaned", zap.Int("count", removed))
	}
	return removed, nil
}

// StartCleanup runs CleanExpiredSessions on the policy interval until ctx is
// done.
func (s *SessionService) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.policy.CleanupInterval())
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.CleanExpiredSessions(ctx); err != nil {
					util.Error("Session cleanup failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RegisterDevice derives a fingerprint from signals. When previousHash names
// the identity the device claimed before and the profile moved by a high
// risk amount, that identity's suspicious counter is raised.
func (s *SessionService) RegisterDevice(ctx context.Context, signals models.DeviceInfo, previousHash string) (*fingerprint.Result, *fingerprint.Change, error) {
	res, err := s.engine.Generate(signals)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	now := s.clock.Now()
	s.trackDevice(ctx, res.Hash, &res, now)

	if previousHash == "" || previousHash == res.Hash {
		return &res, nil, nil
	}

	prev, err := s.fingerprints.Get(ctx, previousHash)
	if errors.Is(err, repository.ErrNotFound) {
		return &res, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load fingerprint: %w", err)
	}

	change := s.engine.DetectChange(prev.DeviceInfo, res.DeviceInfo)
	if change.RiskLevel == fingerprint.RiskHigh {
		s.flagSuspicious(ctx, previousHash, models.SecurityEvent{
			EventType: models.EventFingerprintDrift,
			RiskScore: 70,
			Details:   "changed: " + strings.Join(change.ChangedFields, ","),
		})
	}
	return &res, &change, nil
}

// flagSuspicious raises the device's suspicious counter and blocks its
// sessions once the threshold is reached. Failures are logged only.
func (s *SessionService) flagSuspicious(ctx context.Context, hash string, evt models.SecurityEvent) {
	if hash == "" {
		return
	}
	now := s.clock.Now()
	count, blocked, err := s.fingerprints.IncrementSuspicious(ctx, hash, s.policy.SuspiciousBlockThreshold, now)
	if err != nil {
		util.Error("Failed to record suspicious activity", zap.String("fingerprint", hash), zap.Error(err))
		return
	}

	evt.Fingerprint = hash
	s.recorder.Record(evt)

	// Only the increment that crosses the threshold blocks.
	if !blocked || count != s.policy.SuspiciousBlockThreshold {
		return
	}

	util.Warn("Fingerprint blocked", zap.String("fingerprint", hash), zap.Int("suspicious_activity", count))
	s.recorder.Record(models.SecurityEvent{
		EventType:   models.EventFingerprintBlocked,
		Fingerprint: hash,
		RiskScore:   100,
	})
	s.publish(ctx, events.Event{
		Type:       events.FingerprintBlocked,
		OccurredAt: now,
		Data:       map[string]any{"fingerprint": hash, "suspicious_activity": count},
	})

	list, err := s.sessions.ListByFingerprint(ctx, hash)
	if err != nil {
		util.Error("Failed to list sessions to block", zap.String("fingerprint", hash), zap.Error(err))
		return
	}
	for _, sess := range list {
		s.blockSession(ctx, sess.ID)
	}
}

func (s *SessionService) blockSession(ctx context.Context, id string) {
	_, err := s.mutate(ctx, id, func(sess *models.ContextualSession, now time.Time) error {
		if sess.State == models.SessionBlocked || sess.IsExpired(now) {
			return errUnchanged
		}
		sess.State = models.SessionBlocked
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		util.Error("Failed to block session", zap.String("session_id", id), zap.Error(err))
	}
}

// mutate applies fn to the latest stored copy and writes it back, retrying
// when another writer got there first.
func (s *SessionService) mutate(ctx context.Context, id string, fn func(*models.ContextualSession, time.Time) error) (*models.ContextualSession, error) {
	for range maxUpdateAttempts {
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sess, s.clock.Now()); err != nil {
			if errors.Is(err, errUnchanged) {
				return sess, nil
			}
			return nil, err
		}

		err = s.sessions.Update(ctx, sess)
		switch {
		case err == nil:
			return sess, nil
		case errors.Is(err, repository.ErrConflict):
			continue
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrSessionNotFound
		default:
			return nil, fmt.Errorf("failed to update session: %w", err)
		}
	}
	return nil, fmt.Errorf("failed to update session %s: %w", id, repository.ErrConflict)
}

func (s *SessionService) publish(ctx context.Context, evt events.Event) {
	if err := s.publisher.Publish(ctx, evt); err != nil {
		util.Error("Failed to publish event", zap.String("type", string(evt.Type)), zap.Error(err))
	}
}

// validIdentifier accepts short opaque ids that are safe inside composite
// storage keys.
func validIdentifier(id string) bool {
	if id == "" || len(id) > maxIdentifierLen || strings.ContainsAny(id, "|: \t\n") {
		return false
	}
	return !util.ContainsSuspicious(id)
}
