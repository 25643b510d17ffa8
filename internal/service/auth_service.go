package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"qrorder-auth/internal/audit"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/credential"
	"qrorder-auth/internal/events"
	"qrorder-auth/internal/hashing"
	"qrorder-auth/internal/messaging"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
	"qrorder-auth/internal/util"

	"go.uber.org/zap"
)

const magicLinkTokenBytes = 32

type AuthRequest struct {
	Phone     string `json:"phone"`
	StoreID   string `json:"store_id"`
	SessionID string `json:"session_id,omitempty"`
	IPAddress string `json:"-"`
}

type AuthChallenge struct {
	Kind      models.TokenKind `json:"kind"`
	Channel   string           `json:"channel"`
	ExpiresAt time.Time        `json:"expires_at"`
}

type AuthResult struct {
	Customer   *models.Customer          `json:"customer"`
	Session    *models.ContextualSession `json:"session"`
	Credential string                    `json:"credential"`
	ExpiresAt  time.Time                 `json:"expires_at"`
}

// AuthService runs the WhatsApp magic link and one-time code flows.
type AuthService struct {
	tokens     repository.TokenStore
	customers  repository.CustomerDirectory
	sessions   *SessionService
	limiter    *RateLimiter
	hasher     *hashing.Hasher
	issuer     *credential.Issuer
	dispatcher *messaging.Dispatcher
	publisher  events.Publisher
	recorder   *audit.Recorder
	policy     config.PolicyConfig
	origin     string
	clock      util.Clock
}

func NewAuthService(
	tokens repository.TokenStore,
	customers repository.CustomerDirectory,
	sessions *SessionService,
	limiter *RateLimiter,
	hasher *hashing.Hasher,
	issuer *credential.Issuer,
	dispatcher *messaging.Dispatcher,
	publisher events.Publisher,
	recorder *audit.Recorder,
	policy config.PolicyConfig,
	magicLinkOrigin string,
	clock util.Clock,
) (*AuthService, error) {
	origin, err := url.Parse(magicLinkOrigin)
	if err != nil || (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return nil, fmt.Errorf("invalid magic link origin %q", magicLinkOrigin)
	}
	return &AuthService{
		tokens:     tokens,
		customers:  customers,
		sessions:   sessions,
		limiter:    limiter,
		hasher:     hasher,
		issuer:     issuer,
		dispatcher: dispatcher,
		publisher:  publisher,
		recorder:   recorder,
		policy:     policy,
		origin:     strings.TrimRight(magicLinkOrigin, "/"),
		clock:      clock,
	}, nil
}

func (s *AuthService) magicLinkKey(token string) string {
	return s.hasher.Digest(string(models.TokenMagicLink), token)
}

func (s *AuthService) codeKey(storeID, phone string) string {
	return s.hasher.Digest(string(models.TokenOTP), storeID, phone)
}

// MagicLinkURL is where the diner lands to redeem token.
func (s *AuthService) MagicLinkURL(token string) string {
	return s.origin + "/auth/whatsapp/verify?token=" + url.QueryEscape(token)
}

// RequestMagicLink issues a single-use link and hands it to the messaging
// gateway. It returns once the token is stored; delivery is asynchronous.
func (s *AuthService) RequestMagicLink(ctx context.Context, req AuthRequest) (*AuthChallenge, error) {
	phone, sess, err := s.admitRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	raw := make([]byte, magicLinkTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.clock.Now()
	record := &models.AuthToken{
		Kind:      models.TokenMagicLink,
		LookupKey: s.magicLinkKey(token),
		Phone:     phone,
		StoreID:   req.StoreID,
		SessionID: sessionIDOf(sess),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.policy.TokenTTL()),
	}
	if err := s.tokens.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save magic link: %w", err)
	}

	s.dispatcher.Dispatch(phone, fmt.Sprintf(
		"Tap to confirm your number and continue your order: %s\nThis link expires in %d minutes.",
		s.MagicLinkURL(token), s.policy.TokenTTLMinutes))

	s.recordRequest(req, phone, sess, models.TokenMagicLink)
	return &AuthChallenge{Kind: models.TokenMagicLink, Channel: "whatsapp", ExpiresAt: record.ExpiresAt}, nil
}

// RequestCode issues a fixed-width numeric code. A new code replaces any
// outstanding one for the same phone and store.
func (s *AuthService) RequestCode(ctx context.Context, req AuthRequest) (*AuthChallenge, error) {
	phone, sess, err := s.admitRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	code, err := generateCode(s.policy.OTPLength)
	if err != nil {
		return nil, err
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := s.clock.Now()
	record := &models.AuthToken{
		Kind:          models.TokenOTP,
		LookupKey:     s.codeKey(req.StoreID, phone),
		SecretHash:    hashed.Hash,
		Salt:          hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		Phone:         phone,
		StoreID:       req.StoreID,
		SessionID:     sessionIDOf(sess),
		IssuedAt:      now,
		ExpiresAt:     now.Add(s.policy.TokenTTL()),
	}
	if err := s.tokens.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to save code: %w", err)
	}

	s.dispatcher.Dispatch(phone, fmt.Sprintf(
		"Your confirmation code is %s. It expires in %d minutes. Do not share it.",
		code, s.policy.TokenTTLMinutes))

	s.recordRequest(req, phone, sess, models.TokenOTP)
	return &AuthChallenge{Kind: models.TokenOTP, Channel: "whatsapp", ExpiresAt: record.ExpiresAt}, nil
}

// admitRequest validates the request and applies the per-phone and
// per-device quotas. Nothing is stored when a quota rejects.
func (s *AuthService) admitRequest(ctx context.Context, req AuthRequest) (string, *models.ContextualSession, error) {
	phone, err := util.NormalizePhone(req.Phone)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if !validIdentifier(req.StoreID) {
		return "", nil, fmt.Errorf("%w: store id", ErrInvalidInput)
	}

	var sess *models.ContextualSession
	if req.SessionID != "" {
		if sess, err = s.requireSession(ctx, req.SessionID, req.StoreID); err != nil {
			return "", nil, err
		}
	}

	rules := []models.RateLimitRule{
		{Key: WhatsAppHourKey(phone), Limit: s.policy.RateLimits.WhatsAppPerHour, Window: time.Hour},
		{Key: WhatsAppDayKey(phone), Limit: s.policy.RateLimits.WhatsAppPerDay, Window: 24 * time.Hour},
	}
	if sess != nil {
		rules = append(rules, models.RateLimitRule{
			Key:    FingerprintHourKey(sess.Fingerprint),
			Limit:  s.policy.RateLimits.FingerprintPerHour,
			Window: time.Hour,
		})
	}
	if err := s.limiter.Allow(ctx, rules...); err != nil {
		s.recorder.Record(models.SecurityEvent{
			EventType:   models.EventRateLimited,
			SessionID:   sessionIDOf(sess),
			StoreID:     req.StoreID,
			PhoneMasked: util.MaskPhone(phone),
			IPAddress:   req.IPAddress,
			RiskScore:   30,
		})
		return "", nil, err
	}
	return phone, sess, nil
}

// requireSession loads a live session that belongs to storeID.
func (s *AuthService) requireSession(ctx context.Context, id, storeID string) (*models.ContextualSession, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.sessions.ValidateSession(ctx, id, storeID, sess.TableID)
}

// VerifyToken redeems a magic link. sessionID is the caller's session; when
// empty the session that requested the link is used.
func (s *AuthService) VerifyToken(ctx context.Context, token, sessionID string) (*AuthResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenNotFound
	}
	lookup := s.magicLinkKey(token)

	record, err := s.tokens.Get(ctx, lookup)
	if errors.Is(err, repository.ErrNotFound) {
		if sess, serr := s.sessions.GetSession(ctx, sessionID); serr == nil {
			s.sessions.flagSuspicious(ctx, sess.Fingerprint, models.SecurityEvent{
				EventType: models.EventAuthFailed,
				SessionID: sess.ID,
				StoreID:   sess.StoreID,
				RiskScore: 40,
				Details:   "unknown magic link token",
			})
		}
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	if record.Used {
		s.recordFailure(record, sessionID, "magic link reused")
		return nil, ErrTokenAlreadyUsed
	}
	if record.IsExpired(s.clock.Now()) {
		s.recordFailure(record, sessionID, "magic link expired")
		return nil, ErrTokenExpired
	}

	if sessionID == "" {
		sessionID = record.SessionID
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session is required", ErrInvalidInput)
	}
	sess, err := s.requireSession(ctx, sessionID, record.StoreID)
	if err != nil {
		return nil, err
	}

	return s.complete(ctx, record, sess)
}

// VerifyCode redeems a one-time code. Unknown phone, wrong code, expired
// code and exhausted attempts all fail with ErrAuthFailed.
func (s *AuthService) VerifyCode(ctx context.Context, phone, code, storeID, sessionID string) (*AuthResult, error) {
	normalized, err := util.NormalizePhone(phone)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session is required", ErrInvalidInput)
	}
	sess, err := s.requireSession(ctx, sessionID, storeID)
	if err != nil {
		return nil, err
	}

	code = strings.TrimSpace(code)
	lookup := s.codeKey(storeID, normalized)

	record, err := s.tokens.Get(ctx, lookup)
	if errors.Is(err, repository.ErrNotFound) {
		// Same store round trip and hashing work as a wrong code.
		_, _ = s.tokens.IncrementAttempts(ctx, lookup)
		s.hasher.VerifyDecoy(code)
		s.failCode(ctx, sess, normalized, "no outstanding code", false)
		return nil, ErrAuthFailed
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}
	if record.Used {
		s.recordFailure(record, sess.ID, "code reused")
		return nil, ErrTokenAlreadyUsed
	}

	attempts, err := s.tokens.IncrementAttempts(ctx, lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempt: %w", err)
	}
	if attempts > s.policy.OTPMaxAttempts {
		s.hasher.VerifyDecoy(code)
		s.failCode(ctx, sess, normalized, "attempts exhausted", true)
		return nil, ErrAuthFailed
	}

	ok, err := s.hasher.VerifyOTP(code, &hashing.HashResult{
		Hash:          record.SecretHash,
		Salt:          record.Salt,
		PepperVersion: record.PepperVersion,
	})
	if err != nil {
		util.Warn("Code verification error", zap.Error(err))
		ok = false
	}
	if !ok || len(code) != s.policy.OTPLength || record.IsExpired(s.clock.Now()) {
		s.failCode(ctx, sess, normalized, "wrong or expired code", attempts == s.policy.OTPMaxAttempts)
		return nil, ErrAuthFailed
	}

	return s.complete(ctx, record, sess)
}

// complete resolves the customer, consumes the token, authenticates the
// session and issues the credential. The token is only consumed once the
// session is known to accept this customer.
func (s *AuthService) complete(ctx context.Context, record *models.AuthToken, sess *models.ContextualSession) (*AuthResult, error) {
	customer, err := s.resolveCustomer(ctx, record.StoreID, record.Phone)
	if err != nil {
		return nil, err
	}
	if sess.IsAuthenticated && sess.CustomerID != customer.CustomerID {
		return nil, ErrInvalidSessionState
	}

	won, err := s.tokens.MarkUsed(ctx, record.LookupKey, s.clock.Now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}
	if !won {
		return nil, ErrTokenAlreadyUsed
	}

	if !sess.IsAuthenticated {
		if sess, err = s.sessions.AssociateCustomer(ctx, sess.ID, customer.CustomerID); err != nil {
			return nil, err
		}
	}

	signed, err := s.issuer.Issue(customer.CustomerID, sess.ID, sess.StoreID, sess.ExpiresAt)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	s.recorder.Record(models.SecurityEvent{
		EventType:   models.EventAuthSucceeded,
		SessionID:   sess.ID,
		StoreID:     sess.StoreID,
		Fingerprint: sess.Fingerprint,
		PhoneMasked: util.MaskPhone(record.Phone),
		Details:     string(record.Kind),
	})
	if err := s.publisher.Publish(ctx, events.Event{
		Type:       events.CustomerAuthenticated,
		OccurredAt: now,
		SessionID:  sess.ID,
		StoreID:    sess.StoreID,
		CustomerID: customer.CustomerID,
		Data:       map[string]any{"method": string(record.Kind)},
	}); err != nil {
		util.Error("Failed to publish event", zap.String("type", string(events.CustomerAuthenticated)), zap.Error(err))
	}

	util.Info("Customer authenticated",
		zap.String("session_id", sess.ID),
		zap.String("customer_id", customer.CustomerID),
		zap.String("method", string(record.Kind)))

	return &AuthResult{
		Customer:   customer,
		Session:    sess,
		Credential: signed,
		ExpiresAt:  sess.ExpiresAt,
	}, nil
}

func (s *AuthService) resolveCustomer(ctx context.Context, storeID, phone string) (*models.Customer, error) {
	customer, err := s.customers.FindCustomerByPhone(ctx, storeID, phone)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to find customer: %w", err)
	}

	customer, err = s.customers.CreateCustomer(ctx, storeID, phone)
	if errors.Is(err, repository.ErrAlreadyExists) {
		// Lost a creation race; the winner's record is authoritative.
		customer, err = s.customers.FindCustomerByPhone(ctx, storeID, phone)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return customer, nil
}

// failCode records a failed code attempt. Exhausting a code counts as
// suspicious activity for the device.
func (s *AuthService) failCode(ctx context.Context, sess *models.ContextualSession, phone, reason string, exhausted bool) {
	evt := models.SecurityEvent{
		EventType:   models.EventAuthFailed,
		SessionID:   sess.ID,
		StoreID:     sess.StoreID,
		PhoneMasked: util.MaskPhone(phone),
		RiskScore:   20,
		Details:     reason,
	}
	if exhausted {
		evt.RiskScore = 50
		s.sessions.flagSuspicious(ctx, sess.Fingerprint, evt)
		return
	}
	evt.Fingerprint = sess.Fingerprint
	s.recorder.Record(evt)
}

func (s *AuthService) recordFailure(record *models.AuthToken, sessionID, reason string) {
	s.recorder.Record(models.SecurityEvent{
		EventType:   models.EventAuthFailed,
		SessionID:   sessionID,
		StoreID:     record.StoreID,
		PhoneMasked: util.MaskPhone(record.Phone),
		RiskScore:   30,
		Details:     reason,
	})
}

func (s *AuthService) recordRequest(req AuthRequest, phone string, sess *models.ContextualSession, kind models.TokenKind) {
	evt := models.SecurityEvent{
		EventType:   models.EventAuthRequested,
		SessionID:   sessionIDOf(sess),
		StoreID:     req.StoreID,
		PhoneMasked: util.MaskPhone(phone),
		IPAddress:   req.IPAddress,
		Details:     string(kind),
	}
	if sess != nil {
		evt.Fingerprint = sess.Fingerprint
	}
	s.recorder.Record(evt)
}

func sessionIDOf(sess *models.ContextualSession) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

// generateCode returns a uniformly random zero-padded numeric code.
func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
