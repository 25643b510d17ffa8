package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qrorder-auth/internal/cart"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
	"qrorder-auth/internal/util"

	"go.uber.org/zap"
)

// CartService keeps one cart per device, re-keyed to the context of the
// session it is used from.
type CartService struct {
	carts    repository.CartStore
	sessions *SessionService
	policy   config.PolicyConfig
	clock    util.Clock
}

func NewCartService(carts repository.CartStore, sessions *SessionService, policy config.PolicyConfig, clock util.Clock) *CartService {
	return &CartService{
		carts:    carts,
		sessions: sessions,
		policy:   policy,
		clock:    clock,
	}
}

type CartView struct {
	Cart  *models.CartSnapshot `json:"cart"`
	Total int64                `json:"total"`
}

func view(c *cart.Snapshot) *CartView {
	return &CartView{Cart: c.Model(), Total: c.Total()}
}

// AddItem merges item into the session's cart and extends the cart, capped
// at the session's expiry.
func (s *CartService) AddItem(ctx context.Context, sessionID string, item models.CartItem) (*CartView, error) {
	sess, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	c, _, err := s.load(ctx, sess, now)
	if err != nil {
		return nil, err
	}
	if err := c.AddItem(item, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	c.Extend(now, s.policy.CartTTL(), sess.ExpiresAt)

	if err := s.save(ctx, sess.Fingerprint, c, now); err != nil {
		return nil, err
	}
	return view(c), nil
}

// RemoveItem drops the line with the given identity key. Unknown keys leave
// the cart unchanged.
func (s *CartService) RemoveItem(ctx context.Context, sessionID, key string) (*CartView, error) {
	sess, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()

	c, dirty, err := s.load(ctx, sess, now)
	if err != nil {
		return nil, err
	}
	if !c.RemoveItem(key, now) && !dirty {
		return view(c), nil
	}
	if err := s.save(ctx, sess.Fingerprint, c, now); err != nil {
		return nil, err
	}
	return view(c), nil
}

// GetCart returns the synced cart re-keyed to the session's context.
func (s *CartService) GetCart(ctx context.Context, sessionID string) (*CartView, error) {
	sess, err := s.liveSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	c, dirty, err := s.load(ctx, sess, now)
	if err != nil {
		return nil, err
	}
	if dirty {
		if err := s.save(ctx, sess.Fingerprint, c, now); err != nil {
			return nil, err
		}
	}
	return view(c), nil
}

// ClearCart removes the device's cart.
func (s *CartService) ClearCart(ctx context.Context, sessionID string) error {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.carts.Delete(ctx, sess.Fingerprint); err != nil {
		return fmt.Errorf("failed to clear cart: %w", err)
	}
	return nil
}

// CheckoutReady reports the cart as orderable only when the session is
// valid for the context the cart was built in.
func (s *CartService) CheckoutReady(ctx context.Context, sessionID string) (*CartView, error) {
	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	stored, err := s.carts.Get(ctx, sess.Fingerprint)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrCartEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cart: %w", err)
	}

	c := cart.FromModel(stored)
	if _, err := s.sessions.ValidateSession(ctx, sessionID, c.StoreID(), c.TableID()); err != nil {
		return nil, err
	}
	if c.Sync(s.clock.Now()) || len(c.Items()) == 0 {
		return nil, ErrCartEmpty
	}
	return view(c), nil
}

func (s *CartService) liveSession(ctx context.Context, id string) (*models.ContextualSession, error) {
	sess, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.IsExpired(s.clock.Now()) {
		return nil, ErrSessionExpired
	}
	if sess.State == models.SessionBlocked {
		return nil, ErrFingerprintBlocked
	}
	return sess, nil
}

// load returns the device's cart, cleared if expired and switched to the
// session's store and table. dirty reports a change that needs saving.
func (s *CartService) load(ctx context.Context, sess *models.ContextualSession, now time.Time) (*cart.Snapshot, bool, error) {
	stored, err := s.carts.Get(ctx, sess.Fingerprint)
	if errors.Is(err, repository.ErrNotFound) {
		return cart.New(sess.StoreID, sess.TableID), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load cart: %w", err)
	}

	c := cart.FromModel(stored)
	dirty := c.Sync(now)
	if dirty {
		util.Debug("Expired cart cleared", zap.String("session_id", sess.ID))
	}
	if c.StoreID() != sess.StoreID || c.TableID() != sess.TableID {
		c.SetContext(sess.StoreID, sess.TableID, now)
		dirty = true
	}
	if c.Cap(sess.ExpiresAt) {
		dirty = true
	}
	return c, dirty, nil
}

func (s *CartService) save(ctx context.Context, owner string, c *cart.Snapshot, now time.Time) error {
	ttl := c.ExpiresAt().Sub(now)
	if ttl <= 0 {
		return s.carts.Delete(ctx, owner)
	}
	if err := s.carts.Save(ctx, owner, c.Model(), ttl); err != nil {
		return fmt.Errorf("failed to save cart: %w", err)
	}
	return nil
}
