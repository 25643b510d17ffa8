package service

import (
	"fmt"
	"sync"

	"qrorder-auth/internal/audit"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/credential"
	"qrorder-auth/internal/events"
	"qrorder-auth/internal/fingerprint"
	"qrorder-auth/internal/hashing"
	"qrorder-auth/internal/messaging"
	"qrorder-auth/internal/repository"
	"qrorder-auth/internal/util"
)

// Stores groups the storage backends the services run on.
type Stores struct {
	Sessions     repository.SessionStore
	Fingerprints repository.FingerprintStore
	Tokens       repository.TokenStore
	RateLimits   repository.RateLimitStore
	Carts        repository.CartStore
	Customers    repository.CustomerDirectory
}

// Dependencies is everything the services need besides storage.
type Dependencies struct {
	Hasher     *hashing.Hasher
	Issuer     *credential.Issuer
	Dispatcher *messaging.Dispatcher
	Publisher  events.Publisher
	Recorder   *audit.Recorder
	Policy     config.PolicyConfig
	Auth       config.AuthConfig
	Clock      util.Clock
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	stores Stores
	deps   Dependencies

	mu             sync.Mutex
	rateLimiter    *RateLimiter
	sessionService *SessionService
	authService    *AuthService
	cartService    *CartService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(stores Stores, deps Dependencies) *ServiceFactory {
	if deps.Clock == nil {
		deps.Clock = util.RealClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	return &ServiceFactory{stores: stores, deps: deps}
}

// RateLimiter returns the rate limiter instance (singleton)
func (f *ServiceFactory) RateLimiter() *RateLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateLimiterLocked()
}

func (f *ServiceFactory) rateLimiterLocked() *RateLimiter {
	if f.rateLimiter == nil {
		f.rateLimiter = NewRateLimiter(f.stores.RateLimits, f.deps.Clock)
	}
	return f.rateLimiter
}

// SessionService returns the session service instance (singleton)
func (f *ServiceFactory) SessionService() *SessionService {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionServiceLocked()
}

func (f *ServiceFactory) sessionServiceLocked() *SessionService {
	if f.sessionService == nil {
		f.sessionService = NewSessionService(
			f.stores.Sessions,
			f.stores.Fingerprints,
			fingerprint.NewEngine(f.deps.Policy.DriftRiskFields),
			f.rateLimiterLocked(),
			f.deps.Publisher,
			f.deps.Recorder,
			f.deps.Policy,
			f.deps.Clock,
		)
	}
	return f.sessionService
}

// AuthService returns the WhatsApp auth service instance (singleton)
func (f *ServiceFactory) AuthService() (*AuthService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authService == nil {
		svc, err := NewAuthService(
			f.stores.Tokens,
			f.stores.Customers,
			f.sessionServiceLocked(),
			f.rateLimiterLocked(),
			f.deps.Hasher,
			f.deps.Issuer,
			f.deps.Dispatcher,
			f.deps.Publisher,
			f.deps.Recorder,
			f.deps.Policy,
			f.deps.Auth.MagicLinkOrigin,
			f.deps.Clock,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create auth service: %w", err)
		}
		f.authService = svc
	}
	return f.authService, nil
}

// CartService returns the cart service instance (singleton)
func (f *ServiceFactory) CartService() *CartService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cartService == nil {
		f.cartService = NewCartService(f.stores.Carts, f.sessionServiceLocked(), f.deps.Policy, f.deps.Clock)
	}
	return f.cartService
}

// Cleanup waits for in-flight message dispatches.
func (f *ServiceFactory) Cleanup() {
	if f.deps.Dispatcher != nil {
		f.deps.Dispatcher.Wait()
	}
}
