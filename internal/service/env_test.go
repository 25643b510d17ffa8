package service

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"qrorder-auth/internal/audit"
	"qrorder-auth/internal/bucketing"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/credential"
	"qrorder-auth/internal/events"
	"qrorder-auth/internal/hashing"
	"qrorder-auth/internal/messaging"
	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository/memory"
	"qrorder-auth/internal/util"
)

const testPhone = "+5511999999999"

var (
	codePattern  = regexp.MustCompile(`code is (\d+)`)
	tokenPattern = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)
)

type sentMessage struct {
	phone   string
	content string
}

type recordingGateway struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (g *recordingGateway) SendWhatsAppMessage(_ context.Context, phone, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{phone: phone, content: content})
	return nil
}

func (g *recordingGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sent)
}

func (g *recordingGateway) last(t *testing.T) sentMessage {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.sent) == 0 {
		t.Fatalf("no message dispatched")
	}
	return g.sent[len(g.sent)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) count(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// countingTokens counts attempt increments so tests can compare the store
// work done by different failure paths.
type countingTokens struct {
	*memory.TokenStore
	mu         sync.Mutex
	increments int
}

func (c *countingTokens) IncrementAttempts(ctx context.Context, lookupKey string) (int, error) {
	c.mu.Lock()
	c.increments++
	c.mu.Unlock()
	return c.TokenStore.IncrementAttempts(ctx, lookupKey)
}

func (c *countingTokens) incrementCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.increments
}

type testEnv struct {
	clock        *util.FakeClock
	policy       config.PolicyConfig
	fingerprints *memory.FingerprintStore
	tokens       *countingTokens
	gateway      *recordingGateway
	dispatcher   *messaging.Dispatcher
	publisher    *recordingPublisher
	issuer       *credential.Issuer
	sessions     *SessionService
	auth         *AuthService
	carts        *CartService
}

func newTestEnv(t *testing.T, tweak func(*config.PolicyConfig)) *testEnv {
	t.Helper()

	policy := config.DefaultPolicy()
	if tweak != nil {
		tweak(&policy)
	}
	clock := util.NewFakeClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))

	issuer, err := credential.NewIssuer(config.AuthConfig{JWTSecret: "test-secret", JWTIssuer: "test"}, clock)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	env := &testEnv{
		clock:        clock,
		policy:       policy,
		fingerprints: memory.NewFingerprintStore(),
		tokens:       &countingTokens{TokenStore: memory.NewTokenStore()},
		gateway:      &recordingGateway{},
		publisher:    &recordingPublisher{},
		issuer:       issuer,
	}
	env.dispatcher = messaging.NewDispatcher(env.gateway, time.Second)

	stores := Stores{
		Sessions:     memory.NewSessionStore(),
		Fingerprints: env.fingerprints,
		Tokens:       env.tokens,
		RateLimits:   memory.NewRateLimitStore(),
		Carts:        memory.NewCartStore(),
		Customers:    memory.NewCustomerDirectory(),
	}
	deps := Dependencies{
		Hasher: hashing.NewHasher(config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "test-pepper",
		}),
		Issuer:     issuer,
		Dispatcher: env.dispatcher,
		Publisher:  env.publisher,
		Recorder:   audit.NewRecorder(bucketing.NewBucketingManager(config.BucketingConfig{}), clock),
		Policy:     policy,
		Auth:       config.AuthConfig{MagicLinkOrigin: "https://order.example/"},
		Clock:      clock,
	}

	factory := NewServiceFactory(stores, deps)
	t.Cleanup(factory.Cleanup)

	env.sessions = factory.SessionService()
	env.carts = factory.CartService()
	if env.auth, err = factory.AuthService(); err != nil {
		t.Fatalf("AuthService: %v", err)
	}
	return env
}

func (e *testEnv) createSession(t *testing.T, storeID, tableID, fp string) *models.ContextualSession {
	t.Helper()
	res, err := e.sessions.CreateSession(context.Background(), CreateSessionRequest{
		StoreID:     storeID,
		TableID:     tableID,
		Fingerprint: fp,
		UserAgent:   "test-agent",
	})
	if err != nil {
		t.Fatalf("CreateSession(%s, %s, %s): %v", storeID, tableID, fp, err)
	}
	return res.Session
}

func (e *testEnv) suspicious(t *testing.T, fp string) int {
	t.Helper()
	stored, err := e.fingerprints.Get(context.Background(), fp)
	if err != nil {
		return 0
	}
	return stored.SuspiciousActivity
}

// requestCode issues a code and returns it as delivered over WhatsApp.
func (e *testEnv) requestCode(t *testing.T, sessionID string) string {
	t.Helper()
	if _, err := e.auth.RequestCode(context.Background(), AuthRequest{Phone: testPhone, StoreID: "S1", SessionID: sessionID}); err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	e.dispatcher.Wait()
	m := codePattern.FindStringSubmatch(e.gateway.last(t).content)
	if m == nil {
		t.Fatalf("no code in message %q", e.gateway.last(t).content)
	}
	return m[1]
}

// requestLink issues a magic link and returns its token.
func (e *testEnv) requestLink(t *testing.T, sessionID string) string {
	t.Helper()
	if _, err := e.auth.RequestMagicLink(context.Background(), AuthRequest{Phone: testPhone, StoreID: "S1", SessionID: sessionID}); err != nil {
		t.Fatalf("RequestMagicLink: %v", err)
	}
	e.dispatcher.Wait()
	m := tokenPattern.FindStringSubmatch(e.gateway.last(t).content)
	if m == nil {
		t.Fatalf("no token in message %q", e.gateway.last(t).content)
	}
	return m[1]
}
