package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"qrorder-auth/internal/audit"
	"qrorder-auth/internal/bucketing"
	"qrorder-auth/internal/config"
	"qrorder-auth/internal/credential"
	"qrorder-auth/internal/hashing"
	"qrorder-auth/internal/messaging"
	"qrorder-auth/internal/repository/memory"
	"qrorder-auth/internal/service"
	"qrorder-auth/internal/util"
)

var codePattern = regexp.MustCompile(`code is (\d+)`)

type capturingGateway struct {
	mu   sync.Mutex
	last string
}

func (g *capturingGateway) SendWhatsAppMessage(_ context.Context, _, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = content
	return nil
}

func (g *capturingGateway) lastMessage() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

type testServer struct {
	router     chi.Router
	gateway    *capturingGateway
	dispatcher *messaging.Dispatcher
}

func newTestServer(t *testing.T, tweak func(*config.PolicyConfig), health map[string]HealthChecker) *testServer {
	t.Helper()

	policy := config.DefaultPolicy()
	if tweak != nil {
		tweak(&policy)
	}
	clock := util.NewFakeClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	issuer, err := credential.NewIssuer(config.AuthConfig{JWTSecret: "test-secret"}, clock)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}

	gw := &capturingGateway{}
	dispatcher := messaging.NewDispatcher(gw, time.Second)
	factory := service.NewServiceFactory(service.Stores{
		Sessions:     memory.NewSessionStore(),
		Fingerprints: memory.NewFingerprintStore(),
		Tokens:       memory.NewTokenStore(),
		RateLimits:   memory.NewRateLimitStore(),
		Carts:        memory.NewCartStore(),
		Customers:    memory.NewCustomerDirectory(),
	}, service.Dependencies{
		Hasher: hashing.NewHasher(config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			Pepper:            "test-pepper",
		}),
		Issuer:     issuer,
		Dispatcher: dispatcher,
		Recorder:   audit.NewRecorder(bucketing.NewBucketingManager(config.BucketingConfig{}), clock),
		Policy:     policy,
		Auth:       config.AuthConfig{MagicLinkOrigin: "https://order.example"},
		Clock:      clock,
	})
	t.Cleanup(factory.Cleanup)

	auth, err := factory.AuthService()
	if err != nil {
		t.Fatalf("AuthService: %v", err)
	}

	router := NewRouter(RouterConfig{AllowedOrigins: []string{"https://*"}, Health: health}, zap.NewNop(),
		NewSessionHandler(factory.SessionService()),
		NewAuthHandler(auth),
		NewCartHandler(factory.CartService()),
	)
	return &testServer{router: router, gateway: gw, dispatcher: dispatcher}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorBody      `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, env
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, env envelope, status int, kind string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	if env.Success || env.Error == nil || env.Error.Kind != kind {
		t.Fatalf("error = %+v, want kind %s", env.Error, kind)
	}
}

type sessionBody struct {
	Session struct {
		ID        string `json:"id"`
		StoreID   string `json:"store_id"`
		TableID   string `json:"table_id"`
		IPAddress string `json:"ip_address"`
	} `json:"session"`
	Attached bool `json:"attached"`
}

func (s *testServer) createSession(t *testing.T, table, fp string) sessionBody {
	t.Helper()
	rec, env := s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{
		"store_id": "S1", "table_id": table, "fingerprint": fp,
	})
	if rec.Code != http.StatusCreated && rec.Code != http.StatusOK {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	var out sessionBody
	if err := json.Unmarshal(env.Data, &out); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return out
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil, nil)

	first := s.createSession(t, "T1", "F1")
	if first.Attached || first.Session.ID == "" || first.Session.IPAddress == "" {
		t.Fatalf("unexpected session: %+v", first)
	}

	rec, env := s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{
		"store_id": "S1", "table_id": "T1", "fingerprint": "F1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reattach status = %d", rec.Code)
	}
	var again sessionBody
	if err := json.Unmarshal(env.Data, &again); err != nil || !again.Attached || again.Session.ID != first.Session.ID {
		t.Fatalf("reattach = %+v, %v", again, err)
	}

	id := first.Session.ID
	if rec, _ := s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"?store=S1&table=T1", nil); rec.Code != http.StatusOK {
		t.Fatalf("validate status = %d", rec.Code)
	}
	rec, env = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"?store=S1&table=T9", nil)
	expectError(t, rec, env, http.StatusConflict, service.KindSessionContextMismatch)

	if rec, _ := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/activity", nil); rec.Code != http.StatusOK {
		t.Fatalf("activity status = %d", rec.Code)
	}
	if rec, _ := s.do(t, http.MethodPost, "/api/v1/sessions/"+id+"/orders", map[string]int64{"amount": 4500}); rec.Code != http.StatusOK {
		t.Fatalf("orders status = %d", rec.Code)
	}
	if rec, _ := s.do(t, http.MethodDelete, "/api/v1/sessions/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("expire status = %d", rec.Code)
	}
	rec, env = s.do(t, http.MethodGet, "/api/v1/sessions/"+id+"?store=S1&table=T1", nil)
	expectError(t, rec, env, http.StatusNotFound, service.KindSessionNotFound)
}

func TestInvalidBodyIsUnprocessable(t *testing.T) {
	s := newTestServer(t, nil, nil)

	rec, env := s.do(t, http.MethodPost, "/api/v1/sessions", "{not json")
	expectError(t, rec, env, http.StatusUnprocessableEntity, service.KindInvalidInput)

	rec, env = s.do(t, http.MethodPost, "/api/v1/sessions", map[string]string{"fingerprint": "F1"})
	expectError(t, rec, env, http.StatusUnprocessableEntity, service.KindInvalidInput)
}

func TestCodeFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, nil, nil)
	sess := s.createSession(t, "T1", "F1")

	authReq := map[string]string{"phone": "+5511999999999", "store_id": "S1", "session_id": sess.Session.ID}
	if rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/whatsapp/code", authReq); rec.Code != http.StatusAccepted {
		t.Fatalf("request code status = %d: %s", rec.Code, rec.Body.String())
	}
	s.dispatcher.Wait()
	m := codePattern.FindStringSubmatch(s.gateway.lastMessage())
	if m == nil {
		t.Fatalf("no code in %q", s.gateway.lastMessage())
	}

	verify := map[string]string{"phone": "+5511999999999", "code": m[1], "store_id": "S1", "session_id": sess.Session.ID}
	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/whatsapp/code/verify", verify)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d: %s", rec.Code, rec.Body.String())
	}
	var result struct {
		Credential string `json:"credential"`
		Customer   struct {
			CustomerID string `json:"customer_id"`
		} `json:"customer"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil || result.Credential == "" || result.Customer.CustomerID == "" {
		t.Fatalf("verify result = %+v, %v", result, err)
	}

	rec, env = s.do(t, http.MethodPost, "/api/v1/auth/whatsapp/code/verify", verify)
	expectError(t, rec, env, http.StatusConflict, service.KindTokenAlreadyUsed)

	verify["code"] = "000000"
	rec, env = s.do(t, http.MethodPost, "/api/v1/auth/whatsapp/code/verify", verify)
	expectError(t, rec, env, http.StatusConflict, service.KindTokenAlreadyUsed)
}

func TestUnknownMagicLink(t *testing.T) {
	s := newTestServer(t, nil, nil)
	sess := s.createSession(t, "T1", "F1")

	q := url.Values{"token": {"does-not-exist"}, "session": {sess.Session.ID}}
	rec, env := s.do(t, http.MethodGet, "/api/v1/auth/whatsapp/verify?"+q.Encode(), nil)
	expectError(t, rec, env, http.StatusNotFound, service.KindTokenNotFound)
}

func TestRateLimitSetsRetryAfter(t *testing.T) {
	s := newTestServer(t, func(p *config.PolicyConfig) { p.RateLimits.WhatsAppPerHour = 1 }, nil)

	authReq := map[string]string{"phone": "+5511999999999", "store_id": "S1"}
	if rec, _ := s.do(t, http.MethodPost, "/api/v1/auth/whatsapp/link", authReq); rec.Code != http.StatusAccepted {
		t.Fatalf("first link status = %d: %s", rec.Code, rec.Body.String())
	}
	rec, env := s.do(t, http.MethodPost, "/api/v1/auth/whatsapp/link", authReq)
	expectError(t, rec, env, http.StatusTooManyRequests, service.KindRateLimitExceeded)
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Fatalf("Retry-After = %q, want 3600", got)
	}
}

func TestCartOverHTTP(t *testing.T) {
	s := newTestServer(t, nil, nil)
	id := s.createSession(t, "T1", "F1").Session.ID
	base := "/api/v1/sessions/" + id + "/cart"

	rec, env := s.do(t, http.MethodGet, base+"/checkout", nil)
	expectError(t, rec, env, http.StatusUnprocessableEntity, service.KindCartEmpty)

	item := map[string]interface{}{"product_identify": "pizza", "quantity": 2, "unit_price": 5000, "additional_ids": []string{"olives"}}
	if rec, _ := s.do(t, http.MethodPost, base+"/items", item); rec.Code != http.StatusOK {
		t.Fatalf("add status = %d: %s", rec.Code, rec.Body.String())
	}

	rec, env = s.do(t, http.MethodGet, base, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var got cartResponse
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode cart: %v", err)
	}
	if len(got.Items) != 1 || got.Total != 10000 || got.Items[0].Key == "" {
		t.Fatalf("cart = %+v", got)
	}

	if rec, _ := s.do(t, http.MethodGet, base+"/checkout", nil); rec.Code != http.StatusOK {
		t.Fatalf("checkout status = %d", rec.Code)
	}

	rec, env = s.do(t, http.MethodDelete, base+"/items?"+url.Values{"key": {got.Items[0].Key}}.Encode(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove status = %d", rec.Code)
	}
	if err := json.Unmarshal(env.Data, &got); err != nil || len(got.Items) != 0 {
		t.Fatalf("after remove = %+v, %v", got, err)
	}

	rec, env = s.do(t, http.MethodDelete, base+"/items", nil)
	expectError(t, rec, env, http.StatusUnprocessableEntity, service.KindInvalidInput)

	if rec, _ := s.do(t, http.MethodDelete, base, nil); rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	ok := HealthCheckFunc(func(context.Context) error { return nil })
	down := HealthCheckFunc(func(context.Context) error { return errors.New("connection refused") })

	s := newTestServer(t, nil, map[string]HealthChecker{"redis": ok})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy status = %d", rec.Code)
	}

	s = newTestServer(t, nil, map[string]HealthChecker{"redis": ok, "scylla": down})
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable || body.Checks["scylla"] != "connection refused" || body.Checks["redis"] != "ok" {
		t.Fatalf("unhealthy = %d %+v", rec.Code, body)
	}
}

func TestRequireHTTPS(t *testing.T) {
	router := NewRouter(RouterConfig{RequireHTTPS: true}, zap.NewNop())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("plain http status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("forwarded https status = %d", rec.Code)
	}
}

func TestStatusForKind(t *testing.T) {
	for kind, want := range map[string]int{
		service.KindSessionExpired:       http.StatusGone,
		service.KindTokenExpired:         http.StatusGone,
		service.KindAuthFailed:           http.StatusUnauthorized,
		service.KindFingerprintBlocked:   http.StatusForbidden,
		service.KindSessionLimitExceeded: http.StatusTooManyRequests,
		service.KindInternal:             http.StatusInternalServerError,
	} {
		if got := statusForKind(kind); got != want {
			t.Errorf("statusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}
