package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"qrorder-auth/internal/config"
	"qrorder-auth/internal/events"
	"qrorder-auth/internal/repository"
)

func TestRequestCodeScenario(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")
	now := env.clock.Now()

	challenge, err := env.auth.RequestCode(ctx, AuthRequest{Phone: "+55 (11) 99999-9999", StoreID: "S1", SessionID: sess.ID})
	if err != nil {
		t.Fatalf("RequestCode: %v", err)
	}
	if !challenge.ExpiresAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expires at %v", challenge.ExpiresAt)
	}
	env.dispatcher.Wait()
	msg := env.gateway.last(t)
	if msg.phone != testPhone {
		t.Fatalf("sent to %q", msg.phone)
	}
	code := codePattern.FindStringSubmatch(msg.content)[1]
	if len(code) != 6 {
		t.Fatalf("code %q is not 6 digits", code)
	}

	for i := 0; i < 3; i++ {
		wrong := "000000"
		if code == wrong {
			wrong = "111111"
		}
		if _, err := env.auth.VerifyCode(ctx, testPhone, wrong, "S1", sess.ID); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("wrong code %d: want ErrAuthFailed, got %v", i, err)
		}
	}
	// Attempts are exhausted; the right code no longer works.
	if _, err := env.auth.VerifyCode(ctx, testPhone, code, "S1", sess.ID); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("correct code after exhaustion: want ErrAuthFailed, got %v", err)
	}
	if env.suspicious(t, "F1") == 0 {
		t.Fatalf("exhausted code must count as suspicious activity")
	}
}

func TestVerifyCodeSingleUse(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")
	code := env.requestCode(t, sess.ID)

	res, err := env.auth.VerifyCode(ctx, testPhone, code, "S1", sess.ID)
	if err != nil {
		t.Fatalf("VerifyCode: %v", err)
	}
	if !res.Session.IsAuthenticated || res.Session.CustomerID != res.Customer.CustomerID {
		t.Fatalf("session not authenticated: %+v", res.Session)
	}

	claims, err := env.issuer.Parse(res.Credential)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != res.Customer.CustomerID || claims.SessionID != sess.ID || claims.StoreID != "S1" {
		t.Fatalf("claims = %+v", claims)
	}
	if !claims.ExpiresAt.Time.Equal(res.Session.ExpiresAt) {
		t.Fatalf("credential expiry %v, session expiry %v", claims.ExpiresAt.Time, res.Session.ExpiresAt)
	}

	for i := 0; i < 2; i++ {
		if _, err := env.auth.VerifyCode(ctx, testPhone, code, "S1", sess.ID); !errors.Is(err, ErrTokenAlreadyUsed) {
			t.Fatalf("reuse %d: want ErrTokenAlreadyUsed, got %v", i, err)
		}
	}
	if env.publisher.count(events.CustomerAuthenticated) != 1 {
		t.Fatalf("want one customer.authenticated event")
	}
}

func TestVerifyCodeUniformFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	// No code was ever issued for this phone.
	_, unknownErr := env.auth.VerifyCode(ctx, "+5511988887777", "123456", "S1", sess.ID)

	code := env.requestCode(t, sess.ID)
	env.clock.Advance(11 * time.Minute)
	_, expiredErr := env.auth.VerifyCode(ctx, testPhone, code, "S1", sess.ID)

	for name, err := range map[string]error{"unknown phone": unknownErr, "expired code": expiredErr} {
		if !errors.Is(err, ErrAuthFailed) || err.Error() != ErrAuthFailed.Error() {
			t.Fatalf("%s: want bare ErrAuthFailed, got %v", name, err)
		}
	}
}

func TestVerifyCodeUnknownPhoneDoesSameStoreWork(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	unknown := "+5511988887777"
	if _, err := env.auth.VerifyCode(ctx, unknown, "123456", "S1", sess.ID); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("unknown phone: %v", err)
	}
	if n := env.tokens.incrementCalls(); n != 1 {
		t.Fatalf("unknown phone made %d attempt increments, want 1", n)
	}
	if _, err := env.tokens.Get(ctx, env.auth.codeKey("S1", unknown)); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("unknown phone left a record behind: %v", err)
	}

	code := env.requestCode(t, sess.ID)
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	if _, err := env.auth.VerifyCode(ctx, testPhone, wrong, "S1", sess.ID); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("wrong code: %v", err)
	}
	if n := env.tokens.incrementCalls(); n != 2 {
		t.Fatalf("wrong code made %d attempt increments in total, want 2", n)
	}
}

func TestRequestCodeReplacesOutstandingCode(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	first := env.requestCode(t, sess.ID)
	second := env.requestCode(t, sess.ID)
	if first != second {
		if _, err := env.auth.VerifyCode(ctx, testPhone, first, "S1", sess.ID); !errors.Is(err, ErrAuthFailed) {
			t.Fatalf("replaced code accepted: %v", err)
		}
	}
	if _, err := env.auth.VerifyCode(ctx, testPhone, second, "S1", sess.ID); err != nil {
		t.Fatalf("VerifyCode latest: %v", err)
	}
}

func TestMagicLinkFlow(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	token := env.requestLink(t, sess.ID)
	msg := env.gateway.last(t).content
	if !strings.Contains(msg, "https://order.example/auth/whatsapp/verify?token="+token) {
		t.Fatalf("unexpected link in %q", msg)
	}

	// Without an explicit session the requesting session is used.
	res, err := env.auth.VerifyToken(ctx, token, "")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if res.Session.ID != sess.ID || !res.Session.IsAuthenticated || res.Credential == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, err := env.auth.VerifyToken(ctx, token, sess.ID); !errors.Is(err, ErrTokenAlreadyUsed) {
		t.Fatalf("reuse: want ErrTokenAlreadyUsed, got %v", err)
	}
	if _, err := env.auth.VerifyToken(ctx, "not-a-token", sess.ID); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("unknown: want ErrTokenNotFound, got %v", err)
	}
}

func TestMagicLinkExpired(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := env.createSession(t, "S1", "T1", "F1")
	token := env.requestLink(t, sess.ID)

	env.clock.Advance(10 * time.Minute)
	if _, err := env.auth.VerifyToken(context.Background(), token, sess.ID); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("want ErrTokenExpired, got %v", err)
	}
}

func TestMagicLinkConcurrentVerifyHasOneWinner(t *testing.T) {
	env := newTestEnv(t, nil)
	sess := env.createSession(t, "S1", "T1", "F1")
	token := env.requestLink(t, sess.ID)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.auth.VerifyToken(context.Background(), token, sess.ID)
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			} else if !errors.Is(err, ErrTokenAlreadyUsed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if success != 1 {
		t.Fatalf("%d verifications succeeded, want 1", success)
	}
}

func TestMagicLinkRateLimitCreatesNoToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	var last string
	for i := 0; i < 5; i++ {
		last = env.requestLink(t, sess.ID)
	}
	_, err := env.auth.RequestMagicLink(ctx, AuthRequest{Phone: testPhone, StoreID: "S1", SessionID: sess.ID})
	var rl *RateLimitError
	if !errors.Is(err, ErrRateLimitExceeded) || !errors.As(err, &rl) {
		t.Fatalf("want RateLimitError, got %v", err)
	}
	if rl.Key != WhatsAppHourKey(testPhone) || rl.RetryAfter != time.Hour {
		t.Fatalf("limited by %s for %v", rl.Key, rl.RetryAfter)
	}

	env.dispatcher.Wait()
	if n := env.gateway.count(); n != 5 {
		t.Fatalf("%d messages dispatched, want 5", n)
	}
	if _, err := env.auth.VerifyToken(ctx, last, sess.ID); err != nil {
		t.Fatalf("last admitted link no longer valid: %v", err)
	}
}

func TestCodeRequestDailyLimit(t *testing.T) {
	env := newTestEnv(t, func(p *config.PolicyConfig) {
		p.RateLimits.WhatsAppPerHour = 2
		p.RateLimits.WhatsAppPerDay = 3
	})
	ctx := context.Background()
	req := AuthRequest{Phone: testPhone, StoreID: "S1"}

	for i := 0; i < 2; i++ {
		if _, err := env.auth.RequestCode(ctx, req); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	env.clock.Advance(time.Hour)
	if _, err := env.auth.RequestCode(ctx, req); err != nil {
		t.Fatalf("request after an hour: %v", err)
	}

	_, err := env.auth.RequestCode(ctx, req)
	var rl *RateLimitError
	if !errors.As(err, &rl) || rl.Key != WhatsAppDayKey(testPhone) {
		t.Fatalf("want daily limit, got %v", err)
	}
	if rl.RetryAfter != 23*time.Hour {
		t.Fatalf("retry after %v", rl.RetryAfter)
	}
}

func TestAuthRequestValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")

	if _, err := env.auth.RequestCode(ctx, AuthRequest{Phone: "12ab", StoreID: "S1"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad phone: %v", err)
	}
	if _, err := env.auth.RequestCode(ctx, AuthRequest{Phone: testPhone}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing store: %v", err)
	}
	if _, err := env.auth.RequestMagicLink(ctx, AuthRequest{Phone: testPhone, StoreID: "S2", SessionID: sess.ID}); !errors.Is(err, ErrSessionContextMismatch) {
		t.Fatalf("session from another store: %v", err)
	}
	if _, err := env.auth.VerifyCode(ctx, testPhone, "123456", "S1", ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing session: %v", err)
	}
}

func TestReturningCustomerKeepsIdentity(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first := env.createSession(t, "S1", "T1", "F1")
	res1, err := env.auth.VerifyCode(ctx, testPhone, env.requestCode(t, first.ID), "S1", first.ID)
	if err != nil {
		t.Fatalf("first login: %v", err)
	}

	second := env.createSession(t, "S1", "T2", "F2")
	res2, err := env.auth.VerifyToken(ctx, env.requestLink(t, second.ID), second.ID)
	if err != nil {
		t.Fatalf("second login: %v", err)
	}
	if res1.Customer.CustomerID != res2.Customer.CustomerID {
		t.Fatalf("same phone resolved to two customers")
	}
}

func TestVerifyIntoSessionOfAnotherCustomer(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	sess := env.createSession(t, "S1", "T1", "F1")
	if _, err := env.sessions.AssociateCustomer(ctx, sess.ID, "someone-else"); err != nil {
		t.Fatalf("AssociateCustomer: %v", err)
	}

	token := env.requestLink(t, sess.ID)
	if _, err := env.auth.VerifyToken(ctx, token, sess.ID); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("want ErrInvalidSessionState, got %v", err)
	}
	// The token was not consumed by the rejected attempt.
	other := env.createSession(t, "S1", "T2", "F2")
	if _, err := env.auth.VerifyToken(ctx, token, other.ID); err != nil {
		t.Fatalf("token burned by rejected attempt: %v", err)
	}
}
