package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultPolicyIsValid(t *testing.T) {
	p := DefaultPolicy()
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if p.TableSessionDuration() != 180*time.Minute {
		t.Fatalf("table duration = %v", p.TableSessionDuration())
	}
	if p.DeliverySessionDuration() != time.Hour {
		t.Fatalf("delivery duration = %v", p.DeliverySessionDuration())
	}
	if p.TokenTTL() != 10*time.Minute {
		t.Fatalf("token ttl = %v", p.TokenTTL())
	}
	if p.CartTTL() != 4*time.Hour {
		t.Fatalf("cart ttl = %v", p.CartTTL())
	}
}

func TestPolicyValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*PolicyConfig)
		want   string
	}{
		{"short otp", func(p *PolicyConfig) { p.OTPLength = 3 }, "otp_length"},
		{"long otp", func(p *PolicyConfig) { p.OTPLength = 11 }, "otp_length"},
		{"zero attempts", func(p *PolicyConfig) { p.OTPMaxAttempts = 0 }, "otp_max_attempts"},
		{"negative table", func(p *PolicyConfig) { p.MaxSessionsPerTable = -1 }, "max_sessions_per_table"},
		{"lifetime below duration", func(p *PolicyConfig) { p.MaxSessionLifetimeMinutes = 90 }, "max_session_lifetime_minutes"},
		{"drift fields", func(p *PolicyConfig) { p.DriftRiskFields = 4 }, "drift_risk_fields"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultPolicy()
			tc.mutate(&p)
			err := p.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestConfigValidateBackends(t *testing.T) {
	cfg := &Config{
		Environment: "development",
		Storage:     StorageConfig{Backend: "memory", Customers: "memory"},
		Bucketing:   BucketingConfig{CustomerBuckets: 4, EventBuckets: 4},
		Policy:      DefaultPolicy(),
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cfg.Storage.Backend = "etcd"
	if err := cfg.Validate(); err == nil {
		t.Fatal("unknown backend accepted")
	}

	cfg.Storage.Backend = "redis"
	cfg.Environment = "production"
	if err := cfg.Validate(); err == nil {
		t.Fatal("production without jwt secret accepted")
	}

	cfg.Auth.JWTSecret = "jwt-secret"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "HASH_PEPPER") {
		t.Fatalf("production without pepper: %v", err)
	}

	cfg.Environment = "development"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "HASH_PEPPER") {
		t.Fatalf("redis backend without pepper: %v", err)
	}

	cfg.Hashing.Pepper = "pepper"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("redis with pepper rejected: %v", err)
	}
}
