package models

import "time"

type SecurityEventType string

const (
	EventSessionCreated         SecurityEventType = "session_created"
	EventSessionReattachRefused SecurityEventType = "session_reattach_refused"
	EventContextMismatch        SecurityEventType = "session_context_mismatch"
	EventFingerprintDrift       SecurityEventType = "fingerprint_drift"
	EventFingerprintBlocked     SecurityEventType = "fingerprint_blocked"
	EventAuthRequested          SecurityEventType = "auth_requested"
	EventAuthSucceeded          SecurityEventType = "auth_succeeded"
	EventAuthFailed             SecurityEventType = "auth_failed"
	EventRateLimited            SecurityEventType = "rate_limited"
)

type SecurityEvent struct {
	EventID     string            `json:"event_id" db:"event_id"`
	EventBucket int               `json:"event_bucket" db:"event_bucket"`
	EventDate   string            `json:"event_date" db:"event_date"`
	EventTime   time.Time         `json:"event_time" db:"event_time"`
	EventType   SecurityEventType `json:"event_type" db:"event_type"`
	SessionID   string            `json:"session_id,omitempty" db:"session_id"`
	StoreID     string            `json:"store_id,omitempty" db:"store_id"`
	Fingerprint string            `json:"fingerprint,omitempty" db:"fingerprint"`
	PhoneMasked string            `json:"phone_masked,omitempty" db:"phone_masked"`
	IPAddress   string            `json:"ip_address,omitempty" db:"ip_address"`
	RiskScore   int               `json:"risk_score" db:"risk_score"`
	Details     string            `json:"details,omitempty" db:"details"`
}
