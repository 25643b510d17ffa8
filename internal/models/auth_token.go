package models

import "time"

type TokenKind string

const (
	TokenMagicLink TokenKind = "magic_link"
	TokenOTP       TokenKind = "otp"
)

// AuthToken is a single-use magic-link token or one-time code. Only a digest
// of the secret is stored: an HMAC for magic links (used as the lookup key)
// and a salted argon2 hash for codes.
type AuthToken struct {
	Kind          TokenKind  `json:"kind" db:"kind"`
	LookupKey     string     `json:"lookup_key" db:"lookup_key"`
	SecretHash    string     `json:"secret_hash,omitempty" db:"secret_hash"`
	Salt          string     `json:"salt,omitempty" db:"salt"`
	PepperVersion int        `json:"pepper_version,omitempty" db:"pepper_version"`
	Phone         string     `json:"phone" db:"phone"`
	StoreID       string     `json:"store_id" db:"store_id"`
	SessionID     string     `json:"session_id,omitempty" db:"session_id"`
	IssuedAt      time.Time  `json:"issued_at" db:"issued_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	Used          bool       `json:"used" db:"used"`
	UsedAt        *time.Time `json:"used_at,omitempty" db:"used_at"`
	Attempts      int        `json:"attempts" db:"attempts"`
}

func (t *AuthToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
