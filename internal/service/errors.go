package service

import (
	"errors"
	"strconv"
	"time"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionExpired         = errors.New("session expired")
	ErrSessionContextMismatch = errors.New("session belongs to a different context")
	ErrSessionLimitExceeded   = errors.New("session limit exceeded")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrTokenNotFound          = errors.New("token not found")
	ErrTokenExpired           = errors.New("token expired")
	ErrTokenAlreadyUsed       = errors.New("token already used")
	ErrAuthFailed             = errors.New("authentication failed")
	ErrFingerprintBlocked     = errors.New("fingerprint blocked")
	ErrInvalidSessionState    = errors.New("invalid session state")
	ErrInvalidInput           = errors.New("invalid input")
	ErrCartEmpty              = errors.New("cart is empty")
)

// RateLimitError carries the retry delay of the limit that rejected a
// request. It matches ErrRateLimitExceeded.
type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return "rate limit exceeded, retry after " + strconv.Itoa(e.RetryAfterSeconds()) + "s"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// RetryAfterSeconds rounds up, with a minimum of one second.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	return max(secs, 1)
}

// Error kinds exposed to clients.
const (
	KindSessionNotFound        = "SESSION_NOT_FOUND"
	KindSessionExpired         = "SESSION_EXPIRED"
	KindSessionContextMismatch = "SESSION_CONTEXT_MISMATCH"
	KindSessionLimitExceeded   = "SESSION_LIMIT_EXCEEDED"
	KindRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	KindTokenNotFound          = "TOKEN_NOT_FOUND"
	KindTokenExpired           = "TOKEN_EXPIRED"
	KindTokenAlreadyUsed       = "TOKEN_ALREADY_USED"
	KindAuthFailed             = "AUTH_FAILED"
	KindFingerprintBlocked     = "FINGERPRINT_BLOCKED"
	KindInvalidSessionState    = "INVALID_SESSION_STATE"
	KindInvalidInput           = "INVALID_INPUT"
	KindCartEmpty              = "CART_EMPTY"
	KindInternal               = "INTERNAL"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrSessionNotFound, KindSessionNotFound},
	{ErrSessionExpired, KindSessionExpired},
	{ErrSessionContextMismatch, KindSessionContextMismatch},
	{ErrSessionLimitExceeded, KindSessionLimitExceeded},
	{ErrRateLimitExceeded, KindRateLimitExceeded},
	{ErrTokenNotFound, KindTokenNotFound},
	{ErrTokenExpired, KindTokenExpired},
	{ErrTokenAlreadyUsed, KindTokenAlreadyUsed},
	{ErrAuthFailed, KindAuthFailed},
	{ErrFingerprintBlocked, KindFingerprintBlocked},
	{ErrInvalidSessionState, KindInvalidSessionState},
	{ErrInvalidInput, KindInvalidInput},
	{ErrCartEmpty, KindCartEmpty},
}

// KindOf maps err to a stable kind; unknown errors are KindInternal.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
