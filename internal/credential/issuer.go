// Package credential issues the customer credential returned after a
// successful magic link or code verification.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"qrorder-auth/internal/config"
	"qrorder-auth/internal/util"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Claims binds a customer to the session that authenticated them.
type Claims struct {
	SessionID string `json:"sid"`
	StoreID   string `json:"store_id"`
	jwt.RegisteredClaims
}

type Issuer struct {
	issuer string
	secret []byte
	clock  util.Clock
}

// NewIssuer signs with HS256. An empty secret gets a random per-process key,
// which config validation forbids in production.
func NewIssuer(cfg config.AuthConfig, clock util.Clock) (*Issuer, error) {
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		util.Warn("AUTH_JWT_SECRET not set - using an ephemeral signing key")
	}
	return &Issuer{issuer: cfg.JWTIssuer, secret: secret, clock: clock}, nil
}

// Issue returns a token for customerID that expires with the session.
func (i *Issuer) Issue(customerID, sessionID, storeID string, expiresAt time.Time) (string, error) {
	now := i.clock.Now()
	claims := &Claims{
		SessionID: sessionID,
		StoreID:   storeID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   customerID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, nil
}

func (i *Issuer) Parse(token string) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock.Now),
	)
	tok, err := parser.ParseWithClaims(token, &Claims{}, func(_ *jwt.Token) (any, error) { return i.secret, nil })
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}
