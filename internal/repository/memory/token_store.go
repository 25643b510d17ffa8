package memory

import (
	"context"
	"sync"
	"time"

	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
)

// TokenRetention is how long a token record outlives its expiry so that
// replays report "already used" or "expired" instead of "not found".
const TokenRetention = time.Hour

type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*models.AuthToken
}

func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]*models.AuthToken)}
}

func (s *TokenStore) Save(_ context.Context, token *models.AuthToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, t := range s.tokens {
		if t.ExpiresAt.Add(TokenRetention).Before(token.IssuedAt) {
			delete(s.tokens, key)
		}
	}
	c := *token
	s.tokens[token.LookupKey] = &c
	return nil
}

func (s *TokenStore) Get(_ context.Context, lookupKey string) (*models.AuthToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[lookupKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *TokenStore) MarkUsed(_ context.Context, lookupKey string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[lookupKey]
	if !ok {
		return false, repository.ErrNotFound
	}
	if t.Used {
		return false, nil
	}
	t.Used = true
	usedAt := now
	t.UsedAt = &usedAt
	return true, nil
}

func (s *TokenStore) IncrementAttempts(_ context.Context, lookupKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[lookupKey]
	if !ok {
		return 0, repository.ErrNotFound
	}
	t.Attempts++
	return t.Attempts, nil
}

func (s *TokenStore) Delete(_ context.Context, lookupKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tokens, lookupKey)
	return nil
}
