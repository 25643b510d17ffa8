package memory

import (
	"context"
	"sync"
	"time"

	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
)

type FingerprintStore struct {
	mu           sync.Mutex
	fingerprints map[string]*models.StoredFingerprint
}

func NewFingerprintStore() *FingerprintStore {
	return &FingerprintStore{fingerprints: make(map[string]*models.StoredFingerprint)}
}

func (s *FingerprintStore) Get(_ context.Context, hash string) (*models.StoredFingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp, ok := s.fingerprints[hash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *fp
	return &c, nil
}

func (s *FingerprintStore) Upsert(_ context.Context, fp *models.StoredFingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.fingerprints[fp.Hash]
	if !ok {
		c := *fp
		s.fingerprints[fp.Hash] = &c
		return nil
	}
	existing.DeviceInfo = fp.DeviceInfo
	existing.Confidence = fp.Confidence
	if fp.LastSeen.After(existing.LastSeen) {
		existing.LastSeen = fp.LastSeen
	}
	return nil
}

func (s *FingerprintStore) IncrementUsage(_ context.Context, hash string, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := s.getOrCreateLocked(hash, now)
	fp.UsageCount++
	fp.LastSeen = now
	return fp.UsageCount, nil
}

func (s *FingerprintStore) IncrementSuspicious(_ context.Context, hash string, threshold int, now time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := s.getOrCreateLocked(hash, now)
	fp.SuspiciousActivity++
	fp.LastSeen = now
	if threshold > 0 && fp.SuspiciousActivity >= threshold {
		fp.IsBlocked = true
	}
	return fp.SuspiciousActivity, fp.IsBlocked, nil
}

func (s *FingerprintStore) getOrCreateLocked(hash string, now time.Time) *models.StoredFingerprint {
	fp, ok := s.fingerprints[hash]
	if !ok {
		fp = &models.StoredFingerprint{Hash: hash, FirstSeen: now, LastSeen: now}
		s.fingerprints[hash] = fp
	}
	return fp
}
