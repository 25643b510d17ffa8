// Package memory holds process-local implementations of the repository
// contracts, used for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"qrorder-auth/internal/models"
	"qrorder-auth/internal/repository"
)

type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*models.ContextualSession
	tuples   map[string]string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*models.ContextualSession),
		tuples:   make(map[string]string),
	}
}

func (s *SessionStore) CreateOrAttach(_ context.Context, candidate *models.ContextualSession, limits repository.SessionLimits, now time.Time) (*models.ContextualSession, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tuples[candidate.TupleKey()]; ok {
		if existing, ok := s.sessions[id]; ok && !existing.IsExpired(now) {
			return copySession(existing), true, nil
		}
	}

	perTable, perFingerprint := 0, 0
	for _, sess := range s.sessions {
		if sess.IsExpired(now) {
			continue
		}
		if sess.TableKey() == candidate.TableKey() {
			perTable++
		}
		if sess.Fingerprint == candidate.Fingerprint {
			perFingerprint++
		}
	}
	if limits.MaxPerFingerprint > 0 && perFingerprint >= limits.MaxPerFingerprint {
		return nil, false, &repository.LimitError{Scope: "fingerprint", Count: perFingerprint, Max: limits.MaxPerFingerprint}
	}
	if limits.MaxPerTable > 0 && perTable >= limits.MaxPerTable {
		return nil, false, &repository.LimitError{Scope: "table", Count: perTable, Max: limits.MaxPerTable}
	}

	s.sessions[candidate.ID] = copySession(candidate)
	s.tuples[candidate.TupleKey()] = candidate.ID
	return copySession(candidate), false, nil
}

func (s *SessionStore) Get(_ context.Context, id string) (*models.ContextualSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySession(sess), nil
}

func (s *SessionStore) Update(_ context.Context, session *models.ContextualSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[session.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if current.Version != session.Version {
		return repository.ErrConflict
	}
	session.Version++
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *SessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteLocked(id)
	return nil
}

func (s *SessionStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if sess.IsExpired(now) {
			s.deleteLocked(id)
			removed++
		}
	}
	return removed, nil
}

func (s *SessionStore) ListByFingerprint(_ context.Context, hash string) ([]*models.ContextualSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.ContextualSession
	for _, sess := range s.sessions {
		if sess.Fingerprint == hash {
			out = append(out, copySession(sess))
		}
	}
	return out, nil
}

func (s *SessionStore) deleteLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	if s.tuples[sess.TupleKey()] == id {
		delete(s.tuples, sess.TupleKey())
	}
}

func copySession(s *models.ContextualSession) *models.ContextualSession {
	c := *s
	return &c
}
