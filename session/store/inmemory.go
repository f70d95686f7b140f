package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/session"
)

// InMemoryStore implements session.Store with a process-local map.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// NewInMemoryStore creates a new in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*session.Session),
	}
}

// Create persists a new session.
func (s *InMemoryStore) Create(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s: %w", sess.ID, errorskg.ErrAlreadyExists)
	}
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// Get loads a session by ID.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errorskg.ErrNotFound)
	}
	return sess.Clone(), nil
}

// AppendTurn appends a turn if the expected count still holds.
func (s *InMemoryStore) AppendTurn(ctx context.Context, sessionID string, expectedCount int, turn *session.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, errorskg.ErrNotFound)
	}
	if sess.Status != session.StatusActive {
		return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, errorskg.ErrSessionNotActive)
	}
	if sess.TurnCount != expectedCount {
		return fmt.Errorf("expected turn count %d, stored %d: %w",
			expectedCount, sess.TurnCount, errorskg.ErrPersistenceConflict)
	}

	stored := turn.Clone()
	stored.Number = expectedCount
	sess.Turns = append(sess.Turns, stored)
	sess.TurnCount = expectedCount + 1
	sess.UpdatedAt = time.Now()
	return nil
}

// AttachCoaching sets the coaching note on the most recent turn.
func (s *InMemoryStore) AttachCoaching(ctx context.Context, sessionID string, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, errorskg.ErrNotFound)
	}
	last := sess.LastTurn()
	if last == nil {
		return fmt.Errorf("session %s has no turns: %w", sessionID, errorskg.ErrInvalidInput)
	}
	last.CoachingNote = note
	sess.UpdatedAt = time.Now()
	return nil
}

// SetStatus updates the session status.
func (s *InMemoryStore) SetStatus(ctx context.Context, sessionID string, status session.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, errorskg.ErrNotFound)
	}
	sess.Status = status
	sess.UpdatedAt = time.Now()
	return nil
}

// ListByUser returns the IDs of the user's sessions.
func (s *InMemoryStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// ExpireInactive flips active sessions untouched since the cutoff to expired.
func (s *InMemoryStore) ExpireInactive(ctx context.Context, cutoff time.Time) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make([]*session.Session, 0)
	for _, sess := range s.sessions {
		if sess.Status == session.StatusActive && sess.UpdatedAt.Before(cutoff) {
			sess.Status = session.StatusExpired
			sess.UpdatedAt = time.Now()
			expired = append(expired, sess.Clone())
		}
	}
	return expired, nil
}
