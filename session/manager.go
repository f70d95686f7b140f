package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/pkg/logging"
)

// Store defines the interface for session storage backends.
//
/// AppendTurn is the optimistic write: expectedCount must equal the stored
// TurnCount or the backend rejects the append with ErrPersistenceConflict.
// Appending to a non-active session fails with ErrSessionNotActive.
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	AppendTurn(ctx context.Context, sessionID string, expectedCount int, turn *Turn) error
	AttachCoaching(ctx context.Context, sessionID string, note string) error
	SetStatus(ctx context.Context, sessionID string, status Status) error
	ListByUser(ctx context.Context, userID string) ([]string, error)
	ExpireInactive(ctx context.Context, cutoff time.Time) ([]*Session, error)
}

// Manager manages session records on top of a storage backend.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// Option is a function that configures a Manager.
type Option func(*Manager)

// WithStore sets the store for the manager.
func WithStore(s Store) Option {
	return func(m *Manager) {
		m.store = s
	}
}

// WithLogger overrides the logger used by the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a new session manager with the given options.
//
// Example:
//
//	mgr := session.NewManager(session.WithStore(store.NewInMemoryStore()))
func NewManager(opts ...Option) *Manager {
	m := &Manager{}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.WithComponent("session_manager")
	}
	return m
}

// Create opens a new active session for the user.
func (m *Manager) Create(ctx context.Context, userID string, audience bool) (*Session, error) {
	if err := m.ensureStore(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required: %w", errorskg.ErrInvalidInput)
	}

	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    StatusActive,
		Audience:  audience,
		Turns:     []*Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := m.store.Create(ctx, sess); err != nil {
		m.logger.Error("create session failed", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	m.logger.Info("session created", "id", sess.ID, "user_id", userID, "audience", audience)
	return sess.Clone(), nil
}

// Get retrieves a session by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	if err := m.ensureStore(); err != nil {
		return nil, err
	}
	return m.store.Get(ctx, id)
}

// AppendTurn appends a completed turn to the session's history.
func (m *Manager) AppendTurn(ctx context.Context, sessionID string, expectedCount int, turn *Turn) error {
	if err := m.ensureStore(); err != nil {
		return err
	}
	if turn == nil {
		return fmt.Errorf("turn is required: %w", errorskg.ErrInvalidInput)
	}
	if err := m.store.AppendTurn(ctx, sessionID, expectedCount, turn); err != nil {
		m.logger.Warn("append turn rejected",
			"session_id", sessionID,
			"expected_count", expectedCount,
			"error", err)
		return err
	}
	m.logger.Debug("turn appended", "session_id", sessionID, "turn", turn.Number)
	return nil
}

// AttachCoaching sets the coaching note on the session's most recent turn.
func (m *Manager) AttachCoaching(ctx context.Context, sessionID string, note string) error {
	if err := m.ensureStore(); err != nil {
		return err
	}
	if note == "" {
		return fmt.Errorf("coaching note is empty: %w", errorskg.ErrInvalidInput)
	}
	if err := m.store.AttachCoaching(ctx, sessionID, note); err != nil {
		return err
	}
	m.logger.Debug("coaching note attached", "session_id", sessionID)
	return nil
}

// Close marks the session closed.
func (m *Manager) Close(ctx context.Context, id string) error {
	if err := m.ensureStore(); err != nil {
		return err
	}
	if err := m.store.SetStatus(ctx, id, StatusClosed); err != nil {
		return err
	}
	m.logger.Info("session closed", "id", id)
	return nil
}

// ListByUser returns the IDs of the user's sessions.
func (m *Manager) ListByUser(ctx context.Context, userID string) ([]string, error) {
	if err := m.ensureStore(); err != nil {
		return nil, err
	}
	return m.store.ListByUser(ctx, userID)
}

// ExpireInactive flips active sessions idle since before the given duration
// to expired and returns them.
func (m *Manager) ExpireInactive(ctx context.Context, idleFor time.Duration) ([]*Session, error) {
	if err := m.ensureStore(); err != nil {
		return nil, err
	}
	expired, err := m.store.ExpireInactive(ctx, time.Now().Add(-idleFor))
	if err != nil {
		m.logger.Error("expire sweep failed", "error", err)
		return nil, err
	}
	if len(expired) > 0 {
		m.logger.Info("expired inactive sessions", "count", len(expired))
	}
	return expired, nil
}

func (m *Manager) ensureStore() error {
	if m.store == nil {
		return fmt.Errorf("session manager store is not configured")
	}
	return nil
}
