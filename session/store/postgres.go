package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/session"
)

// PostgresStore implements session.Store using PostgreSQL. The turn count
// lives on the sessions row and every append runs inside a transaction with
// a count-guarded UPDATE, so a stale writer matches zero rows instead of
// overwriting a newer turn.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DefaultPostgresConfig returns default PostgreSQL configuration
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		DBName:   "stageflow",
		SSLMode:  "disable",
	}
}

// NewPostgresStore creates a new PostgreSQL-based session store
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	store := &PostgresStore{db: db}

	if err := store.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		status VARCHAR(32) NOT NULL,
		audience BOOLEAN NOT NULL DEFAULT FALSE,
		turn_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status_updated ON sessions(status, updated_at);

	CREATE TABLE IF NOT EXISTS turns (
		session_id VARCHAR(255) NOT NULL REFERENCES sessions(id),
		number INTEGER NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (session_id, number)
	);
	`

	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Create persists a new session.
func (s *PostgresStore) Create(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session cannot be nil")
	}

	query := `
	INSERT INTO sessions (id, user_id, status, audience, turn_count, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		sess.ID, sess.UserID, string(sess.Status), sess.Audience,
		sess.TurnCount, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, errorskg.ErrAlreadyExists)
	}
	return nil
}

// Get loads a session with its full turn history.
func (s *PostgresStore) Get(ctx context.Context, id string) (*session.Session, error) {
	sess := &session.Session{}
	var status string

	query := `SELECT id, user_id, status, audience, turn_count, created_at, updated_at
	          FROM sessions WHERE id = $1`
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID, &sess.UserID, &status, &sess.Audience,
		&sess.TurnCount, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session %s: %w", id, errorskg.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.Status = session.Status(status)

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM turns WHERE session_id = $1 ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	sess.Turns = make([]*session.Turn, 0, sess.TurnCount)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turn := &session.Turn{}
		if err := json.Unmarshal(payload, turn); err != nil {
			return nil, fmt.Errorf("failed to decode turn: %w", err)
		}
		sess.Turns = append(sess.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating turns: %w", err)
	}
	return sess, nil
}

// AppendTurn appends a turn if the expected count still holds.
func (s *PostgresStore) AppendTurn(ctx context.Context, sessionID string, expectedCount int, turn *session.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE sessions SET turn_count = turn_count + 1, updated_at = $1
		 WHERE id = $2 AND status = $3 AND turn_count = $4`,
		time.Now(), sessionID, string(session.StatusActive), expectedCount)
	if err != nil {
		return fmt.Errorf("failed to advance turn count: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to advance turn count: %w", err)
	}
	if rows == 0 {
		return s.diagnoseAppendFailure(ctx, sessionID, expectedCount)
	}

	stored := turn.Clone()
	stored.Number = expectedCount
	payload, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (session_id, number, payload) VALUES ($1, $2, $3)`,
		sessionID, stored.Number, payload); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	return tx.Commit()
}

// diagnoseAppendFailure distinguishes a missing session, a closed session
// and a stale turn count after a guarded UPDATE matched nothing.
func (s *PostgresStore) diagnoseAppendFailure(ctx context.Context, sessionID string, expectedCount int) error {
	var status string
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT status, turn_count FROM sessions WHERE id = $1`, sessionID).
		Scan(&status, &count)
	if err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("session %s: %w", sessionID, errorskg.ErrNotFound)
		}
		return fmt.Errorf("failed to inspect session: %w", err)
	}
	if session.Status(status) != session.StatusActive {
		return fmt.Errorf("session %s is %s: %w", sessionID, status, errorskg.ErrSessionNotActive)
	}
	return fmt.Errorf("expected turn count %d, stored %d: %w",
		expectedCount, count, errorskg.ErrPersistenceConflict)
}

// AttachCoaching sets the coaching note on the most recent turn.
func (s *PostgresStore) AttachCoaching(ctx context.Context, sessionID string, note string) error {
	noteJSON, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to encode coaching note: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE turns SET payload = jsonb_set(payload, '{coaching_note}', $1)
		 WHERE session_id = $2
		   AND number = (SELECT turn_count - 1 FROM sessions WHERE id = $2)`,
		noteJSON, sessionID)
	if err != nil {
		return fmt.Errorf("failed to attach coaching note: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to attach coaching note: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s has no turns: %w", sessionID, errorskg.ErrInvalidInput)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE id = $2`, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// SetStatus updates the session status.
func (s *PostgresStore) SetStatus(ctx context.Context, sessionID string, status session.Status) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", sessionID, errorskg.ErrNotFound)
	}
	return nil
}

// ListByUser returns the IDs of the user's sessions.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return ids, nil
}

// ExpireInactive flips active sessions untouched since the cutoff to expired.
func (s *PostgresStore) ExpireInactive(ctx context.Context, cutoff time.Time) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2
		 WHERE status = $3 AND updated_at < $4
		 RETURNING id`,
		string(session.StatusExpired), time.Now(), string(session.StatusActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to expire sessions: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	expired := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		expired = append(expired, sess)
	}
	return expired, nil
}

// Close closes the PostgreSQL connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping checks if PostgreSQL connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
