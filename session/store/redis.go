package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/session"
)

// RedisStore implements session.Store using Redis. Each session is stored
// as one JSON blob; optimistic appends run under WATCH so a concurrent
// writer invalidates the transaction instead of clobbering it.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisConfig holds Redis configuration for sessions.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisStore creates a new Redis-based session store.
func NewRedisStore(config *RedisConfig) *RedisStore {
	if config == nil {
		config = &RedisConfig{
			Addr:   "localhost:6379",
			Prefix: "stageflow:session:",
			TTL:    7 * 24 * time.Hour,
		}
	}
	if config.Prefix == "" {
		config.Prefix = "stageflow:session:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		ttl:    config.TTL,
	}
}

// Create persists a new session.
func (s *RedisStore) Create(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session cannot be nil")
	}

	key := s.sessionKey(sess.ID)
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := s.client.SetNX(ctx, key, raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s: %w", sess.ID, errorskg.ErrAlreadyExists)
	}

	if err := s.client.SAdd(ctx, s.userKey(sess.UserID), sess.ID).Err(); err != nil {
		return fmt.Errorf("failed to index session by user: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), sess.ID).Err(); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

// Get loads a session by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*session.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("session %s: %w", id, errorskg.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess session.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &sess, nil
}

// AppendTurn appends a turn if the expected count still holds.
func (s *RedisStore) AppendTurn(ctx context.Context, sessionID string, expectedCount int, turn *session.Turn) error {
	return s.update(ctx, sessionID, func(sess *session.Session) error {
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
		return nil
	})
}

// AttachCoaching sets the coaching note on the most recent turn.
func (s *RedisStore) AttachCoaching(ctx context.Context, sessionID string, note string) error {
	return s.update(ctx, sessionID, func(sess *session.Session) error {
		last := sess.LastTurn()
		if last == nil {
			return fmt.Errorf("session %s has no turns: %w", sessionID, errorskg.ErrInvalidInput)
		}
		last.CoachingNote = note
		return nil
	})
}

// SetStatus updates the session status.
func (s *RedisStore) SetStatus(ctx context.Context, sessionID string, status session.Status) error {
	return s.update(ctx, sessionID, func(sess *session.Session) error {
		sess.Status = status
		return nil
	})
}

// ListByUser returns the IDs of the user's sessions.
func (s *RedisStore) ListByUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return ids, nil
}

// ExpireInactive flips active sessions untouched since the cutoff to expired.
func (s *RedisStore) ExpireInactive(ctx context.Context, cutoff time.Time) ([]*session.Session, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	expired := make([]*session.Session, 0)
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if sess.Status != session.StatusActive || !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.SetStatus(ctx, id, session.StatusExpired); err != nil {
			continue
		}
		sess.Status = session.StatusExpired
		expired = append(expired, sess)
	}
	return expired, nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis connection is alive.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

const maxTxRetries = 5

// update runs mutate against the stored session inside a WATCH transaction
// and retries a handful of times when a concurrent writer invalidates it.
func (s *RedisStore) update(ctx context.Context, sessionID string, mutate func(*session.Session) error) error {
	key := s.sessionKey(sessionID)

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("session %s: %w", sessionID, errorskg.ErrNotFound)
			}
			return fmt.Errorf("failed to load session: %w", err)
		}

		var sess session.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return fmt.Errorf("failed to decode session: %w", err)
		}
		if err := mutate(&sess); err != nil {
			return err
		}
		sess.UpdatedAt = time.Now()

		out, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = s.client.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("session %s update contended: %w", sessionID, errorskg.ErrPersistenceConflict)
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + id
}

func (s *RedisStore) userKey(userID string) string {
	return s.prefix + "user:" + userID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}
