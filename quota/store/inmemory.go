package store

import (
	"context"
	"sync"
	"time"

	"github.com/sweetpotato0/stageflow/quota"
)

// userCounters tracks one user's admission state.
type userCounters struct {
	windowStart time.Time
	dailyUsed   int
	active      int
}

// InMemoryStore implements quota.CounterStore with a process-local map.
// A single mutex covers check and increment, which keeps Acquire atomic.
type InMemoryStore struct {
	mu    sync.Mutex
	users map[string]*userCounters
}

// NewInMemoryStore creates a new in-memory counter store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]*userCounters),
	}
}

// Acquire atomically checks both ceilings and claims a slot.
func (s *InMemoryStore) Acquire(ctx context.Context, userID string, now time.Time, limits quota.Limits) (*quota.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[userID]
	if u == nil {
		u = &userCounters{windowStart: now}
		s.users[userID] = u
	}
	if now.Sub(u.windowStart) >= limits.Window {
		u.windowStart = now
		u.dailyUsed = 0
	}

	if u.dailyUsed >= limits.Daily {
		return nil, &quota.LimitError{Kind: quota.KindDaily, Limit: limits.Daily, Current: u.dailyUsed}
	}
	if u.active >= limits.Concurrent {
		return nil, &quota.LimitError{Kind: quota.KindConcurrent, Limit: limits.Concurrent, Current: u.active}
	}

	u.dailyUsed++
	u.active++
	return s.usage(u, limits), nil
}

// Release frees a concurrent slot. Releasing with no active sessions is a
// no-op so double closes stay harmless.
func (s *InMemoryStore) Release(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u := s.users[userID]; u != nil && u.active > 0 {
		u.active--
	}
	return nil
}

// Snapshot returns the user's counters without modifying them.
func (s *InMemoryStore) Snapshot(ctx context.Context, userID string, now time.Time, limits quota.Limits) (*quota.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.users[userID]
	if u == nil {
		return &quota.Usage{
			DailyLimit:   limits.Daily,
			ActiveLimit:  limits.Concurrent,
			WindowResets: now.Add(limits.Window),
		}, nil
	}
	if now.Sub(u.windowStart) >= limits.Window {
		return &quota.Usage{
			Active:       u.active,
			DailyLimit:   limits.Daily,
			ActiveLimit:  limits.Concurrent,
			WindowResets: now.Add(limits.Window),
		}, nil
	}
	return s.usage(u, limits), nil
}

func (s *InMemoryStore) usage(u *userCounters, limits quota.Limits) *quota.Usage {
	return &quota.Usage{
		DailyUsed:    u.dailyUsed,
		DailyLimit:   limits.Daily,
		Active:       u.active,
		ActiveLimit:  limits.Concurrent,
		WindowResets: u.windowStart.Add(limits.Window),
	}
}
