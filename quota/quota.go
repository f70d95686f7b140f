package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/pkg/logging"
)

// Limit kinds reported by LimitError.
const (
	KindDaily      = "daily"
	KindConcurrent = "concurrent"
)

// Limits holds the per-user admission ceilings.
type Limits struct {
	// Daily is the number of sessions a user may create inside one
	// rolling window.
	Daily int

	// Concurrent is the number of simultaneously active sessions.
	Concurrent int

	// Window is the rolling window length. The window opens at the first
	// session creation and the daily count resets once it elapses.
	Window time.Duration
}

// DefaultLimits returns the standard admission ceilings.
func DefaultLimits() Limits {
	return Limits{
		Daily:      10,
		Concurrent: 3,
		Window:     24 * time.Hour,
	}
}

// Usage is a point-in-time view of a user's counters.
type Usage struct {
	DailyUsed    int       `json:"daily_used"`
	DailyLimit   int       `json:"daily_limit"`
	Active       int       `json:"active"`
	ActiveLimit  int       `json:"active_limit"`
	WindowResets time.Time `json:"window_resets"`
}

// LimitError reports which ceiling blocked an admission. It unwraps to
// ErrQuotaExceeded so callers can match without inspecting the kind.
type LimitError struct {
	Kind    string
	Limit   int
	Current int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s session limit reached (%d/%d)", e.Kind, e.Current, e.Limit)
}

func (e *LimitError) Unwrap() error {
	return errorskg.ErrQuotaExceeded
}

// CounterStore is the storage backend for admission counters.
//
// Acquire must perform the ceiling checks and the increments as one atomic
// operation so that concurrent admissions cannot both observe room and both
// pass. On a breach it returns a *LimitError and leaves the counters
// untouched.
type CounterStore interface {
	Acquire(ctx context.Context, userID string, now time.Time, limits Limits) (*Usage, error)
	Release(ctx context.Context, userID string) error
	Snapshot(ctx context.Context, userID string, now time.Time, limits Limits) (*Usage, error)
}

// Controller enforces per-user session quotas.
type Controller struct {
	store  CounterStore
	limits Limits
	logger *slog.Logger
	clock  func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLimits overrides the default ceilings.
func WithLimits(limits Limits) Option {
	return func(c *Controller) { c.limits = limits }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// NewController creates a quota controller backed by the given store.
func NewController(store CounterStore, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		limits: DefaultLimits(),
		logger: logging.WithComponent("quota"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CanCreateSession reports whether an admission would currently succeed.
// It does not reserve anything; RegisterSessionOpen remains the only
// authoritative check.
func (c *Controller) CanCreateSession(ctx context.Context, userID string) error {
	usage, err := c.store.Snapshot(ctx, userID, c.clock(), c.limits)
	if err != nil {
		return fmt.Errorf("failed to read quota counters: %w", err)
	}
	if usage.DailyUsed >= c.limits.Daily {
		return &LimitError{Kind: KindDaily, Limit: c.limits.Daily, Current: usage.DailyUsed}
	}
	if usage.Active >= c.limits.Concurrent {
		return &LimitError{Kind: KindConcurrent, Limit: c.limits.Concurrent, Current: usage.Active}
	}
	return nil
}

// RegisterSessionOpen atomically checks both ceilings and claims a slot.
func (c *Controller) RegisterSessionOpen(ctx context.Context, userID string) (*Usage, error) {
	usage, err := c.store.Acquire(ctx, userID, c.clock(), c.limits)
	if err != nil {
		var limitErr *LimitError
		if errors.As(err, &limitErr) {
			c.logger.Info("session admission denied",
				"user_id", userID,
				"kind", limitErr.Kind,
				"current", limitErr.Current,
				"limit", limitErr.Limit)
		}
		return nil, err
	}
	c.logger.Debug("session slot acquired",
		"user_id", userID,
		"daily_used", usage.DailyUsed,
		"active", usage.Active)
	return usage, nil
}

// RegisterSessionClose frees the user's concurrent slot. The daily count is
// not given back.
func (c *Controller) RegisterSessionClose(ctx context.Context, userID string) error {
	if err := c.store.Release(ctx, userID); err != nil {
		return fmt.Errorf("failed to release quota slot: %w", err)
	}
	c.logger.Debug("session slot released", "user_id", userID)
	return nil
}

// UserLimits returns the user's current usage against the ceilings.
func (c *Controller) UserLimits(ctx context.Context, userID string) (*Usage, error) {
	return c.store.Snapshot(ctx, userID, c.clock(), c.limits)
}

// Limits returns the configured ceilings.
func (c *Controller) Limits() Limits {
	return c.limits
}
