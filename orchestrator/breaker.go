package orchestrator

import (
	"fmt"
	"sync"
	"time"

	errorskg "github.com/sweetpotato0/stageflow/errors"
)

// breaker is a per-role circuit breaker. Consecutive failures at or above
// the threshold open the circuit; after the cooldown one probe call is let
// through and its outcome decides whether the circuit closes again.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	failures int
	openedAt time.Time
	open     bool
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration, now func() time.Time) *breaker {
	if now == nil {
		now = time.Now
	}
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       now,
	}
}

// allow reports whether a call may proceed. While open it fails fast with
// ErrCircuitOpen until the cooldown elapses, then admits a single probe.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		return fmt.Errorf("cooling down until %s: %w",
			b.openedAt.Add(b.cooldown).Format(time.RFC3339), errorskg.ErrCircuitOpen)
	}
	if b.probing {
		return fmt.Errorf("probe in flight: %w", errorskg.ErrCircuitOpen)
	}
	b.probing = true
	return nil
}

// success records a completed call and closes the circuit.
func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
	b.probing = false
}

// failure records a failed call, opening the circuit once the threshold of
// consecutive failures is reached. A failed probe re-opens immediately.
func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.probing {
		b.probing = false
		b.openedAt = b.now()
		return
	}
	if b.failures >= b.threshold {
		b.open = true
		b.openedAt = b.now()
	}
}
