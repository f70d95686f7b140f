package orchestrator

import (
	"errors"
	"testing"
	"time"

	errorskg "github.com/sweetpotato0/stageflow/errors"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := newBreaker(5, time.Minute, nil)

	for i := 0; i < 4; i++ {
		if err := b.allow(); err != nil {
			t.Fatalf("call %d unexpectedly blocked: %v", i, err)
		}
		b.failure()
	}
	if err := b.allow(); err != nil {
		t.Fatalf("breaker opened before threshold: %v", err)
	}
	b.failure()

	err := b.allow()
	if !errors.Is(err, errorskg.ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen after %d failures, got %v", 5, err)
	}
	if !errors.Is(err, errorskg.ErrGenerationFailure) {
		t.Errorf("an open circuit must read as a generation failure, got %v", err)
	}
}

func TestBreakerSuccessResetsRun(t *testing.T) {
	b := newBreaker(3, time.Minute, nil)

	b.failure()
	b.failure()
	b.success()
	b.failure()
	b.failure()

	if err := b.allow(); err != nil {
		t.Errorf("a success must reset the consecutive failure run: %v", err)
	}
}

func TestBreakerProbeAfterCooldown(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := newBreaker(2, 30*time.Second, clock)

	b.failure()
	b.failure()
	if err := b.allow(); !errors.Is(err, errorskg.ErrCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}

	// Cooldown elapsed: exactly one probe gets through.
	now = now.Add(31 * time.Second)
	if err := b.allow(); err != nil {
		t.Fatalf("expected probe to be admitted: %v", err)
	}
	if err := b.allow(); !errors.Is(err, errorskg.ErrCircuitOpen) {
		t.Errorf("expected second caller blocked while probe in flight, got %v", err)
	}

	// Failed probe re-opens for a fresh cooldown.
	b.failure()
	if err := b.allow(); !errors.Is(err, errorskg.ErrCircuitOpen) {
		t.Errorf("expected re-opened circuit after failed probe, got %v", err)
	}

	// Successful probe closes the circuit.
	now = now.Add(31 * time.Second)
	if err := b.allow(); err != nil {
		t.Fatalf("expected probe after second cooldown: %v", err)
	}
	b.success()
	if err := b.allow(); err != nil {
		t.Errorf("expected closed circuit after successful probe: %v", err)
	}
}
