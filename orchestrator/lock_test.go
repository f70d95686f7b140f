package orchestrator

import (
	"testing"
	"time"
)

func lockCount(o *Orchestrator) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.locks)
}

func TestSessionLockPrunedOnRelease(t *testing.T) {
	o := New(nil, nil, nil)

	unlock := o.lockSession("s1")
	if n := lockCount(o); n != 1 {
		t.Fatalf("expected 1 lock entry while held, got %d", n)
	}

	unlock()
	if n := lockCount(o); n != 0 {
		t.Errorf("expected lock entry pruned after release, %d left", n)
	}
}

func TestSessionLockSerializesHolders(t *testing.T) {
	o := New(nil, nil, nil)
	unlock := o.lockSession("s1")

	entered := make(chan struct{})
	released := make(chan struct{})
	go func() {
		u := o.lockSession("s1")
		close(entered)
		u()
		close(released)
	}()

	select {
	case <-entered:
		t.Fatal("second holder acquired the lock while the first held it")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-released

	if n := lockCount(o); n != 0 {
		t.Errorf("expected no lock entries after both releases, %d left", n)
	}
}
