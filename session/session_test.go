package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/phase"
	"github.com/sweetpotato0/stageflow/role"
	"github.com/sweetpotato0/stageflow/session"
	"github.com/sweetpotato0/stageflow/session/store"
)

func newManager() *session.Manager {
	return session.NewManager(session.WithStore(store.NewInMemoryStore()))
}

func makeTurn(input string) *session.Turn {
	return &session.Turn{
		Input: input,
		Phase: phase.Supportive,
		Replies: map[role.Kind]*session.RoleReply{
			role.KindPartner: {Kind: role.KindPartner, Text: "Yes, and we ride at dawn!"},
		},
		CreatedAt: time.Now(),
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	sess, err := mgr.Create(ctx, "user1", true)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if sess.ID == "" {
		t.Error("expected generated session id")
	}
	if sess.Status != session.StatusActive {
		t.Errorf("expected active status, got %s", sess.Status)
	}
	if !sess.Audience {
		t.Error("expected audience flag to persist")
	}

	loaded, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.UserID != "user1" {
		t.Errorf("expected user1, got %s", loaded.UserID)
	}
	if loaded.TurnCount != 0 {
		t.Errorf("expected empty session, got %d turns", loaded.TurnCount)
	}
}

func TestGetUnknownSession(t *testing.T) {
	mgr := newManager()
	_, err := mgr.Get(context.Background(), "nope")
	if !errors.Is(err, errorskg.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendTurnKeepsCountConsistent(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	sess, err := mgr.Create(ctx, "user1", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := mgr.AppendTurn(ctx, sess.ID, i, makeTurn("line")); err != nil {
			t.Fatalf("AppendTurn %d failed: %v", i, err)
		}
	}

	loaded, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.TurnCount != 3 {
		t.Errorf("expected turn count 3, got %d", loaded.TurnCount)
	}
	if len(loaded.Turns) != loaded.TurnCount {
		t.Errorf("turn count %d does not match history length %d",
			loaded.TurnCount, len(loaded.Turns))
	}
	for i, turn := range loaded.Turns {
		if turn.Number != i {
			t.Errorf("turn %d has number %d", i, turn.Number)
		}
	}
}

func TestAppendTurnStaleCountRejected(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	sess, err := mgr.Create(ctx, "user1", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := mgr.AppendTurn(ctx, sess.ID, 0, makeTurn("first")); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}

	// A second writer using the same expected count must lose.
	err = mgr.AppendTurn(ctx, sess.ID, 0, makeTurn("duplicate"))
	if !errors.Is(err, errorskg.ErrPersistenceConflict) {
		t.Errorf("expected ErrPersistenceConflict, got %v", err)
	}

	loaded, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.TurnCount != 1 {
		t.Errorf("conflicting append must not change the count, got %d", loaded.TurnCount)
	}
}

func TestAppendTurnToClosedSession(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	sess, err := mgr.Create(ctx, "user1", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := mgr.Close(ctx, sess.ID); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err = mgr.AppendTurn(ctx, sess.ID, 0, makeTurn("too late"))
	if !errors.Is(err, errorskg.ErrSessionNotActive) {
		t.Errorf("expected ErrSessionNotActive, got %v", err)
	}
}

func TestAttachCoaching(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	sess, err := mgr.Create(ctx, "user1", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := mgr.AttachCoaching(ctx, sess.ID, "note"); !errors.Is(err, errorskg.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput with no turns, got %v", err)
	}

	if err := mgr.AppendTurn(ctx, sess.ID, 0, makeTurn("a line")); err != nil {
		t.Fatalf("AppendTurn failed: %v", err)
	}
	if err := mgr.AttachCoaching(ctx, sess.ID, "Strong yes-and, keep building."); err != nil {
		t.Fatalf("AttachCoaching failed: %v", err)
	}

	loaded, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.LastTurn().CoachingNote == "" {
		t.Error("expected coaching note on last turn")
	}
}

func TestListByUser(t *testing.T) {
	ctx := context.Background()
	mgr := newManager()

	first, _ := mgr.Create(ctx, "user1", false)
	second, _ := mgr.Create(ctx, "user1", false)
	mgr.Create(ctx, "user2", false)

	ids, err := mgr.ListByUser(ctx, "user1")
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(ids))
	}
	found := map[string]bool{}
	for _, id := range ids {
		found[id] = true
	}
	if !found[first.ID] || !found[second.ID] {
		t.Error("expected both of user1's sessions")
	}
}

func TestExpireInactive(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	mgr := session.NewManager(session.WithStore(st))

	sess, err := mgr.Create(ctx, "user1", false)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// Nothing is stale yet.
	expired, err := mgr.ExpireInactive(ctx, time.Minute)
	if err != nil {
		t.Fatalf("ExpireInactive failed: %v", err)
	}
	if len(expired) != 0 {
		t.Fatalf("expected no expirations, got %d", len(expired))
	}

	// With a zero idle threshold every active session is stale.
	expired, err = mgr.ExpireInactive(ctx, 0)
	if err != nil {
		t.Fatalf("ExpireInactive failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != sess.ID {
		t.Fatalf("expected the session to expire, got %v", expired)
	}

	loaded, err := mgr.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.Status != session.StatusExpired {
		t.Errorf("expected expired status, got %s", loaded.Status)
	}
}

func TestCloneIsDeep(t *testing.T) {
	turn := makeTurn("original")
	sess := &session.Session{
		ID:        "s1",
		UserID:    "user1",
		Status:    session.StatusActive,
		TurnCount: 1,
		Turns:     []*session.Turn{turn},
	}

	clone := sess.Clone()
	clone.Turns[0].Input = "mutated"
	clone.Turns[0].Replies[role.KindPartner].Text = "mutated"

	if sess.Turns[0].Input != "original" {
		t.Error("clone shares turn with original")
	}
	if sess.Turns[0].Replies[role.KindPartner].Text == "mutated" {
		t.Error("clone shares replies with original")
	}
}
