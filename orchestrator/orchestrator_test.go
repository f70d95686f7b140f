package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/message"
	"github.com/sweetpotato0/stageflow/orchestrator"
	"github.com/sweetpotato0/stageflow/phase"
	"github.com/sweetpotato0/stageflow/quota"
	qstore "github.com/sweetpotato0/stageflow/quota/store"
	"github.com/sweetpotato0/stageflow/role"
	"github.com/sweetpotato0/stageflow/session"
	sstore "github.com/sweetpotato0/stageflow/session/store"
)

// scriptedClient fails its first failures calls, then answers with reply.
type scriptedClient struct {
	mu       sync.Mutex
	reply    string
	failures int
	block    bool
	calls    int
}

func (c *scriptedClient) Generate(ctx context.Context, messages []*message.Message) (*message.Message, error) {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.failures
	c.mu.Unlock()

	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("upstream unavailable")
	}
	return message.NewMessage(message.RoleAssistant, c.reply), nil
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// disconnectingClient cancels the request context during its first call and,
// like real SDK transports, aborts any call whose context is cancelled.
type disconnectingClient struct {
	cancel context.CancelFunc
	reply  string

	mu    sync.Mutex
	calls int
}

func (c *disconnectingClient) Generate(ctx context.Context, messages []*message.Message) (*message.Message, error) {
	c.mu.Lock()
	c.calls++
	first := c.calls == 1
	c.mu.Unlock()

	if first {
		c.cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return message.NewMessage(message.RoleAssistant, c.reply), nil
}

type fixture struct {
	orch     *orchestrator.Orchestrator
	sessions *session.Manager
	quotas   *quota.Controller
	delays   *[]time.Duration
}

func newFixture(t *testing.T, cfg *orchestrator.Config, opts ...role.FactoryOption) *fixture {
	t.Helper()

	sessions := session.NewManager(session.WithStore(sstore.NewInMemoryStore()))
	quotas := quota.NewController(qstore.NewInMemoryStore())
	factory := role.NewFactory(opts...)

	delays := &[]time.Duration{}
	orchOpts := []orchestrator.Option{
		orchestrator.WithSleep(func(ctx context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		}),
	}
	if cfg != nil {
		orchOpts = append(orchOpts, orchestrator.WithConfig(cfg))
	}

	return &fixture{
		orch:     orchestrator.New(sessions, quotas, factory, orchOpts...),
		sessions: sessions,
		quotas:   quotas,
		delays:   delays,
	}
}

func startSession(t *testing.T, f *fixture, audience bool) *session.Session {
	t.Helper()
	sess, err := f.orch.StartSession(context.Background(), "user1", audience)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	return sess
}

func TestTurnFlowAcrossPhases(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, role.WithDefaultClient(&scriptedClient{reply: "Yes, and the kraken takes your order!"}))
	sess := startSession(t, f, false)

	for i := 0; i < 5; i++ {
		turn, err := f.orch.SubmitTurn(ctx, sess.ID, i, "I open a seafood restaurant")
		if err != nil {
			t.Fatalf("SubmitTurn %d failed: %v", i, err)
		}
		if turn.Number != i {
			t.Errorf("turn %d numbered %d", i, turn.Number)
		}

		wantPhase := phase.Supportive
		if i >= phase.SupportiveTurns {
			wantPhase = phase.Adaptive
		}
		if turn.Phase != wantPhase {
			t.Errorf("turn %d: expected %s phase, got %s", i, wantPhase, turn.Phase)
		}

		_, hasMC := turn.Replies[role.KindMC]
		if i == 0 && !hasMC {
			t.Error("expected MC introduction on the first turn")
		}
		if i > 0 && hasMC {
			t.Errorf("turn %d: MC must only speak on the first turn", i)
		}
		if _, ok := turn.Replies[role.KindPartner]; !ok {
			t.Errorf("turn %d: missing partner reply", i)
		}
		if _, ok := turn.Replies[role.KindRoom]; ok {
			t.Errorf("turn %d: room replied without an audience", i)
		}
	}

	loaded, err := f.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.TurnCount != 5 || len(loaded.Turns) != 5 {
		t.Errorf("expected 5 persisted turns, got count=%d len=%d", loaded.TurnCount, len(loaded.Turns))
	}
}

func TestAudienceMood(t *testing.T) {
	ctx := context.Background()
	room := &scriptedClient{reply: "The crowd bursts out laughing, haha, and applauds."}
	f := newFixture(t, nil,
		role.WithDefaultClient(&scriptedClient{reply: "And scene!"}),
		role.WithClient(role.KindRoom, room),
	)
	sess := startSession(t, f, true)

	turn, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "I juggle the lobsters")
	if err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}
	if _, ok := turn.Replies[role.KindRoom]; !ok {
		t.Fatal("expected a room reply for an audience session")
	}
	if turn.Mood == nil {
		t.Fatal("expected mood metrics on an audience turn")
	}
	if !turn.Mood.Laughter {
		t.Error("expected laughter to be detected in the room reaction")
	}
}

func TestRoomFailureDegradesTurn(t *testing.T) {
	ctx := context.Background()
	room := &scriptedClient{block: true}
	f := newFixture(t,
		&orchestrator.Config{
			CallTimeout:      20 * time.Millisecond,
			RetryBaseDelay:   time.Millisecond,
			RetryFactor:      2,
			MaxAttempts:      1,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
		},
		role.WithDefaultClient(&scriptedClient{reply: "Yes, and!"}),
		role.WithClient(role.KindRoom, room),
	)
	sess := startSession(t, f, true)

	turn, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "I mime a ladder")
	if err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}
	if len(turn.Degraded) != 1 || turn.Degraded[0] != role.KindRoom {
		t.Errorf("expected the room to be marked degraded, got %v", turn.Degraded)
	}
	if turn.Mood != nil {
		t.Error("expected no mood metrics when the room failed")
	}
	if _, ok := turn.Replies[role.KindPartner]; !ok {
		t.Error("partner reply must survive a room failure")
	}

	// The degraded turn is still persisted.
	loaded, err := f.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.TurnCount != 1 {
		t.Errorf("expected the degraded turn to persist, count=%d", loaded.TurnCount)
	}
}

func TestAllRequiredRolesFailing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, role.WithDefaultClient(&scriptedClient{failures: 1000}))
	sess := startSession(t, f, false)

	_, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "hello?")
	if !errors.Is(err, errorskg.ErrTurnFailed) {
		t.Fatalf("expected ErrTurnFailed, got %v", err)
	}

	loaded, err := f.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.TurnCount != 0 {
		t.Errorf("failed turn must not persist, count=%d", loaded.TurnCount)
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	ctx := context.Background()
	client := &scriptedClient{reply: "third time lucky", failures: 2}
	f := newFixture(t, nil, role.WithDefaultClient(client))
	sess := startSession(t, f, false)

	turn, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "I try again")
	if err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}
	if _, ok := turn.Replies[role.KindPartner]; !ok {
		t.Fatal("expected a partner reply after retries")
	}

	// Turn 0 invokes MC then partner; the MC call burns the two scripted
	// failures, so the schedule is the MC's two backoff waits.
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(*f.delays) != len(want) {
		t.Fatalf("expected %d backoff waits, got %v", len(want), *f.delays)
	}
	for i, d := range want {
		if (*f.delays)[i] != d {
			t.Errorf("wait %d: expected %v, got %v", i, d, (*f.delays)[i])
		}
	}
}

func TestCircuitBreakerShortCircuits(t *testing.T) {
	ctx := context.Background()
	partner := &scriptedClient{failures: 1000}
	mc := &scriptedClient{reply: "Welcome to the show!"}
	f := newFixture(t, nil,
		role.WithClient(role.KindPartner, partner),
		role.WithClient(role.KindMC, mc),
	)
	sess := startSession(t, f, false)

	// First turn still succeeds via the MC while the partner starts failing.
	if _, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "opening line"); err != nil {
		t.Fatalf("first turn failed entirely: %v", err)
	}

	// Burn through the remaining failed invocations to open the circuit.
	for i := 0; i < 4; i++ {
		if _, err := f.orch.SubmitTurn(ctx, sess.ID, 1, "another line"); !errors.Is(err, errorskg.ErrTurnFailed) {
			t.Fatalf("expected ErrTurnFailed while partner is down, got %v", err)
		}
	}

	before := partner.callCount()
	_, err := f.orch.SubmitTurn(ctx, sess.ID, 1, "is anyone there")
	if !errors.Is(err, errorskg.ErrTurnFailed) {
		t.Fatalf("expected ErrTurnFailed, got %v", err)
	}
	if partner.callCount() != before {
		t.Errorf("open circuit must not reach the backend: %d extra calls",
			partner.callCount()-before)
	}
}

func TestQuotaEnforcedOnStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, role.WithDefaultClient(&scriptedClient{reply: "ok"}))

	sessions := make([]*session.Session, 0, 3)
	for i := 0; i < 3; i++ {
		sessions = append(sessions, startSession(t, f, false))
	}

	_, err := f.orch.StartSession(ctx, "user1", false)
	if !errors.Is(err, errorskg.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	// Closing a session frees a concurrent slot.
	if err := f.orch.CloseSession(ctx, sessions[0].ID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	if _, err := f.orch.StartSession(ctx, "user1", false); err != nil {
		t.Fatalf("StartSession after close failed: %v", err)
	}

	usage, err := f.orch.GetUserLimits(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserLimits failed: %v", err)
	}
	if usage.DailyUsed != 4 {
		t.Errorf("expected 4 sessions counted against the day, got %d", usage.DailyUsed)
	}
}

func TestSubmitToClosedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, role.WithDefaultClient(&scriptedClient{reply: "ok"}))
	sess := startSession(t, f, false)

	if err := f.orch.CloseSession(ctx, sess.ID); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	_, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "one more?")
	if !errors.Is(err, errorskg.ErrSessionNotActive) {
		t.Errorf("expected ErrSessionNotActive, got %v", err)
	}

	if err := f.orch.CloseSession(ctx, sess.ID); !errors.Is(err, errorskg.ErrSessionNotActive) {
		t.Errorf("double close must not release quota twice, got %v", err)
	}
}

func TestRequestCoaching(t *testing.T) {
	ctx := context.Background()
	coach := &scriptedClient{reply: "Lovely yes-and; next time heighten the stakes."}
	f := newFixture(t, nil,
		role.WithDefaultClient(&scriptedClient{reply: "Yes, and!"}),
		role.WithClient(role.KindCoach, coach),
	)
	sess := startSession(t, f, false)

	if _, err := f.orch.RequestCoaching(ctx, sess.ID); !errors.Is(err, errorskg.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput before any turns, got %v", err)
	}

	if _, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "I offer you the crown"); err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}

	note, err := f.orch.RequestCoaching(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RequestCoaching failed: %v", err)
	}
	if note == "" {
		t.Fatal("expected a coaching note")
	}

	loaded, err := f.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.LastTurn().CoachingNote != note {
		t.Error("coaching note not attached to the latest turn")
	}

	// The coaching flow never appends turns.
	if loaded.TurnCount != 1 {
		t.Errorf("coaching must not change the turn count, got %d", loaded.TurnCount)
	}
}

func TestExpireInactiveReleasesQuota(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, role.WithDefaultClient(&scriptedClient{reply: "ok"}))
	startSession(t, f, false)

	expired, err := f.orch.ExpireInactive(ctx, 0)
	if err != nil {
		t.Fatalf("ExpireInactive failed: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expired session, got %d", expired)
	}

	usage, err := f.orch.GetUserLimits(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserLimits failed: %v", err)
	}
	if usage.Active != 0 {
		t.Errorf("expected quota slot released on expiry, active=%d", usage.Active)
	}
}

func TestClientDisconnectDoesNotAbortTurn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := &disconnectingClient{cancel: cancel, reply: "Yes, and the show goes on!"}
	f := newFixture(t, nil, role.WithDefaultClient(client))
	sess := startSession(t, f, false)

	// The caller drops mid-turn; the roles still finish and the turn lands.
	turn, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "I wave goodbye and close my laptop")
	if err != nil {
		t.Fatalf("SubmitTurn failed after caller disconnect: %v", err)
	}
	if _, ok := turn.Replies[role.KindMC]; !ok {
		t.Error("expected the MC reply to complete after disconnect")
	}
	if _, ok := turn.Replies[role.KindPartner]; !ok {
		t.Error("expected the partner reply to complete after disconnect")
	}

	loaded, err := f.sessions.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.TurnCount != 1 {
		t.Errorf("expected the turn to persist after disconnect, count=%d", loaded.TurnCount)
	}
}

func TestDuplicateSubmissionRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, role.WithDefaultClient(&scriptedClient{reply: "Yes, and!"}))
	sess := startSession(t, f, false)

	if _, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "I knock twice"); err != nil {
		t.Fatalf("SubmitTurn failed: %v", err)
	}

	// A client resending the same turn after a flaky response must not
	// append a second copy.
	_, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "I knock twice")
	if !errors.Is(err, errorskg.ErrPersistenceConflict) {
		t.Fatalf("expected ErrPersistenceConflict, got %v", err)
	}

	loaded, err := f.sessions.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if loaded.TurnCount != 1 {
		t.Errorf("duplicate submission must not append, count=%d", loaded.TurnCount)
	}
}

func TestBlankInputRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, role.WithDefaultClient(&scriptedClient{reply: "ok"}))
	sess := startSession(t, f, false)

	_, err := f.orch.SubmitTurn(ctx, sess.ID, 0, "   ")
	if !errors.Is(err, errorskg.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
