// Package orchestrator coordinates a turn across the stage roles: it admits
// sessions through the quota controller, resolves the session's phase, fans
// out to the roles with retries and circuit breaking, extracts audience mood
// and persists the finished turn with an optimistic append.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/message"
	"github.com/sweetpotato0/stageflow/middleware"
	"github.com/sweetpotato0/stageflow/mood"
	"github.com/sweetpotato0/stageflow/phase"
	"github.com/sweetpotato0/stageflow/pkg/logging"
	"github.com/sweetpotato0/stageflow/pkg/telemetry"
	"github.com/sweetpotato0/stageflow/quota"
	"github.com/sweetpotato0/stageflow/role"
	"github.com/sweetpotato0/stageflow/session"
)

// Config holds the resilience knobs for role invocations.
type Config struct {
	// CallTimeout bounds a single model call
	CallTimeout time.Duration

	// RetryBaseDelay is the wait before the second attempt
	RetryBaseDelay time.Duration

	// RetryFactor multiplies the delay between attempts
	RetryFactor int

	// MaxAttempts is the total number of attempts per invocation
	MaxAttempts int

	// BreakerThreshold is the run of failed invocations that opens a
	// role's circuit
	BreakerThreshold int

	// BreakerCooldown is how long an open circuit fails fast before
	// admitting a probe
	BreakerCooldown time.Duration
}

// DefaultConfig returns the standard resilience settings.
func DefaultConfig() *Config {
	return &Config{
		CallTimeout:      8 * time.Second,
		RetryBaseDelay:   time.Second,
		RetryFactor:      2,
		MaxAttempts:      3,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// Orchestrator drives multi-role turns over persisted sessions.
type Orchestrator struct {
	config   *Config
	sessions *session.Manager
	quotas   *quota.Controller
	factory  *role.Factory
	moods    *mood.Extractor
	chain    *middleware.Chain
	logger   *slog.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	breakers map[role.Kind]*breaker
	locks    map[string]*sessionLock

	// sleep is the retry delay hook, replaceable in tests
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig overrides the resilience settings.
func WithConfig(config *Config) Option {
	return func(o *Orchestrator) {
		if config != nil {
			o.config = config
		}
	}
}

// WithMoodExtractor overrides the audience mood extractor.
func WithMoodExtractor(extractor *mood.Extractor) Option {
	return func(o *Orchestrator) {
		if extractor != nil {
			o.moods = extractor
		}
	}
}

// WithMiddleware installs a middleware chain around role invocations.
func WithMiddleware(chain *middleware.Chain) Option {
	return func(o *Orchestrator) {
		o.chain = chain
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSleep overrides the retry delay hook, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// New creates an orchestrator over the given session manager, quota
// controller and role factory.
func New(sessions *session.Manager, quotas *quota.Controller, factory *role.Factory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:   DefaultConfig(),
		sessions: sessions,
		quotas:   quotas,
		factory:  factory,
		moods:    mood.NewExtractor(),
		logger:   logging.WithComponent("orchestrator"),
		tracer:   otel.Tracer("stageflow/orchestrator"),
		breakers: make(map[role.Kind]*breaker),
		locks:    make(map[string]*sessionLock),
		now:      time.Now,
	}
	o.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartSession admits the user through the quota controller and opens a new
// session. The quota slot is given back if persistence fails.
func (o *Orchestrator) StartSession(ctx context.Context, userID string, audience bool) (_ *session.Session, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartSession",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer func() { telemetry.End(span, err) }()

	if _, err = o.quotas.RegisterSessionOpen(ctx, userID); err != nil {
		return nil, err
	}

	sess, err := o.sessions.Create(ctx, userID, audience)
	if err != nil {
		if releaseErr := o.quotas.RegisterSessionClose(ctx, userID); releaseErr != nil {
			o.logger.Error("failed to return quota slot after create failure",
				"user_id", userID, "error", releaseErr)
		}
		return nil, err
	}

	o.logger.Info("session started", "id", sess.ID, "user_id", userID, "audience", audience)
	return sess, nil
}

// SubmitTurn runs one full turn: phase resolution, role fan-out, mood
// extraction and the optimistic append. expectedTurn is the turn number the
// caller believes it is submitting; a session that has already advanced past
// it rejects the submission with ErrPersistenceConflict, so a duplicate
// resubmission cannot append a second turn. The returned turn reflects
// exactly what was persisted.
func (o *Orchestrator) SubmitTurn(ctx context.Context, sessionID string, expectedTurn int, input string) (_ *session.Turn, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SubmitTurn",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { telemetry.End(span, err) }()

	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("turn input is empty: %w", errorskg.ErrInvalidInput)
	}

	// Role calls and persistence run detached from the caller so a client
	// disconnect mid-turn cannot abandon generation already in flight; the
	// per-call timeout stays the only bound on each model call.
	ctx = context.WithoutCancel(ctx)

	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != session.StatusActive {
		return nil, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, errorskg.ErrSessionNotActive)
	}
	if sess.TurnCount != expectedTurn {
		return nil, fmt.Errorf("session %s is at turn %d, not %d: %w",
			sessionID, sess.TurnCount, expectedTurn, errorskg.ErrPersistenceConflict)
	}

	resolved, err := phase.Resolve(sess.TurnCount)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("turn.phase", string(resolved.Phase)),
		attribute.Int("turn.number", sess.TurnCount),
	)

	ex := &role.Exchange{
		SessionID: sessionID,
		Input:     input,
		History:   buildHistory(sess),
	}

	// The room reacts to the same beat the partner plays, so it runs
	// alongside the required roles.
	var roomReply *role.Reply
	var roomErr error
	roomDone := make(chan struct{})
	if sess.Audience {
		go func() {
			defer close(roomDone)
			roomReply, roomErr = o.invoke(ctx, role.KindRoom, resolved, ex)
		}()
	} else {
		close(roomDone)
	}

	required := []role.Kind{role.KindPartner}
	if sess.TurnCount == 0 {
		required = []role.Kind{role.KindMC, role.KindPartner}
	}

	turn := &session.Turn{
		Input:     input,
		Phase:     resolved.Phase,
		Replies:   make(map[role.Kind]*session.RoleReply),
		CreatedAt: o.now(),
	}

	failedRequired := 0
	for _, kind := range required {
		reply, invErr := o.invoke(ctx, kind, resolved, ex)
		if invErr != nil {
			failedRequired++
			turn.Degraded = append(turn.Degraded, kind)
			o.logger.Warn("required role failed",
				"session_id", sessionID, "role", kind, "error", invErr)
			continue
		}
		turn.Replies[kind] = toRoleReply(reply)
	}

	<-roomDone
	if sess.Audience {
		if roomErr != nil {
			turn.Degraded = append(turn.Degraded, role.KindRoom)
			o.logger.Warn("room reaction failed",
				"session_id", sessionID, "error", roomErr)
		} else {
			turn.Replies[role.KindRoom] = toRoleReply(roomReply)
			metrics, moodErr := o.moods.Extract(roomReply.Text)
			if moodErr != nil {
				metrics = mood.Neutral()
			}
			turn.Mood = metrics
		}
	}

	// A turn with no required voice at all is not worth persisting.
	if failedRequired == len(required) {
		return nil, fmt.Errorf("all required roles failed for session %s: %w",
			sessionID, errorskg.ErrTurnFailed)
	}

	if err = o.sessions.AppendTurn(ctx, sessionID, sess.TurnCount, turn); err != nil {
		return nil, err
	}
	turn.Number = sess.TurnCount

	o.logger.Info("turn completed",
		"session_id", sessionID,
		"turn", turn.Number,
		"phase", turn.Phase,
		"degraded", len(turn.Degraded))
	return turn, nil
}

// RequestCoaching runs the coach against the session's latest beat and
// attaches the note to that turn. It is independent of the turn flow: a
// coaching failure never touches the turn history.
func (o *Orchestrator) RequestCoaching(ctx context.Context, sessionID string) (_ string, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RequestCoaching",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { telemetry.End(span, err) }()

	// Detached for the same reason as a turn: a generated note is attached
	// even if the requester has gone away.
	ctx = context.WithoutCancel(ctx)

	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	last := sess.LastTurn()
	if last == nil {
		return "", fmt.Errorf("session %s has no turns to coach: %w", sessionID, errorskg.ErrInvalidInput)
	}

	// The coach sees everything before the latest beat as history and the
	// latest beat as the line under review.
	history := buildHistory(&session.Session{Turns: sess.Turns[:len(sess.Turns)-1]})
	ex := &role.Exchange{
		SessionID: sessionID,
		Input:     last.Input,
		History:   history,
	}

	reply, err := o.invoke(ctx, role.KindCoach, nil, ex)
	if err != nil {
		return "", err
	}

	if err = o.sessions.AttachCoaching(ctx, sessionID, reply.Text); err != nil {
		return "", err
	}
	o.logger.Info("coaching attached", "session_id", sessionID, "turn", last.Number)
	return reply.Text, nil
}

// CloseSession closes an active session and frees its quota slot.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.CloseSession",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer func() { telemetry.End(span, err) }()

	unlock := o.lockSession(sessionID)
	defer unlock()

	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != session.StatusActive {
		return fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, errorskg.ErrSessionNotActive)
	}

	if err = o.sessions.Close(ctx, sessionID); err != nil {
		return err
	}
	return o.quotas.RegisterSessionClose(ctx, sess.UserID)
}

// GetUserLimits reports the user's quota usage.
func (o *Orchestrator) GetUserLimits(ctx context.Context, userID string) (*quota.Usage, error) {
	return o.quotas.UserLimits(ctx, userID)
}

// ExpireInactive expires sessions idle for longer than the given duration
// and frees their quota slots. It returns how many sessions were expired.
func (o *Orchestrator) ExpireInactive(ctx context.Context, idleFor time.Duration) (int, error) {
	expired, err := o.sessions.ExpireInactive(ctx, idleFor)
	if err != nil {
		return 0, err
	}
	for _, sess := range expired {
		if err := o.quotas.RegisterSessionClose(ctx, sess.UserID); err != nil {
			o.logger.Error("failed to release quota for expired session",
				"session_id", sess.ID, "user_id", sess.UserID, "error", err)
		}
	}
	return len(expired), nil
}

// invoke runs one role invocation through the middleware chain, the role's
// circuit breaker and the retry loop.
func (o *Orchestrator) invoke(ctx context.Context, kind role.Kind, resolved *phase.Resolved, ex *role.Exchange) (*role.Reply, error) {
	if o.chain == nil {
		return o.dispatch(ctx, kind, resolved, ex)
	}

	mctx := middleware.NewContext(ctx)
	mctx.SessionID = ex.SessionID
	mctx.RoleKind = kind
	mctx.Input = ex.Input

	err := o.chain.Execute(mctx, func(c *middleware.Context) error {
		reply, dispatchErr := o.dispatch(c.Context(), kind, resolved, ex)
		c.Reply = reply
		c.Error = dispatchErr
		return dispatchErr
	})
	if err != nil {
		return nil, err
	}
	return mctx.Reply, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, kind role.Kind, resolved *phase.Resolved, ex *role.Exchange) (*role.Reply, error) {
	r, err := o.factory.Build(kind, resolved)
	if err != nil {
		return nil, err
	}

	br := o.breakerFor(kind)
	if err := br.allow(); err != nil {
		return nil, fmt.Errorf("role %s: %w", kind, err)
	}

	reply, err := o.callWithRetry(ctx, r, ex)
	if err != nil {
		br.failure()
		return nil, err
	}
	br.success()
	return reply, nil
}

// callWithRetry attempts the role call up to MaxAttempts times with
// exponential backoff. Invalid input is not retried.
func (o *Orchestrator) callWithRetry(ctx context.Context, r role.Role, ex *role.Exchange) (*role.Reply, error) {
	delay := o.config.RetryBaseDelay
	var lastErr error

	for attempt := 1; attempt <= o.config.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, o.config.CallTimeout)
		reply, err := r.Respond(callCtx, ex)
		cancel()

		if err == nil {
			return reply, nil
		}
		if errors.Is(err, errorskg.ErrInvalidInput) {
			return nil, err
		}
		lastErr = err

		if attempt < o.config.MaxAttempts {
			o.logger.Debug("retrying role call",
				"role", r.Kind(), "attempt", attempt, "delay", delay, "error", err)
			if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
				return nil, fmt.Errorf("retry aborted: %v: %w", sleepErr, errorskg.ErrGenerationFailure)
			}
			delay *= time.Duration(o.config.RetryFactor)
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) breakerFor(kind role.Kind) *breaker {
	o.mu.Lock()
	defer o.mu.Unlock()

	br, ok := o.breakers[kind]
	if !ok {
		br = newBreaker(o.config.BreakerThreshold, o.config.BreakerCooldown, o.now)
		o.breakers[kind] = br
	}
	return br
}

// sessionLock is a refcounted per-session mutex. The map entry lives only
// while someone holds or waits on the lock, so session churn does not grow
// the map.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// lockSession serializes turn processing per session so optimistic appends
// only race across processes, not within one.
func (o *Orchestrator) lockSession(id string) func() {
	o.mu.Lock()
	lock, ok := o.locks[id]
	if !ok {
		lock = &sessionLock{}
		o.locks[id] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		o.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(o.locks, id)
		}
		o.mu.Unlock()
	}
}

// buildHistory flattens the session's turns into the message history a role
// replays: the participant's lines plus the staged replies that are dialog
// (MC and partner; room reactions are ambience, not lines).
func buildHistory(sess *session.Session) []*message.Message {
	history := make([]*message.Message, 0, len(sess.Turns)*2)
	for _, turn := range sess.Turns {
		history = append(history, message.NewMessage(message.RoleUser, turn.Input))
		if reply, ok := turn.Replies[role.KindMC]; ok {
			history = append(history, message.NewSpeakerMessage(string(role.KindMC), reply.Text))
		}
		if reply, ok := turn.Replies[role.KindPartner]; ok {
			history = append(history, message.NewSpeakerMessage(string(role.KindPartner), reply.Text))
		}
	}
	return history
}

func toRoleReply(reply *role.Reply) *session.RoleReply {
	return &session.RoleReply{
		Kind:             reply.Kind,
		Text:             reply.Text,
		Latency:          reply.Metadata.Latency,
		PromptTokens:     reply.Metadata.PromptTokens,
		CompletionTokens: reply.Metadata.CompletionTokens,
	}
}
