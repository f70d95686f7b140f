// Package role implements the four stage roles that cooperate on a turn:
// the master of ceremonies, the scene partner, the coach and the room.
// Role instances are immutable values produced by a Factory; the partner is
// rebuilt whenever the session's phase changes.
package role

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/message"
	"github.com/sweetpotato0/stageflow/tokenizer"
)

// Kind identifies a stage role.
type Kind string

const (
	KindMC      Kind = "mc"
	KindPartner Kind = "partner"
	KindCoach   Kind = "coach"
	KindRoom    Kind = "room"
)

// LLMClient is the opaque, fallible model backend a role generates with.
type LLMClient interface {
	// Generate produces the next assistant message for the conversation.
	Generate(ctx context.Context, messages []*message.Message) (*message.Message, error)
}

// Exchange is the conversation context visible to a role for one invocation.
type Exchange struct {
	SessionID string
	Input     string
	History   []*message.Message
}

// Metadata captures round-trip accounting for one role invocation.
type Metadata struct {
	Latency          time.Duration
	PromptTokens     int
	CompletionTokens int
}

// Reply is a role's textual response plus its metadata.
type Reply struct {
	Kind     Kind
	Text     string
	Metadata Metadata
}

// Role produces a response given the conversation context. Implementations
// are safe for concurrent use: all state is set at construction.
type Role interface {
	Kind() Kind
	Respond(ctx context.Context, ex *Exchange) (*Reply, error)
}

// base carries the shared generation plumbing for all role variants.
type base struct {
	kind         Kind
	instructions string
	llm          LLMClient
	tok          *tokenizer.Tokenizer
	logger       *slog.Logger
}

// generate runs the model call for a role: instructions + replayed history +
// the triggering input. Model errors and empty payloads both surface as
// ErrGenerationFailure so the orchestrator can retry or degrade uniformly.
func (b *base) generate(ctx context.Context, ex *Exchange, instructions string) (*Reply, error) {
	if ex == nil || strings.TrimSpace(ex.Input) == "" {
		return nil, fmt.Errorf("%s: exchange input is empty: %w", b.kind, errorskg.ErrInvalidInput)
	}

	msgs := make([]*message.Message, 0, len(ex.History)+2)
	msgs = append(msgs, message.NewMessage(message.RoleSystem, instructions))
	msgs = append(msgs, message.CloneMessages(ex.History)...)
	msgs = append(msgs, message.NewMessage(message.RoleUser, ex.Input))

	start := time.Now()
	response, err := b.llm.Generate(ctx, msgs)
	latency := time.Since(start)

	if err != nil {
		return nil, fmt.Errorf("%s: model call failed: %v: %w", b.kind, err, errorskg.ErrGenerationFailure)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return nil, fmt.Errorf("%s: model returned empty payload: %w", b.kind, errorskg.ErrGenerationFailure)
	}

	reply := &Reply{
		Kind: b.kind,
		Text: response.Content,
		Metadata: Metadata{
			Latency:          latency,
			PromptTokens:     response.Usage.PromptTokens,
			CompletionTokens: response.Usage.CompletionTokens,
		},
	}

	// Providers that do not report usage fall back to a local estimate.
	if reply.Metadata.PromptTokens == 0 && b.tok != nil {
		var sb strings.Builder
		for _, m := range msgs {
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
		reply.Metadata.PromptTokens = b.tok.CountTokens(sb.String())
	}
	if reply.Metadata.CompletionTokens == 0 && b.tok != nil {
		reply.Metadata.CompletionTokens = b.tok.CountTokens(response.Content)
	}

	if b.logger != nil {
		b.logger.Debug("role responded",
			"role", b.kind,
			"session", ex.SessionID,
			"latency_ms", latency.Milliseconds(),
			"completion_tokens", reply.Metadata.CompletionTokens,
		)
	}
	return reply, nil
}
