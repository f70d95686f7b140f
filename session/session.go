package session

import (
	"time"

	"github.com/sweetpotato0/stageflow/mood"
	"github.com/sweetpotato0/stageflow/phase"
	"github.com/sweetpotato0/stageflow/role"
)

// Status represents the lifecycle state of a session
type Status string

const (
	StatusActive  Status = "active"
	StatusClosed  Status = "closed"
	StatusExpired Status = "expired"
)

// RoleReply is one role's persisted contribution to a turn.
type RoleReply struct {
	Kind             role.Kind     `json:"kind"`
	Text             string        `json:"text"`
	Latency          time.Duration `json:"latency"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
}

// Turn is one completed exchange: the participant's line plus every role
// reply that was produced for it.
type Turn struct {
	// Number is the zero-based position of the turn in the session
	Number int `json:"number"`

	// Input is the participant's line
	Input string `json:"input"`

	// Phase the turn was orchestrated under
	Phase phase.Phase `json:"phase"`

	// Replies holds the replies per role kind
	Replies map[role.Kind]*RoleReply `json:"replies"`

	// Mood holds audience metrics when the room reacted, nil otherwise
	Mood *mood.Metrics `json:"mood,omitempty"`

	// Degraded lists optional roles that failed on this turn
	Degraded []role.Kind `json:"degraded,omitempty"`

	// CoachingNote is attached by a later coaching request, empty until then
	CoachingNote string `json:"coaching_note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the turn.
func (t *Turn) Clone() *Turn {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Replies != nil {
		clone.Replies = make(map[role.Kind]*RoleReply, len(t.Replies))
		for k, r := range t.Replies {
			rc := *r
			clone.Replies[k] = &rc
		}
	}
	if t.Degraded != nil {
		clone.Degraded = append([]role.Kind(nil), t.Degraded...)
	}
	if t.Mood != nil {
		m := *t.Mood
		clone.Mood = &m
	}
	return &clone
}

// Session is a practice session: one participant improvising with the stage
// roles across an ordered run of turns.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Status Status `json:"status"`

	// Audience indicates whether the participant wants room reactions
	Audience bool `json:"audience"`

	// TurnCount is the authoritative count; it always equals len(Turns)
	TurnCount int `json:"turn_count"`

	Turns []*Turn `json:"turns"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Turns != nil {
		clone.Turns = make([]*Turn, len(s.Turns))
		for i, t := range s.Turns {
			clone.Turns[i] = t.Clone()
		}
	}
	return &clone
}

// LastTurn returns the most recent turn, nil when the session has none.
func (s *Session) LastTurn() *Turn {
	if len(s.Turns) == 0 {
		return nil
	}
	return s.Turns[len(s.Turns)-1]
}
