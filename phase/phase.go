// Package phase maps a session's cumulative turn count onto the coarse
// behavioral mode that drives scene-partner instructions.
package phase

import (
	"fmt"

	errorskg "github.com/sweetpotato0/stageflow/errors"
)

// Phase is a coarse behavioral mode derived from turn count. It is never
// stored; callers recompute it from the session's turn count per request.
type Phase string

const (
	// Supportive covers turns 0-3: encouragement, scaffolding, never blocking.
	Supportive Phase = "supportive"
	// Adaptive covers turn 4 onward: realistic imperfection is permitted.
	Adaptive Phase = "adaptive"
)

// SupportiveTurns is the number of leading turns played in the supportive
// phase before the partner shifts to adaptive behavior.
const SupportiveTurns = 4

// Config carries the phase-specific behavioral directives rendered into the
// scene partner's instructions. Other roles accept it as inert context.
type Config struct {
	Phase      Phase
	Directives []string
}

// Resolved pairs the phase identifier with its partner configuration.
type Resolved struct {
	Phase  Phase
	Config *Config
}

// Resolve maps a cumulative turn count to its phase. Pure and stateless:
// same count always yields the same phase, and the mapping is monotonic, so
// a session's phase never regresses.
func Resolve(turnCount int) (*Resolved, error) {
	if turnCount < 0 {
		return nil, fmt.Errorf("turn count %d: %w", turnCount, errorskg.ErrInvalidInput)
	}

	p := Supportive
	if turnCount >= SupportiveTurns {
		p = Adaptive
	}
	return &Resolved{Phase: p, Config: configFor(p)}, nil
}

func configFor(p Phase) *Config {
	switch p {
	case Adaptive:
		return &Config{
			Phase: Adaptive,
			Directives: []string{
				"Play a realistic scene partner: you may decline an offer, misread a cue, or add friction when it serves the scene.",
				"Do not sabotage the scene; imperfection should create material the player can adapt to.",
				"Stay in character even when the player stumbles.",
			},
		}
	default:
		return &Config{
			Phase: Supportive,
			Directives: []string{
				"Accept every offer with yes-and; never block or deny the player's reality.",
				"Scaffold the scene: give clear, easy-to-build-on offers.",
				"Keep the tone warm and encouraging.",
			},
		}
	}
}
