package role

import (
	"context"

	"github.com/sweetpotato0/stageflow/phase"
)

// Partner is the scene partner, the only phase-bearing role. A Partner value
// is bound to the phase it was built for; the orchestrator requests a fresh
// instance from the factory the moment the session crosses the phase
// threshold rather than reconfiguring a live one.
type Partner struct {
	base
	phase phase.Phase
}

func (p *Partner) Kind() Kind { return KindPartner }

// Phase reports which behavioral mode this instance plays.
func (p *Partner) Phase() phase.Phase { return p.phase }

// Respond plays the next beat of the scene.
func (p *Partner) Respond(ctx context.Context, ex *Exchange) (*Reply, error) {
	return p.generate(ctx, ex, p.instructions)
}
