package role

import (
	"context"
)

// MC is the master of ceremonies: it opens the show, announces a scene
// suggestion and hands the stage over. It is stateless per call and ignores
// the session's phase.
type MC struct {
	base
}

func (m *MC) Kind() Kind { return KindMC }

// Respond announces a scene prompt for the session.
func (m *MC) Respond(ctx context.Context, ex *Exchange) (*Reply, error) {
	return m.generate(ctx, ex, m.instructions)
}
