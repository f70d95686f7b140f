package role

import (
	"context"
)

// Room narrates the audience's reaction to the latest beat. Its output is
// the sole input to mood extraction.
type Room struct {
	base
}

func (r *Room) Kind() Kind { return KindRoom }

// Respond produces a short audience-reaction commentary.
func (r *Room) Respond(ctx context.Context, ex *Exchange) (*Reply, error) {
	return r.generate(ctx, ex, r.instructions)
}
