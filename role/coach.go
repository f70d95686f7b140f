package role

import (
	"context"
	"fmt"
	"strings"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/principles"
	"github.com/sweetpotato0/stageflow/prompt"
)

// Coach composes constructive feedback on the player's recent choices. Its
// lookup capabilities are the closed catalog injected at construction, not
// tools discovered at runtime.
type Coach struct {
	base
	catalog principles.Catalog
}

func (c *Coach) Kind() Kind { return KindCoach }

// Respond consults the principle catalogue for material relevant to the
// player's latest input, then generates feedback grounded in it.
func (c *Coach) Respond(ctx context.Context, ex *Exchange) (*Reply, error) {
	if ex == nil || strings.TrimSpace(ex.Input) == "" {
		return nil, fmt.Errorf("coach: exchange input is empty: %w", errorskg.ErrInvalidInput)
	}

	relevant := c.catalog.Search(ex.Input)
	if len(relevant) == 0 {
		relevant = c.catalog.Essentials()
	}

	var notes []string
	for _, p := range relevant {
		notes = append(notes, fmt.Sprintf("%s: %s", p.Name, p.Summary))
	}

	instructions := prompt.NewBuilder().
		Add(c.instructions).
		AddList("Relevant principles", notes).
		Build()

	return c.generate(ctx, ex, instructions)
}
