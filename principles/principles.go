// Package principles holds the fixed improv principle catalogue the coach
// role consults before composing feedback. The lookup surface is a closed
// capability set: the catalogue, principle-by-id, a beginner-essentials
// subset, and keyword search.
package principles

import (
	"fmt"
	"strings"

	errorskg "github.com/sweetpotato0/stageflow/errors"
)

// Principle is one teachable improv concept.
type Principle struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Summary   string   `json:"summary"`
	Keywords  []string `json:"keywords"`
	Essential bool     `json:"essential"`
}

// Catalog is the capability set injected into the coach role.
type Catalog interface {
	// All returns the full principle catalogue.
	All() []*Principle

	// ByID returns a single principle, or ErrNotFound.
	ByID(id string) (*Principle, error)

	// Essentials returns the beginner-essentials subset.
	Essentials() []*Principle

	// Search returns principles whose name, summary or keywords match the
	// query, case-insensitively.
	Search(query string) []*Principle
}

// Library is the fixed in-process Catalog implementation.
type Library struct {
	byID  map[string]*Principle
	order []*Principle
}

// NewLibrary builds the built-in catalogue.
func NewLibrary() *Library {
	return newLibrary(builtin())
}

func newLibrary(items []*Principle) *Library {
	lib := &Library{byID: make(map[string]*Principle, len(items))}
	for _, p := range items {
		lib.byID[p.ID] = p
		lib.order = append(lib.order, p)
	}
	return lib
}

// All returns the full catalogue in registration order.
func (l *Library) All() []*Principle {
	out := make([]*Principle, len(l.order))
	copy(out, l.order)
	return out
}

// ByID returns a principle by its identifier.
func (l *Library) ByID(id string) (*Principle, error) {
	p, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("principle %s: %w", id, errorskg.ErrNotFound)
	}
	return p, nil
}

// Essentials returns the beginner subset.
func (l *Library) Essentials() []*Principle {
	var out []*Principle
	for _, p := range l.order {
		if p.Essential {
			out = append(out, p)
		}
	}
	return out
}

// Search matches query terms against names, summaries and keywords.
func (l *Library) Search(query string) []*Principle {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	terms := strings.Fields(query)
	var out []*Principle
	for _, p := range l.order {
		if matches(p, terms) {
			out = append(out, p)
		}
	}
	return out
}

func matches(p *Principle, terms []string) bool {
	haystack := strings.ToLower(p.Name + " " + p.Summary + " " + strings.Join(p.Keywords, " "))
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			return true
		}
	}
	return false
}

func builtin() []*Principle {
	return []*Principle{
		{
			ID:        "yes-and",
			Name:      "Yes, And",
			Summary:   "Accept your partner's offer as true, then add new information on top of it.",
			Keywords:  []string{"accept", "offer", "build", "agreement"},
			Essential: true,
		},
		{
			ID:        "no-blocking",
			Name:      "Don't Block",
			Summary:   "Rejecting or negating an established reality kills momentum; redirect instead of denying.",
			Keywords:  []string{"block", "deny", "negate", "reject"},
			Essential: true,
		},
		{
			ID:        "make-statements",
			Name:      "Make Statements",
			Summary:   "Declare things instead of asking questions; questions push the creative burden onto your partner.",
			Keywords:  []string{"statement", "question", "declare", "commit"},
			Essential: true,
		},
		{
			ID:        "active-listening",
			Name:      "Listen Actively",
			Summary:   "The best material comes from what your partner just gave you, not what you planned.",
			Keywords:  []string{"listen", "react", "respond", "present"},
			Essential: true,
		},
		{
			ID:        "heighten",
			Name:      "Heighten the Game",
			Summary:   "Find the unusual thing in the scene and make it progressively bigger.",
			Keywords:  []string{"heighten", "game", "escalate", "pattern"},
			Essential: false,
		},
		{
			ID:        "commit",
			Name:      "Commit Fully",
			Summary:   "Half-hearted choices read as hesitation; whatever you choose, play it at full volume.",
			Keywords:  []string{"commit", "confidence", "choice", "bold"},
			Essential: false,
		},
		{
			ID:        "name-things",
			Name:      "Be Specific",
			Summary:   "Names, places and concrete details give scenes texture and your partner anchors.",
			Keywords:  []string{"specific", "detail", "name", "concrete"},
			Essential: false,
		},
		{
			ID:        "serve-the-scene",
			Name:      "Serve the Scene",
			Summary:   "Make your partner look good; scenes fail when players compete for control.",
			Keywords:  []string{"partner", "support", "generosity", "control"},
			Essential: false,
		},
	}
}
