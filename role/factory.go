package role

import (
	"fmt"
	"log/slog"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/phase"
	"github.com/sweetpotato0/stageflow/pkg/logging"
	"github.com/sweetpotato0/stageflow/principles"
	"github.com/sweetpotato0/stageflow/prompt"
	"github.com/sweetpotato0/stageflow/tokenizer"
)

const (
	templateMC      = "role.mc"
	templatePartner = "role.partner"
	templateCoach   = "role.coach"
	templateRoom    = "role.room"
)

// Factory produces immutable role instances keyed on (kind, phase). Only the
// partner varies by phase; every other kind ignores the phase argument.
type Factory struct {
	clients  map[Kind]LLMClient
	fallback LLMClient
	catalog  principles.Catalog
	tok      *tokenizer.Tokenizer
	prompts  *prompt.Manager
	logger   *slog.Logger
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithClient binds a model backend to one role kind.
func WithClient(kind Kind, client LLMClient) FactoryOption {
	return func(f *Factory) {
		if client != nil {
			f.clients[kind] = client
		}
	}
}

// WithDefaultClient sets the backend used by kinds without a dedicated one.
func WithDefaultClient(client LLMClient) FactoryOption {
	return func(f *Factory) {
		f.fallback = client
	}
}

// WithCatalog injects the coach's principle lookup capability.
func WithCatalog(catalog principles.Catalog) FactoryOption {
	return func(f *Factory) {
		if catalog != nil {
			f.catalog = catalog
		}
	}
}

// WithTokenizer sets the token estimator used when providers omit usage.
func WithTokenizer(tok *tokenizer.Tokenizer) FactoryOption {
	return func(f *Factory) {
		f.tok = tok
	}
}

// WithLogger overrides the logger attached to built roles.
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// NewFactory creates a role factory with the given options.
func NewFactory(opts ...FactoryOption) *Factory {
	f := &Factory{
		clients: make(map[Kind]LLMClient),
		catalog: principles.NewLibrary(),
		prompts: prompt.NewManager(),
		logger:  logging.WithComponent("role"),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.registerTemplates()
	return f
}

// Build constructs a role instance for the given kind and phase. The partner
// requires a resolved phase; other kinds accept it as inert context.
func (f *Factory) Build(kind Kind, resolved *phase.Resolved) (Role, error) {
	client := f.clients[kind]
	if client == nil {
		client = f.fallback
	}
	if client == nil {
		return nil, fmt.Errorf("no model backend configured for role %s", kind)
	}

	b := base{kind: kind, llm: client, tok: f.tok, logger: f.logger}

	switch kind {
	case KindMC:
		instructions, err := f.prompts.Render(templateMC, nil)
		if err != nil {
			return nil, err
		}
		b.instructions = instructions
		return &MC{base: b}, nil

	case KindPartner:
		if resolved == nil || resolved.Config == nil {
			return nil, fmt.Errorf("partner requires a resolved phase: %w", errorskg.ErrInvalidInput)
		}
		if resolved.Phase != phase.Supportive && resolved.Phase != phase.Adaptive {
			return nil, fmt.Errorf("unknown phase %q: %w", resolved.Phase, errorskg.ErrInvalidInput)
		}
		persona, err := f.prompts.Render(templatePartner, map[string]any{"Phase": string(resolved.Phase)})
		if err != nil {
			return nil, err
		}
		b.instructions = prompt.NewBuilder().
			Add(persona).
			AddList("Behavioral directives", resolved.Config.Directives).
			Build()
		return &Partner{base: b, phase: resolved.Phase}, nil

	case KindCoach:
		if f.catalog == nil {
			return nil, fmt.Errorf("coach requires a principle catalog")
		}
		instructions, err := f.prompts.Render(templateCoach, nil)
		if err != nil {
			return nil, err
		}
		b.instructions = instructions
		return &Coach{base: b, catalog: f.catalog}, nil

	case KindRoom:
		instructions, err := f.prompts.Render(templateRoom, nil)
		if err != nil {
			return nil, err
		}
		b.instructions = instructions
		return &Room{base: b}, nil

	default:
		return nil, fmt.Errorf("unknown role kind %q: %w", kind, errorskg.ErrInvalidInput)
	}
}

func (f *Factory) registerTemplates() {
	templates := map[string]string{
		templateMC: "You are the master of ceremonies of an improv stage. " +
			"Open the show with energy, announce a single concrete scene suggestion " +
			"(a location, relationship or situation) and hand the stage to the players. " +
			"Keep it to two or three sentences.",
		templatePartner: "You are an improv scene partner playing opposite the user in the {{.Phase}} phase. " +
			"Stay in character, keep replies short and playable, and end each beat with " +
			"something your partner can react to.",
		templateCoach: "You are an improv coach reviewing the player's recent choices. " +
			"Give feedback that is specific and actionable, and always frame it " +
			"constructively: name what worked before suggesting what to try next. " +
			"Never use punitive or critical phrasing.",
		templateRoom: "You are the audience of an improv show. Describe the room's reaction " +
			"to the latest beat in one or two vivid sentences: laughter, applause, " +
			"gasps, restlessness - whatever the moment earns.",
	}
	for name, content := range templates {
		// Registration only fails on a duplicate name, which cannot happen
		// with a fresh manager.
		_ = f.prompts.RegisterString(name, content)
	}
}
