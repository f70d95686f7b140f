// Package mood derives a compact sentiment/engagement/laughter signal from
// the audience role's commentary. Extraction is cosmetic: it must never block
// or fail a turn, so classifier errors collapse into a neutral default.
package mood

import (
	"fmt"
	"log/slog"
	"strings"

	errorskg "github.com/sweetpotato0/stageflow/errors"
	"github.com/sweetpotato0/stageflow/pkg/logging"
)

// Metrics is the per-turn mood signal embedded in a turn record.
type Metrics struct {
	Sentiment  float64 `json:"sentiment"`  // [-1.0, 1.0]
	Engagement float64 `json:"engagement"` // [0.0, 1.0]
	Laughter   bool    `json:"laughter"`
}

// Neutral returns the fallback metrics used when classification fails.
func Neutral() *Metrics {
	return &Metrics{Sentiment: 0.0, Engagement: 0.5, Laughter: false}
}

// Classifier scores a piece of audience commentary. Implementations must be
// deterministic for a given input and cheap enough to run inline with a turn.
type Classifier interface {
	Classify(text string) (*Metrics, error)
}

// Extractor applies a classifier to room output, normalising failures into
// the neutral default.
type Extractor struct {
	classifier Classifier
	logger     *slog.Logger
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithClassifier overrides the default lexicon classifier.
func WithClassifier(c Classifier) Option {
	return func(e *Extractor) {
		if c != nil {
			e.classifier = c
		}
	}
}

// WithLogger overrides the logger used by the extractor.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExtractor creates an extractor backed by the built-in lexicon classifier.
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		classifier: newLexiconClassifier(),
		logger:     logging.WithComponent("mood"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract derives mood metrics from room output. Empty input is an
// ErrInvalidInput; classifier failure yields the neutral default without an
// error, since mood display must not block turn completion.
func (e *Extractor) Extract(roomOutput string) (*Metrics, error) {
	if strings.TrimSpace(roomOutput) == "" {
		return nil, fmt.Errorf("room output is empty: %w", errorskg.ErrInvalidInput)
	}

	metrics, err := e.classifier.Classify(roomOutput)
	if err != nil || metrics == nil {
		if e.logger != nil {
			e.logger.Warn("mood classification failed, using neutral default", "error", err)
		}
		return Neutral(), nil
	}

	metrics.Sentiment = clamp(metrics.Sentiment, -1.0, 1.0)
	metrics.Engagement = clamp(metrics.Engagement, 0.0, 1.0)
	return metrics, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
