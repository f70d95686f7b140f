package mood

import (
	"errors"
	"fmt"
	"testing"

	errorskg "github.com/sweetpotato0/stageflow/errors"
)

type failingClassifier struct{}

func (failingClassifier) Classify(text string) (*Metrics, error) {
	return nil, fmt.Errorf("classifier unavailable")
}

func TestExtractEmptyInput(t *testing.T) {
	e := NewExtractor()

	for _, input := range []string{"", "   ", "\n\t"} {
		_, err := e.Extract(input)
		if err == nil {
			t.Errorf("expected error for input %q", input)
			continue
		}
		if !errors.Is(err, errorskg.ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for %q, got %v", input, err)
		}
	}
}

func TestExtractClassifierFailureReturnsNeutral(t *testing.T) {
	e := NewExtractor(WithClassifier(failingClassifier{}))

	metrics, err := e.Extract("the audience reacts")
	if err != nil {
		t.Fatalf("classifier failure must not propagate, got %v", err)
	}
	want := Neutral()
	if metrics.Sentiment != want.Sentiment || metrics.Engagement != want.Engagement || metrics.Laughter != want.Laughter {
		t.Errorf("expected neutral default %+v, got %+v", want, metrics)
	}
}

func TestExtractDetectsLaughter(t *testing.T) {
	e := NewExtractor()

	metrics, err := e.Extract("The audience laughs and claps, clearly delighted!")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !metrics.Laughter {
		t.Error("expected laughter to be detected")
	}
	if metrics.Sentiment <= 0 {
		t.Errorf("expected positive sentiment, got %f", metrics.Sentiment)
	}
}

func TestExtractNegativeCommentary(t *testing.T) {
	e := NewExtractor()

	metrics, err := e.Extract("Awkward silence, a few bored groans, the room feels flat")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if metrics.Sentiment >= 0 {
		t.Errorf("expected negative sentiment, got %f", metrics.Sentiment)
	}
	if metrics.Laughter {
		t.Error("did not expect laughter")
	}
}

func TestExtractDeterministic(t *testing.T) {
	e := NewExtractor()
	input := "Gasps, then laughter; the crowd leans in, riveted!"

	first, err := e.Extract(input)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	second, err := e.Extract(input)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if *first != *second {
		t.Errorf("extraction is not deterministic: %+v vs %+v", first, second)
	}
}

func TestExtractBounds(t *testing.T) {
	e := NewExtractor()

	metrics, err := e.Extract("applause applause applause cheers cheers laughs gasps! ! ! ! ! ! !")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if metrics.Sentiment < -1.0 || metrics.Sentiment > 1.0 {
		t.Errorf("sentiment out of range: %f", metrics.Sentiment)
	}
	if metrics.Engagement < 0.0 || metrics.Engagement > 1.0 {
		t.Errorf("engagement out of range: %f", metrics.Engagement)
	}
}
