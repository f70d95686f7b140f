package mood

import "strings"

// lexiconClassifier scores audience commentary with fixed word lists. It is
// deliberately lightweight: no model call, so it adds no per-turn latency.
type lexiconClassifier struct {
	positive map[string]struct{}
	negative map[string]struct{}
	laughter map[string]struct{}
	engaged  map[string]struct{}
}

func newLexiconClassifier() *lexiconClassifier {
	return &lexiconClassifier{
		positive: wordSet(
			"cheers", "applause", "delighted", "love", "loves", "great",
			"brilliant", "wonderful", "thrilled", "excited", "roars",
			"warm", "enjoying", "hooked", "amazing", "claps",
		),
		negative: wordSet(
			"boos", "bored", "restless", "confused", "groans", "awkward",
			"silence", "uncomfortable", "flat", "lost", "yawns", "shifts",
		),
		laughter: wordSet(
			"laughs", "laughter", "giggles", "chuckles", "cracking",
			"haha", "lol", "howling", "snickers",
		),
		engaged: wordSet(
			"leans", "edge", "attention", "gasps", "riveted", "watching",
			"silent", "focused", "reacts", "whispers", "murmurs",
		),
	}
}

// Classify is deterministic: the same text always yields the same metrics.
func (c *lexiconClassifier) Classify(text string) (*Metrics, error) {
	words := tokenize(text)
	if len(words) == 0 {
		return Neutral(), nil
	}

	var pos, neg, engaged int
	laughter := false
	for _, w := range words {
		if _, ok := c.positive[w]; ok {
			pos++
		}
		if _, ok := c.negative[w]; ok {
			neg++
		}
		if _, ok := c.laughter[w]; ok {
			laughter = true
			pos++
		}
		if _, ok := c.engaged[w]; ok {
			engaged++
		}
	}

	metrics := Neutral()
	metrics.Laughter = laughter

	if pos+neg > 0 {
		metrics.Sentiment = float64(pos-neg) / float64(pos+neg)
	}

	// Engagement climbs with reaction density; exclamation marks count as a
	// weak engagement cue on top of the lexicon hits.
	hits := pos + neg + engaged + strings.Count(text, "!")
	metrics.Engagement = 0.5 + float64(hits)*0.08
	if metrics.Engagement > 1.0 {
		metrics.Engagement = 1.0
	}

	return metrics, nil
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	return fields
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
