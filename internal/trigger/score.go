package trigger

import (
	"math"
	"strings"
)

// ScoreWeights are the relative contributions of each importance feature.
// They should sum to 1; Scorer clamps the result regardless.
type ScoreWeights struct {
	Keyword    float64
	Vocabulary float64
	Length     float64
	Pattern    float64
}

// DefaultScoreWeights favor explicit keyword matches over incidental
// signals like message length.
var DefaultScoreWeights = ScoreWeights{
	Keyword:    0.40,
	Vocabulary: 0.25,
	Length:     0.15,
	Pattern:    0.20,
}

// DefaultImportanceVocabulary marks content the user flags as worth
// keeping regardless of matched trigger keywords.
var DefaultImportanceVocabulary = []string{
	"critical", "urgent", "important", "essential",
	"remember", "always", "never", "must",
	"security", "bug", "deadline",
}

// lengthSaturation is the content length (in characters) at which the
// length feature maxes out.
const lengthSaturation = 500

// Scorer computes a deterministic importance score for a message.
// Score is a pure function; two calls with the same inputs always agree.
type Scorer struct {
	weights    ScoreWeights
	vocabulary []string
}

// NewScorer builds a scorer with the given importance vocabulary. Empty
// weights or vocabulary fall back to the defaults.
func NewScorer(weights ScoreWeights, vocabulary []string) *Scorer {
	if weights == (ScoreWeights{}) {
		weights = DefaultScoreWeights
	}
	if len(vocabulary) == 0 {
		vocabulary = DefaultImportanceVocabulary
	}
	return &Scorer{weights: weights, vocabulary: vocabulary}
}

// Score returns an importance in [0,1] from keyword matches, importance
// vocabulary, content length, and pattern matches. Missing features
// contribute zero; the result is clamped and never NaN.
func (s *Scorer) Score(message string, matchedKeywords, matchedPatterns int) float64 {
	lowered := strings.ToLower(message)

	// Each additional keyword strictly increases the score until the
	// feature saturates at five matches.
	keywordTerm := capAt1(0.2 * float64(max(matchedKeywords, 0)))

	vocabHits := 0
	for _, word := range s.vocabulary {
		if strings.Contains(lowered, word) {
			vocabHits++
		}
	}
	vocabTerm := capAt1(0.5 * float64(vocabHits))

	lengthTerm := capAt1(float64(len(message)) / lengthSaturation)

	patternTerm := capAt1(0.5 * float64(max(matchedPatterns, 0)))

	score := s.weights.Keyword*keywordTerm +
		s.weights.Vocabulary*vocabTerm +
		s.weights.Length*lengthTerm +
		s.weights.Pattern*patternTerm

	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func capAt1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
