package trigger

import (
	"strings"
)

// DefaultMinSubstantiveLength is the character count below which a message
// is considered noise for the conversation-length rule.
const DefaultMinSubstantiveLength = 10

// defaultLengthConfidence is the confidence for rules that fire on volume
// rather than content (conversation_length, time_interval).
const defaultLengthConfidence = 0.5

// Engine evaluates every configured rule independently against a buffer
// snapshot. Evaluation is side-effect-free; all fired rules come back as
// proposals and the hybrid classifier picks the winner.
type Engine struct {
	rules          []Rule
	minSubstantive int
}

// NewEngine builds an engine over an immutable rule set. minSubstantive <= 0
// falls back to DefaultMinSubstantiveLength.
func NewEngine(rules []Rule, minSubstantive int) *Engine {
	if minSubstantive <= 0 {
		minSubstantive = DefaultMinSubstantiveLength
	}
	return &Engine{
		rules:          append([]Rule(nil), rules...),
		minSubstantive: minSubstantive,
	}
}

// Rules returns the configured rule set.
func (e *Engine) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Evaluate runs every rule against the snapshot and collects the ones that
// fire. messages is the buffer snapshot in arrival order; the latest message
// is last.
func (e *Engine) Evaluate(messages []string) []Proposal {
	if len(messages) == 0 {
		return nil
	}

	concat := strings.Join(messages, "\n")
	lowered := strings.ToLower(concat)

	var proposals []Proposal
	for i, rule := range e.rules {
		p, fired := e.evaluateRule(rule, messages, concat, lowered)
		if !fired {
			continue
		}
		p.order = i
		proposals = append(proposals, p)
	}
	return proposals
}

func (e *Engine) evaluateRule(rule Rule, messages []string, concat, lowered string) (Proposal, bool) {
	switch rule.Kind {
	case KindKeyword, KindContextChange:
		matched := matchKeywords(rule.Keywords, lowered)
		if len(matched) == 0 {
			return Proposal{}, false
		}
		return Proposal{
			Rule:            rule,
			Action:          rule.action(),
			Confidence:      rule.confidenceOr(keywordConfidence(len(matched))),
			MatchedKeywords: matched,
		}, true

	case KindPattern:
		if rule.Pattern == nil {
			return Proposal{}, false
		}
		matches := rule.Pattern.FindAllStringIndex(concat, -1)
		if len(matches) == 0 {
			return Proposal{}, false
		}
		return Proposal{
			Rule:           rule,
			Action:         rule.action(),
			Confidence:     rule.confidenceOr(0.8),
			PatternMatches: len(matches),
		}, true

	case KindConversationLength:
		min := rule.MinMessages
		if min <= 0 {
			min = 5
		}
		substantive := 0
		for _, m := range messages {
			if len(strings.TrimSpace(m)) >= e.minSubstantive {
				substantive++
			}
		}
		if substantive < min {
			return Proposal{}, false
		}
		return Proposal{
			Rule:       rule,
			Action:     rule.action(),
			Confidence: rule.confidenceOr(defaultLengthConfidence),
		}, true

	case KindTimeInterval:
		// Fires on any activity; the cooldown gate enforces the interval
		// via the rule's last-fired timestamp.
		return Proposal{
			Rule:       rule,
			Action:     rule.action(),
			Confidence: rule.confidenceOr(defaultLengthConfidence),
		}, true

	default:
		// semantic_similarity and importance_threshold rules are driven by
		// external scores, not buffer content; see ImportanceProposals and
		// the hybrid classifier.
		return Proposal{}, false
	}
}

// ImportanceProposals returns proposals for importance_threshold rules
// whose threshold the scored importance clears. Confidence is the score
// itself.
func (e *Engine) ImportanceProposals(importance float64) []Proposal {
	var proposals []Proposal
	for i, rule := range e.rules {
		if rule.Kind != KindImportanceThreshold {
			continue
		}
		threshold := rule.Threshold
		if threshold <= 0 {
			threshold = 0.7
		}
		if importance < threshold {
			continue
		}
		proposals = append(proposals, Proposal{
			Rule:       rule,
			Action:     rule.action(),
			Confidence: rule.confidenceOr(importance),
			order:      i,
		})
	}
	return proposals
}

func (r Rule) confidenceOr(fallback float64) float64 {
	if r.Confidence > 0 {
		return r.Confidence
	}
	return fallback
}

// keywordConfidence scales with the number of distinct matched keywords,
// capped at 0.9.
func keywordConfidence(matches int) float64 {
	c := 0.5 + 0.1*float64(matches)
	if c > 0.9 {
		return 0.9
	}
	return c
}

// matchKeywords returns the distinct configured keywords present in the
// lowered text, in configuration order.
func matchKeywords(keywords []string, lowered string) []string {
	var matched []string
	seen := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		k := strings.ToLower(strings.TrimSpace(kw))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		if strings.Contains(lowered, k) {
			matched = append(matched, k)
		}
	}
	return matched
}
