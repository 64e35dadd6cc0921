package trigger

// ClassifierConfig tunes the hybrid decision policy.
type ClassifierConfig struct {
	// AutoSaveThreshold is the minimum importance for inferred save rules.
	// Default: 0.7.
	AutoSaveThreshold float64
	// SemanticThreshold is the minimum similarity to an existing memory
	// that turns into a search suggestion. Default: 0.8.
	SemanticThreshold float64
}

func (c ClassifierConfig) withDefaults() ClassifierConfig {
	if c.AutoSaveThreshold <= 0 {
		c.AutoSaveThreshold = 0.7
	}
	if c.SemanticThreshold <= 0 {
		c.SemanticThreshold = 0.8
	}
	return c
}

// ExternalScore is an optional probabilistic classifier's opinion, folded
// into the decision as one more input. The pipeline must work without it.
type ExternalScore struct {
	Label      string
	Confidence float64
}

// Inputs are the complete facts the classifier decides over: rule
// proposals, the scored importance, the best semantic similarity against
// stored memories (zero when unavailable), and the optional external score.
type Inputs struct {
	Proposals  []Proposal
	Importance float64

	Similarity      float64
	SimilarMemoryID string

	External *ExternalScore
}

// Classifier is the pure decision function combining deterministic rule
// proposals with external scores. No hidden state; identical inputs always
// produce identical decisions.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier builds a classifier; zero config fields take defaults.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg.withDefaults()}
}

// Decide applies the policy in priority order:
// save when a qualifying save rule fired, else search when the message is
// semantically close to a stored memory, else get_context when a context
// change was detected, else none. Explicit keyword and pattern rules save
// unconditionally; inferred rules also need importance to clear the
// auto-save threshold.
func (c *Classifier) Decide(in Inputs) Decision {
	if save, ok := c.pickSave(in); ok {
		return save
	}

	if in.Similarity >= c.cfg.SemanticThreshold && in.SimilarMemoryID != "" {
		return Decision{
			Action:     ActionSearch,
			Confidence: in.Similarity,
			Payload:    Payload{MatchedMemoryID: in.SimilarMemoryID},
		}
	}

	if ctx, ok := pickBest(in.Proposals, ActionGetContext); ok {
		return Decision{
			Action:     ActionGetContext,
			Rule:       ctx.Rule.Name,
			Confidence: ctx.Confidence,
		}
	}

	return None()
}

func (c *Classifier) pickSave(in Inputs) (Decision, bool) {
	var qualifying []Proposal
	for _, p := range in.Proposals {
		if p.Action != ActionSave {
			continue
		}
		if p.Rule.gated() && in.Importance < c.cfg.AutoSaveThreshold {
			continue
		}
		qualifying = append(qualifying, p)
	}

	winner, ok := pickBest(qualifying, ActionSave)
	if !ok {
		return Decision{}, false
	}

	confidence := winner.Confidence
	// The external classifier can only raise confidence in a decision the
	// deterministic pipeline already made, never veto or create one.
	if in.External != nil && in.External.Label == string(ActionSave) && in.External.Confidence > confidence {
		confidence = in.External.Confidence
	}

	return Decision{
		Action:     ActionSave,
		Rule:       winner.Rule.Name,
		Confidence: confidence,
		Payload:    Payload{Importance: in.Importance, Tags: winner.MatchedKeywords},
	}, true
}

// pickBest selects the winning proposal for an action: lowest priority
// number first, declaration order as the final tie-breaker.
func pickBest(proposals []Proposal, action Action) (Proposal, bool) {
	var best Proposal
	found := false
	for _, p := range proposals {
		if p.Action != action {
			continue
		}
		if !found || less(p, best) {
			best = p
			found = true
		}
	}
	return best, found
}

func less(a, b Proposal) bool {
	if a.Rule.Priority != b.Rule.Priority {
		return a.Rule.Priority < b.Rule.Priority
	}
	return a.order < b.order
}
