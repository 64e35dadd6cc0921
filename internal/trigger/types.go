// Package trigger implements the deterministic auto-trigger pipeline: rule
// evaluation over conversation snapshots, importance scoring, the hybrid
// decision policy, and cooldown gating. Everything here is pure or
// explicitly time-injected; all I/O (embedding, classification, storage)
// stays with the callers.
package trigger

import (
	"regexp"
	"time"
)

// Action is the closed set of things a trigger decision can request.
type Action string

const (
	ActionSave       Action = "save_memory"
	ActionSearch     Action = "search_memories"
	ActionGetContext Action = "get_context"
	ActionNone       Action = "none"
)

// RuleKind selects how a rule's condition is evaluated.
type RuleKind string

const (
	KindKeyword             RuleKind = "keyword"
	KindPattern             RuleKind = "pattern"
	KindSemanticSimilarity  RuleKind = "semantic_similarity"
	KindImportanceThreshold RuleKind = "importance_threshold"
	KindConversationLength  RuleKind = "conversation_length"
	KindContextChange       RuleKind = "context_change"
	KindTimeInterval        RuleKind = "time_interval"
)

// Rule is one immutable trigger rule. Rules are loaded once from
// configuration and never mutated at runtime; the condition fields used
// depend on Kind.
type Rule struct {
	Name string
	Kind RuleKind

	// Keywords for keyword and context_change rules (case-insensitive).
	Keywords []string
	// Pattern for pattern rules, compiled at load time.
	Pattern *regexp.Regexp
	// Threshold for importance_threshold and semantic_similarity rules.
	Threshold float64
	// MinMessages for conversation_length rules. Default: 5.
	MinMessages int
	// Interval for time_interval rules; doubles as the rule's cooldown.
	Interval time.Duration

	// Action the rule requests when it fires. Defaults per kind:
	// context_change requests get_context, everything else save_memory.
	Action Action
	// Priority breaks ties between qualifying rules; lower fires first.
	Priority int
	// Cooldown suppresses refiring within the window, per session.
	Cooldown time.Duration
	// Urgent rules bypass their own cooldown but not the global cap.
	Urgent bool
	// Confidence overrides the kind's default confidence when > 0.
	Confidence float64
}

// action resolves the rule's requested action, applying kind defaults.
func (r Rule) action() Action {
	if r.Action != "" {
		return r.Action
	}
	if r.Kind == KindContextChange {
		return ActionGetContext
	}
	return ActionSave
}

// gated reports whether the rule's save proposals must additionally clear
// the importance threshold. Explicit keyword and pattern rules express
// direct user intent ("remember this") and save regardless of the scored
// importance; inferred rules only save content worth keeping.
func (r Rule) gated() bool {
	switch r.Kind {
	case KindKeyword, KindPattern, KindContextChange:
		return false
	}
	return true
}

// Proposal is one fired rule, as produced by Engine.Evaluate. The hybrid
// classifier picks the winner; proposals carry no side effects.
type Proposal struct {
	Rule            Rule
	Action          Action
	Confidence      float64
	MatchedKeywords []string
	PatternMatches  int

	// order is the rule's declaration index, the final tie-breaker.
	order int
}

// Decision is the outcome of analyzing one message. Produced fresh per
// message, never persisted.
type Decision struct {
	Action     Action  `json:"action"`
	Rule       string  `json:"triggering_rule,omitempty"`
	Confidence float64 `json:"confidence"`
	Payload    Payload `json:"payload"`
}

// Payload carries the content and metadata the decided action operates on.
type Payload struct {
	Content         string   `json:"content,omitempty"`
	Query           string   `json:"query,omitempty"`
	Project         string   `json:"project,omitempty"`
	MemoryType      string   `json:"memory_type,omitempty"`
	Importance      float64  `json:"importance,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	MatchedMemoryID string   `json:"matched_memory_id,omitempty"`
}

// None is the empty decision: nothing fired, nothing suppressed.
func None() Decision {
	return Decision{Action: ActionNone}
}
