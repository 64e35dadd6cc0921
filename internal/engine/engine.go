// Package engine hosts the coordinator that ties the auto-trigger pipeline
// together: it owns the conversation buffer and cooldown gate, runs rule
// evaluation, importance scoring, and the hybrid classifier over each
// inbound message, and executes the winning decision against the memory
// store. One Coordinator instance is self-contained; multiple instances
// (one per test, for example) never interfere.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hikarudo/engram/internal/buffer"
	"github.com/hikarudo/engram/internal/classify"
	"github.com/hikarudo/engram/internal/memory"
	"github.com/hikarudo/engram/internal/trigger"
)

// Config tunes the coordinator.
type Config struct {
	// DefaultProject namespaces memories when the caller gives none.
	DefaultProject string
	// BufferCapacity is the per-session message window. Default: 20.
	BufferCapacity int
	// MinSubstantiveLength feeds the conversation-length rule.
	MinSubstantiveLength int
	// GlobalPerMinute caps triggers per session per minute. Default: 10.
	GlobalPerMinute int
	// AutoExecute runs save decisions against the store as part of
	// analysis. Disabled, Analyze only reports the decision and the
	// caller acts on it.
	AutoExecute bool

	Classifier trigger.ClassifierConfig
}

// sessionState is the single-flight guard for one session. A message
// arriving while analysis is in flight marks the session pending; the
// buffer is re-analyzed right after the in-flight pass completes, so the
// message is deferred, never dropped.
type sessionState struct {
	analyzing bool
	pending   bool
}

// Coordinator is the engine's front door. All per-session work is logically
// serialized through the single-flight guard; distinct sessions proceed in
// parallel with no shared mutable state beyond the guarded maps.
type Coordinator struct {
	cfg      Config
	buf      *buffer.Buffer
	rules    *trigger.Engine
	scorer   *trigger.Scorer
	decider  *trigger.Classifier
	gate     *trigger.Gate
	store    *memory.Store
	external classify.Classifier
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
	closed   bool

	reruns sync.WaitGroup
}

// New wires a Coordinator. external may be nil for deterministic-only mode;
// a nil logger falls back to slog.Default.
func New(cfg Config, rules *trigger.Engine, scorer *trigger.Scorer, store *memory.Store, external classify.Classifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultProject == "" {
		cfg.DefaultProject = "default"
	}
	return &Coordinator{
		cfg:      cfg,
		buf:      buffer.New(cfg.BufferCapacity),
		rules:    rules,
		scorer:   scorer,
		decider:  trigger.NewClassifier(cfg.Classifier),
		gate:     trigger.NewGate(cfg.GlobalPerMinute),
		store:    store,
		external: external,
		logger:   logger,
		sessions: make(map[string]*sessionState),
	}
}

// Store exposes the memory store for the API surface.
func (c *Coordinator) Store() *memory.Store { return c.store }

// Analyze ingests one message and returns the trigger decision for the
// session's current buffer. If an analysis for the same session is already
// in flight, the message is buffered, the session is marked for
// re-analysis, and an immediate none decision is returned; the deferred
// pass runs in the background once the in-flight one completes.
func (c *Coordinator) Analyze(ctx context.Context, text, sessionID, platform string) (trigger.Decision, error) {
	key := buffer.Key(sessionID, platform)
	c.buf.Append(key, buffer.Message{
		Content:   text,
		Timestamp: time.Now().UTC(),
		Platform:  platform,
	})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return trigger.None(), errors.New("engine: coordinator closed")
	}
	st := c.sessions[key]
	if st == nil {
		st = &sessionState{}
		c.sessions[key] = st
	}
	if st.analyzing {
		st.pending = true
		c.mu.Unlock()
		c.logger.Debug("engine: analysis in flight, message deferred", "session", key)
		return trigger.None(), nil
	}
	st.analyzing = true
	c.mu.Unlock()

	decision := c.analyze(ctx, key, text)
	c.finish(key)
	return decision, nil
}

// finish clears the single-flight flag and schedules a deferred pass when
// messages arrived mid-analysis.
func (c *Coordinator) finish(key string) {
	c.mu.Lock()
	st := c.sessions[key]
	if st == nil {
		// ClearSession dropped the state mid-analysis; any deferred
		// pass dies with it.
		c.mu.Unlock()
		return
	}
	st.analyzing = false
	rerun := st.pending && !c.closed
	st.pending = false
	if rerun {
		st.analyzing = true
		c.reruns.Add(1)
	}
	c.mu.Unlock()

	if !rerun {
		return
	}
	go func() {
		defer c.reruns.Done()
		snapshot := c.buf.Snapshot(key)
		latest := ""
		if len(snapshot) > 0 {
			latest = snapshot[len(snapshot)-1].Content
		}
		decision := c.analyze(context.Background(), key, latest)
		c.logger.Debug("engine: deferred analysis complete",
			"session", key, "action", decision.Action)
		c.finish(key)
	}()
}

// analyze runs the full pipeline over the session's buffer snapshot.
func (c *Coordinator) analyze(ctx context.Context, key, latest string) trigger.Decision {
	snapshot := c.buf.Snapshot(key)
	texts := make([]string, len(snapshot))
	for i, m := range snapshot {
		texts[i] = m.Content
	}

	proposals := c.rules.Evaluate(texts)

	matchedKeywords, patternMatches := 0, 0
	for _, p := range proposals {
		if len(p.MatchedKeywords) > matchedKeywords {
			matchedKeywords = len(p.MatchedKeywords)
		}
		patternMatches += p.PatternMatches
	}
	importance := c.scorer.Score(latest, matchedKeywords, patternMatches)
	proposals = append(proposals, c.rules.ImportanceProposals(importance)...)

	in := trigger.Inputs{Proposals: proposals, Importance: importance}
	if match, ok := c.store.TopSimilarity(ctx, latest, c.cfg.DefaultProject); ok {
		in.Similarity = match.Similarity
		in.SimilarMemoryID = match.Entry.ID
	}
	if c.external != nil {
		if res, err := c.external.Classify(ctx, latest); err != nil {
			// Hybrid mode silently degrades to deterministic-only.
			c.logger.Debug("engine: external classifier unavailable", "err", err)
		} else {
			in.External = &trigger.ExternalScore{Label: res.Label, Confidence: res.Confidence}
		}
	}

	decision := c.decider.Decide(in)
	if decision.Action == trigger.ActionNone {
		return decision
	}

	if !c.gate.Allow(c.decisionRule(decision, proposals), key) {
		c.logger.Debug("engine: decision suppressed by cooldown",
			"session", key, "action", decision.Action, "rule", decision.Rule)
		return trigger.None()
	}
	c.gate.Record(c.gateName(decision), key)

	c.fillPayload(&decision, snapshot, latest)

	c.logger.Info("engine: trigger fired",
		"session", key, "action", decision.Action,
		"rule", decision.Rule, "confidence", decision.Confidence)

	if c.cfg.AutoExecute && decision.Action == trigger.ActionSave {
		platform := ""
		if len(snapshot) > 0 {
			platform = snapshot[len(snapshot)-1].Platform
		}
		c.autoSave(ctx, key, platform, decision)
	}
	return decision
}

// decisionRule recovers the winning proposal's rule for the cooldown gate.
// Semantic search decisions carry no rule and are held only to the global
// cap.
func (c *Coordinator) decisionRule(d trigger.Decision, proposals []trigger.Proposal) trigger.Rule {
	for _, p := range proposals {
		if p.Rule.Name == d.Rule {
			return p.Rule
		}
	}
	return trigger.Rule{Name: c.gateName(d)}
}

func (c *Coordinator) gateName(d trigger.Decision) string {
	if d.Rule != "" {
		return d.Rule
	}
	return "semantic-" + string(d.Action)
}

// fillPayload completes the decision with the content the action operates
// on. Save decisions from conversation-volume rules capture the whole
// window; everything else captures the triggering message.
func (c *Coordinator) fillPayload(d *trigger.Decision, snapshot []buffer.Message, latest string) {
	d.Payload.Project = c.cfg.DefaultProject
	switch d.Action {
	case trigger.ActionSave:
		d.Payload.Content = latest
		if len(snapshot) > 1 && c.isVolumeRule(d.Rule) {
			d.Payload.Content = buffer.Concat(snapshot)
		}
		if d.Payload.MemoryType == "" {
			d.Payload.MemoryType = string(memory.TypeConversation)
		}
	case trigger.ActionSearch:
		d.Payload.Query = latest
	}
}

func (c *Coordinator) isVolumeRule(name string) bool {
	for _, r := range c.rules.Rules() {
		if r.Name != name {
			continue
		}
		return r.Kind == trigger.KindConversationLength || r.Kind == trigger.KindTimeInterval
	}
	return false
}

// autoSave persists a save decision. Store failures are already absorbed
// into the outbox; a validation failure here only means the content was
// empty noise.
func (c *Coordinator) autoSave(ctx context.Context, key, platform string, decision trigger.Decision) {
	res, err := c.store.Save(ctx, memory.Entry{
		Content:        decision.Payload.Content,
		Project:        decision.Payload.Project,
		Type:           memory.Type(decision.Payload.MemoryType),
		Importance:     decision.Payload.Importance,
		Tags:           decision.Payload.Tags,
		SourcePlatform: platform,
	})
	if err != nil {
		c.logger.Warn("engine: auto-save rejected", "session", key, "err", err)
		return
	}
	c.logger.Info("engine: memory auto-saved",
		"session", key, "memory_id", res.Entry.ID, "queued", res.Queued)
}

// ClearSession drops the buffer window and cooldown state for a session.
func (c *Coordinator) ClearSession(sessionID, platform string) {
	key := buffer.Key(sessionID, platform)
	c.buf.Clear(key)
	c.gate.Reset(key)

	c.mu.Lock()
	delete(c.sessions, key)
	c.mu.Unlock()
}

// Close stops accepting new analyses and waits for deferred passes to
// finish. The memory store is closed separately by its owner.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.reruns.Wait()
}
