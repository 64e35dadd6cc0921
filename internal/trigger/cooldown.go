package trigger

import (
	"sync"
	"time"
)

// DefaultGlobalPerMinute caps total triggers per session per minute.
const DefaultGlobalPerMinute = 10

// globalWindow is the sliding window for the global cap.
const globalWindow = time.Minute

// Gate suppresses repeated trigger firings. Each rule has an independent
// per-session cooldown window; a global sliding window additionally caps
// total triggers per session per minute. Urgent rules bypass their own
// cooldown but never the global cap. Suppression is silent: Allow returns
// false, it does not error.
type Gate struct {
	mu              sync.Mutex
	lastFired       map[string]time.Time // (rule, session) -> last fire
	sessionFires    map[string][]time.Time
	globalPerMinute int
}

// NewGate builds a gate. globalPerMinute <= 0 falls back to
// DefaultGlobalPerMinute.
func NewGate(globalPerMinute int) *Gate {
	if globalPerMinute <= 0 {
		globalPerMinute = DefaultGlobalPerMinute
	}
	return &Gate{
		lastFired:       make(map[string]time.Time),
		sessionFires:    make(map[string][]time.Time),
		globalPerMinute: globalPerMinute,
	}
}

// Allow reports whether the rule may fire for the session right now.
func (g *Gate) Allow(rule Rule, sessionKey string) bool {
	return g.allowAt(rule, sessionKey, time.Now())
}

// allowAt is the time-injectable core of Allow.
func (g *Gate) allowAt(rule Rule, sessionKey string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.countRecent(sessionKey, now) >= g.globalPerMinute {
		return false
	}

	if rule.Urgent {
		return true
	}

	cooldown := rule.Cooldown
	if rule.Kind == KindTimeInterval && rule.Interval > cooldown {
		cooldown = rule.Interval
	}
	if cooldown <= 0 {
		return true
	}

	last, ok := g.lastFired[gateKey(rule.Name, sessionKey)]
	if !ok {
		return true
	}
	return now.Sub(last) > cooldown
}

// Record marks the rule as fired for the session.
func (g *Gate) Record(ruleName, sessionKey string) {
	g.recordAt(ruleName, sessionKey, time.Now())
}

// recordAt is the time-injectable core of Record.
func (g *Gate) recordAt(ruleName, sessionKey string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastFired[gateKey(ruleName, sessionKey)] = now
	g.sessionFires[sessionKey] = append(g.pruned(sessionKey, now), now)
}

// Reset clears all state for a session, used when a session ends.
func (g *Gate) Reset(sessionKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.sessionFires, sessionKey)
	suffix := "|" + sessionKey
	for key := range g.lastFired {
		if len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix {
			delete(g.lastFired, key)
		}
	}
}

// countRecent counts fires inside the global window, pruning as it goes.
// Callers must hold g.mu.
func (g *Gate) countRecent(sessionKey string, now time.Time) int {
	recent := g.pruned(sessionKey, now)
	if len(recent) == 0 {
		delete(g.sessionFires, sessionKey)
	} else {
		g.sessionFires[sessionKey] = recent
	}
	return len(recent)
}

func (g *Gate) pruned(sessionKey string, now time.Time) []time.Time {
	fires := g.sessionFires[sessionKey]
	cutoff := now.Add(-globalWindow)
	kept := fires[:0]
	for _, t := range fires {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func gateKey(ruleName, sessionKey string) string {
	return ruleName + "|" + sessionKey
}
