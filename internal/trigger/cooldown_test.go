package trigger

import (
	"fmt"
	"testing"
	"time"
)

func TestGateRuleCooldown(t *testing.T) {
	gate := NewGate(0)
	rule := Rule{Name: "explicit-save", Kind: KindKeyword, Cooldown: 30 * time.Second}
	now := time.Now()

	if !gate.allowAt(rule, "s1", now) {
		t.Fatal("first fire suppressed")
	}
	gate.recordAt(rule.Name, "s1", now)

	if gate.allowAt(rule, "s1", now.Add(29*time.Second)) {
		t.Error("allowed within the 30s cooldown window")
	}
	if !gate.allowAt(rule, "s1", now.Add(31*time.Second)) {
		t.Error("suppressed after the cooldown elapsed")
	}
}

func TestGateSessionsIndependent(t *testing.T) {
	gate := NewGate(0)
	rule := Rule{Name: "explicit-save", Cooldown: time.Minute}
	now := time.Now()

	gate.recordAt(rule.Name, "s1", now)
	if gate.allowAt(rule, "s1", now.Add(time.Second)) {
		t.Error("cooldown not applied in the firing session")
	}
	if !gate.allowAt(rule, "other", now.Add(time.Second)) {
		t.Error("cooldown leaked across sessions")
	}
}

func TestGateRulesIndependent(t *testing.T) {
	gate := NewGate(0)
	now := time.Now()

	gate.recordAt("rule-a", "s1", now)
	other := Rule{Name: "rule-b", Cooldown: time.Minute}
	if !gate.allowAt(other, "s1", now.Add(time.Second)) {
		t.Error("one rule's cooldown suppressed a different rule")
	}
}

func TestGateGlobalCap(t *testing.T) {
	gate := NewGate(3)
	now := time.Now()

	for i := 0; i < 3; i++ {
		gate.recordAt(fmt.Sprintf("rule-%d", i), "s1", now.Add(time.Duration(i)*time.Second))
	}

	fresh := Rule{Name: "rule-new"}
	if gate.allowAt(fresh, "s1", now.Add(5*time.Second)) {
		t.Error("global cap not enforced")
	}

	// Urgent rules bypass their own cooldown but never the global cap.
	urgent := Rule{Name: "urgent-rule", Urgent: true, Cooldown: time.Hour}
	if gate.allowAt(urgent, "s1", now.Add(5*time.Second)) {
		t.Error("urgent rule bypassed the global cap")
	}

	// The window slides: old fires age out.
	if !gate.allowAt(fresh, "s1", now.Add(2*time.Minute)) {
		t.Error("fires older than the window still counted")
	}
}

func TestGateUrgentBypassesOwnCooldown(t *testing.T) {
	gate := NewGate(10)
	urgent := Rule{Name: "urgent-rule", Urgent: true, Cooldown: time.Hour}
	now := time.Now()

	gate.recordAt(urgent.Name, "s1", now)
	if !gate.allowAt(urgent, "s1", now.Add(time.Second)) {
		t.Error("urgent rule was held to its own cooldown")
	}
}

func TestGateTimeIntervalUsesInterval(t *testing.T) {
	gate := NewGate(0)
	rule := Rule{Name: "periodic", Kind: KindTimeInterval, Interval: 10 * time.Minute}
	now := time.Now()

	gate.recordAt(rule.Name, "s1", now)
	if gate.allowAt(rule, "s1", now.Add(5*time.Minute)) {
		t.Error("interval rule refired inside its interval")
	}
	if !gate.allowAt(rule, "s1", now.Add(11*time.Minute)) {
		t.Error("interval rule suppressed after the interval elapsed")
	}
}

func TestGateReset(t *testing.T) {
	gate := NewGate(2)
	rule := Rule{Name: "explicit-save", Cooldown: time.Hour}
	now := time.Now()

	gate.recordAt(rule.Name, "s1", now)
	gate.recordAt("other-rule", "s1", now)
	gate.Reset("s1")

	if !gate.allowAt(rule, "s1", now.Add(time.Second)) {
		t.Error("rule cooldown survived Reset")
	}
}
