package engine_test

import (
	"context"
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hikarudo/engram/internal/classify"
	"github.com/hikarudo/engram/internal/engine"
	"github.com/hikarudo/engram/internal/memory"
	"github.com/hikarudo/engram/internal/trigger"
)

type toggleRemote struct {
	*memory.InMemoryRemote
	mu   sync.Mutex
	down bool
}

func (r *toggleRemote) setDown(down bool) {
	r.mu.Lock()
	r.down = down
	r.mu.Unlock()
}

func (r *toggleRemote) unavailable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.down
}

func (r *toggleRemote) Upsert(ctx context.Context, entry memory.Entry) error {
	if r.unavailable() {
		return memory.ErrRemoteUnavailable
	}
	return r.InMemoryRemote.Upsert(ctx, entry)
}

func (r *toggleRemote) VectorSearch(ctx context.Context, embedding []float32, project string, limit int) ([]memory.Match, error) {
	if r.unavailable() {
		return nil, memory.ErrRemoteUnavailable
	}
	return r.InMemoryRemote.VectorSearch(ctx, embedding, project, limit)
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "engine-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	db, err := memory.OpenDB(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testRules() []trigger.Rule {
	return []trigger.Rule{
		{
			Name:     "explicit-save",
			Kind:     trigger.KindKeyword,
			Keywords: []string{"ricorda", "remember"},
			Priority: 1,
			Urgent:   true,
		},
		{
			Name:     "topic-switch",
			Kind:     trigger.KindContextChange,
			Keywords: []string{"new project"},
			Priority: 2,
		},
		{
			Name:      "auto-important",
			Kind:      trigger.KindImportanceThreshold,
			Threshold: 0.7,
			Priority:  3,
		},
	}
}

func newTestCoordinator(t *testing.T, remote memory.RemoteStore, cfg engine.Config, external classify.Classifier) *engine.Coordinator {
	t.Helper()
	store, err := memory.NewStore(testDB(t), remote, memory.NewMockEmbedder(0),
		memory.StoreConfig{}, memory.OutboxConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if cfg.DefaultProject == "" {
		cfg.DefaultProject = "app"
	}
	coord := engine.New(cfg,
		trigger.NewEngine(testRules(), 0),
		trigger.NewScorer(trigger.ScoreWeights{}, nil),
		store, external, nil)
	t.Cleanup(coord.Close)
	return coord
}

func TestAnalyzeExplicitSaveScenario(t *testing.T) {
	coord := newTestCoordinator(t, memory.NewInMemoryRemote(), engine.Config{}, nil)

	decision, err := coord.Analyze(context.Background(), "Ricorda che React usa JSX", "s1", "cli")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if decision.Action != trigger.ActionSave {
		t.Fatalf("action = %q, want save_memory", decision.Action)
	}
	if decision.Rule != "explicit-save" {
		t.Errorf("rule = %q, want explicit-save", decision.Rule)
	}
	if decision.Confidence < 0.59 || decision.Confidence > 0.61 {
		t.Errorf("confidence = %v, want about 0.6", decision.Confidence)
	}
	if decision.Payload.Content != "Ricorda che React usa JSX" {
		t.Errorf("payload content = %q, want the triggering message", decision.Payload.Content)
	}
	if decision.Payload.Project != "app" {
		t.Errorf("payload project = %q, want the default project", decision.Payload.Project)
	}
}

func TestAnalyzeNoiseDecidesNone(t *testing.T) {
	coord := newTestCoordinator(t, memory.NewInMemoryRemote(), engine.Config{}, nil)

	decision, err := coord.Analyze(context.Background(), "ok", "s1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Action != trigger.ActionNone {
		t.Errorf("action = %q for noise, want none", decision.Action)
	}
}

func TestAnalyzeAutoSaveOutage(t *testing.T) {
	// The defining property: remote down, the conversation flow still
	// succeeds, and the write surfaces on the remote after a drain.
	remote := &toggleRemote{InMemoryRemote: memory.NewInMemoryRemote()}
	coord := newTestCoordinator(t, remote, engine.Config{AutoExecute: true}, nil)
	ctx := context.Background()

	remote.setDown(true)
	decision, err := coord.Analyze(ctx, "remember: critical bug in the payment flow", "s1", "cli")
	if err != nil {
		t.Fatalf("Analyze() error = %v with remote down", err)
	}
	if decision.Action != trigger.ActionSave {
		t.Fatalf("action = %q, want save_memory", decision.Action)
	}

	pending, _, err := coord.Store().Outbox().Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 1 {
		t.Fatalf("outbox pending = %d, want the auto-saved entry queued", pending)
	}

	remote.setDown(false)
	if _, err := coord.Store().Outbox().Drain(ctx); err != nil {
		t.Fatal(err)
	}
	pending, _, err = coord.Store().Outbox().Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pending != 0 {
		t.Errorf("outbox pending = %d after drain, want 0", pending)
	}

	result, err := coord.Store().Search(ctx, "remember: critical bug in the payment flow", "app", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if result.Degraded || len(result.Matches) != 1 {
		t.Errorf("post-drain search = %+v, want one full-fidelity match", result)
	}
}

func TestAnalyzeCooldownSuppresses(t *testing.T) {
	coord := newTestCoordinator(t, memory.NewInMemoryRemote(), engine.Config{GlobalPerMinute: 1}, nil)
	ctx := context.Background()

	first, err := coord.Analyze(ctx, "remember the first fact", "s1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if first.Action != trigger.ActionSave {
		t.Fatalf("first decision = %q, want save", first.Action)
	}

	// The global cap of one trigger per minute suppresses the second fire;
	// suppression is silent, not an error.
	second, err := coord.Analyze(ctx, "remember the second fact", "s1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if second.Action != trigger.ActionNone {
		t.Errorf("second decision = %q, want none under the global cap", second.Action)
	}

	// A different session is unaffected.
	other, err := coord.Analyze(ctx, "remember the other fact", "s2", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if other.Action != trigger.ActionSave {
		t.Errorf("other session decision = %q, want save", other.Action)
	}
}

func TestAnalyzeContextChange(t *testing.T) {
	coord := newTestCoordinator(t, memory.NewInMemoryRemote(), engine.Config{}, nil)

	decision, err := coord.Analyze(context.Background(), "ok, new project: the billing service", "s1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Action != trigger.ActionGetContext {
		t.Errorf("action = %q, want get_context", decision.Action)
	}
}

// blockingClassifier holds Classify until released, to pin an analysis in
// flight.
type blockingClassifier struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingClassifier) Classify(_ context.Context, _ string) (classify.Result, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return classify.Result{}, classify.ErrUnavailable
}

func TestAnalyzeSingleFlightDefersConcurrentMessage(t *testing.T) {
	blocker := &blockingClassifier{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	coord := newTestCoordinator(t, memory.NewInMemoryRemote(), engine.Config{}, blocker)
	ctx := context.Background()

	firstDone := make(chan trigger.Decision, 1)
	go func() {
		d, _ := coord.Analyze(ctx, "remember the deploy freeze", "s1", "cli")
		firstDone <- d
	}()
	<-blocker.entered

	// Second message while the first analysis is in flight: buffered,
	// deferred, immediate none.
	deferred, err := coord.Analyze(ctx, "remember the second fact too", "s1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if deferred.Action != trigger.ActionNone {
		t.Errorf("mid-flight decision = %q, want none (deferred)", deferred.Action)
	}

	close(blocker.release)
	select {
	case d := <-firstDone:
		if d.Action != trigger.ActionSave {
			t.Errorf("in-flight decision = %q, want save", d.Action)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first analysis never completed")
	}

	// Close waits for the deferred background pass.
	coord.Close()
}

func TestAnalyzeExternalClassifierUnavailable(t *testing.T) {
	// Hybrid mode with a dead collaborator must still decide
	// deterministically.
	coord := newTestCoordinator(t, memory.NewInMemoryRemote(), engine.Config{}, classify.Noop{})

	decision, err := coord.Analyze(context.Background(), "remember that staging uses its own database", "s1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Action != trigger.ActionSave {
		t.Errorf("action = %q, want save without the collaborator", decision.Action)
	}
}

func TestClearSessionResetsState(t *testing.T) {
	coord := newTestCoordinator(t, memory.NewInMemoryRemote(), engine.Config{GlobalPerMinute: 1}, nil)
	ctx := context.Background()

	if d, _ := coord.Analyze(ctx, "remember fact one", "s1", "cli"); d.Action != trigger.ActionSave {
		t.Fatal("setup: first save did not fire")
	}
	coord.ClearSession("s1", "cli")

	// With the session cleared the cooldown state is gone.
	d, err := coord.Analyze(ctx, "remember fact two", "s1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != trigger.ActionSave {
		t.Errorf("post-clear decision = %q, want save", d.Action)
	}
}

func TestClearSessionDuringAnalysis(t *testing.T) {
	blocker := &blockingClassifier{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	coord := newTestCoordinator(t, memory.NewInMemoryRemote(), engine.Config{}, blocker)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		coord.Analyze(ctx, "remember the rollout plan", "s1", "cli")
		close(done)
	}()
	<-blocker.entered

	// Clearing mid-flight drops the session state; the in-flight pass
	// must complete without it.
	coord.ClearSession("s1", "cli")
	close(blocker.release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("analysis never completed after mid-flight clear")
	}

	// The session stays usable afterwards.
	d, err := coord.Analyze(ctx, "remember the retro notes", "s1", "cli")
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != trigger.ActionSave {
		t.Errorf("follow-up decision = %q, want save", d.Action)
	}
	coord.Close()
}
