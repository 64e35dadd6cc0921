package memory

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

// scriptedRemote records delivery order and fails on command.
type scriptedRemote struct {
	mu       sync.Mutex
	entries  map[string]Entry
	order    []string
	failIDs  map[string]int // remaining failures per memory ID
	failAll  bool
	upserts  int
}

func newScriptedRemote() *scriptedRemote {
	return &scriptedRemote{
		entries: make(map[string]Entry),
		failIDs: make(map[string]int),
	}
}

func (r *scriptedRemote) Upsert(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	if r.failAll {
		return ErrRemoteUnavailable
	}
	if n := r.failIDs[entry.ID]; n > 0 {
		r.failIDs[entry.ID] = n - 1
		return ErrRemoteUnavailable
	}
	r.entries[entry.ID] = entry
	r.order = append(r.order, entry.ID)
	return nil
}

func (r *scriptedRemote) VectorSearch(_ context.Context, _ []float32, _ string, _ int) ([]Match, error) {
	return nil, nil
}

func (r *scriptedRemote) Recent(_ context.Context, _ string, _ int) ([]Entry, error) {
	return nil, nil
}

func (r *scriptedRemote) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll {
		return ErrRemoteUnavailable
	}
	delete(r.entries, id)
	r.order = append(r.order, "del:"+id)
	return nil
}

func (r *scriptedRemote) Ping(_ context.Context) error { return nil }
func (r *scriptedRemote) Close() error                 { return nil }

func (r *scriptedRemote) deliveryOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

var _ RemoteStore = (*scriptedRemote)(nil)

func openOutboxDB(t *testing.T) *sql.DB {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "outbox-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	db, err := OpenDB(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestOutbox(t *testing.T, db *sql.DB, remote RemoteStore, cfg OutboxConfig) *Outbox {
	t.Helper()
	o, err := NewOutbox(db, remote, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func enqueueUpsert(t *testing.T, o *Outbox, id, content string) {
	t.Helper()
	err := o.Enqueue(context.Background(), OutboxUpsert, Entry{
		ID: id, Content: content, Project: "app", Type: TypeConversation,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOutboxDrainFIFO(t *testing.T) {
	remote := newScriptedRemote()
	o := newTestOutbox(t, openOutboxDB(t), remote, OutboxConfig{BatchSize: 2})
	ctx := context.Background()

	enqueueUpsert(t, o, "a", "first")
	enqueueUpsert(t, o, "b", "second")
	enqueueUpsert(t, o, "c", "third")

	stats, err := o.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if stats.Acked != 3 || stats.Processed != 3 {
		t.Errorf("Drain() stats = %+v, want 3 processed, 3 acked", stats)
	}

	want := []string{"a", "b", "c"}
	got := remote.deliveryOrder()
	if len(got) != len(want) {
		t.Fatalf("delivery order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestOutboxBackoffAndFrontRequeue(t *testing.T) {
	remote := newScriptedRemote()
	remote.failIDs["a"] = 1
	cfg := OutboxConfig{BaseDelay: 30 * time.Second, MaxDelay: time.Hour}
	o := newTestOutbox(t, openOutboxDB(t), remote, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueueUpsert(t, o, "a", "flaky write")
	enqueueUpsert(t, o, "b", "stable write")

	stats, err := o.drainAt(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Retried != 1 || stats.Acked != 1 {
		t.Errorf("first pass stats = %+v, want 1 retried, 1 acked", stats)
	}

	// Backoff has not elapsed: the failed item is not eligible yet.
	stats, err = o.drainAt(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processed != 0 {
		t.Errorf("pre-backoff pass processed %d items, want 0", stats.Processed)
	}

	// A newer write enqueued while the failed item waits.
	enqueueUpsert(t, o, "c", "later write")

	// Once the backoff elapses the retained sequence number puts the retry
	// ahead of the newer write.
	stats, err = o.drainAt(ctx, now.Add(31*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Acked != 2 {
		t.Errorf("post-backoff pass stats = %+v, want 2 acked", stats)
	}

	want := []string{"b", "a", "c"}
	got := remote.deliveryOrder()
	for i := range want {
		if i >= len(got) || got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestOutboxDeadLetterAndRequeue(t *testing.T) {
	remote := newScriptedRemote()
	remote.failAll = true
	cfg := OutboxConfig{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Minute}
	o := newTestOutbox(t, openOutboxDB(t), remote, cfg)
	ctx := context.Background()
	now := time.Now().UTC()

	enqueueUpsert(t, o, "doomed", "cannot deliver")

	if _, err := o.drainAt(ctx, now); err != nil {
		t.Fatal(err)
	}
	stats, err := o.drainAt(ctx, now.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if stats.DeadLettered != 1 {
		t.Fatalf("second pass stats = %+v, want 1 dead-lettered", stats)
	}

	dead, err := o.DeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("DeadLetters() returned %d items, want 1", len(dead))
	}
	if dead[0].MemoryID != "doomed" || dead[0].Attempts != 2 || dead[0].LastError == "" {
		t.Errorf("dead letter bookkeeping wrong: %+v", dead[0])
	}

	// Dead letters are parked, not retried.
	stats, err = o.drainAt(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processed != 0 {
		t.Errorf("dead letter was retried: %+v", stats)
	}

	// Operator recovery: requeue with a fresh budget once the remote is back.
	remote.mu.Lock()
	remote.failAll = false
	remote.mu.Unlock()
	if err := o.Requeue(ctx, dead[0].Seq); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	stats, err = o.drainAt(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Acked != 1 {
		t.Errorf("post-requeue stats = %+v, want 1 acked", stats)
	}
	if _, ok := remote.entries["doomed"]; !ok {
		t.Error("requeued entry never reached the remote")
	}
}

func TestOutboxRequeueUnknownSeq(t *testing.T) {
	o := newTestOutbox(t, openOutboxDB(t), newScriptedRemote(), OutboxConfig{})
	if err := o.Requeue(context.Background(), 99); err == nil {
		t.Error("Requeue() of unknown seq succeeded, want error")
	}
}

func TestOutboxRecoverInFlight(t *testing.T) {
	db := openOutboxDB(t)
	remote := newScriptedRemote()
	o := newTestOutbox(t, db, remote, OutboxConfig{})
	ctx := context.Background()

	enqueueUpsert(t, o, "stranded", "crash mid-delivery")
	if _, err := db.Exec(`UPDATE outbox_items SET state = ?`, string(StateInFlight)); err != nil {
		t.Fatal(err)
	}

	// A fresh outbox over the same database resets stranded items.
	o2 := newTestOutbox(t, db, remote, OutboxConfig{})
	stats, err := o2.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Acked != 1 {
		t.Errorf("stats after recovery = %+v, want 1 acked", stats)
	}
}

func TestOutboxIdempotentReplay(t *testing.T) {
	remote := newScriptedRemote()
	o := newTestOutbox(t, openOutboxDB(t), remote, OutboxConfig{})
	ctx := context.Background()

	// The same write queued twice (e.g. a retry racing a crash) converges
	// to a single remote entry because the remote de-duplicates by ID.
	enqueueUpsert(t, o, "dup", "written once")
	enqueueUpsert(t, o, "dup", "written once")

	stats, err := o.Drain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Acked != 2 {
		t.Errorf("Drain() stats = %+v, want 2 acked", stats)
	}
	if len(remote.entries) != 1 {
		t.Errorf("remote holds %d entries after replay, want 1", len(remote.entries))
	}
}

func TestOutboxPendingVisibility(t *testing.T) {
	o := newTestOutbox(t, openOutboxDB(t), newScriptedRemote(), OutboxConfig{})
	ctx := context.Background()

	enqueueUpsert(t, o, "m1", "queued content")
	if err := o.Enqueue(ctx, OutboxDelete, Entry{ID: "m2"}); err != nil {
		t.Fatal(err)
	}

	entries, err := o.PendingEntries(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].ID != "m1" {
		t.Errorf("PendingEntries() = %+v, want the queued upsert only", entries)
	}

	deletes, err := o.PendingDeletes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !deletes["m2"] || len(deletes) != 1 {
		t.Errorf("PendingDeletes() = %v, want m2 only", deletes)
	}
}

func TestOutboxKickTriggersDrain(t *testing.T) {
	remote := newScriptedRemote()
	o := newTestOutbox(t, openOutboxDB(t), remote, OutboxConfig{DrainInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(done)
	}()

	enqueueUpsert(t, o, "kicked", "immediate sync")
	o.Kick()

	deadline := time.After(5 * time.Second)
	for {
		pending, _, err := o.Counts(ctx)
		if err != nil && ctx.Err() == nil {
			t.Fatal(err)
		}
		if pending == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("kicked drain never delivered the item")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop on context cancellation")
	}
}

func TestOutboxEnqueueAfterClose(t *testing.T) {
	db := openOutboxDB(t)
	o := newTestOutbox(t, db, newScriptedRemote(), OutboxConfig{})
	db.Close()
	if err := o.Enqueue(context.Background(), OutboxUpsert, Entry{ID: "x", Content: "y"}); err == nil {
		t.Error("Enqueue() on closed database succeeded, want error")
	} else if errors.Is(err, ErrRemoteUnavailable) {
		t.Error("Enqueue() error should reflect local storage, not remote availability")
	}
}

func TestOutboxBackoffSubSecondPrecision(t *testing.T) {
	remote := newScriptedRemote()
	remote.failIDs["a"] = 1
	o := newTestOutbox(t, openOutboxDB(t), remote, OutboxConfig{BaseDelay: time.Second})
	ctx := context.Background()
	base := time.Unix(1700000000, 0).UTC()

	enqueueUpsert(t, o, "a", "first")

	stats, err := o.drainAt(ctx, base)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Retried != 1 {
		t.Fatalf("Retried = %d, want 1", stats.Retried)
	}

	// Still inside the backoff window.
	stats, err = o.drainAt(ctx, base.Add(600*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Processed != 0 {
		t.Fatalf("Processed = %d before backoff elapsed, want 0", stats.Processed)
	}

	// Due exactly at base+1s; a drain at a fractional instant after that
	// must see it.
	stats, err = o.drainAt(ctx, base.Add(1400*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Acked != 1 {
		t.Fatalf("Acked = %d after backoff elapsed, want 1", stats.Acked)
	}
}
