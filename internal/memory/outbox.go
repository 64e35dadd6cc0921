package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hikarudo/engram/common/retry"
)

// OutboxAction is the kind of write parked in the outbox.
type OutboxAction string

const (
	OutboxUpsert OutboxAction = "upsert"
	OutboxDelete OutboxAction = "delete"
)

// ItemState tracks an outbox item through its lifecycle:
// pending → in_flight → (acked = row removed) | pending with backoff,
// and after MaxAttempts consecutive failures → dead_letter.
type ItemState string

const (
	StatePending    ItemState = "pending"
	StateInFlight   ItemState = "in_flight"
	StateDeadLetter ItemState = "dead_letter"
)

// OutboxItem is one queued write plus its retry bookkeeping.
type OutboxItem struct {
	Seq         int64
	Action      OutboxAction
	MemoryID    string
	Entry       Entry
	Attempts    int
	State       ItemState
	NextRetryAt time.Time // zero when immediately eligible
	EnqueuedAt  time.Time
	LastError   string
}

// OutboxConfig tunes the drain behaviour.
type OutboxConfig struct {
	// MaxAttempts is the number of delivery attempts before an item moves
	// to the dead-letter set. Default: 5.
	MaxAttempts int
	// BatchSize bounds how many items one drain pass sends per batch to
	// limit remote load. Default: 10.
	BatchSize int
	// BaseDelay seeds the exponential backoff between attempts. Default: 30s.
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Default: 30m.
	MaxDelay time.Duration
	// DrainInterval is the periodic drain cadence. Default: 5m.
	DrainInterval time.Duration
	// AttemptTimeout bounds each remote call; a timed-out call counts as a
	// failed attempt rather than being left dangling. Default: 30s.
	AttemptTimeout time.Duration
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 30 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Minute
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 5 * time.Minute
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 30 * time.Second
	}
	return c
}

// DrainStats summarises one drain pass.
type DrainStats struct {
	Processed    int `json:"processed"`
	Acked        int `json:"acked"`
	Retried      int `json:"retried"`
	DeadLettered int `json:"dead_lettered"`
}

// Outbox is the durable queue reconciling local writes with the remote
// store under unreliable connectivity. Items drain in enqueue order (FIFO);
// a failed item keeps its sequence number, so once its backoff elapses it
// is retried ahead of newer writes. Replaying an item is safe because the
// remote de-duplicates by entry ID.
type Outbox struct {
	db     *sql.DB
	remote RemoteStore
	cfg    OutboxConfig
	logger *slog.Logger

	drainMu sync.Mutex // one drain at a time
	kickCh  chan struct{}
}

// NewOutbox creates the outbox over the given database, ensuring its schema
// and recovering any items stranded in_flight by a previous crash.
func NewOutbox(db *sql.DB, remote RemoteStore, cfg OutboxConfig, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Outbox{
		db:     db,
		remote: remote,
		cfg:    cfg.withDefaults(),
		logger: logger,
		kickCh: make(chan struct{}, 1),
	}
	if err := o.initSchema(); err != nil {
		return nil, err
	}
	if err := o.recoverInFlight(); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Outbox) initSchema() error {
	_, err := o.db.Exec(`
		CREATE TABLE IF NOT EXISTS outbox_items (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			snapshot TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL DEFAULT 'pending',
			next_retry_at INTEGER,
			enqueued_at INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT ''
		)`)
	if err != nil {
		return fmt.Errorf("outbox: create schema: %w", err)
	}
	return nil
}

// recoverInFlight resets items a previous process left mid-delivery.
// Replaying them is safe: the remote de-duplicates by ID.
func (o *Outbox) recoverInFlight() error {
	res, err := o.db.Exec(`UPDATE outbox_items SET state = ? WHERE state = ?`,
		string(StatePending), string(StateInFlight))
	if err != nil {
		return fmt.Errorf("outbox: recover in-flight items: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		o.logger.Warn("outbox: recovered items stranded in flight", "count", n)
	}
	return nil
}

// Enqueue parks a write for later delivery. For deletes the snapshot only
// carries the memory ID.
func (o *Outbox) Enqueue(ctx context.Context, action OutboxAction, entry Entry) error {
	snapshot, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("outbox: marshal snapshot: %w", err)
	}

	_, err = o.db.ExecContext(ctx, `
		INSERT INTO outbox_items (action, memory_id, snapshot, enqueued_at)
		VALUES (?, ?, ?, ?)`,
		string(action), entry.ID, string(snapshot), time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}

	o.logger.Debug("outbox: enqueued item", "action", action, "memory_id", entry.ID)
	return nil
}

// Drain delivers eligible pending items to the remote store in FIFO order,
// in batches. Per-item failures are re-scheduled with exponential backoff;
// items that exhaust their attempts move to the dead-letter set and are
// reported, never silently dropped.
func (o *Outbox) Drain(ctx context.Context) (DrainStats, error) {
	return o.drainAt(ctx, time.Now().UTC())
}

// drainAt is the time-injectable core of Drain (for testing).
func (o *Outbox) drainAt(ctx context.Context, now time.Time) (DrainStats, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	var stats DrainStats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		batch, err := o.eligibleBatch(ctx, now)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			return stats, nil
		}

		for _, item := range batch {
			if err := o.deliver(ctx, item, now, &stats); err != nil {
				return stats, err
			}
		}
	}
}

// eligibleBatch loads the next FIFO batch of pending items whose backoff
// has elapsed.
func (o *Outbox) eligibleBatch(ctx context.Context, now time.Time) ([]OutboxItem, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT seq, action, memory_id, snapshot, attempts, state, next_retry_at, enqueued_at, last_error
		FROM outbox_items
		WHERE state = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY seq ASC
		LIMIT ?`,
		string(StatePending), now.UnixNano(), o.cfg.BatchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: query batch: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			o.logger.Warn("outbox: skip malformed row", "err", err)
			continue
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate batch: %w", err)
	}
	return items, nil
}

// deliver attempts one item against the remote store and records the outcome.
func (o *Outbox) deliver(ctx context.Context, item OutboxItem, now time.Time, stats *DrainStats) error {
	if _, err := o.db.ExecContext(ctx, `UPDATE outbox_items SET state = ? WHERE seq = ?`,
		string(StateInFlight), item.Seq); err != nil {
		return fmt.Errorf("outbox: mark in flight: %w", err)
	}
	stats.Processed++

	attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	var deliverErr error
	switch item.Action {
	case OutboxDelete:
		deliverErr = o.remote.Delete(attemptCtx, item.MemoryID)
	default:
		deliverErr = o.remote.Upsert(attemptCtx, item.Entry)
	}
	cancel()

	if deliverErr == nil {
		if _, err := o.db.ExecContext(ctx, `DELETE FROM outbox_items WHERE seq = ?`, item.Seq); err != nil {
			return fmt.Errorf("outbox: ack item: %w", err)
		}
		stats.Acked++
		o.logger.Debug("outbox: item acknowledged",
			"seq", item.Seq, "action", item.Action, "memory_id", item.MemoryID)
		return nil
	}

	attempts := item.Attempts + 1
	if attempts >= o.cfg.MaxAttempts {
		if _, err := o.db.ExecContext(ctx, `
			UPDATE outbox_items SET state = ?, attempts = ?, last_error = ? WHERE seq = ?`,
			string(StateDeadLetter), attempts, deliverErr.Error(), item.Seq); err != nil {
			return fmt.Errorf("outbox: dead-letter item: %w", err)
		}
		stats.DeadLettered++
		o.logger.Error("outbox: item exhausted retries, moved to dead letter",
			"seq", item.Seq, "action", item.Action, "memory_id", item.MemoryID,
			"attempts", attempts, "err", deliverErr)
		return nil
	}

	// Keep the item's sequence number so it re-enters the queue at the
	// front once the backoff elapses; retries must not starve behind
	// newer writes.
	delay := retry.Backoff(attempts, o.cfg.BaseDelay, o.cfg.MaxDelay)
	nextRetry := now.Add(delay)
	if _, err := o.db.ExecContext(ctx, `
		UPDATE outbox_items SET state = ?, attempts = ?, next_retry_at = ?, last_error = ? WHERE seq = ?`,
		string(StatePending), attempts, nextRetry.UnixNano(), deliverErr.Error(), item.Seq); err != nil {
		return fmt.Errorf("outbox: reschedule item: %w", err)
	}
	stats.Retried++
	o.logger.Warn("outbox: delivery failed, retry scheduled",
		"seq", item.Seq, "memory_id", item.MemoryID,
		"attempt", attempts, "next_retry_in", delay, "err", deliverErr)
	return nil
}

// Run drains on a periodic timer until ctx is cancelled. Kick interrupts
// the current wait for an immediate drain (force-sync).
func (o *Outbox) Run(ctx context.Context) {
	timer := time.NewTimer(o.cfg.DrainInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-o.kickCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		if stats, err := o.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			o.logger.Warn("outbox: drain pass failed", "err", err)
		} else if stats.Processed > 0 {
			o.logger.Info("outbox: drain pass complete",
				"processed", stats.Processed, "acked", stats.Acked,
				"retried", stats.Retried, "dead_lettered", stats.DeadLettered)
		}

		timer.Reset(o.cfg.DrainInterval)
	}
}

// Kick requests an immediate drain from the Run loop without blocking.
func (o *Outbox) Kick() {
	select {
	case o.kickCh <- struct{}{}:
	default:
	}
}

// PendingEntries returns the entry snapshots of queued upserts in FIFO
// order. The degraded keyword search includes these so unsynced writes are
// still visible to reads.
func (o *Outbox) PendingEntries(ctx context.Context) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT snapshot FROM outbox_items
		WHERE state = ? AND action = ?
		ORDER BY seq ASC`,
		string(StatePending), string(OutboxUpsert),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, fmt.Errorf("outbox: scan snapshot: %w", err)
		}
		var entry Entry
		if err := json.Unmarshal([]byte(snapshot), &entry); err != nil {
			o.logger.Warn("outbox: skip malformed snapshot", "err", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate pending entries: %w", err)
	}
	return entries, nil
}

// PendingDeletes returns the memory IDs of queued deletes.
func (o *Outbox) PendingDeletes(ctx context.Context) (map[string]bool, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT memory_id FROM outbox_items WHERE state = ? AND action = ?`,
		string(StatePending), string(OutboxDelete),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: query pending deletes: %w", err)
	}
	defer rows.Close()

	deleted := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("outbox: scan memory id: %w", err)
		}
		deleted[id] = true
	}
	return deleted, rows.Err()
}

// DeadLetters lists items that exhausted their retry budget, oldest first.
func (o *Outbox) DeadLetters(ctx context.Context) ([]OutboxItem, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT seq, action, memory_id, snapshot, attempts, state, next_retry_at, enqueued_at, last_error
		FROM outbox_items
		WHERE state = ?
		ORDER BY seq ASC`,
		string(StateDeadLetter),
	)
	if err != nil {
		return nil, fmt.Errorf("outbox: query dead letters: %w", err)
	}
	defer rows.Close()

	var items []OutboxItem
	for rows.Next() {
		item, err := scanOutboxItem(rows)
		if err != nil {
			o.logger.Warn("outbox: skip malformed row", "err", err)
			continue
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Requeue moves a dead-lettered item back to pending with a fresh attempt
// budget, for operator-driven recovery.
func (o *Outbox) Requeue(ctx context.Context, seq int64) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE outbox_items SET state = ?, attempts = 0, next_retry_at = NULL, last_error = ''
		WHERE seq = ? AND state = ?`,
		string(StatePending), seq, string(StateDeadLetter),
	)
	if err != nil {
		return fmt.Errorf("outbox: requeue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox: no dead-letter item with seq %d", seq)
	}
	return nil
}

// Counts returns the number of pending and dead-lettered items.
func (o *Outbox) Counts(ctx context.Context) (pending, dead int, err error) {
	err = o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_items WHERE state != ?`, string(StateDeadLetter)).Scan(&pending)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox: count pending: %w", err)
	}
	err = o.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_items WHERE state = ?`, string(StateDeadLetter)).Scan(&dead)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox: count dead letters: %w", err)
	}
	return pending, dead, nil
}

func scanOutboxItem(rows *sql.Rows) (OutboxItem, error) {
	var (
		item        OutboxItem
		action      string
		snapshot    string
		state       string
		nextRetryAt sql.NullInt64
		enqueuedAt  int64
	)
	err := rows.Scan(&item.Seq, &action, &item.MemoryID, &snapshot,
		&item.Attempts, &state, &nextRetryAt, &enqueuedAt, &item.LastError)
	if err != nil {
		return OutboxItem{}, fmt.Errorf("scan row: %w", err)
	}

	item.Action = OutboxAction(action)
	item.State = ItemState(state)
	if err := json.Unmarshal([]byte(snapshot), &item.Entry); err != nil {
		return OutboxItem{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if nextRetryAt.Valid {
		item.NextRetryAt = time.Unix(0, nextRetryAt.Int64).UTC()
	}
	item.EnqueuedAt = time.Unix(0, enqueuedAt).UTC()
	return item, nil
}
