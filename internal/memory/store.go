package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StoreConfig tunes validation and search defaults.
type StoreConfig struct {
	// MaxContentLength bounds entry content. Default: 1,000,000 chars.
	MaxContentLength int
	// SearchLimit is the default result count. Default: 10.
	SearchLimit int
	// SearchThreshold is the default minimum similarity. Default: 0.3.
	SearchThreshold float64
	// CacheSize and CacheTTL tune the local cache.
	CacheSize int
	CacheTTL  time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.SearchLimit <= 0 {
		c.SearchLimit = 10
	}
	if c.SearchThreshold <= 0 {
		c.SearchThreshold = 0.3
	}
	return c
}

// Store is the persistence and retrieval surface of the engine. It owns the
// local cache and the sync outbox; remote failures are absorbed into the
// outbox so the calling conversation flow never blocks or errors on backend
// unavailability.
type Store struct {
	remote   RemoteStore
	embedder Embedder
	cache    *Cache
	outbox   *Outbox
	cfg      StoreConfig
	logger   *slog.Logger
}

// NewStore wires a Store over the given remote backend, embedder, and local
// database (used for outbox durability). If logger is nil, the default slog
// logger is used.
func NewStore(db *sql.DB, remote RemoteStore, embedder Embedder, cfg StoreConfig, outboxCfg OutboxConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	outbox, err := NewOutbox(db, remote, outboxCfg, logger)
	if err != nil {
		return nil, err
	}

	return &Store{
		remote:   remote,
		embedder: embedder,
		cache:    NewCache(cfg.CacheSize, cfg.CacheTTL),
		outbox:   outbox,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Outbox exposes the sync queue for the drain loop and operator surfaces.
func (s *Store) Outbox() *Outbox { return s.outbox }

// Save validates and persists an entry. A missing ID is assigned, a missing
// type defaults to conversation. When the remote store is unreachable the
// entry is cached locally and parked in the outbox, and the result carries
// Queued=true instead of an error; the write is durable locally even
// though not yet synced. Validation failures are returned synchronously and
// nothing is enqueued.
func (s *Store) Save(ctx context.Context, entry Entry) (SaveResult, error) {
	if entry.Type == "" {
		entry.Type = TypeConversation
	}
	if err := validate(&entry, s.cfg.MaxContentLength); err != nil {
		return SaveResult{}, err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	if len(entry.Embedding) == 0 && s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, entry.Content)
		if err != nil {
			// Embedding is best-effort: the entry is stored without a
			// vector and stays reachable via keyword search.
			s.logger.Warn("store: embedding failed, saving without vector",
				"memory_id", entry.ID, "err", err)
		} else {
			entry.Embedding = vec
		}
	}

	// Read-your-writes: the entry is locally visible before the remote ack.
	s.cache.PutEntry(entry)
	s.cache.InvalidateQueries()

	if err := s.remote.Upsert(ctx, entry); err != nil {
		if qErr := s.outbox.Enqueue(ctx, OutboxUpsert, entry); qErr != nil {
			// Local durability is gone too; this is the one save path
			// that surfaces an error.
			return SaveResult{}, fmt.Errorf("store: remote failed (%v) and enqueue failed: %w", err, qErr)
		}
		s.logger.Warn("store: remote unavailable, write queued",
			"memory_id", entry.ID, "project", entry.Project, "err", err)
		return SaveResult{Entry: entry, Queued: true}, nil
	}

	s.logger.Debug("store: entry saved",
		"memory_id", entry.ID, "project", entry.Project,
		"memory_type", entry.Type, "has_embedding", len(entry.Embedding) > 0)
	return SaveResult{Entry: entry, Queued: false}, nil
}

// Search returns entries relevant to the query, ranked by similarity
// descending, filtered by threshold and truncated to limit. When remote
// semantic search is unavailable (backend down or no embedding for the
// query) it falls back to a local keyword scan over cached and pending
// entries; lower recall, flagged via Degraded so callers can tell
// full-fidelity results from fallback ones.
func (s *Store) Search(ctx context.Context, query, project string, limit int, threshold float64) (SearchResult, error) {
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}
	if threshold <= 0 {
		threshold = s.cfg.SearchThreshold
	}

	cacheKey := QueryKey(project, query, limit, threshold)
	if matches, ok := s.cache.GetQuery(cacheKey); ok {
		return SearchResult{Matches: matches}, nil
	}

	var queryVec []float32
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			s.logger.Warn("store: query embedding failed, using keyword fallback", "err", err)
		} else {
			queryVec = vec
		}
	}

	if len(queryVec) == 0 {
		matches, err := s.localSearch(ctx, query, project, limit)
		if err != nil {
			return SearchResult{}, err
		}
		return SearchResult{Matches: matches, Degraded: true}, nil
	}

	matches, err := s.remote.VectorSearch(ctx, queryVec, project, limit)
	if err != nil {
		s.logger.Warn("store: remote search unavailable, using keyword fallback",
			"project", project, "err", err)
		local, lErr := s.localSearch(ctx, query, project, limit)
		if lErr != nil {
			return SearchResult{}, lErr
		}
		return SearchResult{Matches: local, Degraded: true}, nil
	}

	filtered := matches[:0]
	for _, m := range matches {
		if m.Similarity >= threshold {
			filtered = append(filtered, m)
		}
	}
	matches = filtered

	// Writes still parked in the outbox are not on the remote yet; merge
	// them in so a save is always visible to the next search.
	matches = s.mergeUnsynced(ctx, matches, queryVec, query, project, threshold)
	sortMatches(matches)
	if limit < len(matches) {
		matches = matches[:limit]
	}

	for _, m := range matches {
		s.cache.PutEntry(m.Entry)
	}
	s.cache.PutQuery(cacheKey, matches)
	return SearchResult{Matches: matches}, nil
}

// TopSimilarity returns the single best semantic match for the text, if
// any. Any failure (no embedder, remote down) reports no match; the
// auto-trigger pipeline treats similarity as an optional signal.
func (s *Store) TopSimilarity(ctx context.Context, text, project string) (Match, bool) {
	if s.embedder == nil {
		return Match{}, false
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil || len(vec) == 0 {
		return Match{}, false
	}
	matches, err := s.remote.VectorSearch(ctx, vec, project, 1)
	if err != nil || len(matches) == 0 {
		return Match{}, false
	}
	return matches[0], true
}

// Context returns the most recent entries for a project, newest first.
// Falls back to local data (degraded) when the remote is unreachable.
func (s *Store) Context(ctx context.Context, project string, limit int) ([]Entry, bool, error) {
	if limit <= 0 {
		limit = s.cfg.SearchLimit
	}

	entries, err := s.remote.Recent(ctx, project, limit)
	if err == nil {
		return entries, false, nil
	}
	s.logger.Warn("store: remote unavailable for context, using local data",
		"project", project, "err", err)

	local, lErr := s.localEntries(ctx, project)
	if lErr != nil {
		return nil, true, lErr
	}
	sortByCreatedDesc(local)
	if limit < len(local) {
		local = local[:limit]
	}
	return local, true, nil
}

// Delete removes an entry everywhere. Deleting a nonexistent ID is not an
// error; a remote failure parks the delete in the outbox and reports
// queued=true.
func (s *Store) Delete(ctx context.Context, id string) (queued bool, err error) {
	s.cache.RemoveEntry(id)
	s.cache.InvalidateQueries()

	if err := s.remote.Delete(ctx, id); err != nil {
		if qErr := s.outbox.Enqueue(ctx, OutboxDelete, Entry{ID: id}); qErr != nil {
			return false, fmt.Errorf("store: remote delete failed (%v) and enqueue failed: %w", err, qErr)
		}
		s.logger.Warn("store: remote unavailable, delete queued", "memory_id", id, "err", err)
		return true, nil
	}
	return false, nil
}

// Ping reports remote backend reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.remote.Ping(ctx)
}

// Close releases the remote backend. The outbox database is owned by the
// caller that opened it.
func (s *Store) Close() error {
	return s.remote.Close()
}

// localSearch is the degraded keyword path: a case-insensitive token scan
// over cached entries and unsynced outbox snapshots, ranked by overlap
// with the query.
func (s *Store) localSearch(ctx context.Context, query, project string, limit int) ([]Match, error) {
	candidates, err := s.localEntries(ctx, project)
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, e := range candidates {
		score := keywordScore(query, e.Content)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Entry: e, Similarity: score})
	}
	sortMatches(matches)
	if limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}

// localEntries collects cached and pending entries for a project, deduped
// by ID with pending deletes filtered out.
func (s *Store) localEntries(ctx context.Context, project string) ([]Entry, error) {
	pendingDeletes, err := s.outbox.PendingDeletes(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []Entry
	add := func(e Entry) {
		if e.Project != project || seen[e.ID] || pendingDeletes[e.ID] {
			return
		}
		seen[e.ID] = true
		out = append(out, e)
	}

	pending, err := s.outbox.PendingEntries(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range pending {
		add(e)
	}
	for _, e := range s.cache.Entries() {
		add(e)
	}
	return out, nil
}

// mergeUnsynced appends entries the remote vector search cannot surface:
// pending outbox writes that have not reached the remote yet, and cached
// entries stored without an embedding (the embedder was down at save
// time), scoring them locally so ranking stays comparable.
func (s *Store) mergeUnsynced(ctx context.Context, matches []Match, queryVec []float32, query, project string, threshold float64) []Match {
	present := make(map[string]bool, len(matches))
	for _, m := range matches {
		present[m.Entry.ID] = true
	}

	add := func(e Entry) {
		if e.Project != project || present[e.ID] {
			return
		}
		var sim float64
		if len(e.Embedding) > 0 {
			sim = CosineSimilarity(queryVec, e.Embedding)
		} else {
			sim = keywordScore(query, e.Content)
		}
		if sim >= threshold {
			present[e.ID] = true
			matches = append(matches, Match{Entry: e, Similarity: sim})
		}
	}

	pending, err := s.outbox.PendingEntries(ctx)
	if err != nil {
		s.logger.Warn("store: reading pending entries for merge", "err", err)
	}
	for _, e := range pending {
		add(e)
	}
	for _, e := range s.cache.Entries() {
		if len(e.Embedding) == 0 {
			add(e)
		}
	}
	return matches
}

// keywordScore is the fallback relevance heuristic: the fraction of query
// tokens present in the content (case-insensitive). A full substring match
// scores 1.
func keywordScore(query, content string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	c := strings.ToLower(content)
	if q == "" || c == "" {
		return 0
	}
	if strings.Contains(c, q) {
		return 1
	}

	tokens := strings.Fields(q)
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(c, tok) {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}
