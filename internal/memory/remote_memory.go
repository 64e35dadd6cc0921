package memory

import (
	"context"
	"sync"
)

// InMemoryRemote is a RemoteStore held entirely in process memory with
// brute-force cosine ranking. It backs the "memory" store backend for
// offline development and is the standard remote fake in tests.
type InMemoryRemote struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewInMemoryRemote creates an empty in-memory remote store.
func NewInMemoryRemote() *InMemoryRemote {
	return &InMemoryRemote{entries: make(map[string]Entry)}
}

// Upsert stores the entry keyed by ID, replacing any previous version.
func (r *InMemoryRemote) Upsert(_ context.Context, entry Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.ID] = entry
	return nil
}

// VectorSearch ranks embedded entries in the project by cosine similarity.
func (r *InMemoryRemote) VectorSearch(_ context.Context, embedding []float32, project string, limit int) ([]Match, error) {
	if limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Match
	for _, e := range r.entries {
		if e.Project != project || len(e.Embedding) == 0 {
			continue
		}
		matches = append(matches, Match{Entry: e, Similarity: CosineSimilarity(embedding, e.Embedding)})
	}
	sortMatches(matches)
	if limit < len(matches) {
		matches = matches[:limit]
	}
	return matches, nil
}

// Recent returns project entries ordered newest first.
func (r *InMemoryRemote) Recent(_ context.Context, project string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var entries []Entry
	for _, e := range r.entries {
		if e.Project == project {
			entries = append(entries, e)
		}
	}
	sortByCreatedDesc(entries)
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

// Delete removes the entry; unknown IDs are a no-op.
func (r *InMemoryRemote) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
	return nil
}

// Ping always succeeds.
func (r *InMemoryRemote) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (r *InMemoryRemote) Close() error { return nil }

// Len returns the number of stored entries across all projects.
func (r *InMemoryRemote) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Get returns the stored entry for id, if present.
func (r *InMemoryRemote) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// sortByCreatedDesc orders entries newest first (insertion sort, small N).
func sortByCreatedDesc(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		key := entries[i]
		j := i - 1
		for j >= 0 && entries[j].CreatedAt.Before(key.CreatedAt) {
			entries[j+1] = entries[j]
			j--
		}
		entries[j+1] = key
	}
}

// Compile-time interface satisfaction check.
var _ RemoteStore = (*InMemoryRemote)(nil)
