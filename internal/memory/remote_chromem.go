package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemRemote implements RemoteStore over chromem-go, a pure-Go embedded
// vector database. Each project gets its own collection for namespace
// isolation. Entries without embeddings cannot live in a vector collection,
// so a side index keyed by ID carries every upserted entry; it backs Recent
// and keeps delete/upsert idempotent for non-embedded entries. When a
// persist directory is configured both the vector data (chromem's own
// persistence) and the side index (a JSON file) survive restarts.
type ChromemRemote struct {
	db         *chromem.DB
	persistDir string
	logger     *slog.Logger

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	entries     map[string]Entry
}

// NewChromemRemote creates a persistent chromem-backed remote store.
// If logger is nil, the default slog logger is used.
func NewChromemRemote(persistDir string, logger *slog.Logger) (*ChromemRemote, error) {
	db, err := chromem.NewPersistentDB(persistDir, false)
	if err != nil {
		return nil, fmt.Errorf("remote chromem: open persistent db: %w", err)
	}

	r := newChromemRemote(db, persistDir, logger)
	if err := r.loadIndex(); err != nil {
		// The index file may simply not exist yet.
		r.logger.Debug("remote chromem: no entry index loaded", "err", err)
	}
	return r, nil
}

// NewChromemRemoteInMemory creates a chromem-backed remote store with no
// persistence, for development and tests.
func NewChromemRemoteInMemory(logger *slog.Logger) *ChromemRemote {
	return newChromemRemote(chromem.NewDB(), "", logger)
}

func newChromemRemote(db *chromem.DB, persistDir string, logger *slog.Logger) *ChromemRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromemRemote{
		db:          db,
		persistDir:  persistDir,
		logger:      logger,
		collections: make(map[string]*chromem.Collection),
		entries:     make(map[string]Entry),
	}
}

// collection returns the vector collection for a project, creating it on
// first use.
func (r *ChromemRemote) collection(project string) (*chromem.Collection, error) {
	name := collectionName(project)

	r.mu.RLock()
	col, ok := r.collections[name]
	r.mu.RUnlock()
	if ok {
		return col, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if col, ok := r.collections[name]; ok {
		return col, nil
	}

	// Embeddings always arrive precomputed, so the collection never needs
	// its own embedding func. The stub guards against accidental calls.
	col, err := r.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("remote chromem: no embedding func configured for %q", name)
	})
	if err != nil {
		return nil, fmt.Errorf("remote chromem: get or create collection %q: %w", name, err)
	}
	r.collections[name] = col
	return col, nil
}

// Upsert stores the entry. Embedded entries are (re)added to the project's
// vector collection; chromem replaces documents by ID, which gives the
// ID-based de-duplication the outbox's at-least-once replay relies on.
func (r *ChromemRemote) Upsert(ctx context.Context, entry Entry) error {
	if len(entry.Embedding) > 0 {
		col, err := r.collection(entry.Project)
		if err != nil {
			return err
		}
		doc := chromem.Document{
			ID:        entry.ID,
			Content:   entry.Content,
			Embedding: entry.Embedding,
			Metadata:  docMetadata(entry),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("remote chromem: add document: %w", err)
		}
	}

	r.mu.Lock()
	r.entries[entry.ID] = entry
	r.mu.Unlock()

	if err := r.saveIndex(); err != nil {
		r.logger.Warn("remote chromem: persist entry index", "err", err)
	}
	return nil
}

// VectorSearch queries the project collection by embedding.
func (r *ChromemRemote) VectorSearch(ctx context.Context, embedding []float32, project string, limit int) ([]Match, error) {
	if limit <= 0 || len(embedding) == 0 {
		return nil, nil
	}

	col, err := r.collection(project)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults greater than the collection size.
	if n := col.Count(); limit > n {
		limit = n
	}
	if limit == 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, embedding, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("remote chromem: query embedding: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, res := range results {
		matches = append(matches, Match{
			Entry:      r.entryFromResult(res, project),
			Similarity: float64(res.Similarity),
		})
	}
	return matches, nil
}

// Recent returns project entries from the side index, newest first.
func (r *ChromemRemote) Recent(_ context.Context, project string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}

	r.mu.RLock()
	var entries []Entry
	for _, e := range r.entries {
		if e.Project == project {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	sortByCreatedDesc(entries)
	if limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, nil
}

// Delete removes the entry from both the vector collection and the side
// index. Unknown IDs are a no-op.
func (r *ChromemRemote) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	entry, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if ok && len(entry.Embedding) > 0 {
		col, err := r.collection(entry.Project)
		if err != nil {
			return err
		}
		if err := col.Delete(ctx, nil, nil, id); err != nil {
			return fmt.Errorf("remote chromem: delete document: %w", err)
		}
	}

	if err := r.saveIndex(); err != nil {
		r.logger.Warn("remote chromem: persist entry index", "err", err)
	}
	return nil
}

// Ping always succeeds: chromem runs in-process.
func (r *ChromemRemote) Ping(_ context.Context) error { return nil }

// Close persists the entry index. chromem itself writes through on mutation.
func (r *ChromemRemote) Close() error {
	return r.saveIndex()
}

// entryFromResult resolves a query result to a full entry, preferring the
// side index and reconstructing from document metadata when the index was
// lost (e.g. a fresh process over a persisted chromem directory).
func (r *ChromemRemote) entryFromResult(res chromem.Result, project string) Entry {
	r.mu.RLock()
	entry, ok := r.entries[res.ID]
	r.mu.RUnlock()
	if ok {
		return entry
	}

	entry = Entry{
		ID:        res.ID,
		Content:   res.Content,
		Embedding: res.Embedding,
		Project:   project,
		Type:      TypeConversation,
	}
	if t := Type(res.Metadata["memory_type"]); t.Valid() {
		entry.Type = t
	}
	if imp, err := strconv.ParseFloat(res.Metadata["importance"], 64); err == nil {
		entry.Importance = imp
	}
	if ts, err := time.Parse(time.RFC3339, res.Metadata["created_at"]); err == nil {
		entry.CreatedAt = ts
	}
	if tagsJSON := res.Metadata["tags"]; tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &entry.Tags)
	}
	entry.SourcePlatform = res.Metadata["source_platform"]
	return entry
}

func docMetadata(entry Entry) map[string]string {
	md := map[string]string{
		"project":     entry.Project,
		"memory_type": string(entry.Type),
		"importance":  strconv.FormatFloat(entry.Importance, 'f', -1, 64),
		"created_at":  entry.CreatedAt.UTC().Format(time.RFC3339),
	}
	if len(entry.Tags) > 0 {
		if tagsJSON, err := json.Marshal(entry.Tags); err == nil {
			md["tags"] = string(tagsJSON)
		}
	}
	if entry.SourcePlatform != "" {
		md["source_platform"] = entry.SourcePlatform
	}
	return md
}

// collectionName sanitizes a project name into a valid chromem collection
// name (alphanumeric plus - and _, minimum length 3).
func collectionName(project string) string {
	var b strings.Builder
	b.WriteString("proj-")
	for _, c := range project {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteRune(c)
		default:
			b.WriteRune('-')
		}
	}
	name := b.String()
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func (r *ChromemRemote) indexPath() string {
	if r.persistDir == "" {
		return ""
	}
	return filepath.Join(r.persistDir, "entries.json")
}

func (r *ChromemRemote) saveIndex() error {
	path := r.indexPath()
	if path == "" {
		return nil
	}

	r.mu.RLock()
	data, err := json.Marshal(r.entries)
	r.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("remote chromem: marshal entry index: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("remote chromem: write entry index: %w", err)
	}
	return os.Rename(tmp, path)
}

func (r *ChromemRemote) loadIndex() error {
	path := r.indexPath()
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	entries := make(map[string]Entry)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("remote chromem: unmarshal entry index: %w", err)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// Compile-time interface satisfaction check.
var _ RemoteStore = (*ChromemRemote)(nil)
