// Package memory implements durable memory persistence with semantic
// retrieval for the auto-trigger engine. The Store validates and embeds
// entries, persists them to a pluggable remote vector store, keeps a
// read-through local cache for recall under outages, and owns the durable
// sync outbox that reconciles local writes when the remote is unreachable.
package memory

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Type classifies what kind of knowledge a memory entry holds.
type Type string

const (
	TypeKnowledge    Type = "knowledge"
	TypeSolution     Type = "solution"
	TypePreference   Type = "preference"
	TypeConversation Type = "conversation"
	TypeError        Type = "error"
)

// Valid reports whether t is one of the known memory types.
func (t Type) Valid() bool {
	switch t {
	case TypeKnowledge, TypeSolution, TypePreference, TypeConversation, TypeError:
		return true
	}
	return false
}

// DefaultMaxContentLength bounds entry content when no limit is configured.
const DefaultMaxContentLength = 1_000_000

// Entry is one durable unit of stored conversational content plus metadata
// and an optional embedding vector.
type Entry struct {
	ID             string    `json:"id"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"embedding,omitempty"`
	Project        string    `json:"project"`
	Type           Type      `json:"memory_type"`
	Importance     float64   `json:"importance"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	SourcePlatform string    `json:"source_platform,omitempty"`
}

// Match pairs an entry with its similarity to a query.
type Match struct {
	Entry      Entry   `json:"entry"`
	Similarity float64 `json:"similarity"`
}

// SaveResult reports the outcome of a Save call. Queued is true when the
// remote store was unreachable and the write was parked in the sync outbox;
// the entry is still durable locally and visible to subsequent searches.
type SaveResult struct {
	Entry  Entry `json:"entry"`
	Queued bool  `json:"queued"`
}

// SearchResult carries ranked matches plus an explicit degraded-mode marker.
// Degraded is true when the remote vector search was unavailable and the
// results came from the local keyword fallback; lower recall, and callers
// should treat them as such rather than as full-fidelity semantic results.
type SearchResult struct {
	Matches  []Match `json:"matches"`
	Degraded bool    `json:"degraded"`
}

// ValidationError reports a malformed entry. Validation failures are
// rejected synchronously and never reach the remote store or the outbox.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("memory: invalid entry: %s: %s", e.Field, e.Reason)
}

// validate checks entry invariants before anything is persisted or queued.
// maxContent <= 0 falls back to DefaultMaxContentLength.
func validate(e *Entry, maxContent int) error {
	if maxContent <= 0 {
		maxContent = DefaultMaxContentLength
	}
	if strings.TrimSpace(e.Content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if len(e.Content) > maxContent {
		return &ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("length %d exceeds maximum %d", len(e.Content), maxContent),
		}
	}
	if e.Project == "" {
		return &ValidationError{Field: "project", Reason: "must not be empty"}
	}
	if !e.Type.Valid() {
		return &ValidationError{Field: "memory_type", Reason: fmt.Sprintf("unknown type %q", e.Type)}
	}
	if math.IsNaN(e.Importance) || e.Importance < 0 || e.Importance > 1 {
		return &ValidationError{
			Field:  "importance",
			Reason: fmt.Sprintf("%v outside [0,1]", e.Importance),
		}
	}
	return nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Returns 0 for mismatched lengths, empty vectors, or zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortMatches orders matches by descending similarity. Insertion sort is
// fine for the small candidate sets involved (search limits default to 10).
func sortMatches(items []Match) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && items[j].Similarity < key.Similarity {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
