package memory

import (
	"context"
	"errors"
)

// ErrRemoteUnavailable marks transient remote-store failures (network,
// timeout, backend down). The Store absorbs these into the sync outbox;
// they never surface to the calling conversation flow.
var ErrRemoteUnavailable = errors.New("memory: remote store unavailable")

// RemoteStore is the persistence boundary: a document store with vector
// search that de-duplicates by entry ID. The engine provides at-least-once
// delivery via the outbox, so Upsert with an already-stored ID must replace
// rather than duplicate.
type RemoteStore interface {
	// Upsert persists the entry, replacing any existing entry with the
	// same ID.
	Upsert(ctx context.Context, entry Entry) error

	// VectorSearch returns up to limit entries in the project ranked by
	// cosine similarity to the query embedding, best first. Entries
	// without embeddings are not candidates.
	VectorSearch(ctx context.Context, embedding []float32, project string, limit int) ([]Match, error)

	// Recent returns up to limit entries in the project, newest first.
	Recent(ctx context.Context, project string, limit int) ([]Entry, error)

	// Delete removes the entry with the given ID. Deleting a nonexistent
	// ID is not an error.
	Delete(ctx context.Context, id string) error

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
