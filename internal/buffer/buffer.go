// Package buffer implements the bounded per-session conversation buffer
// that feeds trigger analysis. Each (session, platform) pair owns a
// fixed-capacity ring of recent messages with FIFO eviction.
package buffer

import (
	"sync"
	"time"
)

// DefaultCapacity is the per-session message capacity when none is configured.
const DefaultCapacity = 20

// Message is a single conversational turn observed by the engine.
type Message struct {
	Content   string
	Timestamp time.Time
	Platform  string
}

// Buffer holds bounded, time-ordered message windows keyed by session.
// It is safe for concurrent use. Append never fails: malformed or empty
// messages are accepted and simply become low-signal inputs to scoring.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	sessions map[string][]Message
}

// New creates a Buffer with the given per-session capacity.
// Non-positive capacities fall back to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		capacity: capacity,
		sessions: make(map[string][]Message),
	}
}

// Key produces the session map key for a session+platform pair.
func Key(sessionID, platform string) string {
	return sessionID + ":" + platform
}

// Append records a message in arrival order for the given session key.
// When the window is full the oldest entry is evicted first, so the buffer
// always holds the most recent messages and never reorders them.
func (b *Buffer) Append(sessionKey string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := b.sessions[sessionKey]
	if len(window) >= b.capacity {
		excess := len(window) - b.capacity + 1
		window = window[excess:]
	}
	b.sessions[sessionKey] = append(window, msg)
}

// Snapshot returns an ordered copy of the session's window, oldest first.
// The copy does not alias internal storage, so callers can read it while
// new messages keep arriving.
func (b *Buffer) Snapshot(sessionKey string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	window := b.sessions[sessionKey]
	if len(window) == 0 {
		return nil
	}
	out := make([]Message, len(window))
	copy(out, window)
	return out
}

// Len returns the number of buffered messages for the session.
func (b *Buffer) Len(sessionKey string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions[sessionKey])
}

// Clear drops the window for the given session key.
func (b *Buffer) Clear(sessionKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, sessionKey)
}

// Concat joins the window's contents into one string separated by newlines.
// Rule matching operates on this concatenated view.
func Concat(msgs []Message) string {
	switch len(msgs) {
	case 0:
		return ""
	case 1:
		return msgs[0].Content
	}

	n := 0
	for _, m := range msgs {
		n += len(m.Content) + 1
	}
	out := make([]byte, 0, n)
	for i, m := range msgs {
		if i > 0 {
			out = append(out, '\n')
		}
		out = append(out, m.Content...)
	}
	return string(out)
}
