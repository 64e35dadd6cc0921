package buffer

import (
	"fmt"
	"testing"
	"time"
)

func TestAppendEvictsOldestBeyondCapacity(t *testing.T) {
	b := New(20)
	key := Key("session-1", "claude")

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 25; i++ {
		b.Append(key, Message{
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Platform:  "claude",
		})
	}

	snap := b.Snapshot(key)
	if len(snap) != 20 {
		t.Fatalf("snapshot length = %d, want 20", len(snap))
	}
	// The 20 most recent messages, in arrival order.
	for i, msg := range snap {
		want := fmt.Sprintf("message %d", i+5)
		if msg.Content != want {
			t.Errorf("snap[%d].Content = %q, want %q", i, msg.Content, want)
		}
	}
}

func TestSnapshotDoesNotAliasInternalStorage(t *testing.T) {
	b := New(5)
	key := Key("session-1", "cursor")

	b.Append(key, Message{Content: "first"})
	snap := b.Snapshot(key)
	snap[0].Content = "mutated"

	if got := b.Snapshot(key)[0].Content; got != "first" {
		t.Errorf("internal storage mutated through snapshot: %q", got)
	}
}

func TestSnapshotEmptySession(t *testing.T) {
	b := New(10)
	if snap := b.Snapshot(Key("nobody", "claude")); snap != nil {
		t.Errorf("snapshot of empty session = %v, want nil", snap)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	b := New(10)
	b.Append(Key("a", "claude"), Message{Content: "for a"})
	b.Append(Key("b", "claude"), Message{Content: "for b"})

	if n := b.Len(Key("a", "claude")); n != 1 {
		t.Errorf("session a length = %d, want 1", n)
	}
	snap := b.Snapshot(Key("b", "claude"))
	if len(snap) != 1 || snap[0].Content != "for b" {
		t.Errorf("session b snapshot = %v", snap)
	}
}

func TestSameSessionDifferentPlatformIsDistinct(t *testing.T) {
	b := New(10)
	b.Append(Key("s", "claude"), Message{Content: "claude msg"})
	b.Append(Key("s", "cursor"), Message{Content: "cursor msg"})

	if n := b.Len(Key("s", "claude")); n != 1 {
		t.Errorf("claude window length = %d, want 1", n)
	}
	if n := b.Len(Key("s", "cursor")); n != 1 {
		t.Errorf("cursor window length = %d, want 1", n)
	}
}

func TestEmptyMessagesAccepted(t *testing.T) {
	b := New(3)
	key := Key("s", "claude")
	b.Append(key, Message{})
	b.Append(key, Message{Content: ""})

	if n := b.Len(key); n != 2 {
		t.Errorf("length = %d, want 2", n)
	}
}

func TestClear(t *testing.T) {
	b := New(3)
	key := Key("s", "claude")
	b.Append(key, Message{Content: "x"})
	b.Clear(key)
	if n := b.Len(key); n != 0 {
		t.Errorf("length after Clear = %d, want 0", n)
	}
}

func TestConcat(t *testing.T) {
	tests := []struct {
		name string
		msgs []Message
		want string
	}{
		{"empty", nil, ""},
		{"single", []Message{{Content: "only"}}, "only"},
		{"multiple", []Message{{Content: "a"}, {Content: "b"}, {Content: "c"}}, "a\nb\nc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Concat(tt.msgs); got != tt.want {
				t.Errorf("Concat() = %q, want %q", got, tt.want)
			}
		})
	}
}
