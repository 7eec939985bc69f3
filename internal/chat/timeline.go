package chat

import (
	"log"
	"sync"
	"time"

	"github.com/duochat/duochat/internal/channel"
)

// Timeline is the ordered message sequence for the one open conversation.
// Only the coordination core mutates it; the view layer reads snapshots.
//
// History loads replace the sequence wholesale rather than merging, and each
// load carries the generation handed out by Select at fetch start. A result
// arriving after the user switched conversations fails the generation check
// and is discarded, so a slow fetch can never overwrite the timeline of a
// different conversation.
type Timeline struct {
	mu     sync.Mutex
	convID string // counterpart user ID of the open conversation
	gen    uint64 // bumped on every Select
	msgs   []Message
}

func NewTimeline() *Timeline {
	return &Timeline{}
}

// Select binds the timeline to a conversation, clears the visible sequence,
// and returns the load generation to pass to ApplyHistory.
func (t *Timeline) Select(convID string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.convID = channel.Normalize(convID)
	t.gen++
	t.msgs = nil
	return t.gen
}

// Conversation returns the counterpart ID of the open conversation.
func (t *Timeline) Conversation() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.convID
}

// ApplyHistory installs a fetched history page, delivered in the server's
// newest-first order, as the entire visible sequence (reversed to
// chronological). Stale results are discarded; returns whether the page was
// applied.
func (t *Timeline) ApplyHistory(gen uint64, convID string, newestFirst []Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || channel.Normalize(convID) != t.convID {
		log.Printf("CHAT: discarding stale history result for %s (open: %s)", convID, t.convID)
		return false
	}
	msgs := make([]Message, len(newestFirst))
	for i, m := range newestFirst {
		msgs[len(newestFirst)-1-i] = m
	}
	t.msgs = msgs
	return true
}

// AppendLive appends one live message if and only if it belongs to the open
// conversation. Messages for other conversations only touch the directory
// preview, never the open timeline.
func (t *Timeline) AppendLive(convID string, m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.convID == "" || channel.Normalize(convID) != t.convID {
		return false
	}
	t.msgs = append(t.msgs, m)
	return true
}

// AppendSystem inserts a non-authored notice at the end of the timeline.
// Re-appending a notice identical to the immediately preceding entry is
// suppressed — call lifecycle events can fire from more than one source.
func (t *Timeline) AppendSystem(text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.msgs); n > 0 {
		last := t.msgs[n-1]
		if last.Kind == KindSystem && last.Body == text {
			return false
		}
	}
	t.msgs = append(t.msgs, systemMessage(text, time.Now()))
	return true
}

// Snapshot returns a copy of the visible sequence, oldest first.
func (t *Timeline) Snapshot() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.msgs))
	copy(out, t.msgs)
	return out
}

// Len returns the number of visible messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}
