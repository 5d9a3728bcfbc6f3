package session

import (
	"sync"

	"github.com/hearthside-ai/hearthside/internal/controller"
)

// defaultHistoryLimit bounds the transcript history when no limit is given.
const defaultHistoryLimit = 200

// History keeps a bounded, ordered record of finalised transcripts for the
// current conversation. When the limit is exceeded, the oldest entries are
// evicted; EvictedCount reports how many have been dropped so far.
//
// The host typically feeds History from the OnTranscript callback and renders
// Entries as the conversation log.
//
// All methods are safe for concurrent use.
type History struct {
	limit int

	mu      sync.Mutex
	entries []controller.Transcript
	evicted int
}

// NewHistory creates a transcript history holding at most limit entries.
// If limit is zero or negative, a default of 200 is used.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &History{limit: limit}
}

// Add appends a transcript, evicting the oldest entry when full.
func (h *History) Add(t controller.Transcript) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = append(h.entries, t)
	if len(h.entries) > h.limit {
		over := len(h.entries) - h.limit
		h.entries = append(h.entries[:0], h.entries[over:]...)
		h.evicted += over
	}
}

// Entries returns a copy of the recorded transcripts, oldest first.
func (h *History) Entries() []controller.Transcript {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]controller.Transcript, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of currently held transcripts.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// EvictedCount returns how many transcripts have been evicted since the last
// Reset.
func (h *History) EvictedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.evicted
}

// Reset clears all entries and the eviction counter.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = h.entries[:0]
	h.evicted = 0
}
