package dispatch

import (
	"sync"
	"time"

	"github.com/dfscache/dfscache/pkg/types"
)

// HistoryEntry is the retained snapshot of a finalized request.
type HistoryEntry struct {
	ID          types.RequestIdentity `json:"id"`
	Kind        types.RequestKind     `json:"kind"`
	State       types.RequestState    `json:"state"`
	Files       []types.FileProgress  `json:"files"`
	Stats       types.RequestStats    `json:"stats"`
	CreatedAt   time.Time             `json:"created_at"`
	FinalizedAt time.Time             `json:"finalized_at"`
}

// historyRing keeps the most recent finalized requests in a bounded ring;
// the oldest entry is evicted when capacity is reached.
type historyRing struct {
	mu       sync.Mutex
	capacity int
	order    []types.RequestIdentity
	entries  map[types.RequestIdentity]*HistoryEntry
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{
		capacity: capacity,
		entries:  make(map[types.RequestIdentity]*HistoryEntry),
	}
}

func (h *historyRing) add(entry *HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.order) >= h.capacity {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.entries, oldest)
	}
	h.order = append(h.order, entry.ID)
	h.entries[entry.ID] = entry
}

func (h *historyRing) get(id types.RequestIdentity) (*HistoryEntry, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry, ok := h.entries[id]
	return entry, ok
}

func (h *historyRing) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.order)
}
