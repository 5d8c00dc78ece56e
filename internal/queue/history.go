package queue

import "sync"

// history is a bounded ring of finished-job records, newest first, capping
// memory regardless of uptime.
type history struct {
	mu      sync.Mutex
	entries []Record
	limit   int
	total   uint64
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

func (h *history) add(r Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.entries = append(h.entries, Record{})
	copy(h.entries[1:], h.entries)
	h.entries[0] = r
	if len(h.entries) > h.limit {
		h.entries = h.entries[:h.limit]
	}
}

func (h *history) list() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.entries))
	copy(out, h.entries)
	return out
}

func (h *history) count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
