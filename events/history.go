package events

import (
	"sync"
	"time"
)

// Record is an event together with the time it was observed
type Record struct {
	At    time.Time
	Event Event
}

// History keeps the most recent events in a fixed-size ring, overwriting the
// oldest entry when full.
type History struct {
	mu   sync.RWMutex
	recs []Record
	head int
	size int
	now  func() time.Time
}

// NewHistory constructs a history holding at most capacity records
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		recs: make([]Record, capacity),
		now:  time.Now,
	}
}

// Add records e
func (h *History) Add(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recs[h.head] = Record{At: h.now(), Event: e}
	h.head = (h.head + 1) % len(h.recs)
	if h.size < len(h.recs) {
		h.size++
	}
}

// Iter calls cb on every record, oldest first
func (h *History) Iter(cb func(Record)) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	start := (h.head - h.size + len(h.recs)) % len(h.recs)
	for i := 0; i < h.size; i++ {
		cb(h.recs[(start+i)%len(h.recs)])
	}
}

func (h *History) Size() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}

// Follow adds every event received on ch until it is closed
func (h *History) Follow(ch <-chan Event) {
	for e := range ch {
		h.Add(e)
	}
}
