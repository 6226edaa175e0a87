package gateway

import "sync"

// entry is one broadcast envelope.
type entry struct {
	Seq     int64
	Channel string
	Data    []byte
}

// History keeps the most recent envelopes so a reconnecting client can
// ask for what it missed by sequence number. Safe for concurrent use.
type History struct {
	mu   sync.RWMutex
	buf  []entry
	next int  // write position
	full bool // buf has wrapped
}

// NewHistory creates a history of the given capacity (default 1000).
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1000
	}
	return &History{buf: make([]entry, capacity)}
}

// Add records an envelope. The oldest is overwritten when full.
func (h *History) Add(seq int64, channel string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.next] = entry{Seq: seq, Channel: channel, Data: data}
	h.next++
	if h.next == len(h.buf) {
		h.next = 0
		h.full = true
	}
}

// Since returns envelopes with Seq > after, oldest first. An empty
// channel matches every channel.
func (h *History) Since(after int64, channel string) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out [][]byte
	h.each(func(e entry) {
		if e.Seq > after && (channel == "" || e.Channel == channel) {
			out = append(out, e.Data)
		}
	})
	return out
}

// Oldest is the smallest retained sequence number, 0 when empty.
func (h *History) Oldest() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.Len() == 0 {
		return 0
	}
	if h.full {
		return h.buf[h.next].Seq
	}
	return h.buf[0].Seq
}

// Len is the number of retained envelopes. Callers may hold the lock.
func (h *History) Len() int {
	if h.full {
		return len(h.buf)
	}
	return h.next
}

func (h *History) each(fn func(entry)) {
	if h.full {
		for _, e := range h.buf[h.next:] {
			fn(e)
		}
	}
	for _, e := range h.buf[:h.next] {
		fn(e)
	}
}
