// Package gateway pushes engine events to browser clients over websockets.
//
// The hub consumes one event channel (the in-process bus or a Redis
// subscription), wraps each event in an envelope carrying a global and a
// per-channel sequence number, and fans it out to every client whose
// filter matches. Sends never block: a client whose buffer stays full is
// evicted.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optiontrader/internal/model"
)

const (
	defaultSendBuffer = 256
	// maxMissed consecutive dropped sends evict a client.
	maxMissed = 64
)

type latestEntry struct {
	Envelope []byte
	Seq      int64
}

// Hub manages websocket clients.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]bool
	latest      map[string]latestEntry
	seq         int64
	channelSeqs map[string]int64

	history *History
	latency *LatencyTracker
	now     func() time.Time

	// SendBuffer is the per-client queue length.
	SendBuffer int
	// OnEvict is called when a slow client is dropped (optional).
	OnEvict func()
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		history:     NewHistory(1000),
		latency:     NewLatencyTracker(10000),
		now:         time.Now,
		SendBuffer:  defaultSendBuffer,
	}
}

// ChannelOf names the channel an event is broadcast on: the kind, plus
// the token for per-instrument kinds.
func ChannelOf(ev model.Event) string {
	if ev.Token == 0 {
		return string(ev.Kind)
	}
	return string(ev.Kind) + ":" + strconv.FormatUint(uint64(ev.Token), 10)
}

// Run broadcasts events until ctx is cancelled or events is closed, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, events <-chan model.Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast sends ev to every matching client.
func (h *Hub) Broadcast(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[gateway] marshal %s event: %v", ev.Kind, err)
		return
	}
	channel := ChannelOf(ev)
	now := h.now()
	if ev.Kind == model.EventLTP && !ev.Time.IsZero() {
		h.latency.Record(now.Sub(ev.Time))
	}

	h.mu.Lock()
	h.seq++
	h.channelSeqs[channel]++
	seq, channelSeq := h.seq, h.channelSeqs[channel]
	env := envelope(channel, data, now, seq, channelSeq)
	h.latest[channel] = latestEntry{Envelope: env, Seq: seq}
	h.mu.Unlock()

	h.history.Add(seq, channel, env)

	h.mu.RLock()
	var slow []*Client
	for c := range h.clients {
		if !c.matches(ev) {
			continue
		}
		if !c.offer(env) {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("[gateway] evicting slow client %s", c.addr)
		if h.OnEvict != nil {
			h.OnEvict()
		}
		c.conn.Close()
	}
}

// envelope builds {"channel":..,"data":..,"ts":..,"seq":..,"channel_seq":..}
// without a second marshal of data.
func envelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+128)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}

// Attach registers an upgraded connection. Clients reconnecting with
// lastSeq > 0 get the envelopes they missed, others the latest envelope
// of every channel.
func (h *Hub) Attach(conn *websocket.Conn, lastSeq int64) *Client {
	buf := h.SendBuffer
	if buf <= 0 {
		buf = defaultSendBuffer
	}
	c := newClient(h, conn, buf)

	var initial [][]byte
	if lastSeq > 0 && lastSeq >= h.history.Oldest()-1 {
		initial = h.history.Since(lastSeq, "")
	} else {
		initial = h.latestAll()
	}
	for _, env := range initial {
		if !c.offer(env) {
			break
		}
	}

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	log.Printf("[gateway] client %s connected (%d total)", c.addr, count)

	go c.writePump()
	go c.readPump()
	return c
}

func (h *Hub) latestAll() [][]byte {
	h.mu.RLock()
	entries := make([]latestEntry, 0, len(h.latest))
	for _, e := range h.latest {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	// in sequence order
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Seq < entries[j-1].Seq; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Envelope
	}
	return out
}

// remove unregisters c and closes its queue. Idempotent.
func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// Missed returns envelopes after seq on channel ("" for all).
func (h *Hub) Missed(channel string, after int64) [][]byte {
	return h.history.Since(after, channel)
}

// Seq is the last global sequence number.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ClientCount is the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Latency returns LTP event-to-broadcast delay percentiles.
func (h *Hub) Latency() (p50, p95, p99 time.Duration) {
	return h.latency.Percentiles()
}
