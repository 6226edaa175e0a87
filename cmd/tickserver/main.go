// cmd/tickserver is a synthetic websocket tick feed for local runs of
// cmd/engine. It speaks the wssim wire format and honours the optional
// {"subscribe":[...]} message a client sends after connecting.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_TOKENS       comma-separated TOKEN:PRICE pairs (default "256265:22500")
//	TICK_INTERVAL_MS  broadcast interval in milliseconds (default 250)
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optiontrader/internal/marketdata/wssim"
	"optiontrader/internal/markethours"
)

// instrument holds per-token simulation state.
type instrument struct {
	Token  uint32
	Price  float64
	Volume int64
}

type client struct {
	send chan []byte

	mu     sync.RWMutex
	tokens map[uint32]bool // nil means every token
}

func (c *client) wants(token uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens == nil || c.tokens[token]
}

func (c *client) subscribe(tokens []uint32) {
	set := make(map[uint32]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	c.mu.Lock()
	c.tokens = set
	c.mu.Unlock()
}

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.send)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(token uint32, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(token) {
			continue
		}
		select {
		case c.send <- msg:
		default: // slow client, drop tick
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		go readSubscriptions(h, conn, c)

		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// readSubscriptions applies subscribe messages until the connection closes,
// then unregisters the client so its write loop ends.
func readSubscriptions(h *hub, conn *websocket.Conn, c *client) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			h.unregister(conn)
			return
		}
		var sub wssim.SubscribeMsg
		if err := json.Unmarshal(raw, &sub); err != nil {
			log.Printf("[tickserver] bad client message: %v", err)
			continue
		}
		c.subscribe(sub.Subscribe)
		log.Printf("[tickserver] %s subscribed to %v", conn.RemoteAddr(), sub.Subscribe)
	}
}

// walkPrice applies a small random walk (up to ±0.05%) rounded to the 0.05 tick.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.1 - 0.05) / 100.0
	next := math.Round(price*(1+pct)*20) / 20
	if next < 0.05 {
		next = 0.05
	}
	return next
}

func runGenerator(h *hub, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for now := range ticker.C {
		for i := range instruments {
			in := &instruments[i]
			in.Price = walkPrice(rng, in.Price)
			qty := int64(rng.Intn(10)+1) * 25
			in.Volume += qty

			b, err := json.Marshal(wssim.Message{
				Token:        in.Token,
				LastPrice:    in.Price,
				LastQuantity: qty,
				Volume:       in.Volume,
				Time:         now.In(markethours.IST),
			})
			if err != nil {
				continue
			}
			h.broadcast(in.Token, b)
		}
	}
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting synthetic tick server...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	instruments := parseInstruments(envOrDefault("TICK_TOKENS", "256265:22500"))
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no instruments configured via TICK_TOKENS")
	}
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 250)) * time.Millisecond
	log.Printf("[tickserver] instruments: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %v", interval)

	h := newHub()
	go runGenerator(h, instruments, interval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] listening on %s (ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// parseInstruments parses TOKEN:PRICE pairs. A missing price starts at 100.
func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		token, err := strconv.ParseUint(strings.TrimSpace(seg[0]), 10, 32)
		if err != nil || token == 0 {
			log.Printf("[tickserver] skipping invalid token spec: %q", part)
			continue
		}
		price := 100.0
		if len(seg) == 2 {
			if p, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64); err == nil && p > 0 {
				price = p
			}
		}
		result = append(result, instrument{Token: uint32(token), Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
