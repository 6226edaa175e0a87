package gateway

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"optiontrader/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Filter limits what a client receives. Empty sets match everything.
type Filter struct {
	Kinds  []model.EventKind `json:"kinds"`
	Tokens []uint32          `json:"tokens"`
}

// ClientMsg is a control message from a client.
//
//	{"type":"SUBSCRIBE","kinds":["signal","trade"],"tokens":[256265]}
//	{"type":"UNSUBSCRIBE"}
//	{"type":"PING","ping":1709360000000}
type ClientMsg struct {
	Type string `json:"type"`
	Ping int64  `json:"ping,omitempty"`
	Filter
}

// Client is one websocket peer.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	addr   string
	send   chan []byte
	missed atomic.Int32

	mu     sync.RWMutex
	kinds  map[model.EventKind]bool
	tokens map[uint32]bool
}

func newClient(h *Hub, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		addr: conn.RemoteAddr().String(),
		send: make(chan []byte, buffer),
	}
}

// SetFilter replaces the client's filter.
func (c *Client) SetFilter(f Filter) {
	kinds := make(map[model.EventKind]bool, len(f.Kinds))
	for _, k := range f.Kinds {
		kinds[k] = true
	}
	tokens := make(map[uint32]bool, len(f.Tokens))
	for _, t := range f.Tokens {
		tokens[t] = true
	}
	c.mu.Lock()
	c.kinds, c.tokens = kinds, tokens
	c.mu.Unlock()
}

func (c *Client) matches(ev model.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) > 0 && !c.kinds[ev.Kind] {
		return false
	}
	// Status has no token and always passes the token filter.
	if len(c.tokens) > 0 && ev.Token != 0 && !c.tokens[ev.Token] {
		return false
	}
	return true
}

// offer queues env without blocking. It returns false once the client has
// missed too many envelopes in a row.
func (c *Client) offer(env []byte) bool {
	select {
	case c.send <- env:
		c.missed.Store(0)
		return true
	default:
		return c.missed.Add(1) < maxMissed
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// Coalesce queued envelopes into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		log.Printf("[gateway] client %s disconnected", c.addr)
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "SUBSCRIBE":
			c.SetFilter(msg.Filter)
		case "UNSUBSCRIBE":
			c.SetFilter(Filter{})
		case "PING":
			pong, _ := json.Marshal(map[string]int64{"pong": msg.Ping, "server_ts": time.Now().UnixMilli()})
			c.offer(pong)
		}
	}
}
