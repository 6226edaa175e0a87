// Package wssim is the live tick source: a websocket client for a plain
// JSON tick feed (cmd/tickserver or any feed speaking the same format).
//
// One message is one tick:
//
//	{"token":256265,"ltp":22510.5,"ltq":75,"volume":1250000,"ts":"2026-03-02T09:15:01.25+05:30"}
//
// Every message is decoded strictly at this boundary. Unknown fields, a
// zero token, a non-positive price or a missing timestamp reject the
// message before it reaches the pipeline.
package wssim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"optiontrader/internal/markethours"
	"optiontrader/internal/model"
)

// Message is the wire form of a tick.
type Message struct {
	Token        uint32    `json:"token"`
	LastPrice    float64   `json:"ltp"`
	LastQuantity int64     `json:"ltq"`
	Volume       int64     `json:"volume"`
	AveragePrice float64   `json:"avg,omitempty"`
	OI           int64     `json:"oi,omitempty"`
	BidPrice     float64   `json:"bid,omitempty"`
	BidQty       int64     `json:"bid_qty,omitempty"`
	AskPrice     float64   `json:"ask,omitempty"`
	AskQty       int64     `json:"ask_qty,omitempty"`
	Time         time.Time `json:"ts"`
}

// FromTick converts a tick to its wire form.
func FromTick(t model.Tick) Message {
	return Message{
		Token:        t.Token,
		LastPrice:    t.LastPrice,
		LastQuantity: t.LastQuantity,
		Volume:       t.Volume,
		AveragePrice: t.AveragePrice,
		OI:           t.OI,
		BidPrice:     t.BidPrice,
		BidQty:       t.BidQty,
		AskPrice:     t.AskPrice,
		AskQty:       t.AskQty,
		Time:         t.TickTime,
	}
}

// Decode errors.
var (
	ErrNoToken = errors.New("wssim: missing token")
	ErrNoPrice = errors.New("wssim: non-positive price")
	ErrNoTime  = errors.New("wssim: missing timestamp")
)

// Decode parses and validates one message. receivedAt stamps the tick.
func Decode(raw []byte, receivedAt time.Time) (model.Tick, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var m Message
	if err := dec.Decode(&m); err != nil {
		return model.Tick{}, fmt.Errorf("wssim decode: %w", err)
	}
	if dec.More() {
		return model.Tick{}, fmt.Errorf("wssim decode: trailing data")
	}
	switch {
	case m.Token == 0:
		return model.Tick{}, ErrNoToken
	case m.LastPrice <= 0:
		return model.Tick{}, ErrNoPrice
	case m.Time.IsZero():
		return model.Tick{}, ErrNoTime
	}
	return model.Tick{
		Token:        m.Token,
		LastPrice:    m.LastPrice,
		LastQuantity: m.LastQuantity,
		Volume:       m.Volume,
		AveragePrice: m.AveragePrice,
		OI:           m.OI,
		BidPrice:     m.BidPrice,
		BidQty:       m.BidQty,
		AskPrice:     m.AskPrice,
		AskQty:       m.AskQty,
		TickTime:     m.Time.In(markethours.IST),
		ReceivedAt:   receivedAt.In(markethours.IST),
	}, nil
}

// Config holds configuration for the feed client.
type Config struct {
	// URL of the tick server, e.g. "ws://localhost:9001/ws".
	URL string

	// Tokens, when set, are sent as {"subscribe":[...]} after connecting.
	Tokens []uint32

	// ReconnectDelay is the initial backoff. Default 2s.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the backoff. Default 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// SubscribeMsg is sent by the client after connecting.
type SubscribeMsg struct {
	Subscribe []uint32 `json:"subscribe"`
}

// Ingest reads ticks from the feed and submits them.
type Ingest struct {
	cfg Config
	now func() time.Time

	// Optional hooks.
	OnConnect   func()
	OnReconnect func()
	OnReject    func(err error)
}

// New creates an Ingest. Returns an error if the URL is unparseable.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("wssim url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("wssim url: unsupported scheme %q", u.Scheme)
	}
	return &Ingest{cfg: cfg, now: time.Now}, nil
}

// Start streams ticks into submit until ctx is cancelled, reconnecting
// with exponential backoff. submit must not block; its result is ignored
// here because the pipeline counts its own drops.
func (ing *Ingest) Start(ctx context.Context, submit func(model.Tick) bool) error {
	delay := ing.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := ing.runOnce(ctx, submit)
		if err == nil {
			return nil
		}
		if connected {
			delay = ing.cfg.ReconnectDelay
		}

		log.Printf("[wssim] disconnected (%v), reconnecting in %s", err, delay)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes one connection and reads until disconnect. A nil error
// means ctx was cancelled.
func (ing *Ingest) runOnce(ctx context.Context, submit func(model.Tick) bool) (connected bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	log.Printf("[wssim] connected to %s", ing.cfg.URL)
	if ing.OnConnect != nil {
		ing.OnConnect()
	}

	if len(ing.cfg.Tokens) > 0 {
		if err := conn.WriteJSON(SubscribeMsg{Subscribe: ing.cfg.Tokens}); err != nil {
			return true, fmt.Errorf("subscribe: %w", err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		tick, err := Decode(raw, ing.now())
		if err != nil {
			if ing.OnReject != nil {
				ing.OnReject(err)
			}
			log.Printf("[wssim] rejected message: %v", err)
			continue
		}
		submit(tick)
	}
}
