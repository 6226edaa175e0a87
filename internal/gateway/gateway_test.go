package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiontrader/internal/model"
)

type env struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         time.Time       `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
}

func TestEnvelopeIsValidJSON(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	raw := envelope("ltp:256265", []byte(`{"kind":"ltp","price":22500.5}`), now, 7, 3)

	var e env
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, "ltp:256265", e.Channel)
	assert.Equal(t, int64(7), e.Seq)
	assert.Equal(t, int64(3), e.ChannelSeq)
	assert.True(t, e.TS.Equal(now))
	assert.JSONEq(t, `{"kind":"ltp","price":22500.5}`, string(e.Data))
}

func TestChannelOf(t *testing.T) {
	assert.Equal(t, "status", ChannelOf(model.Event{Kind: model.EventStatus}))
	assert.Equal(t, "signal:256265", ChannelOf(model.Event{Kind: model.EventSignal, Token: 256265}))
}

func TestBroadcastSequences(t *testing.T) {
	h := NewHub()
	h.Broadcast(model.Event{Kind: model.EventLTP, Token: 1})
	h.Broadcast(model.Event{Kind: model.EventLTP, Token: 2})
	h.Broadcast(model.Event{Kind: model.EventLTP, Token: 1})

	assert.Equal(t, int64(3), h.Seq())
	missed := h.Missed("ltp:1", 0)
	require.Len(t, missed, 2)

	var e env
	require.NoError(t, json.Unmarshal(missed[1], &e))
	assert.Equal(t, int64(3), e.Seq)
	assert.Equal(t, int64(2), e.ChannelSeq)
	assert.Len(t, h.Missed("", 1), 2)
}

func TestHistoryWraps(t *testing.T) {
	hist := NewHistory(3)
	for i := int64(1); i <= 5; i++ {
		hist.Add(i, "c", []byte{byte('0' + i)})
	}
	assert.Equal(t, int64(3), hist.Oldest())
	assert.Equal(t, [][]byte{[]byte("4"), []byte("5")}, hist.Since(3, ""))
	assert.Empty(t, hist.Since(1, "other"))
}

func TestLatencyPercentiles(t *testing.T) {
	lt := NewLatencyTracker(1000)
	p50, _, _ := lt.Percentiles()
	assert.Zero(t, p50)

	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}
	lt.Record(-time.Second)

	p50, p95, p99 := lt.Percentiles()
	assert.Equal(t, 100, lt.Count())
	assert.InDelta(t, 50.5, float64(p50)/float64(time.Millisecond), 0.01)
	assert.InDelta(t, 95.05, float64(p95)/float64(time.Millisecond), 0.01)
	assert.InDelta(t, 99.01, float64(p99)/float64(time.Millisecond), 0.01)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readEnvelopes reads one frame and splits coalesced envelopes.
func readEnvelopes(t *testing.T, conn *websocket.Conn) []env {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out []env
	for _, line := range bytes.Split(raw, []byte{'\n'}) {
		var e env
		require.NoError(t, json.Unmarshal(line, &e))
		out = append(out, e)
	}
	return out
}

func TestClientReceivesFilteredStream(t *testing.T) {
	h := NewHub()
	mux := http.NewServeMux()
	RegisterRoutes(mux, h, time.Now())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(ClientMsg{Type: "SUBSCRIBE", Filter: Filter{Kinds: []model.EventKind{model.EventSignal}}}))
	// The filter is applied by the read pump; wait until it is in place.
	require.Eventually(t, func() bool {
		for c := range snapshotClients(h) {
			if !c.matches(model.Event{Kind: model.EventLTP}) {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	events := make(chan model.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, events)

	events <- model.Event{Kind: model.EventLTP, Token: 1}
	events <- model.Event{Kind: model.EventSignal, Token: 1, Signal: &model.Signal{Price: 105}}

	got := readEnvelopes(t, conn)
	require.Len(t, got, 1)
	assert.Equal(t, "signal:1", got[0].Channel)
	assert.Equal(t, int64(2), got[0].Seq)
}

func TestReconnectReplaysMissed(t *testing.T) {
	h := NewHub()
	mux := http.NewServeMux()
	RegisterRoutes(mux, h, time.Now())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	for i := 0; i < 3; i++ {
		h.Broadcast(model.Event{Kind: model.EventStatus, Text: "s"})
	}

	conn := dial(t, srv, "?last_seq=1")
	var seqs []int64
	for len(seqs) < 2 {
		for _, e := range readEnvelopes(t, conn) {
			seqs = append(seqs, e.Seq)
		}
	}
	assert.Equal(t, []int64{2, 3}, seqs)
}

func TestNewClientGetsLatestPerChannel(t *testing.T) {
	h := NewHub()
	mux := http.NewServeMux()
	RegisterRoutes(mux, h, time.Now())
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h.Broadcast(model.Event{Kind: model.EventLTP, Token: 1, Price: 10})
	h.Broadcast(model.Event{Kind: model.EventLTP, Token: 1, Price: 11})
	h.Broadcast(model.Event{Kind: model.EventLTP, Token: 2, Price: 20})

	conn := dial(t, srv, "")
	var got []env
	for len(got) < 2 {
		got = append(got, readEnvelopes(t, conn)...)
	}
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, int64(3), got[1].Seq)
}

func TestMissedEndpoint(t *testing.T) {
	h := NewHub()
	mux := http.NewServeMux()
	RegisterRoutes(mux, h, time.Now())
	h.Broadcast(model.Event{Kind: model.EventStatus, Text: "a"})
	h.Broadcast(model.Event{Kind: model.EventStatus, Text: "b"})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/missed?after=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []env
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, int64(2), out[0].Seq)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/missed?after=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func snapshotClients(h *Hub) map[*Client]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[*Client]bool, len(h.clients))
	for c := range h.clients {
		out[c] = true
	}
	return out
}
