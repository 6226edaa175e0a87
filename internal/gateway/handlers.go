package gateway

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"optiontrader/internal/markethours"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// SetCORS sets permissive CORS headers.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// RegisterRoutes mounts the gateway endpoints:
//
//	GET /ws?last_seq=N             websocket stream
//	GET /api/missed?after=N&channel=C  buffered envelopes after N
//	GET /api/gateway               client count, sequence, latency
func RegisterRoutes(mux *http.ServeMux, hub *Hub, processStart time.Time) {
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		lastSeq, _ := strconv.ParseInt(r.URL.Query().Get("last_seq"), 10, 64)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade: %v", err)
			return
		}
		conn.EnableWriteCompression(true)
		hub.Attach(conn, lastSeq)
	})

	mux.HandleFunc("/api/missed", func(w http.ResponseWriter, r *http.Request) {
		after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
		if err != nil || after < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "after must be a sequence number"})
			return
		}
		raw := hub.Missed(r.URL.Query().Get("channel"), after)
		out := make([]json.RawMessage, len(raw))
		for i, b := range raw {
			out[i] = b
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("/api/gateway", func(w http.ResponseWriter, r *http.Request) {
		p50, p95, p99 := hub.Latency()
		now := time.Now()
		writeJSON(w, http.StatusOK, map[string]any{
			"clients":       hub.ClientCount(),
			"seq":           hub.Seq(),
			"latency_p50":   p50.String(),
			"latency_p95":   p95.String(),
			"latency_p99":   p99.String(),
			"uptime":        now.Sub(processStart).Round(time.Second).String(),
			"market_open":   markethours.IsMarketOpen(now),
			"market_status": markethours.StatusString(now),
		})
	})
}
