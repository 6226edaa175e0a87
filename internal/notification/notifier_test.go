package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"optiontrader/internal/model"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *captureNotifier) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return c.err
}

func TestMultiJoinsErrors(t *testing.T) {
	ok := &captureNotifier{}
	bad := &captureNotifier{err: errors.New("down")}
	err := Multi{ok, bad}.Send(context.Background(), Alert{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "down") {
		t.Fatalf("err = %v", err)
	}
	if len(ok.alerts) != 1 || len(bad.alerts) != 1 {
		t.Fatal("every backend should receive the alert")
	}
}

func TestAsyncDeliversBeforeClose(t *testing.T) {
	c := &captureNotifier{}
	a := NewAsync(c, 4, time.Second)
	for i := 0; i < 3; i++ {
		if err := a.Send(context.Background(), Alert{Title: "t"}); err != nil {
			t.Fatal(err)
		}
	}
	a.Close()
	if len(c.alerts) != 3 {
		t.Fatalf("delivered %d, want 3", len(c.alerts))
	}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Alert{Level: AlertWarning, Title: "Exit", Message: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if got["level"] != "WARNING" || got["title"] != "Exit" || got["source"] != "optiontrader" {
		t.Fatalf("payload = %v", got)
	}
}

func TestTelegramEscapesMarkdown(t *testing.T) {
	var body map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&body)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("abc", "42")
	n.apiBase = srv.URL
	if err := n.Send(context.Background(), Alert{Title: "BUY signal", Message: "price 24010.50"}); err != nil {
		t.Fatal(err)
	}
	if path != "/botabc/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if text, _ := body["text"].(string); !strings.Contains(text, `24010\.50`) {
		t.Errorf("text not escaped: %q", text)
	}
}

func TestAlertsFromDomain(t *testing.T) {
	sig := model.Signal{Type: model.Buy, Price: 24010, Time: time.Date(2024, 11, 14, 10, 0, 0, 0, time.UTC)}
	a := SignalAlert(sig, "NIFTY", "NIFTY24NOV24000CE")
	if a.Title != "BUY signal on NIFTY" || !strings.Contains(a.Message, "NIFTY24NOV24000CE") {
		t.Errorf("signal alert = %+v", a)
	}

	ex := ExitAlert(model.OrderRecord{InstrumentName: "X", ExitReason: model.ReasonATRStop, PnL: -3})
	if ex.Level != AlertWarning || !strings.Contains(ex.Title, "ATR Stop") {
		t.Errorf("exit alert = %+v", ex)
	}
}

func TestWebhookUsesEventTime(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	at := time.Date(2026, 3, 2, 10, 5, 0, 0, time.UTC)
	n := NewWebhookNotifier(srv.URL)
	n.now = func() time.Time { t.Fatal("clock read for a timed alert"); return time.Time{} }
	if err := n.Send(context.Background(), Alert{Title: "x", Time: at}); err != nil {
		t.Fatal(err)
	}
	if !got.Time.Equal(at) {
		t.Fatalf("ts = %v, want %v", got.Time, at)
	}
}

func TestHTTPErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false,"description":"chat not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("abc", "42")
	n.apiBase = srv.URL
	err := n.Send(context.Background(), Alert{Level: AlertCritical, Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") || !strings.Contains(err.Error(), "400") {
		t.Fatalf("err = %v", err)
	}
}

func TestTelegramInfoIsSilent(t *testing.T) {
	var msgs []telegramMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m telegramMessage
		json.NewDecoder(r.Body).Decode(&m)
		msgs = append(msgs, m)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("abc", "42")
	n.apiBase = srv.URL
	n.Send(context.Background(), Alert{Level: AlertInfo, Title: "a"})
	n.Send(context.Background(), Alert{Level: AlertWarning, Title: "b"})
	if len(msgs) != 2 || !msgs[0].DisableNotification || msgs[1].DisableNotification {
		t.Fatalf("messages = %+v", msgs)
	}
}
