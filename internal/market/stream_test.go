package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestParseTickerMessage(t *testing.T) {
	msg := []byte(`{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"43250.10","P":"-1.25","v":"18345.2"}`)

	tick, err := parseTickerMessage(msg)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if tick.Symbol != "BTCUSDT" {
		t.Fatalf("symbol=%q", tick.Symbol)
	}
	if tick.Price != 43250.10 {
		t.Fatalf("price=%v", tick.Price)
	}
	if tick.PriceChange24h != -1.25 {
		t.Fatalf("change=%v", tick.PriceChange24h)
	}
	if tick.Volume24h != 18345.2 {
		t.Fatalf("volume=%v", tick.Volume24h)
	}
	if !tick.Timestamp.Equal(time.UnixMilli(1700000000000)) {
		t.Fatalf("timestamp=%v", tick.Timestamp)
	}
}

func TestParseTickerMessageRejectsPartialPayload(t *testing.T) {
	for _, msg := range []string{
		`{"e":"24hrTicker"}`,
		`{"s":"BTCUSDT","c":"not-a-number"}`,
		`not json`,
	} {
		if _, err := parseTickerMessage([]byte(msg)); err == nil {
			t.Fatalf("expected error for %q", msg)
		}
	}
}

func TestStopDuringTickBurstClosesChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	msg := []byte(`{"e":"24hrTicker","E":1700000000000,"s":"BTCUSDT","c":"100.0","P":"0.1","v":"1.0"}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Flood well past the subscriber buffer, then hold the
		// connection open until the client closes it.
		for i := 0; i < 200; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	feed := NewStreamFeed("ws"+strings.TrimPrefix(srv.URL, "http"), zap.NewNop())
	out, stop, err := feed.Subscribe(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Leave the channel unconsumed so the read goroutine is blocked on a
	// send when stop arrives.
	time.Sleep(100 * time.Millisecond)
	stop()
	stop() // idempotent

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-out:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("tick channel never closed after stop")
		}
	}
}
