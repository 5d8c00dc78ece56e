package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tpsl-core/internal/position"
)

// StreamFeed subscribes to an exchange's public 24h-ticker websocket streams,
// one connection per symbol. Subscriptions are throttled so a burst of order
// admissions cannot hammer the exchange with connection attempts.
type StreamFeed struct {
	streamURL string
	dialer    *websocket.Dialer
	limiter   *rate.Limiter
	log       *zap.Logger
}

// NewStreamFeed builds a websocket feed rooted at streamURL
// (e.g. "wss://stream.binance.com:9443/ws").
func NewStreamFeed(streamURL string, log *zap.Logger) *StreamFeed {
	return &StreamFeed{
		streamURL: strings.TrimRight(streamURL, "/"),
		dialer:    websocket.DefaultDialer,
		limiter:   rate.NewLimiter(rate.Limit(5), 10),
		log:       log,
	}
}

// tickerMessage mirrors the exchange 24hr ticker payload. EventType must
// be declared so the lowercase "e" key cannot fall back onto the "E" field
// through case-insensitive matching.
type tickerMessage struct {
	EventType      string `json:"e"`
	Symbol         string `json:"s"`
	LastPrice      string `json:"c"`
	PriceChangePct string `json:"P"`
	Volume         string `json:"v"`
	EventTime      int64  `json:"E"`
}

// Subscribe opens the ticker stream for a symbol and pushes parsed ticks into
// a channel. It returns the channel and a stop function.
func (f *StreamFeed) Subscribe(ctx context.Context, symbol string) (<-chan position.PriceTick, func(), error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("feed subscribe throttled: %w", err)
	}

	// Exchanges require lowercase symbols in stream names.
	u := fmt.Sprintf("%s/%s@ticker", f.streamURL, strings.ToLower(symbol))
	conn, _, err := f.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial ticker stream: %w", err)
	}

	out := make(chan position.PriceTick, 100)
	done := make(chan struct{})
	var once sync.Once
	// Only signals the reader; out is closed by its sole sender, the read
	// goroutine, so a send can never race the close.
	stop := func() {
		once.Do(func() {
			close(done)
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		})
	}

	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				// If the connection was closed by caller/context, exit quietly.
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				f.log.Warn("ticker stream read error", zap.String("symbol", symbol), zap.Error(err))
				return
			}

			tick, err := parseTickerMessage(msg)
			if err != nil {
				f.log.Warn("ticker stream parse error", zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			select {
			case out <- tick:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, stop, nil
}

func parseTickerMessage(msg []byte) (position.PriceTick, error) {
	var tm tickerMessage
	if err := json.Unmarshal(msg, &tm); err != nil {
		return position.PriceTick{}, fmt.Errorf("unmarshal ticker: %w", err)
	}
	if tm.Symbol == "" || tm.LastPrice == "" {
		return position.PriceTick{}, fmt.Errorf("ticker message missing fields")
	}

	price, err := strconv.ParseFloat(tm.LastPrice, 64)
	if err != nil {
		return position.PriceTick{}, fmt.Errorf("parse last price %q: %w", tm.LastPrice, err)
	}
	change, _ := strconv.ParseFloat(tm.PriceChangePct, 64)
	volume, _ := strconv.ParseFloat(tm.Volume, 64)

	ts := time.Now()
	if tm.EventTime > 0 {
		ts = time.UnixMilli(tm.EventTime)
	}

	return position.PriceTick{
		Symbol:         tm.Symbol,
		Price:          price,
		Volume24h:      volume,
		PriceChange24h: change,
		Timestamp:      ts,
	}, nil
}
