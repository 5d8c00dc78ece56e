package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"tpsl-core/internal/position"
)

// MockFeed generates synthetic random-walk ticks for local development and
// tests. Prices per symbol persist across subscriptions.
type MockFeed struct {
	StartPrice float64
	Step       float64
	Interval   time.Duration

	mu     sync.Mutex
	prices map[string]float64
}

// NewMockFeed creates a mock feed with sensible defaults.
func NewMockFeed() *MockFeed {
	return &MockFeed{
		StartPrice: 100.0,
		Step:       0.5,
		Interval:   time.Second,
		prices:     make(map[string]float64),
	}
}

// Subscribe emits a synthetic tick per interval until stopped.
func (m *MockFeed) Subscribe(ctx context.Context, symbol string) (<-chan position.PriceTick, func(), error) {
	out := make(chan position.PriceTick, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		defer close(out)
		t := time.NewTicker(m.interval())
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				tick := position.PriceTick{
					Symbol:    symbol,
					Price:     m.next(symbol),
					Timestamp: time.Now(),
				}
				select {
				case out <- tick:
				default:
				}
			}
		}
	}()

	return out, stop, nil
}

// SetPrice pins the next price for a symbol, used by tests to steer breaches.
func (m *MockFeed) SetPrice(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
}

func (m *MockFeed) next(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	price, ok := m.prices[symbol]
	if !ok {
		price = m.StartPrice
	}
	// simple random walk
	price += (rand.Float64()*2 - 1) * m.Step
	m.prices[symbol] = price
	return price
}

func (m *MockFeed) interval() time.Duration {
	if m.Interval <= 0 {
		return time.Second
	}
	return m.Interval
}
