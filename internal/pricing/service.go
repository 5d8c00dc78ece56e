// Package pricing implements the price monitor: it caches the latest tick per
// symbol, keeps the registry of per-order price alerts and fires trigger
// events the moment a tick crosses a target.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tpsl-core/internal/events"
	"tpsl-core/internal/market"
	"tpsl-core/internal/monitor"
	"tpsl-core/internal/position"
)

// ErrNotRunning is returned when symbols are added before Start.
var ErrNotRunning = errors.New("price monitor is not running")

// Config tunes health evaluation.
type Config struct {
	// StaleAfter is how long the cache may go without any tick before the
	// service reports unhealthy (only while symbols are tracked).
	StaleAfter time.Duration
	// FailedFetchCeiling is the rolling failure count at which the service
	// reports unhealthy. The counter decays on every health check.
	FailedFetchCeiling int
}

// Service is the price monitor.
type Service struct {
	feed    market.Feed
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *zap.Logger
	cfg     Config

	mu      sync.Mutex
	symbols map[string]*symbolState

	running       atomic.Bool
	failedFetches atomic.Int64
	lastUpdate    atomic.Int64 // unix nanos of the most recent tick
	ticksTotal    atomic.Uint64
	alertsFired   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// symbolState holds everything tracked for one symbol. The symbol's consume
// goroutine is the only writer of lastTick, so reads are a lock-free atomic
// pointer load.
type symbolState struct {
	stop       func()
	subscribed bool
	alerts     []position.PriceAlert
	lastTick   atomic.Pointer[position.PriceTick]
}

// NewService builds the price monitor.
func NewService(feed market.Feed, bus *events.Bus, metrics *monitor.Metrics, log *zap.Logger, cfg Config) *Service {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if cfg.FailedFetchCeiling <= 0 {
		cfg.FailedFetchCeiling = 5
	}
	return &Service{
		feed:    feed,
		bus:     bus,
		metrics: metrics,
		log:     log,
		cfg:     cfg,
		symbols: make(map[string]*symbolState),
	}
}

// Start makes the service accept symbols. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if s.running.Swap(true) {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.log.Info("price monitor started")
}

// Stop tears down all subscriptions and lets consume goroutines drain.
func (s *Service) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.mu.Lock()
	for sym, st := range s.symbols {
		st.stop()
		delete(s.symbols, sym)
	}
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("price monitor stopped")
}

// AddSymbol subscribes the symbol with the price feed if not already tracked.
// Idempotent.
func (s *Service) AddSymbol(symbol string) error {
	if !s.running.Load() {
		return ErrNotRunning
	}

	s.mu.Lock()
	st, tracked := s.symbols[symbol]
	if tracked && st.subscribed {
		s.mu.Unlock()
		return nil
	}
	if !tracked {
		st = &symbolState{stop: func() {}}
		s.symbols[symbol] = st
	}
	// Mark before dialing so concurrent adds stay idempotent.
	st.subscribed = true
	s.mu.Unlock()

	ticks, stop, err := s.feed.Subscribe(s.ctx, symbol)
	if err != nil {
		s.failedFetches.Add(1)
		s.mu.Lock()
		st.subscribed = false
		if len(st.alerts) == 0 {
			delete(s.symbols, symbol)
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}

	s.mu.Lock()
	st.stop = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consume(symbol, st, ticks)
	s.log.Info("symbol tracked", zap.String("symbol", symbol))
	return nil
}

// RemoveSymbol stops tracking and discards the cached price and alerts for
// the symbol. The caller is responsible for knowing no other order needs it.
func (s *Service) RemoveSymbol(symbol string) {
	s.mu.Lock()
	st, ok := s.symbols[symbol]
	if ok {
		delete(s.symbols, symbol)
	}
	s.mu.Unlock()
	if ok {
		st.stop()
		s.log.Info("symbol untracked", zap.String("symbol", symbol))
	}
}

// AddAlert inserts the alert into the per-symbol list, replacing any existing
// alert for the same (dealID, type) so threshold updates supersede instead of
// duplicating.
func (s *Service) AddAlert(alert position.PriceAlert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.symbols[alert.Symbol]
	if !ok {
		st = &symbolState{stop: func() {}}
		s.symbols[alert.Symbol] = st
	}

	for i, existing := range st.alerts {
		if existing.DealID == alert.DealID && existing.Type == alert.Type {
			st.alerts[i] = alert
			return
		}
	}
	st.alerts = append(st.alerts, alert)
}

// RemoveAlert removes the order's alerts. When symbol is empty every tracked
// symbol is scanned.
func (s *Service) RemoveAlert(dealID, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if symbol != "" {
		if st, ok := s.symbols[symbol]; ok {
			st.alerts = dropDeal(st.alerts, dealID)
		}
		return
	}
	for _, st := range s.symbols {
		st.alerts = dropDeal(st.alerts, dealID)
	}
}

func dropDeal(alerts []position.PriceAlert, dealID string) []position.PriceAlert {
	out := alerts[:0]
	for _, a := range alerts {
		if a.DealID != dealID {
			out = append(out, a)
		}
	}
	return out
}

// AlertCount returns how many alerts exist for a deal (0 = none).
func (s *Service) AlertCount(dealID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.symbols {
		for _, a := range st.alerts {
			if a.DealID == dealID {
				n++
			}
		}
	}
	return n
}

// LastTick returns the cached tick for a symbol.
func (s *Service) LastTick(symbol string) (position.PriceTick, bool) {
	s.mu.Lock()
	st, ok := s.symbols[symbol]
	s.mu.Unlock()
	if !ok {
		return position.PriceTick{}, false
	}
	tick := st.lastTick.Load()
	if tick == nil {
		return position.PriceTick{}, false
	}
	return *tick, true
}

func (s *Service) consume(symbol string, st *symbolState, ticks <-chan position.PriceTick) {
	defer s.wg.Done()
	for tick := range ticks {
		s.handleTick(st, tick)
	}
	// Stream ended. If we still track the symbol this was not a deliberate
	// removal; count it against health so a dead feed surfaces, and allow a
	// later AddSymbol to resubscribe.
	s.mu.Lock()
	st2, stillTracked := s.symbols[symbol]
	if stillTracked && st2 == st {
		st.subscribed = false
	}
	s.mu.Unlock()
	if stillTracked && s.running.Load() {
		s.failedFetches.Add(1)
		s.log.Warn("price stream ended unexpectedly", zap.String("symbol", symbol))
	}
}

// handleTick replaces the cached price and evaluates every alert on the
// symbol. Fired alerts are removed atomically from the registry and published
// exactly once; the rest persist unchanged.
func (s *Service) handleTick(st *symbolState, tick position.PriceTick) {
	timer := monitor.NewTimer(s.metrics.TickLatencyWindow)

	st.lastTick.Store(&tick)
	s.lastUpdate.Store(tick.Timestamp.UnixNano())
	s.ticksTotal.Add(1)
	s.metrics.TicksProcessed.WithLabelValues(tick.Symbol).Inc()

	var fired []position.PriceAlert
	s.mu.Lock()
	kept := st.alerts[:0]
	for _, a := range st.alerts {
		if a.Triggered(tick.Price) {
			fired = append(fired, a)
		} else {
			kept = append(kept, a)
		}
	}
	st.alerts = kept
	s.mu.Unlock()

	for _, a := range fired {
		s.alertsFired.Add(1)
		s.metrics.AlertsTriggered.WithLabelValues(string(a.Type)).Inc()
		s.log.Info("price alert triggered",
			zap.String("deal_id", a.DealID),
			zap.String("symbol", a.Symbol),
			zap.String("type", string(a.Type)),
			zap.Float64("target", a.TargetPrice),
			zap.Float64("price", tick.Price))
		s.bus.Publish(events.EventAlertTriggered, events.AlertTriggered{
			Alert: a,
			Price: tick.Price,
			At:    tick.Timestamp,
		})
	}

	elapsed := timer.Stop()
	s.metrics.TickEvalLatency.Observe(float64(elapsed.Nanoseconds()) / 1e6)
	s.bus.Publish(events.EventPriceTick, tick)
}

// DecayFailures reduces the rolling failure counter by one, so isolated
// blips self-heal. Called from the periodic health poll.
func (s *Service) DecayFailures() {
	for {
		cur := s.failedFetches.Load()
		if cur <= 0 {
			return
		}
		if s.failedFetches.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// RecordFailure bumps the rolling failure counter. Exposed for collaborators
// that observe fetch failures on the service's behalf.
func (s *Service) RecordFailure() {
	s.failedFetches.Add(1)
}

// Healthy reports the service health: running, failures under the ceiling,
// and (no symbols tracked OR a tick seen within StaleAfter).
func (s *Service) Healthy() bool {
	if !s.running.Load() {
		return false
	}
	if int(s.failedFetches.Load()) >= s.cfg.FailedFetchCeiling {
		return false
	}
	s.mu.Lock()
	tracked := len(s.symbols)
	s.mu.Unlock()
	if tracked == 0 {
		return true
	}
	last := s.lastUpdate.Load()
	return last > 0 && time.Since(time.Unix(0, last)) <= s.cfg.StaleAfter
}

// Stats is the snapshot served by the admin API.
type Stats struct {
	Running        bool                 `json:"running"`
	Symbols        int                  `json:"symbols"`
	Alerts         int                  `json:"alerts"`
	TicksProcessed uint64               `json:"ticks_processed"`
	AlertsFired    uint64               `json:"alerts_fired"`
	FailedFetches  int64                `json:"failed_fetches"`
	LastUpdate     time.Time            `json:"last_update"`
	TickLatency    monitor.LatencyStats `json:"tick_latency"`
}

// GetStats returns a point-in-time snapshot.
func (s *Service) GetStats() Stats {
	s.mu.Lock()
	symbols := len(s.symbols)
	alerts := 0
	for _, st := range s.symbols {
		alerts += len(st.alerts)
	}
	s.mu.Unlock()

	var last time.Time
	if ns := s.lastUpdate.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}

	return Stats{
		Running:        s.running.Load(),
		Symbols:        symbols,
		Alerts:         alerts,
		TicksProcessed: s.ticksTotal.Load(),
		AlertsFired:    s.alertsFired.Load(),
		FailedFetches:  s.failedFetches.Load(),
		LastUpdate:     last,
		TickLatency:    s.metrics.TickLatencyWindow.Stats(),
	}
}
