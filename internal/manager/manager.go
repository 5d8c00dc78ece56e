// Package manager composes the monitoring subsystem and owns its
// lifecycle: event wiring, health polling and shutdown ordering.
package manager

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tpsl-core/internal/closure"
	"tpsl-core/internal/events"
	"tpsl-core/internal/monitor"
	"tpsl-core/internal/position"
	"tpsl-core/internal/pricing"
	"tpsl-core/internal/queue"
	"tpsl-core/internal/worker"
)

// Config tunes the orchestrator.
type Config struct {
	// HealthInterval is the period of the health poll that also decays
	// the rolling failure counters. Zero means 30s.
	HealthInterval time.Duration
}

// SystemHealth is the aggregated health snapshot exposed to operators.
type SystemHealth struct {
	Overall     bool            `json:"overall"`
	Components  map[string]bool `json:"components"`
	Initialized bool            `json:"initialized"`
	CheckedAt   time.Time       `json:"checked_at"`
}

// Manager wires the price monitor, queue, worker and closure service
// together. All collaborators are passed in at construction; nothing here
// is a process-wide singleton.
type Manager struct {
	pricing *pricing.Service
	queue   *queue.Manager
	worker  *worker.OrderMonitor
	closer  *closure.Service
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *zap.Logger
	cfg     Config

	initialized  atomic.Bool
	shuttingDown atomic.Bool
	startedAt    time.Time
	lastCheck    atomic.Int64 // unix nanos

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(
	ps *pricing.Service,
	qm *queue.Manager,
	om *worker.OrderMonitor,
	cs *closure.Service,
	bus *events.Bus,
	metrics *monitor.Metrics,
	log *zap.Logger,
	cfg Config,
) *Manager {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 30 * time.Second
	}
	return &Manager{
		pricing: ps,
		queue:   qm,
		worker:  om,
		closer:  cs,
		bus:     bus,
		metrics: metrics,
		log:     log.Named("manager"),
		cfg:     cfg,
	}
}

// Initialize starts the subsystem. Calling it again is a no-op.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.initialized.CompareAndSwap(false, true) {
		return nil
	}
	m.startedAt = time.Now()
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.pricing.Start(ctx)
	m.queue.Consume(m.worker.Handle)
	m.queue.OnExpire = func(order position.MonitoredOrder) {
		m.pricing.RemoveAlert(order.DealID, order.Symbol)
		m.log.Warn("order monitoring expired", zap.String("deal_id", order.DealID))
	}
	if err := m.queue.Start(ctx); err != nil {
		m.initialized.Store(false)
		return fmt.Errorf("start queue: %w", err)
	}

	m.wireEvents()

	m.wg.Add(1)
	go m.healthLoop()

	m.log.Info("monitoring subsystem initialized",
		zap.Duration("health_interval", m.cfg.HealthInterval))
	return nil
}

// wireEvents connects closure outcomes back to monitoring state: a closed
// order loses its job and alerts immediately, so a stale duplicate tick
// finds nothing to act on.
func (m *Manager) wireEvents() {
	closed, cancelClosed := m.bus.Subscribe(events.EventOrderClosed, 64)
	errs, cancelErrs := m.bus.Subscribe(events.EventClosureError, 64)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancelClosed()
		defer cancelErrs()
		for {
			select {
			case msg, ok := <-closed:
				if !ok {
					return
				}
				result, ok := msg.(position.ClosureResult)
				if !ok {
					continue
				}
				m.RemoveOrderFromMonitoring(context.Background(), result.DealID, "")
			case msg, ok := <-errs:
				if !ok {
					return
				}
				if ce, ok := msg.(events.ClosureError); ok {
					m.log.Error("closure failed",
						zap.String("deal_id", ce.DealID),
						zap.String("user_id", ce.UserID),
						zap.String("error", ce.Message))
				}
			case <-m.ctx.Done():
				return
			}
		}
	}()
}

// AddOrderToMonitoring admits an order: enqueue the recurring job, track
// its symbol and register its alerts. Failures are logged and reported as
// a boolean so the caller's order-placement flow is never blocked.
func (m *Manager) AddOrderToMonitoring(ctx context.Context, order position.MonitoredOrder) bool {
	if m.shuttingDown.Load() {
		m.log.Warn("admission refused during shutdown", zap.String("deal_id", order.DealID))
		return false
	}
	if err := m.queue.AddOrder(ctx, order); err != nil {
		m.log.Warn("order admission failed",
			zap.String("deal_id", order.DealID),
			zap.Error(err))
		return false
	}
	if err := m.pricing.AddSymbol(order.Symbol); err != nil {
		m.log.Error("symbol subscription failed, rolling back admission",
			zap.String("deal_id", order.DealID),
			zap.String("symbol", order.Symbol),
			zap.Error(err))
		_, _ = m.queue.RemoveOrder(ctx, order.DealID)
		return false
	}
	for _, alert := range order.Alerts() {
		m.pricing.AddAlert(alert)
	}
	m.log.Info("order admitted to monitoring",
		zap.String("deal_id", order.DealID),
		zap.String("symbol", order.Symbol),
		zap.Float64("take_profit", order.TakeProfit),
		zap.Float64("stop_loss", order.StopLoss))
	return true
}

// RemoveOrderFromMonitoring cancels the order's job and alerts. An empty
// symbol scans every tracked symbol for the alert.
func (m *Manager) RemoveOrderFromMonitoring(ctx context.Context, dealID, symbol string) bool {
	existed, err := m.queue.RemoveOrder(ctx, dealID)
	if err != nil {
		m.log.Error("job removal failed", zap.String("deal_id", dealID), zap.Error(err))
	}
	m.pricing.RemoveAlert(dealID, symbol)
	if existed {
		m.log.Info("order removed from monitoring", zap.String("deal_id", dealID))
	}
	return existed
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pricing.DecayFailures()
			m.queue.DecayFailures()
			health := m.GetSystemHealth()
			m.lastCheck.Store(time.Now().UnixNano())
			for name, ok := range health.Components {
				m.metrics.SetComponentHealth(name, ok)
			}
			m.metrics.EventsDropped.Set(float64(m.bus.Dropped()))
			m.queue.UpdateGauges(m.ctx)
			m.bus.Publish(events.EventHealthUpdate, health)
			if !health.Overall {
				m.log.Warn("system unhealthy", zap.Any("components", health.Components))
			}
		case <-m.ctx.Done():
			return
		}
	}
}

// GetSystemHealth aggregates per-component health. The overall flag is
// additionally gated on "initialized and not mid-shutdown".
func (m *Manager) GetSystemHealth() SystemHealth {
	components := map[string]bool{
		"price_monitor": m.pricing.Healthy(),
		"queue":         m.queue.Healthy(),
		"dead_letter":   m.queue.DeadLetterHealthy(),
		"worker":        m.worker.Healthy(),
		"closure":       m.closer.Healthy(),
	}
	overall := m.initialized.Load() && !m.shuttingDown.Load()
	for _, ok := range components {
		overall = overall && ok
	}
	return SystemHealth{
		Overall:     overall,
		Components:  components,
		Initialized: m.initialized.Load(),
		CheckedAt:   time.Now(),
	}
}

// GetUptime reports time since Initialize.
func (m *Manager) GetUptime() time.Duration {
	if !m.initialized.Load() {
		return 0
	}
	return time.Since(m.startedAt)
}

// GetLastHealthCheck reports when the health poll last ran, or the zero
// time if it has not run yet.
func (m *Manager) GetLastHealthCheck() time.Time {
	n := m.lastCheck.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Shutdown drains gracefully: the worker stops accepting ticks, the queue
// finishes in-flight jobs, then listeners and the price monitor stop.
// Errors are surfaced to the caller.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	m.log.Info("graceful shutdown started")

	m.worker.Shutdown()
	err := m.queue.Shutdown(ctx)

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.pricing.Stop()
	m.bus.Close()

	if err != nil {
		return fmt.Errorf("queue shutdown: %w", err)
	}
	m.log.Info("graceful shutdown complete")
	return nil
}

// EmergencyStop tears everything down in parallel, ignoring individual
// component errors. Termination is guaranteed over cleanliness.
func (m *Manager) EmergencyStop() {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	m.log.Warn("emergency stop")

	var wg sync.WaitGroup
	stop := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { _ = recover() }()
			f()
		}()
	}
	stop(m.worker.Shutdown)
	stop(m.pricing.Stop)
	stop(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.queue.Shutdown(ctx)
	})
	wg.Wait()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.bus.Close()
}
