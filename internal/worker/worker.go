// Package worker runs the per-tick breach evaluation for monitored orders.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"tpsl-core/internal/position"
	"tpsl-core/internal/queue"
)

// ErrPriceUnavailable marks a tick where no cached price existed for the
// order's symbol. It is always transient: the queue retries it like any
// other recoverable failure.
var ErrPriceUnavailable = errors.New("price unavailable")

// PriceSource supplies the latest cached tick per symbol.
type PriceSource interface {
	LastTick(symbol string) (position.PriceTick, bool)
}

// Closer flattens a position once a breach is confirmed.
type Closer interface {
	Close(ctx context.Context, req position.ClosureRequest) (position.ClosureResult, error)
}

// OrderMonitor evaluates one order per due tick: look up the cached
// price, check both thresholds, and on a breach delegate the close. It
// never mutates persisted order state itself.
type OrderMonitor struct {
	prices PriceSource
	closer Closer
	log    *zap.Logger

	processed atomic.Int64
	breaches  atomic.Int64
	stopped   atomic.Bool
}

func NewOrderMonitor(prices PriceSource, closer Closer, log *zap.Logger) *OrderMonitor {
	return &OrderMonitor{
		prices: prices,
		closer: closer,
		log:    log.Named("worker"),
	}
}

// Handle is the queue consumer. Returning (true, nil) retires the job;
// (false, nil) reschedules it; an error triggers the retry policy.
func (w *OrderMonitor) Handle(ctx context.Context, job queue.Job) (bool, error) {
	if w.stopped.Load() {
		// Treated as transient so the job survives a restart.
		return false, errors.New("worker stopped")
	}
	w.processed.Add(1)

	order := job.Order
	tick, ok := w.prices.LastTick(order.Symbol)
	if !ok || tick.Price <= 0 {
		return false, fmt.Errorf("%w: %s", ErrPriceUnavailable, order.Symbol)
	}

	reason, breached := evaluate(&order, tick.Price)
	if !breached {
		return false, nil
	}

	w.breaches.Add(1)
	w.log.Info("threshold breached",
		zap.String("deal_id", order.DealID),
		zap.String("symbol", order.Symbol),
		zap.String("reason", string(reason)),
		zap.Float64("price", tick.Price))

	if _, err := w.closer.Close(ctx, position.ClosureRequest{
		Order:      order,
		Reason:     reason,
		ClosePrice: tick.Price,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// evaluate checks the order's thresholds against the current price.
// Stop-loss wins when both sides would fire on the same tick.
func evaluate(order *position.MonitoredOrder, price float64) (position.AlertType, bool) {
	var tp, sl *position.PriceAlert
	for _, a := range order.Alerts() {
		a := a
		switch a.Type {
		case position.TakeProfit:
			tp = &a
		case position.StopLoss:
			sl = &a
		}
	}
	if sl != nil && sl.Triggered(price) {
		return position.StopLoss, true
	}
	if tp != nil && tp.Triggered(price) {
		return position.TakeProfit, true
	}
	return "", false
}

// Shutdown stops accepting new ticks. In-flight ones finish on their own;
// the queue's waitgroup is what actually waits for them.
func (w *OrderMonitor) Shutdown() {
	w.stopped.Store(true)
}

// Stats reports the worker's aggregate counters.
type Stats struct {
	JobsProcessed int64 `json:"jobs_processed"`
	Breaches      int64 `json:"breaches"`
	Stopped       bool  `json:"stopped"`
}

func (w *OrderMonitor) Stats() Stats {
	return Stats{
		JobsProcessed: w.processed.Load(),
		Breaches:      w.breaches.Load(),
		Stopped:       w.stopped.Load(),
	}
}

// Healthy reports whether the worker still accepts ticks.
func (w *OrderMonitor) Healthy() bool { return !w.stopped.Load() }
