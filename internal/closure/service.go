// Package closure executes position closes triggered by monitoring and
// records their outcomes.
package closure

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tpsl-core/internal/events"
	"tpsl-core/internal/monitor"
	"tpsl-core/internal/position"
)

// OrderStore is the external persistence collaborator. It owns the
// authoritative order rows; this service only writes final closure state
// through it.
type OrderStore interface {
	CloseOrder(ctx context.Context, result position.ClosureResult) error
}

// Config tunes the service's health reporting.
type Config struct {
	// SuccessFloor is the minimum all-time success rate below which the
	// service reports unhealthy. Zero means the 0.90 default.
	SuccessFloor float64
	// ErrorHistory bounds the retained recent-error ring. Zero means 100.
	ErrorHistory int
}

// ErrorRecord is one retained failed close attempt.
type ErrorRecord struct {
	DealID  string    `json:"deal_id"`
	UserID  string    `json:"user_id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Service flattens positions when a threshold breach is reported. It
// computes the realized outcome at the triggering price, persists it via
// the order store and announces the result on the bus.
type Service struct {
	store   OrderStore
	bus     *events.Bus
	metrics *monitor.Metrics
	log     *zap.Logger

	floor        float64
	historyLimit int

	succeeded atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	errors []ErrorRecord
}

func NewService(store OrderStore, bus *events.Bus, metrics *monitor.Metrics, log *zap.Logger, cfg Config) *Service {
	if cfg.SuccessFloor <= 0 {
		cfg.SuccessFloor = 0.90
	}
	if cfg.ErrorHistory <= 0 {
		cfg.ErrorHistory = 100
	}
	return &Service{
		store:        store,
		bus:          bus,
		metrics:      metrics,
		log:          log.Named("closure"),
		floor:        cfg.SuccessFloor,
		historyLimit: cfg.ErrorHistory,
	}
}

// Close flattens the position at the given trigger price. The result is
// persisted and published whether or not the store write succeeds; the
// error return tells the caller (the worker) whether the tick may be
// considered handled.
func (s *Service) Close(ctx context.Context, req position.ClosureRequest) (position.ClosureResult, error) {
	order := req.Order
	result := position.ClosureResult{
		ID:          uuid.NewString(),
		DealID:      order.DealID,
		UserID:      order.UserID,
		Reason:      req.Reason,
		ClosePrice:  req.ClosePrice,
		RealizedPnL: order.PnL(req.ClosePrice),
		ClosedAt:    time.Now(),
	}

	if err := s.store.CloseOrder(ctx, result); err != nil {
		result.Success = false
		result.Error = err.Error()
		s.failed.Add(1)
		s.metrics.Closures.WithLabelValues("failed").Inc()
		s.recordError(ErrorRecord{
			DealID:  order.DealID,
			UserID:  order.UserID,
			Message: err.Error(),
			At:      result.ClosedAt,
		})
		s.bus.Publish(events.EventClosureError, events.ClosureError{
			DealID:  order.DealID,
			UserID:  order.UserID,
			Message: err.Error(),
		})
		s.log.Error("close failed",
			zap.String("deal_id", order.DealID),
			zap.String("reason", string(req.Reason)),
			zap.Float64("close_price", req.ClosePrice),
			zap.Error(err))
		return result, fmt.Errorf("close order %s: %w", order.DealID, err)
	}

	result.Success = true
	s.succeeded.Add(1)
	s.metrics.Closures.WithLabelValues("succeeded").Inc()
	s.bus.Publish(events.EventOrderClosed, result)
	s.log.Info("position closed",
		zap.String("deal_id", order.DealID),
		zap.String("reason", string(req.Reason)),
		zap.Float64("close_price", req.ClosePrice),
		zap.Float64("realized_pnl", result.RealizedPnL))
	return result, nil
}

func (s *Service) recordError(rec ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append([]ErrorRecord{rec}, s.errors...)
	if len(s.errors) > s.historyLimit {
		s.errors = s.errors[:s.historyLimit]
	}
}

// RecentErrors returns the retained failed attempts, newest first.
func (s *Service) RecentErrors() []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ErrorRecord, len(s.errors))
	copy(out, s.errors)
	return out
}

// SuccessRate is the all-time fraction of successful closes. A service
// that has not closed anything yet reports 1.
func (s *Service) SuccessRate() float64 {
	ok := s.succeeded.Load()
	total := ok + s.failed.Load()
	if total == 0 {
		return 1
	}
	return float64(ok) / float64(total)
}

// Healthy reports whether the success rate sits at or above the floor.
func (s *Service) Healthy() bool {
	return s.SuccessRate() >= s.floor
}

// Stats summarizes closure activity for the admin surface.
type Stats struct {
	Succeeded   int64   `json:"succeeded"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	Healthy     bool    `json:"healthy"`
}

func (s *Service) Stats() Stats {
	return Stats{
		Succeeded:   s.succeeded.Load(),
		Failed:      s.failed.Load(),
		SuccessRate: s.SuccessRate(),
		Healthy:     s.Healthy(),
	}
}
