// Package queue implements the durable, priority-ordered, recurring job store
// that drives order monitoring. Jobs are keyed order-{dealId}, recur on a
// short interval under a bounded total lifetime, retry transient failures
// with exponential backoff, and fall into a dead-letter store once attempts
// are exhausted. Recurrence is an explicit reschedule-after-tick loop under a
// worker-slot limiter, so "at most one active execution per order" is a
// property of this package, not of a third-party scheduler.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"tpsl-core/internal/monitor"
	"tpsl-core/internal/position"
	"tpsl-core/pkg/db"
)

// Manager owns the job store and its consumers.
type Manager struct {
	store   *db.Queries
	metrics *monitor.Metrics
	log     *zap.Logger
	cfg     Config

	handler Handler

	slots chan struct{}
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	started      atomic.Bool
	shuttingDown atomic.Bool
	paused       atomic.Bool
	consumers    atomic.Int32

	failures   atomic.Int64 // rolling, decays on health polls
	dlFailures atomic.Int64

	completed *history
	failed    *history

	// OnExpire is invoked for orders removed by the safety-lifetime sweep so
	// the owner can clean up derived state (alerts, symbol tracking).
	OnExpire func(order position.MonitoredOrder)
}

// NewManager creates the queue manager.
func NewManager(store *db.Queries, metrics *monitor.Metrics, log *zap.Logger, cfg Config) *Manager {
	cfg.withDefaults()
	return &Manager{
		store:     store,
		metrics:   metrics,
		log:       log,
		cfg:       cfg,
		slots:     make(chan struct{}, cfg.Workers),
		completed: newHistory(cfg.HistoryLimit),
		failed:    newHistory(cfg.HistoryLimit),
	}
}

// Consume registers the job handler. Must be called before Start.
func (m *Manager) Consume(h Handler) {
	m.handler = h
}

// Start recovers stranded jobs and launches the dispatch and expiry loops.
func (m *Manager) Start(ctx context.Context) error {
	if m.handler == nil {
		return ErrNoHandler
	}
	if m.started.Swap(true) {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)

	// Jobs stuck in active from a previous crash become runnable again.
	if n, err := m.store.ResetActiveJobs(m.ctx); err != nil {
		return fmt.Errorf("recover active jobs: %w", err)
	} else if n > 0 {
		m.log.Info("recovered stranded jobs", zap.Int("count", n))
	}

	m.consumers.Store(int32(m.cfg.Workers))

	m.wg.Add(2)
	go m.dispatchLoop()
	go m.expiryLoop()

	m.log.Info("queue started",
		zap.Int("workers", m.cfg.Workers),
		zap.Duration("interval", m.cfg.Interval))
	return nil
}

// AddOrder admits an order for monitoring. Orders with neither threshold are
// rejected before any state is created. Re-admission with the same deal id is
// idempotent: the existing schedule is refreshed, never duplicated.
func (m *Manager) AddOrder(ctx context.Context, order position.MonitoredOrder) error {
	if m.shuttingDown.Load() {
		return ErrShuttingDown
	}
	if !order.HasThresholds() {
		return ErrNoThresholds
	}

	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order %s: %w", order.DealID, err)
	}

	now := time.Now()
	job := db.Job{
		ID:        JobID(order.DealID),
		DealID:    order.DealID,
		Payload:   payload,
		Priority:  Priority(&order),
		NextRunAt: now,
		ExpiresAt: now.Add(m.cfg.Lifetime),
	}
	if err := m.store.UpsertJob(ctx, job); err != nil {
		m.failures.Add(1)
		return err
	}

	m.log.Info("order admitted to monitoring",
		zap.String("deal_id", order.DealID),
		zap.String("symbol", order.Symbol),
		zap.Int("priority", job.Priority))
	return nil
}

// RemoveOrder cancels the recurring job; reports whether one existed. An
// already-dispatched tick is never force-killed: it finds its job gone when
// it tries to reschedule, which resolves the race with in-flight closures.
func (m *Manager) RemoveOrder(ctx context.Context, dealID string) (bool, error) {
	existed, err := m.store.DeleteJob(ctx, JobID(dealID))
	if err != nil {
		m.failures.Add(1)
		return false, err
	}
	if existed {
		m.completed.add(Record{
			JobID:   JobID(dealID),
			DealID:  dealID,
			Outcome: "completed",
			At:      time.Now(),
		})
		m.log.Info("order removed from monitoring", zap.String("deal_id", dealID))
	}
	return existed, nil
}

// MoveToDeadLetter relocates a permanently failed order into the non-retried,
// longer-retention store for manual inspection and replay.
func (m *Manager) MoveToDeadLetter(ctx context.Context, order position.MonitoredOrder, cause error) error {
	payload, err := json.Marshal(order)
	if err != nil {
		m.dlFailures.Add(1)
		return fmt.Errorf("encode dead letter %s: %w", order.DealID, err)
	}
	entry := db.DeadLetterJob{
		ID:       JobID(order.DealID),
		DealID:   order.DealID,
		Payload:  payload,
		Error:    cause.Error(),
		FailedAt: time.Now(),
	}
	if err := m.store.InsertDeadLetter(ctx, entry); err != nil {
		m.dlFailures.Add(1)
		return err
	}
	m.log.Warn("order moved to dead letter",
		zap.String("deal_id", order.DealID),
		zap.String("cause", cause.Error()))
	return nil
}

// ----------------------------------------
// dispatch
// ----------------------------------------

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()

	// Poll at a fraction of the recurrence interval so due jobs do not sit.
	poll := m.cfg.Interval / 5
	if poll < 100*time.Millisecond {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if m.paused.Load() {
				continue
			}
			m.dispatchDue()
		}
	}
}

func (m *Manager) dispatchDue() {
	due, err := m.store.DueJobs(m.ctx, time.Now(), m.cfg.Workers*2)
	if err != nil {
		if m.ctx.Err() == nil {
			m.failures.Add(1)
			m.log.Error("query due jobs failed", zap.Error(err))
		}
		return
	}

	for _, row := range due {
		select {
		case m.slots <- struct{}{}:
		case <-m.ctx.Done():
			return
		}

		claimed, err := m.store.ClaimJob(m.ctx, row.ID)
		if err != nil || !claimed {
			// Another consumer got it, or the job was removed meanwhile.
			<-m.slots
			if err != nil && m.ctx.Err() == nil {
				m.failures.Add(1)
				m.log.Error("claim job failed", zap.String("job_id", row.ID), zap.Error(err))
			}
			continue
		}

		m.wg.Add(1)
		go m.runJob(row)
	}
}

func (m *Manager) runJob(row db.Job) {
	defer m.wg.Done()
	defer func() { <-m.slots }()

	// A dispatched tick is never force-killed by cancellation; shutdown
	// waits for it via the waitgroup instead.
	ctx := context.WithoutCancel(m.ctx)

	var order position.MonitoredOrder
	if err := json.Unmarshal(row.Payload, &order); err != nil {
		// Corrupt payload cannot ever succeed: straight to dead letter.
		m.log.Error("corrupt job payload", zap.String("job_id", row.ID), zap.Error(err))
		m.failJob(ctx, row, order, fmt.Errorf("corrupt payload: %w", err))
		return
	}

	job := Job{ID: row.ID, DealID: row.DealID, Order: order, Attempts: row.Attempts}
	done, err := m.handler(ctx, job)

	switch {
	case err != nil:
		m.retryOrFail(ctx, row, order, err)
	case done:
		if _, derr := m.store.DeleteJob(ctx, row.ID); derr != nil {
			m.failures.Add(1)
			m.log.Error("delete finished job failed", zap.String("job_id", row.ID), zap.Error(derr))
			return
		}
		m.completed.add(Record{JobID: row.ID, DealID: row.DealID, Outcome: "completed", At: time.Now()})
		m.metrics.JobTicks.WithLabelValues("completed").Inc()
	default:
		if rerr := m.store.RescheduleJob(ctx, row.ID, time.Now().Add(m.cfg.Interval)); rerr != nil {
			m.failures.Add(1)
			m.log.Error("reschedule job failed", zap.String("job_id", row.ID), zap.Error(rerr))
			return
		}
		m.metrics.JobTicks.WithLabelValues("rescheduled").Inc()
	}
}

// retryOrFail applies the retry policy: exponential backoff up to the attempt
// limit, then permanent failure plus dead-letter relocation.
func (m *Manager) retryOrFail(ctx context.Context, row db.Job, order position.MonitoredOrder, cause error) {
	attempts := row.Attempts + 1
	if attempts < m.cfg.MaxAttempts {
		backoff := m.cfg.BackoffBase * (1 << (attempts - 1))
		if err := m.store.DelayJob(ctx, row.ID, time.Now().Add(backoff), attempts, cause.Error()); err != nil {
			m.failures.Add(1)
			m.log.Error("delay job failed", zap.String("job_id", row.ID), zap.Error(err))
			return
		}
		m.metrics.JobTicks.WithLabelValues("retried").Inc()
		m.log.Warn("job tick failed, retrying",
			zap.String("job_id", row.ID),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(cause))
		return
	}
	m.failJob(ctx, row, order, cause)
}

func (m *Manager) failJob(ctx context.Context, row db.Job, order position.MonitoredOrder, cause error) {
	m.failures.Add(1)
	m.metrics.JobTicks.WithLabelValues("failed").Inc()
	if err := m.store.FailJob(ctx, row.ID, cause.Error()); err != nil {
		m.log.Error("mark job failed errored", zap.String("job_id", row.ID), zap.Error(err))
	}
	m.failed.add(Record{JobID: row.ID, DealID: row.DealID, Outcome: "failed", Error: cause.Error(), At: time.Now()})

	if order.DealID != "" {
		if err := m.MoveToDeadLetter(ctx, order, cause); err != nil {
			m.log.Error("dead letter relocation failed", zap.String("job_id", row.ID), zap.Error(err))
		}
	}
	m.log.Error("job permanently failed",
		zap.String("job_id", row.ID),
		zap.Int("attempts", row.Attempts+1),
		zap.Error(cause))
}

// ----------------------------------------
// expiry sweep
// ----------------------------------------

func (m *Manager) expiryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	expired, err := m.store.ExpiredJobs(m.ctx, time.Now())
	if err != nil {
		if m.ctx.Err() == nil {
			m.log.Error("expiry sweep failed", zap.Error(err))
		}
		return
	}
	for _, row := range expired {
		if _, err := m.store.DeleteJob(m.ctx, row.ID); err != nil {
			m.log.Error("delete expired job failed", zap.String("job_id", row.ID), zap.Error(err))
			continue
		}
		m.failed.add(Record{JobID: row.ID, DealID: row.DealID, Outcome: "expired", At: time.Now()})
		m.metrics.JobTicks.WithLabelValues("expired").Inc()
		m.log.Warn("monitoring job hit safety expiry", zap.String("deal_id", row.DealID))

		if m.OnExpire != nil {
			var order position.MonitoredOrder
			if err := json.Unmarshal(row.Payload, &order); err == nil {
				m.OnExpire(order)
			}
		}
	}
}

// ----------------------------------------
// introspection / health / lifecycle
// ----------------------------------------

// Pause stops dispatching new ticks; in-flight ones finish. Waiting jobs are
// reported as paused while the queue is paused.
func (m *Manager) Pause() { m.paused.Store(true) }

// Resume reverses Pause.
func (m *Manager) Resume() { m.paused.Store(false) }

// GetStats returns the per-state job counts and totals.
func (m *Manager) GetStats(ctx context.Context) (Stats, error) {
	counts, err := m.store.CountJobsByState(ctx)
	if err != nil {
		return Stats{}, err
	}
	dl, err := m.store.CountDeadLetters(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Waiting:    counts[db.JobWaiting],
		Active:     counts[db.JobActive],
		Delayed:    counts[db.JobDelayed],
		Failed:     counts[db.JobFailed],
		Completed:  int(m.completed.count()),
		DeadLetter: dl,
		Consumers:  int(m.consumers.Load()),
		IsPaused:   m.paused.Load(),
	}
	if s.IsPaused {
		s.Paused = s.Waiting
		s.Waiting = 0
	}
	return s, nil
}

// CompletedHistory returns the retained completed/removed job records.
func (m *Manager) CompletedHistory() []Record { return m.completed.list() }

// FailedHistory returns the retained failed/expired job records.
func (m *Manager) FailedHistory() []Record { return m.failed.list() }

// Healthy reports queue health: at least one active consumer and a rolling
// failure count under the threshold.
func (m *Manager) Healthy() bool {
	return m.consumers.Load() > 0 && int(m.failures.Load()) < m.cfg.FailureThreshold
}

// DeadLetterHealthy applies the stricter dead-letter failure threshold.
func (m *Manager) DeadLetterHealthy() bool {
	return int(m.dlFailures.Load()) < m.cfg.DeadLetterThreshold
}

// FailureCount exposes the rolling failure counter for aggregation.
func (m *Manager) FailureCount() int64 { return m.failures.Load() }

// DecayFailures reduces the rolling failure counters by one. Called from the
// periodic health poll so transient trouble self-heals.
func (m *Manager) DecayFailures() {
	decay(&m.failures)
	decay(&m.dlFailures)
}

func decay(c *atomic.Int64) {
	for {
		cur := c.Load()
		if cur <= 0 {
			return
		}
		if c.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// UpdateGauges pushes the current per-state counts into prometheus.
func (m *Manager) UpdateGauges(ctx context.Context) {
	stats, err := m.GetStats(ctx)
	if err != nil {
		return
	}
	m.metrics.QueueJobs.WithLabelValues("waiting").Set(float64(stats.Waiting))
	m.metrics.QueueJobs.WithLabelValues("active").Set(float64(stats.Active))
	m.metrics.QueueJobs.WithLabelValues("delayed").Set(float64(stats.Delayed))
	m.metrics.QueueJobs.WithLabelValues("failed").Set(float64(stats.Failed))
	m.metrics.QueueJobs.WithLabelValues("paused").Set(float64(stats.Paused))
	m.metrics.QueueJobs.WithLabelValues("dead_letter").Set(float64(stats.DeadLetter))
}

// Shutdown stops consumers first and lets in-flight ticks finish. The job
// store itself is closed by the owner of the database handle afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.shuttingDown.Swap(true) {
		return nil
	}
	m.consumers.Store(0)
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.log.Info("queue drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}
