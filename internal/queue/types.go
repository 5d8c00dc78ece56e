package queue

import (
	"context"
	"errors"
	"time"

	"tpsl-core/internal/position"
)

var (
	// ErrNoThresholds rejects admission of an order with neither TP nor SL.
	// Nothing is enqueued for such orders.
	ErrNoThresholds = errors.New("order has neither take-profit nor stop-loss set")
	// ErrShuttingDown rejects work submitted after shutdown started.
	ErrShuttingDown = errors.New("queue is shutting down")
	// ErrNoHandler means Start was called before a consumer was registered.
	ErrNoHandler = errors.New("no job handler registered")
)

const jobIDPrefix = "order-"

// JobID returns the durable job identity for a deal.
func JobID(dealID string) string {
	return jobIDPrefix + dealID
}

// Job is one due tick of a monitoring job handed to the consumer.
type Job struct {
	ID       string
	DealID   string
	Order    position.MonitoredOrder
	Attempts int
}

// Handler processes one due tick. done=true completes and removes the job
// (the order stopped needing monitoring); a nil error with done=false
// reschedules the next recurrence; any error is treated as transient and
// retried with backoff until attempts are exhausted.
type Handler func(ctx context.Context, job Job) (done bool, err error)

// Config tunes scheduling and retry behavior.
type Config struct {
	// Interval is the recurrence between successful ticks.
	Interval time.Duration
	// Lifetime bounds how long an order is monitored before the safety expiry.
	Lifetime time.Duration
	// MaxAttempts bounds consecutive transient failures per recurrence.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// Workers is the number of concurrent consumers.
	Workers int
	// HistoryLimit caps the retained completed/failed job records.
	HistoryLimit int
	// FailureThreshold is the rolling failure count at which the queue
	// reports unhealthy.
	FailureThreshold int
	// DeadLetterThreshold is the (stricter) equivalent for the dead-letter
	// store.
	DeadLetterThreshold int
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Lifetime <= 0 {
		c.Lifetime = 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.DeadLetterThreshold <= 0 {
		c.DeadLetterThreshold = 1
	}
}

// Record is one retained history entry for a finished job tick.
type Record struct {
	JobID   string    `json:"job_id"`
	DealID  string    `json:"deal_id"`
	Outcome string    `json:"outcome"` // completed | failed | expired
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
}

// Stats is the per-queue health snapshot: job-state counts plus totals.
type Stats struct {
	Waiting    int  `json:"waiting"`
	Active     int  `json:"active"`
	Completed  int  `json:"completed"`
	Failed     int  `json:"failed"`
	Delayed    int  `json:"delayed"`
	Paused     int  `json:"paused"`
	DeadLetter int  `json:"dead_letter"`
	Consumers  int  `json:"consumers"`
	IsPaused   bool `json:"is_paused"`
}

// Priority scores an order for dispatch ordering: larger notional value wins,
// with a bonus when both thresholds are set (two ways to need the tick).
func Priority(o *position.MonitoredOrder) int {
	score := int(o.Notional())
	if o.TakeProfit > 0 && o.StopLoss > 0 {
		score += score / 4
	}
	return score
}
