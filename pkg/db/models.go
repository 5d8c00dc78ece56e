package db

import "time"

// Job states mirror the queue's externally visible counters.
const (
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobDelayed   = "delayed"
	JobFailed    = "failed"
	JobCompleted = "completed"
)

// Job is a durable monitoring job row. Payload is the JSON-encoded monitored
// order; the queue layer owns its shape.
type Job struct {
	ID        string
	DealID    string
	Payload   []byte
	Priority  int
	State     string
	Attempts  int
	LastError string
	NextRunAt time.Time
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeadLetterJob is a permanently failed job retained for inspection/replay.
type DeadLetterJob struct {
	ID       string
	DealID   string
	Payload  []byte
	Error    string
	FailedAt time.Time
}

// Closure records the final outcome of an automatic position close.
type Closure struct {
	ID          string
	DealID      string
	UserID      string
	Reason      string
	ClosePrice  float64
	RealizedPnL float64
	Success     bool
	Error       string
	ClosedAt    time.Time
}
