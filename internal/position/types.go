package position

import "time"

// Direction of an open position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// AlertType distinguishes the two threshold kinds attached to an order.
type AlertType string

const (
	TakeProfit AlertType = "take_profit"
	StopLoss   AlertType = "stop_loss"
)

// Condition tells which side of the target price fires an alert.
type Condition string

const (
	Above Condition = "above"
	Below Condition = "below"
)

// MonitoredOrder is an open position under automatic TP/SL supervision.
// TakeProfit and StopLoss are profit-amount thresholds, not price levels;
// zero means the threshold is not set.
type MonitoredOrder struct {
	DealID     string    `json:"deal_id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Amount     float64   `json:"amount"`
	Multiplier float64   `json:"multiplier"`
	OpenPrice  float64   `json:"open_price"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	OpenedAt   time.Time `json:"opened_at"`
}

// Notional returns the position's notional value (amount x multiplier).
func (o *MonitoredOrder) Notional() float64 {
	return o.Amount * o.Multiplier
}

// HasThresholds reports whether at least one of TP/SL is set. Orders without
// any threshold are rejected at admission and never enter the queue.
func (o *MonitoredOrder) HasThresholds() bool {
	return o.TakeProfit > 0 || o.StopLoss > 0
}

// PnL returns the unrealized profit at the given price, signed by direction.
func (o *MonitoredOrder) PnL(price float64) float64 {
	if o.OpenPrice == 0 {
		return 0
	}
	move := (price - o.OpenPrice) / o.OpenPrice
	if o.Direction == Short {
		move = -move
	}
	return move * o.Notional()
}

// PriceAlert is a single absolute-price trigger derived from a MonitoredOrder.
// At most one alert per (dealID, type) exists; re-adding replaces.
type PriceAlert struct {
	Symbol      string    `json:"symbol"`
	TargetPrice float64   `json:"target_price"`
	Condition   Condition `json:"condition"`
	DealID      string    `json:"deal_id"`
	UserID      string    `json:"user_id"`
	Type        AlertType `json:"type"`
}

// Triggered reports whether the alert fires at the given price.
func (a *PriceAlert) Triggered(price float64) bool {
	if a.Condition == Above {
		return price >= a.TargetPrice
	}
	return price <= a.TargetPrice
}

// PriceTick is the last observed market state for a symbol. Ticks are
// ephemeral and last-write-wins per symbol.
type PriceTick struct {
	Symbol         string    `json:"symbol"`
	Price          float64   `json:"price"`
	Volume24h      float64   `json:"volume_24h"`
	PriceChange24h float64   `json:"price_change_24h"`
	Timestamp      time.Time `json:"timestamp"`
}

// ClosureRequest asks the closure service to flatten a position.
type ClosureRequest struct {
	Order      MonitoredOrder `json:"order"`
	Reason     AlertType      `json:"reason"`
	ClosePrice float64        `json:"close_price"`
}

// ClosureResult is the realized outcome of a close attempt.
type ClosureResult struct {
	ID          string    `json:"id"`
	DealID      string    `json:"deal_id"`
	UserID      string    `json:"user_id"`
	Reason      AlertType `json:"reason"`
	ClosePrice  float64   `json:"close_price"`
	RealizedPnL float64   `json:"realized_pnl"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	ClosedAt    time.Time `json:"closed_at"`
}

// DeadLetterEntry is a permanently failed monitoring job kept for manual
// inspection and replay.
type DeadLetterEntry struct {
	JobID    string         `json:"job_id"`
	Order    MonitoredOrder `json:"order"`
	Error    string         `json:"error"`
	FailedAt time.Time      `json:"failed_at"`
}
