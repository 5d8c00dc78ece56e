package events

import (
	"time"

	"tpsl-core/internal/position"
)

// Event enumerates the topics wired between the monitoring components.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventAlertTriggered Event = "alert_triggered"
	EventOrderClosed    Event = "order_closed"
	EventClosureError   Event = "closure_error"
	EventHealthUpdate   Event = "health_update"
)

// Payloads carried on the bus. OrderClosed events carry a
// position.ClosureResult directly.

// AlertTriggered is published once per fired price alert.
type AlertTriggered struct {
	Alert position.PriceAlert `json:"alert"`
	Price float64             `json:"price"`
	At    time.Time           `json:"at"`
}

// ClosureError is published when an automatic close attempt fails.
type ClosureError struct {
	DealID  string `json:"deal_id"`
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}
