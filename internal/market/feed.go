// Package market provides the live price-feed abstraction consumed by the
// price monitor: subscribe per symbol, receive tick events.
package market

import (
	"context"

	"tpsl-core/internal/position"
)

// Feed streams price ticks for individual symbols. Subscribe returns the tick
// channel and a stop function; the channel closes when the subscription ends.
type Feed interface {
	Subscribe(ctx context.Context, symbol string) (<-chan position.PriceTick, func(), error)
}
