package position

// targetPrice converts a profit-amount threshold into an absolute price level.
// A threshold of T on notional N is reached when the price has moved by T/N
// relative to the open price; the sign depends on which way the move pays.
func (o *MonitoredOrder) targetPrice(up bool, threshold float64) float64 {
	notional := o.Notional()
	if notional == 0 {
		return o.OpenPrice
	}
	if up {
		return o.OpenPrice * (1 + threshold/notional)
	}
	return o.OpenPrice * (1 - threshold/notional)
}

// Alerts derives the absolute-price alerts for the order's configured
// thresholds. A long take-profit and a short stop-loss both sit above the
// open price; a long stop-loss and a short take-profit both sit below.
func (o *MonitoredOrder) Alerts() []PriceAlert {
	var alerts []PriceAlert

	if o.TakeProfit > 0 {
		up := o.Direction == Long
		cond := Below
		if up {
			cond = Above
		}
		alerts = append(alerts, PriceAlert{
			Symbol:      o.Symbol,
			TargetPrice: o.targetPrice(up, o.TakeProfit),
			Condition:   cond,
			DealID:      o.DealID,
			UserID:      o.UserID,
			Type:        TakeProfit,
		})
	}

	if o.StopLoss > 0 {
		up := o.Direction == Short
		cond := Below
		if up {
			cond = Above
		}
		alerts = append(alerts, PriceAlert{
			Symbol:      o.Symbol,
			TargetPrice: o.targetPrice(up, o.StopLoss),
			Condition:   cond,
			DealID:      o.DealID,
			UserID:      o.UserID,
			Type:        StopLoss,
		})
	}

	return alerts
}
