package position

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAlertDerivation(t *testing.T) {
	tests := []struct {
		name       string
		order      MonitoredOrder
		wantTarget float64
		wantCond   Condition
		wantType   AlertType
	}{
		{
			name: "long take profit sits above open",
			order: MonitoredOrder{
				Direction: Long, OpenPrice: 100, Amount: 10, Multiplier: 5,
				TakeProfit: 25,
			},
			wantTarget: 150,
			wantCond:   Above,
			wantType:   TakeProfit,
		},
		{
			name: "short stop loss sits above open",
			order: MonitoredOrder{
				Direction: Short, OpenPrice: 100, Amount: 10, Multiplier: 5,
				StopLoss: 20,
			},
			wantTarget: 140,
			wantCond:   Above,
			wantType:   StopLoss,
		},
		{
			name: "long stop loss sits below open",
			order: MonitoredOrder{
				Direction: Long, OpenPrice: 200, Amount: 10, Multiplier: 10,
				StopLoss: 50,
			},
			wantTarget: 100,
			wantCond:   Below,
			wantType:   StopLoss,
		},
		{
			name: "short take profit sits below open",
			order: MonitoredOrder{
				Direction: Short, OpenPrice: 100, Amount: 20, Multiplier: 5,
				TakeProfit: 10,
			},
			wantTarget: 90,
			wantCond:   Below,
			wantType:   TakeProfit,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts := tt.order.Alerts()
			if len(alerts) != 1 {
				t.Fatalf("got %d alerts, expected 1", len(alerts))
			}
			a := alerts[0]
			if !almostEqual(a.TargetPrice, tt.wantTarget) {
				t.Fatalf("TargetPrice=%v, expected %v", a.TargetPrice, tt.wantTarget)
			}
			if a.Condition != tt.wantCond {
				t.Fatalf("Condition=%v, expected %v", a.Condition, tt.wantCond)
			}
			if a.Type != tt.wantType {
				t.Fatalf("Type=%v, expected %v", a.Type, tt.wantType)
			}
		})
	}
}

func TestAlertsBothThresholds(t *testing.T) {
	order := MonitoredOrder{
		Direction: Long, OpenPrice: 100, Amount: 10, Multiplier: 5,
		TakeProfit: 25, StopLoss: 20,
	}
	alerts := order.Alerts()
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, expected 2", len(alerts))
	}
	if alerts[0].Type != TakeProfit || alerts[1].Type != StopLoss {
		t.Fatalf("unexpected alert ordering: %v, %v", alerts[0].Type, alerts[1].Type)
	}
}

func TestAlertsNoThresholds(t *testing.T) {
	order := MonitoredOrder{Direction: Long, OpenPrice: 100, Amount: 10, Multiplier: 5}
	if order.HasThresholds() {
		t.Fatal("HasThresholds should be false with no thresholds set")
	}
	if alerts := order.Alerts(); len(alerts) != 0 {
		t.Fatalf("got %d alerts, expected none", len(alerts))
	}
}

func TestPnLMatchesAlertTargets(t *testing.T) {
	// The breach evaluation in the worker uses PnL against the threshold;
	// the alert registry uses absolute price targets. At the target price
	// the two must agree exactly.
	orders := []MonitoredOrder{
		{Direction: Long, OpenPrice: 100, Amount: 10, Multiplier: 5, TakeProfit: 25, StopLoss: 20},
		{Direction: Short, OpenPrice: 250, Amount: 4, Multiplier: 20, TakeProfit: 30, StopLoss: 15},
	}
	for _, o := range orders {
		for _, a := range o.Alerts() {
			pnl := o.PnL(a.TargetPrice)
			switch a.Type {
			case TakeProfit:
				if !almostEqual(pnl, o.TakeProfit) {
					t.Fatalf("PnL at TP target=%v, expected %v", pnl, o.TakeProfit)
				}
			case StopLoss:
				if !almostEqual(pnl, -o.StopLoss) {
					t.Fatalf("PnL at SL target=%v, expected %v", pnl, -o.StopLoss)
				}
			}
		}
	}
}

func TestTriggered(t *testing.T) {
	above := PriceAlert{TargetPrice: 150, Condition: Above}
	below := PriceAlert{TargetPrice: 90, Condition: Below}

	if above.Triggered(149.99) {
		t.Fatal("above alert fired under target")
	}
	if !above.Triggered(150) {
		t.Fatal("above alert must fire at exactly the target")
	}
	if !below.Triggered(89) {
		t.Fatal("below alert did not fire under target")
	}
	if below.Triggered(90.01) {
		t.Fatal("below alert fired over target")
	}
}
