package closure

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"tpsl-core/internal/events"
	"tpsl-core/internal/monitor"
	"tpsl-core/internal/position"
)

type fakeStore struct {
	fail   error
	closed []position.ClosureResult
}

func (f *fakeStore) CloseOrder(_ context.Context, r position.ClosureResult) error {
	if f.fail != nil {
		return f.fail
	}
	f.closed = append(f.closed, r)
	return nil
}

func longOrder() position.MonitoredOrder {
	return position.MonitoredOrder{
		DealID:     "d1",
		UserID:     "u1",
		Symbol:     "BTCUSDT",
		Direction:  position.Long,
		Amount:     10,
		Multiplier: 5,
		OpenPrice:  100,
		TakeProfit: 25,
	}
}

func newTestService(store OrderStore) (*Service, *events.Bus) {
	bus := events.NewBus()
	return NewService(store, bus, monitor.NewMetrics(), zap.NewNop(), Config{}), bus
}

func TestCloseRealizesPnLAtTriggerPrice(t *testing.T) {
	store := &fakeStore{}
	svc, bus := newTestService(store)

	closed, cancel := bus.Subscribe(events.EventOrderClosed, 1)
	defer cancel()

	// Long position closed at its take-profit target of 150 realizes the
	// configured profit amount of 25.
	result, err := svc.Close(context.Background(), position.ClosureRequest{
		Order:      longOrder(),
		Reason:     position.TakeProfit,
		ClosePrice: 150,
	})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if !result.Success {
		t.Fatal("result not marked successful")
	}
	if result.RealizedPnL != 25 {
		t.Fatalf("realized pnl = %v, expected 25", result.RealizedPnL)
	}
	if len(store.closed) != 1 || store.closed[0].DealID != "d1" {
		t.Fatalf("store writes = %+v", store.closed)
	}

	select {
	case msg := <-closed:
		got, ok := msg.(position.ClosureResult)
		if !ok || got.DealID != "d1" || got.ClosePrice != 150 {
			t.Fatalf("order_closed payload = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no order_closed event published")
	}
}

func TestCloseFailurePublishesClosureError(t *testing.T) {
	store := &fakeStore{fail: errors.New("exchange rejected")}
	svc, bus := newTestService(store)

	errs, cancel := bus.Subscribe(events.EventClosureError, 1)
	defer cancel()

	result, err := svc.Close(context.Background(), position.ClosureRequest{
		Order:      longOrder(),
		Reason:     position.StopLoss,
		ClosePrice: 80,
	})
	if err == nil {
		t.Fatal("expected error from failed store write")
	}
	if result.Success {
		t.Fatal("failed close marked successful")
	}

	select {
	case msg := <-errs:
		got, ok := msg.(events.ClosureError)
		if !ok || got.DealID != "d1" || got.UserID != "u1" || got.Message != "exchange rejected" {
			t.Fatalf("closure_error payload = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no closure_error event published")
	}

	recent := svc.RecentErrors()
	if len(recent) != 1 || recent[0].Message != "exchange rejected" {
		t.Fatalf("recent errors = %+v", recent)
	}
}

func TestHealthTracksSuccessRate(t *testing.T) {
	store := &fakeStore{}
	svc, _ := newTestService(store)

	if !svc.Healthy() {
		t.Fatal("fresh service should report healthy")
	}
	if svc.SuccessRate() != 1 {
		t.Fatalf("fresh success rate = %v", svc.SuccessRate())
	}

	req := position.ClosureRequest{Order: longOrder(), Reason: position.TakeProfit, ClosePrice: 150}
	for i := 0; i < 9; i++ {
		if _, err := svc.Close(context.Background(), req); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}
	store.fail = errors.New("boom")
	_, _ = svc.Close(context.Background(), req)

	// 9 of 10: exactly at the 0.90 floor, still healthy.
	if !svc.Healthy() {
		t.Fatalf("rate %v at the floor should be healthy", svc.SuccessRate())
	}
	_, _ = svc.Close(context.Background(), req)
	if svc.Healthy() {
		t.Fatalf("rate %v below the floor should be unhealthy", svc.SuccessRate())
	}
}

func TestErrorRingIsBounded(t *testing.T) {
	store := &fakeStore{fail: errors.New("boom")}
	bus := events.NewBus()
	svc := NewService(store, bus, monitor.NewMetrics(), zap.NewNop(), Config{ErrorHistory: 3})

	req := position.ClosureRequest{Order: longOrder(), Reason: position.StopLoss, ClosePrice: 80}
	for i := 0; i < 5; i++ {
		_, _ = svc.Close(context.Background(), req)
	}
	if got := len(svc.RecentErrors()); got != 3 {
		t.Fatalf("retained %d errors, expected 3", got)
	}
}
