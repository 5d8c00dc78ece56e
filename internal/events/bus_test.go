package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(EventAlertTriggered, 4)
	defer unsub()

	bus.Publish(EventAlertTriggered, "payload")

	select {
	case got := <-ch:
		if got != "payload" {
			t.Fatalf("got %v, expected payload", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	_, unsub := bus.Subscribe(EventPriceTick, 1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(EventPriceTick, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if bus.Dropped() == 0 {
		t.Fatal("expected dropped payloads to be counted")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(EventOrderClosed, 1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(EventOrderClosed, "late")
}

func TestCloseDrainsSubscribers(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(EventClosureError, 1)
	bus.Close()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after bus close")
	}

	// Idempotent close and post-close subscribe must be safe.
	bus.Close()
	ch2, unsub := bus.Subscribe(EventClosureError, 1)
	unsub()
	if _, ok := <-ch2; ok {
		t.Fatal("post-close subscribe should return a closed channel")
	}
}
