package events_test

import (
	"testing"

	"github.com/tigrisdata/tigrisup/pkg/upload/events"
)

func TestBusDeliversToEverySubscriber(t *testing.T) {
	t.Parallel()
	bus := events.NewBus[int]()
	a, cancelA := bus.Subscribe(4)
	defer cancelA()
	b, cancelB := bus.Subscribe(4)
	defer cancelB()

	bus.Publish(1)
	bus.Publish(2)

	for name, ch := range map[string]<-chan int{"a": a, "b": b} {
		if got := <-ch; got != 1 {
			t.Fatalf("subscriber %s got %d first, want 1", name, got)
		}
		if got := <-ch; got != 2 {
			t.Fatalf("subscriber %s got %d second, want 2", name, got)
		}
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	bus := events.NewBus[int]()
	ch, cancel := bus.Subscribe(2)
	defer cancel()

	for i := 1; i <= 5; i++ {
		bus.Publish(i)
	}

	if got := <-ch; got != 4 {
		t.Fatalf("first queued value %d, want 4", got)
	}
	if got := <-ch; got != 5 {
		t.Fatalf("second queued value %d, want 5", got)
	}
	if bus.Dropped() != 3 {
		t.Fatalf("dropped %d, want 3", bus.Dropped())
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	bus := events.NewBus[string]()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after unsubscribe")
	}
	bus.Publish("ignored")
}

func TestBusClose(t *testing.T) {
	t.Parallel()
	bus := events.NewBus[int]()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Close()
	bus.Close()
	bus.Publish(1)

	if _, ok := <-ch; ok {
		t.Fatalf("channel still open after Close")
	}
	late, lateCancel := bus.Subscribe(1)
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Fatalf("subscription on a closed bus should be closed")
	}
}
