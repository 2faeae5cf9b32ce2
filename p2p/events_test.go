package p2p

import (
	"testing"
	"time"
)

func TestEventBusFansOutToAllSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	chA, unsubA := bus.Subscribe(4)
	defer unsubA()
	chB, unsubB := bus.Subscribe(4)
	defer unsubB()

	bus.Emit(Event{Kind: EventConnectOutbound, PeerID: "p1"})

	for _, ch := range []<-chan Event{chA, chB} {
		select {
		case ev := <-ch:
			if ev.PeerID != "p1" {
				t.Fatalf("unexpected peer id: %s", ev.PeerID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestEventBusUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch, unsub := bus.Subscribe(4)
	unsub()

	bus.Emit(Event{Kind: EventConnectOutbound, PeerID: "p1"})

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel, got event %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("unsubscribed channel was not closed")
	}
}

func TestEventBusUnsubscribeIsIdempotent(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	_, unsub := bus.Subscribe(4)
	unsub()
	unsub()
}

func TestEventBusDropsOnFullSubscriberWithoutBlocking(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	_, unsub := bus.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(Event{Kind: EventConnectOutbound, PeerID: "p1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber channel")
	}
}
