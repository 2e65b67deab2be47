package velox

import (
	"testing"
	"time"
)

func TestChangeBusDeliversMatchingPattern(t *testing.T) {
	bus := NewChangeBus()
	ch := bus.Subscribe("user:*")

	bus.Publish(ChangeEvent{Op: ChangePut, Key: "user:1", Value: []byte("v")})
	bus.Publish(ChangeEvent{Op: ChangePut, Key: "order:1", Value: []byte("v")})

	select {
	case ev := <-ch:
		if ev.Key != "user:1" {
			t.Fatalf("expected user:1, got %q", ev.Key)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected an event on the matching subscriber")
	}

	select {
	case ev := <-ch:
		t.Fatalf("expected no further events, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChangeBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewChangeBus()
	ch := bus.Subscribe("*")
	bus.Unsubscribe(ch)

	_, ok := <-ch
	if ok {
		t.Fatalf("expected channel to be closed after unsubscribe")
	}
}

func TestChangeBusOverflowDropsAndNotifies(t *testing.T) {
	bus := NewChangeBus()
	ch := bus.Subscribe("*")

	for i := 0; i < subscriberBacklog+10; i++ {
		bus.Publish(ChangeEvent{Op: ChangePut, Key: "k"})
	}

	sawDropped := false
	for i := 0; i < subscriberBacklog+1; i++ {
		select {
		case ev := <-ch:
			if ev.Op == ChangeDropped {
				sawDropped = true
			}
		default:
		}
	}
	if !sawDropped {
		t.Fatalf("expected a ChangeDropped notification once the backlog overflowed")
	}
}
