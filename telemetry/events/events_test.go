package events

import (
	"testing"
	"time"

	"github.com/hexaline/weighbridge/telemetry/metrics"
)

func TestBusBasicPublishSubscribe(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub, err := bus.Subscribe(10)
	if err != nil {
		t.Fatalf("subscribe err: %v", err)
	}
	defer func() { _ = sub.Close() }()

	ev := Event{Category: CategoryDiscovery, Type: "progress"}
	if err := bus.Publish(ev); err != nil {
		t.Fatalf("publish err: %v", err)
	}

	select {
	case got := <-sub.C():
		if got.Type != ev.Type || got.Category != ev.Category {
			t.Fatalf("unexpected event %+v", got)
		}
		if got.Time.IsZero() {
			t.Fatal("publish must stamp the event time")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBusRejectsMissingCategory(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	if err := bus.Publish(Event{Type: "x"}); err == nil {
		t.Fatal("expected error for missing category")
	}
}

func TestBusDropBehavior(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub, err := bus.Subscribe(1)
	if err != nil {
		t.Fatalf("subscribe err: %v", err)
	}
	// Don't consume from sub to force drops
	defer func() { _ = sub.Close() }()

	for i := 0; i < 5; i++ {
		_ = bus.Publish(Event{Category: CategoryStability, Type: "report"})
	}
	stats := bus.Stats()
	if stats.Published == 0 {
		t.Fatalf("expected published >0")
	}
	if stats.Dropped == 0 {
		t.Fatalf("expected drops >0, got %#v", stats)
	}
	if stats.PerSubscriberDrops[sub.ID()] == 0 {
		t.Fatalf("expected per-subscriber drops recorded")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub1, _ := bus.Subscribe(2)
	sub2, _ := bus.Subscribe(2)
	defer func() { _ = sub1.Close() }()
	defer func() { _ = sub2.Close() }()

	_ = bus.Publish(Event{Category: CategoryStorage, Type: "performance_snapshot"})
	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case <-sub.C():
		case <-time.After(500 * time.Millisecond):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub, _ := bus.Subscribe(1)
	if err := sub.Close(); err != nil {
		t.Fatalf("close err: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	if stats := bus.Stats(); stats.Subscribers != 0 {
		t.Fatalf("expected zero subscribers, got %d", stats.Subscribers)
	}
}
