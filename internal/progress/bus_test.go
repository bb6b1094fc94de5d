package progress

import (
	"sync"
	"testing"
)

func TestPublishReachesAllSubscribersInOrder(t *testing.T) {
	bus := NewBus()

	var a, b []string
	bus.Subscribe("p1", func(e Event) { a = append(a, e.Phase) })
	bus.Subscribe("p1", func(e Event) { b = append(b, e.Phase) })

	for _, phase := range []string{"queued", "planning", "building", "complete"} {
		bus.Publish(Event{ProjectID: "p1", Kind: KindPhase, Phase: phase})
	}

	want := []string{"queued", "planning", "building", "complete"}
	for i, phase := range want {
		if a[i] != phase || b[i] != phase {
			t.Fatalf("order mismatch at %d: a=%v b=%v", i, a, b)
		}
	}
}

func TestPublishIsScopedToProject(t *testing.T) {
	bus := NewBus()

	var got []string
	bus.Subscribe("p1", func(e Event) { got = append(got, e.ProjectID) })

	bus.Publish(Event{ProjectID: "p2", Kind: KindPhase, Phase: "building"})
	if len(got) != 0 {
		t.Fatalf("subscriber for p1 received p2 event: %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()

	count := 0
	unsub := bus.Subscribe("p1", func(Event) { count++ })
	bus.Publish(Event{ProjectID: "p1", Kind: KindMessage})
	unsub()
	unsub() // second call is a no-op
	bus.Publish(Event{ProjectID: "p1", Kind: KindMessage})

	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
	if n := bus.SubscriberCount("p1"); n != 0 {
		t.Fatalf("expected 0 subscribers after unsubscribe, got %d", n)
	}
}

func TestPanickingSubscriberDoesNotBreakOthers(t *testing.T) {
	bus := NewBus()

	bus.Subscribe("p1", func(Event) { panic("broken subscriber") })
	delivered := false
	bus.Subscribe("p1", func(Event) { delivered = true })

	bus.Publish(Event{ProjectID: "p1", Kind: KindPhase, Phase: "building"})

	if !delivered {
		t.Fatal("healthy subscriber missed event after sibling panic")
	}
}

func TestConcurrentSubscribePublishUnsubscribe(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsub := bus.Subscribe("p1", func(Event) {})
			unsub()
		}()
		go func() {
			defer wg.Done()
			bus.Publish(Event{ProjectID: "p1", Kind: KindMessage, Message: "tick"})
		}()
	}
	wg.Wait()
}
