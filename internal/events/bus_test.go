package events

import "testing"

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	typed, unsubTyped := b.Subscribe(EventLossCapHit, 1)
	all, unsubAll := b.SubscribeAll(4)
	defer unsubAll()

	b.Emit(New(EventLossCapHit, LevelAlert, "", "loss cap"))
	b.Emit(New(EventStartup, LevelInfo, "", "up"))

	if n := <-typed; n.Type != EventLossCapHit {
		t.Fatalf("typed subscriber got %v", n.Type)
	}
	select {
	case n := <-typed:
		t.Fatalf("typed subscriber got unrelated %v", n.Type)
	default:
	}
	if got := len(all); got != 2 {
		t.Fatalf("wildcard subscriber buffered %d, expected 2", got)
	}

	unsubTyped()
	if _, ok := <-typed; ok {
		t.Fatalf("channel open after unsubscribe")
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventCycle, 1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Emit(New(EventCycle, LevelInfo, "", "tick"))
	}
	if len(ch) != 1 {
		t.Fatalf("buffered=%d, expected 1", len(ch))
	}
}

func TestWithCopiesFields(t *testing.T) {
	base := New(EventEntryPlaced, LevelInfo, "BTCUSDT", "entry").With("qty", 1.5)
	next := base.With("price", 100.0)
	if _, ok := base.Fields["price"]; ok {
		t.Fatalf("With mutated the original")
	}
	if next.Fields["qty"] != 1.5 {
		t.Fatalf("fields=%v", next.Fields)
	}
}
