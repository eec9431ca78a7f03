package bus

import "testing"

func TestBroadcast_FansOut(t *testing.T) {
	h := New()
	var a, b int
	h.Subscribe("a", func(Event) { a++ })
	h.Subscribe("b", func(Event) { b++ })

	h.Broadcast(Event{Name: EventActivity})

	if a != 1 || b != 1 {
		t.Errorf("deliveries = %d, %d; want 1, 1", a, b)
	}
}

func TestUnsubscribe(t *testing.T) {
	h := New()
	var n int
	h.Subscribe("a", func(Event) { n++ })
	h.Unsubscribe("a")

	h.Broadcast(Event{Name: EventActivity})

	if n != 0 {
		t.Errorf("handler fired %d times after unsubscribe", n)
	}
}

func TestSubscribe_ReplacesHandler(t *testing.T) {
	h := New()
	var first, second int
	h.Subscribe("a", func(Event) { first++ })
	h.Subscribe("a", func(Event) { second++ })

	h.Broadcast(Event{Name: EventShutdown})

	if first != 0 || second != 1 {
		t.Errorf("first = %d, second = %d; want 0, 1", first, second)
	}
}
