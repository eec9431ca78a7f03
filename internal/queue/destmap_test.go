package queue

import "testing"

func TestDestMap_PutGetDelete(t *testing.T) {
	m := newDestMap(8)
	m.Put("p1", 1, 100)

	if id, ok := m.Get("p1", 1); !ok || id != 100 {
		t.Errorf("Get = %d, %v; want 100, true", id, ok)
	}
	if _, ok := m.Get("p1", 2); ok {
		t.Error("unknown source id found")
	}
	if _, ok := m.Get("p2", 1); ok {
		t.Error("mapping leaked across pairs")
	}

	m.Delete("p1", 1)
	if _, ok := m.Get("p1", 1); ok {
		t.Error("deleted mapping still present")
	}
}

func TestDestMap_PutOverwrites(t *testing.T) {
	m := newDestMap(8)
	m.Put("p1", 1, 100)
	m.Put("p1", 1, 200)
	if id, _ := m.Get("p1", 1); id != 200 {
		t.Errorf("Get = %d, want 200", id)
	}
}

func TestDestMap_CapacityEviction(t *testing.T) {
	m := newDestMap(2)
	m.Put("p1", 1, 100)
	m.Put("p1", 2, 200)
	m.Put("p1", 3, 300)

	if _, ok := m.Get("p1", 1); ok {
		t.Error("oldest mapping survived eviction")
	}
	if _, ok := m.Get("p1", 2); !ok {
		t.Error("recent mapping evicted")
	}
	if _, ok := m.Get("p1", 3); !ok {
		t.Error("newest mapping evicted")
	}
}
