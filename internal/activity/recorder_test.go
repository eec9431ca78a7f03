package activity

import (
	"context"
	"testing"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/bus"
	"github.com/autoforwardx/autoforwardx/internal/store"
	"github.com/autoforwardx/autoforwardx/internal/store/memstore"
)

func TestRecord_PersistsAndBroadcasts(t *testing.T) {
	st := memstore.New()
	hub := bus.New()
	var seen []bus.Event
	hub.Subscribe("test", func(ev bus.Event) { seen = append(seen, ev) })

	rec := New(st, hub)
	rec.Record(context.Background(), &store.ActivityEntry{
		UserID: "u1", Kind: store.ActMessageForwarded, Message: "fwd",
	})

	entries, err := st.ListActivity(context.Background(), "u1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.ID == "" {
		t.Error("entry id not assigned")
	}
	if e.At.IsZero() {
		t.Error("entry timestamp not assigned")
	}

	if len(seen) != 1 || seen[0].Name != bus.EventActivity {
		t.Fatalf("broadcast events = %+v", seen)
	}
	if got, ok := seen[0].Payload.(*store.ActivityEntry); !ok || got.Kind != store.ActMessageForwarded {
		t.Errorf("payload = %+v", seen[0].Payload)
	}
}

func TestRecord_NilHub(t *testing.T) {
	rec := New(memstore.New(), nil)
	rec.Recordf(context.Background(), "u1", store.ActRateAlert, "near limit")
}

func TestRecord_KeepsExplicitTimestamp(t *testing.T) {
	st := memstore.New()
	rec := New(st, nil)
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	rec.Record(context.Background(), &store.ActivityEntry{
		ID: "a1", UserID: "u1", Kind: store.ActPairCreated, At: at,
	})

	entries, _ := st.ListActivity(context.Background(), "u1", 1)
	if len(entries) != 1 || !entries[0].At.Equal(at) {
		t.Errorf("entries = %+v, want timestamp preserved", entries)
	}
}
