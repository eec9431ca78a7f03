// Package activity records audit-log entries and broadcasts them on the event
// hub so the dashboard feed and the alert notifier see them live.
package activity

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/autoforwardx/autoforwardx/internal/bus"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

// Recorder appends activity entries to the store and fans them out on the hub.
// A nil hub disables broadcasting (tests).
type Recorder struct {
	st  store.ActivityStore
	hub *bus.Hub
	now func() time.Time
}

// New creates a recorder.
func New(st store.ActivityStore, hub *bus.Hub) *Recorder {
	return &Recorder{st: st, hub: hub, now: time.Now}
}

// Record appends one entry. Append failures are logged, not propagated: losing
// an audit line must never fail the operation that produced it.
func (r *Recorder) Record(ctx context.Context, e *store.ActivityEntry) {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.At.IsZero() {
		e.At = r.now()
	}
	if err := r.st.AppendActivity(ctx, e); err != nil {
		slog.Warn("activity append failed", "kind", e.Kind, "error", err)
	}
	if r.hub != nil {
		r.hub.Broadcast(bus.Event{Name: bus.EventActivity, Payload: e})
	}
	slog.Debug("activity", "kind", e.Kind, "user", e.UserID, "message", e.Message)
}

// Recordf is a convenience for entries without metadata.
func (r *Recorder) Recordf(ctx context.Context, userID, kind, message string) {
	r.Record(ctx, &store.ActivityEntry{UserID: userID, Kind: kind, Message: message})
}
