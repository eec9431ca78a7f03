package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/autoforwardx/autoforwardx/internal/bus"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventBuffer       = 64
)

// handleEvents upgrades to a websocket and streams activity entries for the
// caller's user. Admins see every tenant's entries. Slow consumers have
// events dropped, not buffered without bound.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	isAdmin := r.Header.Get("X-AFX-Admin") == "true"

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	feed := make(chan *store.ActivityEntry, eventBuffer)
	subID := uuid.Must(uuid.NewV7()).String()
	s.hub.Subscribe(subID, func(ev bus.Event) {
		if ev.Name != bus.EventActivity {
			return
		}
		entry, ok := ev.Payload.(*store.ActivityEntry)
		if !ok {
			return
		}
		if !isAdmin && entry.UserID != uid {
			return
		}
		select {
		case feed <- entry:
		default:
		}
	})
	defer s.hub.Unsubscribe(subID)

	// Reader loop only to observe the close handshake.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	slog.Debug("event stream opened", "user", uid, "admin", isAdmin)
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case entry := <-feed:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(entry); err != nil {
				slog.Debug("event stream write failed", "user", uid, "error", err)
				return
			}
		}
	}
}
