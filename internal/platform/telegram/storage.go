package telegram

import (
	"context"
	"sync"

	"github.com/gotd/td/session"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

// sessionStorage adapts the store's credential blob to gotd's session
// storage. Loads serve the seeded blob; stores write back through the
// session store so re-keys survive restarts.
type sessionStorage struct {
	st        store.SessionStore
	sessionID string

	mu   sync.Mutex
	blob []byte
	name string
}

var _ session.Storage = (*sessionStorage)(nil)

func newSessionStorage(st store.SessionStore, sess *store.Session) *sessionStorage {
	return &sessionStorage{
		st:        st,
		sessionID: sess.ID,
		blob:      sess.Credentials,
		name:      sess.DisplayName,
	}
}

func (s *sessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.blob) == 0 {
		return nil, session.ErrNotFound
	}
	return s.blob, nil
}

func (s *sessionStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	s.blob = data
	name := s.name
	s.mu.Unlock()
	return s.st.SetSessionCredentials(ctx, s.sessionID, data, name)
}
