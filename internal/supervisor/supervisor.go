// Package supervisor owns session lifecycle: opening platform clients for
// active sessions, periodic health probes, reconnect backoff and
// deactivation after repeated failures or expired authentication.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/activity"
	"github.com/autoforwardx/autoforwardx/internal/antiban"
	"github.com/autoforwardx/autoforwardx/internal/platform"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

// State is the supervisor's view of one session.
type State string

const (
	StateConnecting  State = "connecting"
	StateHealthy     State = "healthy"
	StateUnhealthy   State = "unhealthy"
	StateDeactivated State = "deactivated"
)

// Health is the in-memory per-session health projection, rebuilt from session
// rows at startup.
type Health struct {
	SessionID           string    `json:"session_id"`
	State               State     `json:"state"`
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RecentErrors        []string  `json:"recent_errors,omitempty"`

	nextCheck time.Time
	opened    bool
}

// Backoff bounds for reconnect scheduling.
const (
	backoffBase = 30 * time.Second
	backoffMax  = 15 * time.Minute
)

// Config tunes the supervisor.
type Config struct {
	HealthInterval time.Duration // probe interval for healthy sessions
	MaxFailures    int           // consecutive failures before deactivation
}

// Supervisor drives the per-session health loop.
type Supervisor struct {
	cfg  Config
	st   store.Store
	pool platform.Client
	rec  *activity.Recorder
	ab   *antiban.Controller

	mu     sync.RWMutex
	health map[string]*Health

	// onOpen/onClose notify the engine to start/stop the session's ingress task.
	onOpen  func(sessionID string)
	onClose func(sessionID string)

	now func() time.Time
}

// New creates a supervisor.
func New(cfg Config, st store.Store, pool platform.Client, rec *activity.Recorder, ab *antiban.Controller) *Supervisor {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Minute
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	return &Supervisor{
		cfg:    cfg,
		st:     st,
		pool:   pool,
		rec:    rec,
		ab:     ab,
		health: make(map[string]*Health),
		now:    time.Now,
	}
}

// SetHooks wires the ingress start/stop callbacks.
func (s *Supervisor) SetHooks(onOpen, onClose func(sessionID string)) {
	s.onOpen = onOpen
	s.onClose = onClose
}

// Rebuild seeds the health projection from session rows. Called at startup.
func (s *Supervisor) Rebuild(ctx context.Context) error {
	sessions, err := s.st.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		h := &Health{SessionID: sess.ID, State: StateConnecting}
		if sess.LastHealthAt != nil {
			h.LastCheck = *sess.LastHealthAt
		}
		s.health[sess.ID] = h
	}
	return nil
}

// Run executes the supervision loop until ctx is cancelled. The loop wakes
// frequently but probes each session only when its own schedule is due.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	sessions, err := s.st.ListActiveSessions(ctx)
	if err != nil {
		slog.Warn("supervisor: list sessions failed", "error", err)
		return
	}
	for _, sess := range sessions {
		if !sess.Usable() {
			continue
		}
		if s.due(sess.ID) {
			s.probe(ctx, sess)
		}
	}
}

func (s *Supervisor) due(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[sessionID]
	if !ok {
		return true
	}
	return !s.now().Before(h.nextCheck)
}

// probe ensures the client is open and pings it, updating the health machine.
func (s *Supervisor) probe(ctx context.Context, sess *store.Session) {
	s.mu.Lock()
	h, ok := s.health[sess.ID]
	if !ok {
		h = &Health{SessionID: sess.ID, State: StateConnecting}
		s.health[sess.ID] = h
	}
	opened := h.opened
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, platform.DefaultSendTimeout)
	defer cancel()

	if !opened {
		if err := s.pool.Open(callCtx, sess); err != nil {
			s.recordFailure(ctx, sess, err)
			return
		}
		s.mu.Lock()
		h.opened = true
		s.mu.Unlock()
		if s.onOpen != nil {
			s.onOpen(sess.ID)
		}
	}

	if err := s.pool.HealthPing(callCtx, sess.ID); err != nil {
		s.recordFailure(ctx, sess, err)
		return
	}
	s.recordSuccess(ctx, sess)
}

func (s *Supervisor) recordSuccess(ctx context.Context, sess *store.Session) {
	now := s.now()
	s.mu.Lock()
	h := s.health[sess.ID]
	wasUnhealthy := h.State == StateUnhealthy
	h.State = StateHealthy
	h.Healthy = true
	h.LastCheck = now
	h.ConsecutiveFailures = 0
	h.nextCheck = now.Add(s.cfg.HealthInterval)
	s.mu.Unlock()

	if err := s.st.TouchSessionHealth(ctx, sess.ID, now); err != nil {
		slog.Warn("supervisor: touch health failed", "session", sess.ID, "error", err)
	}
	if wasUnhealthy {
		s.rec.Record(ctx, &store.ActivityEntry{
			UserID:    sess.UserID,
			SessionID: &sess.ID,
			Kind:      store.ActSessionReconnected,
			Message:   "session recovered after failed health checks",
		})
	}
}

func (s *Supervisor) recordFailure(ctx context.Context, sess *store.Session, err error) {
	// Expired auth skips the retry ladder entirely.
	if platform.KindOf(err) == platform.KindAuthExpired {
		s.deactivate(ctx, sess, "authentication expired")
		return
	}

	now := s.now()
	s.mu.Lock()
	h := s.health[sess.ID]
	h.Healthy = false
	h.State = StateUnhealthy
	h.LastCheck = now
	h.ConsecutiveFailures++
	h.RecentErrors = appendBounded(h.RecentErrors, err.Error())
	k := h.ConsecutiveFailures
	h.nextCheck = now.Add(backoff(k))
	exhausted := k >= s.cfg.MaxFailures
	s.mu.Unlock()

	slog.Warn("session health check failed",
		"session", sess.ID, "failures", k, "error", err)

	if exhausted {
		s.deactivate(ctx, sess, fmt.Sprintf("%d consecutive health failures", k))
	}
}

// deactivate marks the session inactive, pauses its pairs and tears the
// client down. Requires user re-auth (or admin trigger) to come back.
func (s *Supervisor) deactivate(ctx context.Context, sess *store.Session, reason string) {
	if err := s.st.SetSessionActive(ctx, sess.ID, false); err != nil {
		slog.Error("supervisor: deactivate session failed", "session", sess.ID, "error", err)
	}
	paused, err := s.st.PausePairsBySession(ctx, sess.ID)
	if err != nil {
		slog.Error("supervisor: pause pairs failed", "session", sess.ID, "error", err)
	}

	s.mu.Lock()
	h := s.health[sess.ID]
	h.State = StateDeactivated
	h.Healthy = false
	wasOpen := h.opened
	h.opened = false
	s.mu.Unlock()

	if wasOpen {
		if s.onClose != nil {
			s.onClose(sess.ID)
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		s.pool.Close(closeCtx, sess.ID)
		cancel()
	}

	s.rec.Record(ctx, &store.ActivityEntry{
		UserID:    sess.UserID,
		SessionID: &sess.ID,
		Kind:      store.ActSessionDeactivated,
		Message:   "session deactivated: " + reason,
		Metadata:  map[string]string{"paused_pairs": fmt.Sprintf("%d", len(paused))},
	})
}

// HandleAuthExpired deactivates the session immediately. Called by the
// delivery queue when a send fails with auth_expired.
func (s *Supervisor) HandleAuthExpired(ctx context.Context, sessionID string) {
	sess, err := s.st.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("supervisor: load session for auth expiry failed", "session", sessionID, "error", err)
		return
	}
	s.deactivate(ctx, sess, "authentication expired during send")
}

// MarkUnhealthy records an external failure signal (e.g. emergency stop)
// without touching the retry ladder.
func (s *Supervisor) MarkUnhealthy(sessionID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[sessionID]
	if !ok {
		h = &Health{SessionID: sessionID}
		s.health[sessionID] = h
	}
	h.Healthy = false
	h.State = StateUnhealthy
	h.RecentErrors = appendBounded(h.RecentErrors, reason)
}

// TriggerHealth forces an immediate probe; admin-driven reconnect. For a
// session that was deactivated and re-authenticated, a successful probe
// reactivates it and clears any ban level.
func (s *Supervisor) TriggerHealth(ctx context.Context, sessionID string) error {
	sess, err := s.st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(sess.Credentials) == 0 {
		return fmt.Errorf("session %s has no credentials; re-authenticate first", sessionID)
	}

	callCtx, cancel := context.WithTimeout(ctx, platform.DefaultSendTimeout)
	defer cancel()
	if err := s.pool.Open(callCtx, sess); err != nil {
		s.recordFailure(ctx, sess, err)
		return err
	}
	s.mu.Lock()
	h, ok := s.health[sessionID]
	if !ok {
		h = &Health{SessionID: sessionID}
		s.health[sessionID] = h
	}
	justOpened := !h.opened
	h.opened = true
	s.mu.Unlock()
	if justOpened && s.onOpen != nil {
		s.onOpen(sessionID)
	}

	if err := s.pool.HealthPing(callCtx, sessionID); err != nil {
		s.recordFailure(ctx, sess, err)
		return err
	}

	if !sess.Active {
		if err := s.st.SetSessionActive(ctx, sessionID, true); err != nil {
			return err
		}
	}
	s.ab.ClearBan(sessionID)
	s.recordSuccess(ctx, sess)
	return nil
}

// Disconnect closes the session's client and marks it inactive (control-plane
// disconnect_session).
func (s *Supervisor) Disconnect(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	h, ok := s.health[sessionID]
	wasOpen := ok && h.opened
	if ok {
		h.opened = false
		h.State = StateDeactivated
		h.Healthy = false
	}
	s.mu.Unlock()

	if wasOpen {
		if s.onClose != nil {
			s.onClose(sessionID)
		}
		if err := s.pool.Close(ctx, sessionID); err != nil {
			slog.Warn("supervisor: close client failed", "session", sessionID, "error", err)
		}
	}
	return s.st.SetSessionActive(ctx, sessionID, false)
}

// HealthOf returns a copy of the session's health, if tracked.
func (s *Supervisor) HealthOf(sessionID string) (Health, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.health[sessionID]
	if !ok {
		return Health{}, false
	}
	out := *h
	out.RecentErrors = append([]string(nil), h.RecentErrors...)
	return out, true
}

func (s *Supervisor) closeAll() {
	s.mu.Lock()
	var open []string
	for id, h := range s.health {
		if h.opened {
			open = append(open, id)
			h.opened = false
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, id := range open {
		if s.onClose != nil {
			s.onClose(id)
		}
		s.pool.Close(ctx, id)
	}
}

// backoff returns min(2^k * 30s, 15min) for the k-th consecutive failure.
func backoff(k int) time.Duration {
	d := backoffBase
	for i := 1; i < k; i++ {
		d *= 2
		if d >= backoffMax {
			return backoffMax
		}
	}
	if d > backoffMax {
		return backoffMax
	}
	return d
}

const maxRecentErrors = 10

func appendBounded(errs []string, s string) []string {
	errs = append(errs, s)
	if len(errs) > maxRecentErrors {
		errs = errs[len(errs)-maxRecentErrors:]
	}
	return errs
}

// SetNow overrides the clock for tests.
func (s *Supervisor) SetNow(now func() time.Time) { s.now = now }
