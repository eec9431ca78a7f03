// Package memstore is the in-memory store.Store used by tests and available
// as a throwaway backend for local experiments. A single mutex guards all
// state; RunInTx simply runs fn under the same store, which is good enough
// for the sequential access patterns tests exercise.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

type Mem struct {
	mu       sync.Mutex
	users    map[string]*store.User
	sessions map[string]*store.Session
	pairs    map[string]*store.Pair
	phrases  map[string]*store.BlockedPhrase
	images   map[string]*store.BlockedImage
	queue    map[string]*store.QueueItem
	activity []*store.ActivityEntry
}

var _ store.Store = (*Mem)(nil)

func New() *Mem {
	return &Mem{
		users:    make(map[string]*store.User),
		sessions: make(map[string]*store.Session),
		pairs:    make(map[string]*store.Pair),
		phrases:  make(map[string]*store.BlockedPhrase),
		images:   make(map[string]*store.BlockedImage),
		queue:    make(map[string]*store.QueueItem),
	}
}

func (m *Mem) Close() error { return nil }

func (m *Mem) RunInTx(ctx context.Context, fn func(store.Store) error) error {
	return fn(m)
}

func copyUser(u *store.User) *store.User {
	c := *u
	if u.PlanExpiry != nil {
		t := *u.PlanExpiry
		c.PlanExpiry = &t
	}
	if u.Limits != nil {
		l := *u.Limits
		c.Limits = &l
	}
	return &c
}

func copySession(s *store.Session) *store.Session {
	c := *s
	c.Credentials = append([]byte(nil), s.Credentials...)
	if s.LastHealthAt != nil {
		t := *s.LastHealthAt
		c.LastHealthAt = &t
	}
	return &c
}

func copyPair(p *store.Pair) *store.Pair {
	c := *p
	c.KeywordRules = append([]store.KeywordRule(nil), p.KeywordRules...)
	if p.Stats.LastAt != nil {
		t := *p.Stats.LastAt
		c.Stats.LastAt = &t
	}
	return &c
}

func copyItem(it *store.QueueItem) *store.QueueItem {
	c := *it
	c.Payload = append([]byte(nil), it.Payload...)
	if it.ProcessedAt != nil {
		t := *it.ProcessedAt
		c.ProcessedAt = &t
	}
	return &c
}

// --- users ---

func (m *Mem) CreateUser(ctx context.Context, u *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; ok {
		return store.ErrConflict
	}
	m.users[u.ID] = copyUser(u)
	return nil
}

func (m *Mem) GetUser(ctx context.Context, id string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (m *Mem) DeleteUser(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return store.ErrNotFound
	}
	for pid, p := range m.pairs {
		if p.UserID == id {
			m.clearPairQueueLocked(pid)
			delete(m.pairs, pid)
		}
	}
	for sid, s := range m.sessions {
		if s.UserID == id {
			delete(m.sessions, sid)
		}
	}
	for bid, b := range m.phrases {
		if b.UserID == id {
			delete(m.phrases, bid)
		}
	}
	for bid, b := range m.images {
		if b.UserID == id {
			delete(m.images, bid)
		}
	}
	delete(m.users, id)
	return nil
}

// --- sessions ---

func (m *Mem) CreateSession(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return store.ErrConflict
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *Mem) GetSession(ctx context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySession(s), nil
}

func (m *Mem) ListSessions(ctx context.Context, userID string) ([]*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, copySession(s))
		}
	}
	sortByCreated(out, func(s *store.Session) time.Time { return s.CreatedAt })
	return out, nil
}

func (m *Mem) ListActiveSessions(ctx context.Context) ([]*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Session
	for _, s := range m.sessions {
		if s.Active {
			out = append(out, copySession(s))
		}
	}
	sortByCreated(out, func(s *store.Session) time.Time { return s.CreatedAt })
	return out, nil
}

func (m *Mem) CountSessions(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *Mem) SetSessionCredentials(ctx context.Context, id string, blob []byte, displayName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Credentials = append([]byte(nil), blob...)
	s.DisplayName = displayName
	return nil
}

func (m *Mem) SetSessionActive(ctx context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Active = active
	return nil
}

func (m *Mem) TouchSessionHealth(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	s.LastHealthAt = &t
	return nil
}

func (m *Mem) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return store.ErrNotFound
	}
	for pid, p := range m.pairs {
		if p.SessionID == id {
			m.clearPairQueueLocked(pid)
			delete(m.pairs, pid)
		}
	}
	delete(m.sessions, id)
	return nil
}

// --- pairs ---

func (m *Mem) CreatePair(ctx context.Context, p *store.Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[p.ID]; ok {
		return store.ErrConflict
	}
	m.pairs[p.ID] = copyPair(p)
	return nil
}

func (m *Mem) GetPair(ctx context.Context, id string) (*store.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyPair(p), nil
}

func (m *Mem) UpdatePair(ctx context.Context, p *store.Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.pairs[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	next := copyPair(p)
	next.Stats = cur.Stats
	m.pairs[p.ID] = next
	return nil
}

func (m *Mem) clearPairQueueLocked(pairID string) {
	for _, it := range m.queue {
		if it.PairID == pairID && !it.Status.Terminal() {
			it.Status = store.StatusCleared
		}
	}
}

func (m *Mem) DeletePair(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[id]; !ok {
		return store.ErrNotFound
	}
	m.clearPairQueueLocked(id)
	delete(m.pairs, id)
	return nil
}

func (m *Mem) ListPairs(ctx context.Context, userID string) ([]*store.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Pair
	for _, p := range m.pairs {
		if p.UserID == userID {
			out = append(out, copyPair(p))
		}
	}
	sortByCreated(out, func(p *store.Pair) time.Time { return p.CreatedAt })
	return out, nil
}

func (m *Mem) ListPairsBySession(ctx context.Context, sessionID string) ([]*store.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Pair
	for _, p := range m.pairs {
		if p.SessionID == sessionID {
			out = append(out, copyPair(p))
		}
	}
	sortByCreated(out, func(p *store.Pair) time.Time { return p.CreatedAt })
	return out, nil
}

func (m *Mem) ListActivePairsForSource(ctx context.Context, sessionID, sourceRef string) ([]*store.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Pair
	for _, p := range m.pairs {
		if p.SessionID == sessionID && p.SourceRef == sourceRef && p.State == store.PairActive {
			out = append(out, copyPair(p))
		}
	}
	sortByCreated(out, func(p *store.Pair) time.Time { return p.CreatedAt })
	return out, nil
}

func (m *Mem) CountPairs(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pairs {
		if p.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (m *Mem) SetPairState(ctx context.Context, id string, state store.PairState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[id]
	if !ok {
		return store.ErrNotFound
	}
	p.State = state
	p.UpdatedAt = time.Now()
	return nil
}

func (m *Mem) PausePairsBySession(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, p := range m.pairs {
		if p.SessionID == sessionID && p.State == store.PairActive {
			p.State = store.PairPaused
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Mem) AddPairStats(ctx context.Context, id string, d store.PairStatsDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pairs[id]
	if !ok {
		return store.ErrNotFound
	}
	p.Stats.Forwarded += d.Forwarded
	p.Stats.Successful += d.Successful
	p.Stats.Failed += d.Failed
	p.Stats.Filtered += d.Filtered
	if d.LastAt != nil {
		t := *d.LastAt
		p.Stats.LastAt = &t
	}
	return nil
}

// --- filters ---

func (m *Mem) CreateBlockedPhrase(ctx context.Context, p *store.BlockedPhrase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.phrases[p.ID]; ok {
		return store.ErrConflict
	}
	c := *p
	m.phrases[p.ID] = &c
	return nil
}

func (m *Mem) DeleteBlockedPhrase(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.phrases[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.phrases, id)
	return nil
}

func (m *Mem) ListBlockedPhrases(ctx context.Context, userID string) ([]*store.BlockedPhrase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.BlockedPhrase
	for _, p := range m.phrases {
		if p.UserID == userID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mem) CreateBlockedImage(ctx context.Context, img *store.BlockedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[img.ID]; ok {
		return store.ErrConflict
	}
	c := *img
	m.images[img.ID] = &c
	return nil
}

func (m *Mem) DeleteBlockedImage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.images, id)
	return nil
}

func (m *Mem) ListBlockedImages(ctx context.Context, userID string) ([]*store.BlockedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.BlockedImage
	for _, img := range m.images {
		if img.UserID == userID {
			c := *img
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- queue ---

func (m *Mem) Enqueue(ctx context.Context, item *store.QueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.queue {
		if it.PairID == item.PairID && it.SourceMessageID == item.SourceMessageID && !it.Status.Terminal() {
			return store.ErrConflict
		}
	}
	m.queue[item.ID] = copyItem(item)
	return nil
}

func (m *Mem) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*store.QueueItem
	for _, it := range m.queue {
		if it.Status == store.StatusPending && !it.ScheduledAt.After(now) {
			due = append(due, it)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*store.QueueItem, 0, len(due))
	for _, it := range due {
		it.Status = store.StatusProcessing
		out = append(out, copyItem(it))
	}
	return out, nil
}

func (m *Mem) CompleteItem(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok || it.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	it.Status = store.StatusCompleted
	t := at
	it.ProcessedAt = &t
	return nil
}

func (m *Mem) FailItem(ctx context.Context, id string, errMsg string, nextAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok || it.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	it.Attempts++
	it.LastError = errMsg
	if nextAt != nil {
		it.Status = store.StatusPending
		it.ScheduledAt = *nextAt
		return nil
	}
	it.Status = store.StatusFailed
	t := time.Now()
	it.ProcessedAt = &t
	return nil
}

func (m *Mem) RescheduleItem(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok || it.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	it.Status = store.StatusPending
	it.ScheduledAt = at
	return nil
}

func (m *Mem) ReleaseItem(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok || it.Status != store.StatusProcessing {
		return store.ErrNotFound
	}
	it.Status = store.StatusPending
	return nil
}

func (m *Mem) RecoverProcessing(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.queue {
		if it.Status == store.StatusProcessing {
			it.Status = store.StatusPending
			n++
		}
	}
	return n, nil
}

func (m *Mem) ClearFailed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, it := range m.queue {
		if it.Status == store.StatusFailed {
			it.Status = store.StatusCleared
			n++
		}
	}
	return n, nil
}

func (m *Mem) QueueStatsByStatus(ctx context.Context) (store.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(store.QueueStats)
	for _, it := range m.queue {
		stats[it.Status]++
	}
	return stats, nil
}

func (m *Mem) QueueStatsForUser(ctx context.Context, userID string) (store.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(store.QueueStats)
	for _, it := range m.queue {
		if p, ok := m.pairs[it.PairID]; ok && p.UserID == userID {
			stats[it.Status]++
		}
	}
	return stats, nil
}

func (m *Mem) ListQueueItems(ctx context.Context, pairID string, limit int) ([]*store.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.QueueItem
	for _, it := range m.queue {
		if it.PairID == pairID {
			out = append(out, copyItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetQueueItem is a test helper, not part of the store contract.
func (m *Mem) GetQueueItem(id string) (*store.QueueItem, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.queue[id]
	if !ok {
		return nil, false
	}
	return copyItem(it), true
}

// --- activity ---

func (m *Mem) AppendActivity(ctx context.Context, e *store.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	m.activity = append(m.activity, &c)
	return nil
}

func (m *Mem) ListActivity(ctx context.Context, userID string, limit int) ([]*store.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.ActivityEntry
	for i := len(m.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if m.activity[i].UserID == userID {
			c := *m.activity[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Mem) PruneActivity(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.activity[:0]
	n := 0
	for _, e := range m.activity {
		if e.At.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.activity = kept
	return n, nil
}

// --- stats ---

func (m *Mem) MessagesToday(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	n := 0
	for _, it := range m.queue {
		p, ok := m.pairs[it.PairID]
		if !ok || p.UserID != userID {
			continue
		}
		if it.Status == store.StatusCompleted && it.ProcessedAt != nil && !it.ProcessedAt.Before(midnight) {
			n++
		}
	}
	return n, nil
}

func (m *Mem) DashboardStats(ctx context.Context, userID string) (*store.DashboardStats, error) {
	stats := &store.DashboardStats{}
	m.mu.Lock()
	var successful, failed int64
	for _, p := range m.pairs {
		if p.UserID != userID {
			continue
		}
		if p.State == store.PairActive {
			stats.ActivePairs++
		}
		successful += p.Stats.Successful
		failed += p.Stats.Failed
	}
	if total := successful + failed; total > 0 {
		stats.SuccessRate = float64(successful) / float64(total)
	}
	for _, s := range m.sessions {
		if s.UserID == userID && s.Active {
			stats.ConnectedAccounts++
		}
	}
	m.mu.Unlock()

	var err error
	if stats.MessagesToday, err = m.MessagesToday(ctx, userID); err != nil {
		return nil, err
	}
	if stats.Queue, err = m.QueueStatsForUser(ctx, userID); err != nil {
		return nil, err
	}
	return stats, nil
}

func (m *Mem) AdminStats(ctx context.Context) (*store.AdminStats, error) {
	stats := &store.AdminStats{UsersByPlan: make(map[store.Plan]int)}
	m.mu.Lock()
	for _, u := range m.users {
		stats.UsersByPlan[u.Plan]++
	}
	stats.TotalPairs = len(m.pairs)
	stats.TotalSessions = len(m.sessions)
	m.mu.Unlock()

	var err error
	if stats.Queue, err = m.QueueStatsByStatus(ctx); err != nil {
		return nil, err
	}
	stats.UnresolvedErrors = stats.Queue[store.StatusFailed]
	return stats, nil
}

func sortByCreated[T any](items []T, created func(T) time.Time) {
	sort.Slice(items, func(i, j int) bool {
		ti, tj := created(items[i]), created(items[j])
		if ti.Equal(tj) {
			return strings.Compare(keyOf(items[i]), keyOf(items[j])) < 0
		}
		return ti.Before(tj)
	})
}

func keyOf(v any) string {
	switch t := v.(type) {
	case *store.Session:
		return t.ID
	case *store.Pair:
		return t.ID
	}
	return ""
}
