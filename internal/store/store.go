// Package store defines the persistent model and the storage contract the
// engine depends on. The single SQL implementation lives in store/sqldb;
// tests use the in-memory implementation in store/memstore.
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors. Backends wrap driver errors into one of these three so
// callers never branch on driver strings.
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("store unavailable")
)

// PairStatsDelta is applied atomically to a pair's counters.
type PairStatsDelta struct {
	Forwarded  int64
	Successful int64
	Failed     int64
	Filtered   int64
	LastAt     *time.Time
}

// UserStore manages tenants. User rows are written by the external signup
// collaborator; the engine only reads and cascades deletes.
type UserStore interface {
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	// DeleteUser cascades to the user's sessions and pairs.
	DeleteUser(ctx context.Context, id string) error
}

// SessionStore manages authenticated platform sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, userID string) ([]*Session, error)
	ListActiveSessions(ctx context.Context) ([]*Session, error)
	CountSessions(ctx context.Context, userID string) (int, error)
	// SetSessionCredentials is called by the platform adapter only.
	SetSessionCredentials(ctx context.Context, id string, blob []byte, displayName string) error
	SetSessionActive(ctx context.Context, id string, active bool) error
	TouchSessionHealth(ctx context.Context, id string, at time.Time) error
	DeleteSession(ctx context.Context, id string) error
}

// PairStore manages forwarding pairs.
type PairStore interface {
	CreatePair(ctx context.Context, p *Pair) error
	GetPair(ctx context.Context, id string) (*Pair, error)
	UpdatePair(ctx context.Context, p *Pair) error
	// DeletePair transitions the pair's non-terminal queue items to cleared
	// in the same transaction.
	DeletePair(ctx context.Context, id string) error
	ListPairs(ctx context.Context, userID string) ([]*Pair, error)
	ListPairsBySession(ctx context.Context, sessionID string) ([]*Pair, error)
	// ListActivePairsForSource resolves ingress routing: active pairs of the
	// session subscribed to the source chat.
	ListActivePairsForSource(ctx context.Context, sessionID, sourceRef string) ([]*Pair, error)
	CountPairs(ctx context.Context, userID string) (int, error)
	SetPairState(ctx context.Context, id string, state PairState) error
	// PausePairsBySession pauses every active pair of the session, returning
	// the ids of the pairs it touched.
	PausePairsBySession(ctx context.Context, sessionID string) ([]string, error)
	AddPairStats(ctx context.Context, id string, d PairStatsDelta) error
}

// FilterStore manages blocklist rules.
type FilterStore interface {
	CreateBlockedPhrase(ctx context.Context, p *BlockedPhrase) error
	DeleteBlockedPhrase(ctx context.Context, id string) error
	ListBlockedPhrases(ctx context.Context, userID string) ([]*BlockedPhrase, error)
	CreateBlockedImage(ctx context.Context, img *BlockedImage) error
	DeleteBlockedImage(ctx context.Context, id string) error
	ListBlockedImages(ctx context.Context, userID string) ([]*BlockedImage, error)
}

// QueueStore manages delivery queue items.
type QueueStore interface {
	// Enqueue inserts the item. If a non-terminal item already exists for the
	// same (pair_id, source_message_id) it returns ErrConflict and changes
	// nothing.
	Enqueue(ctx context.Context, item *QueueItem) error
	// ClaimDue atomically moves up to limit pending items with
	// scheduled_at <= now into processing and returns them ordered by
	// scheduled_at. No two callers receive the same item.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*QueueItem, error)
	CompleteItem(ctx context.Context, id string, at time.Time) error
	// FailItem increments attempts and records the error. With a non-nil
	// nextAt the item returns to pending at that time; with nil it becomes
	// terminal failed.
	FailItem(ctx context.Context, id string, errMsg string, nextAt *time.Time) error
	// RescheduleItem returns a processing item to pending at the given time
	// without touching attempts (rate-limit deferrals, throttle holds).
	RescheduleItem(ctx context.Context, id string, at time.Time) error
	// ReleaseItem rolls a processing item back to pending with its original
	// scheduled_at (cancellation path).
	ReleaseItem(ctx context.Context, id string) error
	// RecoverProcessing returns every processing item to pending; called at
	// startup and after shutdown drain.
	RecoverProcessing(ctx context.Context) (int, error)
	ClearFailed(ctx context.Context) (int, error)
	QueueStatsByStatus(ctx context.Context) (QueueStats, error)
	QueueStatsForUser(ctx context.Context, userID string) (QueueStats, error)
	ListQueueItems(ctx context.Context, pairID string, limit int) ([]*QueueItem, error)
}

// ActivityStore is the append-only audit log.
type ActivityStore interface {
	AppendActivity(ctx context.Context, e *ActivityEntry) error
	ListActivity(ctx context.Context, userID string, limit int) ([]*ActivityEntry, error)
	PruneActivity(ctx context.Context, before time.Time) (int, error)
}

// StatsStore serves aggregate reads for the dashboard and admin views.
type StatsStore interface {
	DashboardStats(ctx context.Context, userID string) (*DashboardStats, error)
	AdminStats(ctx context.Context) (*AdminStats, error)
	MessagesToday(ctx context.Context, userID string) (int, error)
}

// Store is the full storage contract. RunInTx executes fn against a
// transaction-bound view; writes inside fn commit or roll back together.
type Store interface {
	UserStore
	SessionStore
	PairStore
	FilterStore
	QueueStore
	ActivityStore
	StatsStore

	RunInTx(ctx context.Context, fn func(Store) error) error
	Close() error
}
