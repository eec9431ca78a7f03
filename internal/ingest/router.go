// Package ingest routes inbound session updates to their subscribing pairs:
// it resolves pairs by (session, source), runs the filter pipeline and
// enqueues surviving events with the pair's randomized delay.
package ingest

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/autoforwardx/autoforwardx/internal/filters"
	"github.com/autoforwardx/autoforwardx/internal/platform"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

// Loop-prevention bounds for chain forwarding.
const (
	chainLRUSize = 1024
	chainLRUTTL  = 60 * time.Second
)

// userCacheTTL bounds user row staleness during routing.
const userCacheTTL = 30 * time.Second

type cachedUser struct {
	user *store.User
	at   time.Time
}

// Router drains per-session update channels and feeds the delivery queue.
type Router struct {
	st      store.Store
	pipe    *filters.Pipeline
	tracer  trace.Tracer
	randMu  sync.Mutex
	rnd     *rand.Rand
	now     func() time.Time
	usersMu sync.Mutex
	users   map[string]*cachedUser

	// seen is per-session loop prevention for chain forwarding.
	seenMu sync.Mutex
	seen   map[string]*recentLRU

	// dailyCap, when enabled, soft-rejects enqueues past the plan's msgs_per_day.
	enforceDailyCap func() bool
}

// New creates a router.
func New(st store.Store, pipe *filters.Pipeline, enforceDailyCap func() bool) *Router {
	return &Router{
		st:              st,
		pipe:            pipe,
		tracer:          otel.Tracer("autoforwardx/ingest"),
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())),
		now:             time.Now,
		users:           make(map[string]*cachedUser),
		seen:            make(map[string]*recentLRU),
		enforceDailyCap: enforceDailyCap,
	}
}

// Run drains the session's update channel until it closes or ctx is done.
// One Run per open session.
func (r *Router) Run(ctx context.Context, sessionID string, updates <-chan platform.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				slog.Debug("ingress channel closed", "session", sessionID)
				return
			}
			r.Handle(ctx, up)
		}
	}
}

// Handle routes one update to every subscribing pair.
func (r *Router) Handle(ctx context.Context, up platform.Update) {
	ctx, span := r.tracer.Start(ctx, "ingest.handle", trace.WithAttributes(
		attribute.String("session.id", up.SessionID),
		attribute.String("event.kind", string(up.Kind)),
		attribute.String("source.ref", up.SourceRef),
	))
	defer span.End()

	r.sessionLRU(up.SessionID).Remember(up.SourceRef, up.MessageID)

	pairs, err := r.st.ListActivePairsForSource(ctx, up.SessionID, up.SourceRef)
	if err != nil {
		slog.Error("ingress: resolve pairs failed", "session", up.SessionID, "error", err)
		return
	}
	span.SetAttributes(attribute.Int("pairs.resolved", len(pairs)))

	for _, pair := range pairs {
		r.routeToPair(ctx, pair, up)
	}
}

func (r *Router) routeToPair(ctx context.Context, pair *store.Pair, up platform.Update) {
	user, err := r.user(ctx, pair.UserID)
	if err != nil {
		slog.Error("ingress: load user failed", "pair", pair.ID, "error", err)
		return
	}

	snap, verdict, err := r.pipe.Apply(ctx, user, pair, up)
	if err != nil {
		slog.Error("ingress: filter pipeline failed", "pair", pair.ID, "error", err)
		return
	}
	if !verdict.Allow {
		slog.Debug("ingress: event filtered",
			"pair", pair.ID, "reason", verdict.Reason, "msg", up.MessageID)
		if err := r.st.AddPairStats(ctx, pair.ID, store.PairStatsDelta{Filtered: 1}); err != nil {
			slog.Warn("ingress: filtered counter failed", "pair", pair.ID, "error", err)
		}
		return
	}

	if r.enforceDailyCap != nil && r.enforceDailyCap() {
		limits := user.EffectiveLimits()
		if limits.MsgsPerDay > 0 {
			sent, err := r.st.MessagesToday(ctx, user.ID)
			if err == nil && sent >= limits.MsgsPerDay {
				slog.Debug("ingress: daily cap reached", "user", user.ID, "cap", limits.MsgsPerDay)
				if err := r.st.AddPairStats(ctx, pair.ID, store.PairStatsDelta{Filtered: 1}); err != nil {
					slog.Warn("ingress: filtered counter failed", "pair", pair.ID, "error", err)
				}
				return
			}
		}
	}

	now := r.now()
	item := &store.QueueItem{
		ID:              uuid.Must(uuid.NewV7()).String(),
		PairID:          pair.ID,
		SourceMessageID: up.MessageID,
		SourceRef:       up.SourceRef,
		DestinationRef:  pair.DestinationRef,
		Payload:         snap.Encode(),
		ScheduledAt:     now.Add(r.delay(pair)),
		Status:          store.StatusPending,
		CreatedAt:       now,
	}
	if err := r.st.Enqueue(ctx, item); err != nil {
		if err == store.ErrConflict {
			// A non-terminal item for this (pair, message) already exists.
			slog.Debug("ingress: duplicate event ignored", "pair", pair.ID, "msg", up.MessageID)
			return
		}
		slog.Error("ingress: enqueue failed", "pair", pair.ID, "error", err)
	}
}

// Chain republishes a delivered message as if newly observed on the
// destination, driving chained pairs. The per-session LRU rejects tuples seen
// in the last minute to break forwarding cycles.
func (r *Router) Chain(ctx context.Context, pair *store.Pair, destMsgID int, snap platform.Snapshot) {
	lru := r.sessionLRU(pair.SessionID)
	if lru.Seen(pair.DestinationRef, destMsgID) {
		slog.Debug("chain: loop suppressed",
			"pair", pair.ID, "ref", pair.DestinationRef, "msg", destMsgID)
		return
	}
	r.Handle(ctx, platform.Update{
		SessionID: pair.SessionID,
		Kind:      platform.EventNew,
		SourceRef: pair.DestinationRef,
		MessageID: destMsgID,
		Payload:   snap,
	})
}

func (r *Router) sessionLRU(sessionID string) *recentLRU {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	lru, ok := r.seen[sessionID]
	if !ok {
		lru = newRecentLRU(chainLRUSize, chainLRUTTL)
		r.seen[sessionID] = lru
	}
	return lru
}

// delay picks uniform in [delay_min, delay_max].
func (r *Router) delay(pair *store.Pair) time.Duration {
	min := time.Duration(pair.DelayMinS) * time.Second
	max := time.Duration(pair.DelayMaxS) * time.Second
	if max <= min {
		return min
	}
	r.randMu.Lock()
	d := min + time.Duration(r.rnd.Int63n(int64(max-min)+1))
	r.randMu.Unlock()
	return d
}

func (r *Router) user(ctx context.Context, userID string) (*store.User, error) {
	r.usersMu.Lock()
	if c, ok := r.users[userID]; ok && r.now().Sub(c.at) < userCacheTTL {
		r.usersMu.Unlock()
		return c.user, nil
	}
	r.usersMu.Unlock()

	user, err := r.st.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.usersMu.Lock()
	r.users[userID] = &cachedUser{user: user, at: r.now()}
	r.usersMu.Unlock()
	return user, nil
}

// SetNow overrides the clock for tests.
func (r *Router) SetNow(now func() time.Time) { r.now = now }

// SetRand overrides the delay source for tests.
func (r *Router) SetRand(rnd *rand.Rand) { r.rnd = rnd }
