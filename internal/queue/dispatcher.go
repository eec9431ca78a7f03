// Package queue runs the delivery workers: claiming due items, consulting the
// anti-ban controller, dispatching sends through the platform pool and
// mapping failures into retries per the error taxonomy.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/autoforwardx/autoforwardx/internal/activity"
	"github.com/autoforwardx/autoforwardx/internal/antiban"
	"github.com/autoforwardx/autoforwardx/internal/platform"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

// Reauther is notified when a send hits expired authentication.
type Reauther interface {
	HandleAuthExpired(ctx context.Context, sessionID string)
}

// Chainer republishes delivered messages for chain forwarding.
type Chainer interface {
	Chain(ctx context.Context, pair *store.Pair, destMsgID int, snap platform.Snapshot)
}

// Config tunes the dispatcher.
type Config struct {
	Workers     int
	ClaimBatch  int
	MaxAttempts int
}

// throttleHoldDelay is how long halted (multiplier zero) work is deferred.
const throttleHoldDelay = 60 * time.Second

// destMapSize bounds the source->destination message id memory.
const destMapSize = 4096 * 16

// Dispatcher is the delivery worker pool.
type Dispatcher struct {
	cfg    Config
	st     store.Store
	pool   platform.Client
	ab     *antiban.Controller
	rec    *activity.Recorder
	reauth Reauther
	chain  Chainer
	tracer trace.Tracer

	paused atomic.Bool
	maps   *destMap

	// pairLocks serializes sends for pairs marked serialized. Held only
	// across the platform call, never across store transactions.
	pairLocksMu sync.Mutex
	pairLocks   map[string]*sync.Mutex

	now func() time.Time
}

// New creates a dispatcher.
func New(cfg Config, st store.Store, pool platform.Client, ab *antiban.Controller, rec *activity.Recorder, reauth Reauther) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 32
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Dispatcher{
		cfg:       cfg,
		st:        st,
		pool:      pool,
		ab:        ab,
		rec:       rec,
		reauth:    reauth,
		tracer:    otel.Tracer("autoforwardx/queue"),
		maps:      newDestMap(destMapSize),
		pairLocks: make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// SetChainer wires the chain-forwarding callback (router), broken out of New
// to avoid the construction cycle between router and dispatcher.
func (d *Dispatcher) SetChainer(c Chainer) { d.chain = c }

// Run starts the worker pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	idle := time.NewTimer(0)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
		}

		if d.paused.Load() {
			idle.Reset(time.Second)
			continue
		}

		items, err := d.st.ClaimDue(ctx, d.now(), d.cfg.ClaimBatch)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("queue: claim failed", "worker", worker, "error", err)
			}
			idle.Reset(2 * time.Second)
			continue
		}
		if len(items) == 0 {
			idle.Reset(time.Second)
			continue
		}

		// Items arrive ordered by scheduled_at; within this batch a pair's
		// items are therefore processed in order.
		for _, item := range items {
			if ctx.Err() != nil {
				d.release(item)
				continue
			}
			d.process(ctx, item)
		}
		idle.Reset(0)
	}
}

// release rolls an unprocessed claim back to pending. Runs on a background
// context because the worker's context is already cancelled.
func (d *Dispatcher) release(item *store.QueueItem) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.st.ReleaseItem(ctx, item.ID); err != nil {
		slog.Error("queue: release failed", "item", item.ID, "error", err)
	}
}

func (d *Dispatcher) process(ctx context.Context, item *store.QueueItem) {
	ctx, span := d.tracer.Start(ctx, "queue.dispatch", trace.WithAttributes(
		attribute.String("item.id", item.ID),
		attribute.String("pair.id", item.PairID),
		attribute.Int("item.attempts", item.Attempts),
	))
	defer span.End()

	pair, err := d.st.GetPair(ctx, item.PairID)
	if errors.Is(err, store.ErrNotFound) {
		// Pair deleted after claim; cascade normally clears these first.
		d.failTerminal(ctx, item, nil, "pair deleted")
		return
	}
	if err != nil {
		slog.Error("queue: load pair failed", "item", item.ID, "error", err)
		d.release(item)
		return
	}
	if pair.State != store.PairActive {
		// Paused or stopped mid-flight; keep the item pending for later.
		d.reschedule(ctx, item, d.now().Add(throttleHoldDelay))
		return
	}
	span.SetAttributes(attribute.String("session.id", pair.SessionID))

	// Anti-ban gate: halted sessions hold their work, throttled sessions
	// stretch the pair's base delay.
	mult := d.ab.Multiplier(pair.SessionID)
	if mult == 0 {
		d.reschedule(ctx, item, d.now().Add(throttleHoldDelay))
		return
	}
	if mult > 1 {
		base := item.ScheduledAt.Sub(item.CreatedAt)
		due := item.CreatedAt.Add(time.Duration(float64(base) * mult))
		if d.now().Before(due) {
			d.reschedule(ctx, item, due)
			return
		}
	}

	if ok, retryAt := d.ab.Budget(pair.SessionID); !ok {
		d.reschedule(ctx, item, retryAt)
		return
	}

	snap, err := platform.DecodeSnapshot(item.Payload)
	if err != nil {
		d.failTerminal(ctx, item, pair, fmt.Sprintf("bad payload: %v", err))
		return
	}

	// The per-pair lock spans only the platform call, never store writes.
	var destMsgID int
	var sent bool
	var sendErr error
	if pair.Serialized {
		lock := d.pairLock(pair.ID)
		lock.Lock()
		destMsgID, sent, sendErr = d.send(ctx, pair, item, snap)
		lock.Unlock()
	} else {
		destMsgID, sent, sendErr = d.send(ctx, pair, item, snap)
	}
	if sendErr != nil {
		d.handleSendError(ctx, pair, item, sendErr)
		return
	}
	d.complete(ctx, pair, item, snap, destMsgID, sent)
}

// send performs the platform call for the item's event kind. sent reports
// whether a message was actually produced on the destination (edit/delete
// misses complete without sending).
func (d *Dispatcher) send(ctx context.Context, pair *store.Pair, item *store.QueueItem, snap platform.Snapshot) (destMsgID int, sent bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, platform.DefaultSendTimeout)
	defer cancel()

	switch snap.Kind {
	case platform.EventEdit:
		destID, ok := d.maps.Get(pair.ID, item.SourceMessageID)
		if !ok {
			// Mapping aged out; edits are best-effort.
			return 0, false, nil
		}
		if pair.CopyMode {
			return destID, true, d.pool.Edit(callCtx, pair.SessionID, pair.DestinationRef, destID, snap)
		}
		// Native forwards cannot be edited in place; repost the new revision.
		id, err := d.pool.Forward(callCtx, pair.SessionID, item.SourceRef, pair.DestinationRef, item.SourceMessageID, pair.Silent)
		return id, true, err

	case platform.EventDelete:
		destID, ok := d.maps.Get(pair.ID, item.SourceMessageID)
		if !ok {
			return 0, false, nil
		}
		if err := d.pool.Delete(callCtx, pair.SessionID, pair.DestinationRef, []int{destID}); err != nil {
			return 0, false, err
		}
		d.maps.Delete(pair.ID, item.SourceMessageID)
		return 0, false, nil

	default: // EventNew
		if pair.CopyMode {
			id, err := d.pool.Copy(callCtx, pair.SessionID, item.SourceRef, pair.DestinationRef, item.SourceMessageID, snap, pair.Silent)
			return id, true, err
		}
		id, err := d.pool.Forward(callCtx, pair.SessionID, item.SourceRef, pair.DestinationRef, item.SourceMessageID, pair.Silent)
		return id, true, err
	}
}

func (d *Dispatcher) complete(ctx context.Context, pair *store.Pair, item *store.QueueItem, snap platform.Snapshot, destMsgID int, sent bool) {
	now := d.now()
	if err := d.st.CompleteItem(ctx, item.ID, now); err != nil {
		slog.Error("queue: complete failed", "item", item.ID, "error", err)
	}
	if !sent {
		return
	}

	d.ab.RecordSend(pair.SessionID)
	if snap.Kind == platform.EventNew && destMsgID != 0 {
		d.maps.Put(pair.ID, item.SourceMessageID, destMsgID)
	}

	delta := store.PairStatsDelta{Successful: 1, Forwarded: 1, LastAt: &now}
	if err := d.st.AddPairStats(ctx, pair.ID, delta); err != nil {
		slog.Warn("queue: stats update failed", "pair", pair.ID, "error", err)
	}
	d.rec.Record(ctx, &store.ActivityEntry{
		UserID:  pair.UserID,
		PairID:  &pair.ID,
		Kind:    store.ActMessageForwarded,
		Message: fmt.Sprintf("message %d forwarded", item.SourceMessageID),
		Metadata: map[string]string{
			"source":      item.SourceRef,
			"destination": pair.DestinationRef,
		},
	})

	if pair.Chain && snap.Kind == platform.EventNew && d.chain != nil && destMsgID != 0 {
		d.chain.Chain(ctx, pair, destMsgID, snap)
	}
}

func (d *Dispatcher) handleSendError(ctx context.Context, pair *store.Pair, item *store.QueueItem, sendErr error) {
	if marker, banned := platform.BanMarker(sendErr); banned {
		d.ab.RecordBanMarker(pair.SessionID, marker)
		d.reschedule(ctx, item, d.now().Add(throttleHoldDelay))
		return
	}

	switch platform.KindOf(sendErr) {
	case platform.KindRateLimited:
		wait, _ := platform.FloodWait(sendErr)
		if wait <= 0 {
			wait = time.Minute
		}
		d.ab.RecordRateLimited(pair.SessionID, wait)
		// No attempts charge; the platform told us when to come back.
		d.reschedule(ctx, item, d.now().Add(wait))

	case platform.KindAuthExpired:
		d.failTerminal(ctx, item, pair, sendErr.Error())
		d.reauth.HandleAuthExpired(ctx, pair.SessionID)

	case platform.KindPeerInvalid, platform.KindContentRejected:
		d.failTerminal(ctx, item, pair, sendErr.Error())

	default: // transient_network, unknown
		attempts := item.Attempts + 1
		if attempts >= d.cfg.MaxAttempts {
			d.failTerminal(ctx, item, pair, sendErr.Error())
			return
		}
		next := d.now().Add(time.Duration(1<<uint(attempts)) * time.Minute)
		if err := d.st.FailItem(ctx, item.ID, sendErr.Error(), &next); err != nil {
			slog.Error("queue: fail-retry failed", "item", item.ID, "error", err)
		}
		slog.Debug("queue: send retry scheduled",
			"item", item.ID, "attempts", attempts, "next", next)
	}
}

// failTerminal marks the item failed and charges the pair when known.
func (d *Dispatcher) failTerminal(ctx context.Context, item *store.QueueItem, pair *store.Pair, reason string) {
	if err := d.st.FailItem(ctx, item.ID, reason, nil); err != nil {
		slog.Error("queue: fail failed", "item", item.ID, "error", err)
	}
	if pair == nil {
		return
	}
	if err := d.st.AddPairStats(ctx, pair.ID, store.PairStatsDelta{Failed: 1}); err != nil {
		slog.Warn("queue: stats update failed", "pair", pair.ID, "error", err)
	}
	d.rec.Record(ctx, &store.ActivityEntry{
		UserID:  pair.UserID,
		PairID:  &pair.ID,
		Kind:    store.ActMessageFailed,
		Message: fmt.Sprintf("message %d failed: %s", item.SourceMessageID, reason),
	})
}

func (d *Dispatcher) reschedule(ctx context.Context, item *store.QueueItem, at time.Time) {
	if err := d.st.RescheduleItem(ctx, item.ID, at); err != nil {
		slog.Error("queue: reschedule failed", "item", item.ID, "error", err)
	}
}

func (d *Dispatcher) pairLock(pairID string) *sync.Mutex {
	d.pairLocksMu.Lock()
	defer d.pairLocksMu.Unlock()
	lock, ok := d.pairLocks[pairID]
	if !ok {
		lock = &sync.Mutex{}
		d.pairLocks[pairID] = lock
	}
	return lock
}

// Pause stops workers from claiming new items; in-flight sends finish.
func (d *Dispatcher) Pause() { d.paused.Store(true) }

// Resume lets workers claim again.
func (d *Dispatcher) Resume() { d.paused.Store(false) }

// Paused reports the admin pause state.
func (d *Dispatcher) Paused() bool { return d.paused.Load() }

// SetNow overrides the clock for tests.
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }
