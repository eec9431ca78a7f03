package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/activity"
	"github.com/autoforwardx/autoforwardx/internal/antiban"
	"github.com/autoforwardx/autoforwardx/internal/bus"
	"github.com/autoforwardx/autoforwardx/internal/platform"
	"github.com/autoforwardx/autoforwardx/internal/platform/platformtest"
	"github.com/autoforwardx/autoforwardx/internal/store"
	"github.com/autoforwardx/autoforwardx/internal/store/memstore"
)

type fakeReauther struct {
	sessions []string
}

func (f *fakeReauther) HandleAuthExpired(ctx context.Context, sessionID string) {
	f.sessions = append(f.sessions, sessionID)
}

type fakeChainer struct {
	pairs []string
	msgs  []int
}

func (f *fakeChainer) Chain(ctx context.Context, pair *store.Pair, destMsgID int, snap platform.Snapshot) {
	f.pairs = append(f.pairs, pair.ID)
	f.msgs = append(f.msgs, destMsgID)
}

type dispatchEnv struct {
	st     *memstore.Mem
	fake   *platformtest.Fake
	ab     *antiban.Controller
	reauth *fakeReauther
	disp   *Dispatcher
	pair   *store.Pair
}

func newDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	if err := st.CreateUser(ctx, &store.User{ID: "u1", Plan: store.PlanPro, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateSession(ctx, &store.Session{ID: "s1", UserID: "u1", Phone: "+1", Active: true, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	pair := &store.Pair{
		ID:             "p1",
		UserID:         "u1",
		SessionID:      "s1",
		SourceRef:      "channel:100",
		DestinationRef: "channel:200",
		State:          store.PairActive,
		TypeFilter:     store.TypeAll,
		CreatedAt:      time.Now(),
	}
	if err := st.CreatePair(ctx, pair); err != nil {
		t.Fatal(err)
	}

	fake := platformtest.New()
	ab := antiban.New(func() antiban.Limits {
		return antiban.Limits{PerMinute: 1000, PerHour: 10000, WarningThreshold: 0.8, CriticalThreshold: 0.95}
	})
	reauth := &fakeReauther{}
	rec := activity.New(st, bus.New())
	disp := New(Config{Workers: 1, ClaimBatch: 8, MaxAttempts: 3}, st, fake, ab, rec, reauth)
	return &dispatchEnv{st: st, fake: fake, ab: ab, reauth: reauth, disp: disp, pair: pair}
}

// enqueue inserts a due pending item and returns it claimed (processing).
func (e *dispatchEnv) enqueue(t *testing.T, id string, msgID int, snap platform.Snapshot) *store.QueueItem {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Add(-time.Second)
	item := &store.QueueItem{
		ID:              id,
		PairID:          e.pair.ID,
		SourceMessageID: msgID,
		SourceRef:       e.pair.SourceRef,
		DestinationRef:  e.pair.DestinationRef,
		Payload:         snap.Encode(),
		ScheduledAt:     now,
		Status:          store.StatusPending,
		CreatedAt:       now,
	}
	if err := e.st.Enqueue(ctx, item); err != nil {
		t.Fatal(err)
	}
	claimed, err := e.st.ClaimDue(ctx, time.Now(), 8)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range claimed {
		if c.ID == id {
			return c
		}
	}
	t.Fatalf("item %s not claimed", id)
	return nil
}

func (e *dispatchEnv) itemStatus(t *testing.T, id string) store.QueueStatus {
	t.Helper()
	it, ok := e.st.GetQueueItem(id)
	if !ok {
		t.Fatalf("item %s missing", id)
	}
	return it.Status
}

func TestProcess_ForwardSuccess(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	item := e.enqueue(t, "q1", 42, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})

	e.disp.process(ctx, item)

	calls := e.fake.Calls()
	if len(calls) != 1 || calls[0].Op != "forward" {
		t.Fatalf("calls = %+v, want one forward", calls)
	}
	if got := e.itemStatus(t, "q1"); got != store.StatusCompleted {
		t.Errorf("status = %q, want completed", got)
	}
	pair, _ := e.st.GetPair(ctx, "p1")
	if pair.Stats.Successful != 1 || pair.Stats.Forwarded != 1 {
		t.Errorf("stats = %+v", pair.Stats)
	}
}

func TestProcess_CopyMode(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.pair.CopyMode = true
	if err := e.st.UpdatePair(ctx, e.pair); err != nil {
		t.Fatal(err)
	}
	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})

	e.disp.process(ctx, item)

	calls := e.fake.Calls()
	if len(calls) != 1 || calls[0].Op != "copy" {
		t.Fatalf("calls = %+v, want one copy", calls)
	}
	if calls[0].Snap.Text != "hi" {
		t.Errorf("copy snap text = %q", calls[0].Snap.Text)
	}
}

func TestProcess_RateLimited_ReschedulesWithoutAttemptCharge(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.fake.Fail("forward", platform.NewRateLimited(30*time.Second, errors.New("FLOOD_WAIT_30")))
	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})

	before := time.Now()
	e.disp.process(ctx, item)

	it, _ := e.st.GetQueueItem("q1")
	if it.Status != store.StatusPending {
		t.Fatalf("status = %q, want pending", it.Status)
	}
	if it.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 (rate limits are free)", it.Attempts)
	}
	if it.ScheduledAt.Before(before.Add(29 * time.Second)) {
		t.Errorf("rescheduled too early: %v", it.ScheduledAt)
	}
	if lvl := e.ab.LevelOf("s1"); lvl != antiban.LevelWarning {
		t.Errorf("level after rate limit = %q, want warning", lvl)
	}
	if m := e.ab.Multiplier("s1"); m < 2.0 {
		t.Errorf("multiplier after rate limit = %v, want >= 2.0", m)
	}
}

func TestProcess_TransientError_RetriesThenFails(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()

	// First two sends fail transiently, retried with growing backoff.
	for attempt := 0; attempt < 2; attempt++ {
		e.fake.Fail("forward", platform.NewError(platform.KindTransientNetwork, errors.New("conn reset")))
	}

	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})
	e.disp.process(ctx, item)

	it, _ := e.st.GetQueueItem("q1")
	if it.Status != store.StatusPending || it.Attempts != 1 {
		t.Fatalf("after first failure: status=%q attempts=%d", it.Status, it.Attempts)
	}

	// Claim past the backoff and process again.
	claimed, err := e.st.ClaimDue(ctx, time.Now().Add(3*time.Minute), 8)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim: %v items=%d", err, len(claimed))
	}
	e.disp.process(ctx, claimed[0])

	it, _ = e.st.GetQueueItem("q1")
	if it.Status != store.StatusPending || it.Attempts != 2 {
		t.Fatalf("after second failure: status=%q attempts=%d", it.Status, it.Attempts)
	}

	// Third failure hits MaxAttempts and the item fails terminally.
	e.fake.Fail("forward", platform.NewError(platform.KindTransientNetwork, errors.New("conn reset")))
	claimed, err = e.st.ClaimDue(ctx, time.Now().Add(10*time.Minute), 8)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim: %v items=%d", err, len(claimed))
	}
	e.disp.process(ctx, claimed[0])

	it, _ = e.st.GetQueueItem("q1")
	if it.Status != store.StatusFailed {
		t.Fatalf("after third failure: status=%q, want failed", it.Status)
	}
	pair, _ := e.st.GetPair(ctx, "p1")
	if pair.Stats.Failed != 1 {
		t.Errorf("pair failed counter = %d, want 1", pair.Stats.Failed)
	}
}

func TestProcess_PeerInvalid_FailsImmediately(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.fake.Fail("forward", platform.NewError(platform.KindPeerInvalid, errors.New("CHANNEL_PRIVATE")))
	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})

	e.disp.process(ctx, item)

	if got := e.itemStatus(t, "q1"); got != store.StatusFailed {
		t.Errorf("status = %q, want failed (no retry for peer_invalid)", got)
	}
}

func TestProcess_AuthExpired_NotifiesSupervisor(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.fake.Fail("forward", platform.NewError(platform.KindAuthExpired, errors.New("AUTH_KEY_UNREGISTERED")))
	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})

	e.disp.process(ctx, item)

	if got := e.itemStatus(t, "q1"); got != store.StatusFailed {
		t.Errorf("status = %q, want failed", got)
	}
	if len(e.reauth.sessions) != 1 || e.reauth.sessions[0] != "s1" {
		t.Errorf("reauth sessions = %v, want [s1]", e.reauth.sessions)
	}
}

func TestProcess_BanMarker_HoldsItemAndBansSession(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.fake.Fail("forward", errors.New("rpc error: PEER_FLOOD"))
	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})

	e.disp.process(ctx, item)

	if got := e.itemStatus(t, "q1"); got != store.StatusPending {
		t.Errorf("status = %q, want pending (held, not failed)", got)
	}
	if lvl := e.ab.LevelOf("s1"); lvl != antiban.LevelBanned {
		t.Errorf("level = %q, want banned", lvl)
	}
}

func TestProcess_PausedPair_Reschedules(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})
	if err := e.st.SetPairState(ctx, "p1", store.PairPaused); err != nil {
		t.Fatal(err)
	}

	e.disp.process(ctx, item)

	if got := e.itemStatus(t, "q1"); got != store.StatusPending {
		t.Errorf("status = %q, want pending", got)
	}
	if calls := e.fake.Calls(); len(calls) != 0 {
		t.Errorf("paused pair sent %d messages", len(calls))
	}
}

func TestProcess_BannedSession_HoldsWork(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.ab.RecordBanMarker("s1", "PEER_FLOOD")
	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})

	e.disp.process(ctx, item)

	if got := e.itemStatus(t, "q1"); got != store.StatusPending {
		t.Errorf("status = %q, want pending", got)
	}
	if calls := e.fake.Calls(); len(calls) != 0 {
		t.Errorf("banned session sent %d messages", len(calls))
	}
}

func TestProcess_EditUsesMapping(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.pair.CopyMode = true
	if err := e.st.UpdatePair(ctx, e.pair); err != nil {
		t.Fatal(err)
	}

	// Deliver the original so the mapping exists.
	item := e.enqueue(t, "q1", 42, platform.Snapshot{Kind: platform.EventNew, Text: "v1"})
	e.disp.process(ctx, item)

	edit := e.enqueue(t, "q2", 42, platform.Snapshot{Kind: platform.EventEdit, Text: "v2"})
	e.disp.process(ctx, edit)

	calls := e.fake.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %+v, want copy then edit", calls)
	}
	if calls[1].Op != "edit" {
		t.Errorf("second op = %q, want edit", calls[1].Op)
	}
	if calls[1].Snap.Text != "v2" {
		t.Errorf("edit text = %q, want v2", calls[1].Snap.Text)
	}
	if got := e.itemStatus(t, "q2"); got != store.StatusCompleted {
		t.Errorf("edit status = %q, want completed", got)
	}
}

func TestProcess_EditWithoutMapping_CompletesSilently(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.pair.CopyMode = true
	if err := e.st.UpdatePair(ctx, e.pair); err != nil {
		t.Fatal(err)
	}

	edit := e.enqueue(t, "q1", 42, platform.Snapshot{Kind: platform.EventEdit, Text: "v2"})
	e.disp.process(ctx, edit)

	if calls := e.fake.Calls(); len(calls) != 0 {
		t.Errorf("edit without mapping made %d platform calls", len(calls))
	}
	if got := e.itemStatus(t, "q1"); got != store.StatusCompleted {
		t.Errorf("status = %q, want completed", got)
	}
}

func TestProcess_DeleteReplicates(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()

	item := e.enqueue(t, "q1", 42, platform.Snapshot{Kind: platform.EventNew, Text: "bye"})
	e.disp.process(ctx, item)

	del := e.enqueue(t, "q2", 42, platform.Snapshot{Kind: platform.EventDelete})
	e.disp.process(ctx, del)

	calls := e.fake.Calls()
	if len(calls) != 2 || calls[1].Op != "delete" {
		t.Fatalf("calls = %+v, want forward then delete", calls)
	}
	if got := e.itemStatus(t, "q2"); got != store.StatusCompleted {
		t.Errorf("delete status = %q, want completed", got)
	}
}

func TestProcess_ChainFiresOnDelivery(t *testing.T) {
	e := newDispatchEnv(t)
	ctx := context.Background()
	e.pair.Chain = true
	if err := e.st.UpdatePair(ctx, e.pair); err != nil {
		t.Fatal(err)
	}
	chain := &fakeChainer{}
	e.disp.SetChainer(chain)

	item := e.enqueue(t, "q1", 1, platform.Snapshot{Kind: platform.EventNew, Text: "hi"})
	e.disp.process(ctx, item)

	if len(chain.pairs) != 1 || chain.pairs[0] != "p1" {
		t.Errorf("chain pairs = %v, want [p1]", chain.pairs)
	}
	if len(chain.msgs) != 1 || chain.msgs[0] == 0 {
		t.Errorf("chain msgs = %v, want one nonzero dest id", chain.msgs)
	}
}

func TestPauseResume(t *testing.T) {
	e := newDispatchEnv(t)
	if e.disp.Paused() {
		t.Fatal("fresh dispatcher paused")
	}
	e.disp.Pause()
	if !e.disp.Paused() {
		t.Fatal("Pause did not stick")
	}
	e.disp.Resume()
	if e.disp.Paused() {
		t.Fatal("Resume did not stick")
	}
}
