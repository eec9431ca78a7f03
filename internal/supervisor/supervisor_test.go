package supervisor

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

type supEnv struct {
	st   *memstore.Mem
	fake *platformtest.Fake
	ab   *antiban.Controller
	sup  *Supervisor
	sess *store.Session

	opened []string
	closed []string
}

func newSupEnv(t *testing.T) *supEnv {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	if err := st.CreateUser(ctx, &store.User{ID: "u1", Plan: store.PlanPro, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	sess := &store.Session{
		ID: "s1", UserID: "u1", Phone: "+1",
		Credentials: []byte("blob"), Active: true, CreatedAt: time.Now(),
	}
	if err := st.CreateSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	pair := &store.Pair{
		ID: "p1", UserID: "u1", SessionID: "s1",
		SourceRef: "channel:1", DestinationRef: "channel:2",
		State: store.PairActive, TypeFilter: store.TypeAll, CreatedAt: time.Now(),
	}
	if err := st.CreatePair(ctx, pair); err != nil {
		t.Fatal(err)
	}

	fake := platformtest.New()
	ab := antiban.New(func() antiban.Limits {
		return antiban.Limits{PerMinute: 100, PerHour: 1000, WarningThreshold: 0.8, CriticalThreshold: 0.95}
	})
	rec := activity.New(st, bus.New())
	e := &supEnv{st: st, fake: fake, ab: ab, sess: sess}
	e.sup = New(Config{HealthInterval: time.Minute, MaxFailures: 3}, st, fake, rec, ab)
	e.sup.SetHooks(
		func(id string) { e.opened = append(e.opened, id) },
		func(id string) { e.closed = append(e.closed, id) },
	)
	return e
}

func TestProbe_OpensAndMarksHealthy(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()

	e.sup.tick(ctx)

	if !e.fake.Opened("s1") {
		t.Fatal("session not opened")
	}
	if len(e.opened) != 1 || e.opened[0] != "s1" {
		t.Errorf("onOpen calls = %v, want [s1]", e.opened)
	}
	h, ok := e.sup.HealthOf("s1")
	if !ok || h.State != StateHealthy || !h.Healthy {
		t.Errorf("health = %+v", h)
	}
	sess, _ := e.st.GetSession(ctx, "s1")
	if sess.LastHealthAt == nil {
		t.Error("health timestamp not persisted")
	}
}

func TestProbe_SkipsUntilDue(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e.sup.SetNow(func() time.Time { return now })

	e.sup.tick(ctx)
	e.sup.tick(ctx) // within the interval; no second ping

	if n := len(e.opened); n != 1 {
		t.Errorf("onOpen calls = %d, want 1", n)
	}

	now = now.Add(2 * time.Minute)
	e.sup.tick(ctx)
	h, _ := e.sup.HealthOf("s1")
	if !h.LastCheck.Equal(now) {
		t.Errorf("LastCheck = %v, want %v after interval elapsed", h.LastCheck, now)
	}
}

func TestFailures_DeactivateAfterMax(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e.sup.SetNow(func() time.Time { return now })
	e.fake.SetHealth("s1", errors.New("timeout"))

	for i := 0; i < 3; i++ {
		e.sup.tick(ctx)
		now = now.Add(20 * time.Minute) // past any backoff
	}

	h, _ := e.sup.HealthOf("s1")
	if h.State != StateDeactivated {
		t.Fatalf("state = %q, want deactivated", h.State)
	}
	sess, _ := e.st.GetSession(ctx, "s1")
	if sess.Active {
		t.Error("session still active after deactivation")
	}
	pair, _ := e.st.GetPair(ctx, "p1")
	if pair.State != store.PairPaused {
		t.Errorf("pair state = %q, want paused", pair.State)
	}
	if len(e.closed) != 1 || e.closed[0] != "s1" {
		t.Errorf("onClose calls = %v, want [s1]", e.closed)
	}

	entries, _ := e.st.ListActivity(ctx, "u1", 10)
	var found bool
	for _, en := range entries {
		if en.Kind == store.ActSessionDeactivated {
			found = true
		}
	}
	if !found {
		t.Error("no session_deactivated activity recorded")
	}
}

func TestAuthExpired_DeactivatesImmediately(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()

	e.sup.tick(ctx) // healthy first
	e.fake.SetHealth("s1", platform.NewError(platform.KindAuthExpired, errors.New("AUTH_KEY_UNREGISTERED")))
	now := time.Now().Add(2 * time.Minute)
	e.sup.SetNow(func() time.Time { return now })

	e.sup.tick(ctx)

	h, _ := e.sup.HealthOf("s1")
	if h.State != StateDeactivated {
		t.Fatalf("state = %q, want deactivated (auth expiry skips the retry ladder)", h.State)
	}
	if h.ConsecutiveFailures >= 3 {
		t.Errorf("failures = %d; deactivation must not have waited for max failures", h.ConsecutiveFailures)
	}
}

func TestHandleAuthExpired(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()
	e.sup.tick(ctx)

	e.sup.HandleAuthExpired(ctx, "s1")

	sess, _ := e.st.GetSession(ctx, "s1")
	if sess.Active {
		t.Error("session still active")
	}
	h, _ := e.sup.HealthOf("s1")
	if h.State != StateDeactivated {
		t.Errorf("state = %q, want deactivated", h.State)
	}
}

func TestRecovery_RecordsReconnect(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e.sup.SetNow(func() time.Time { return now })

	e.fake.SetHealth("s1", errors.New("timeout"))
	e.sup.tick(ctx) // one failure, still active

	e.fake.SetHealth("s1", nil)
	now = now.Add(time.Minute) // past the 30s backoff
	e.sup.tick(ctx)

	h, _ := e.sup.HealthOf("s1")
	if h.State != StateHealthy || h.ConsecutiveFailures != 0 {
		t.Fatalf("health = %+v, want healthy with reset failures", h)
	}
	entries, _ := e.st.ListActivity(ctx, "u1", 10)
	var found bool
	for _, en := range entries {
		if en.Kind == store.ActSessionReconnected {
			found = true
		}
	}
	if !found {
		t.Error("no session_reconnected activity recorded")
	}
}

func TestTriggerHealth_ReactivatesAndClearsBan(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()

	e.ab.RecordBanMarker("s1", "PEER_FLOOD")
	if err := e.st.SetSessionActive(ctx, "s1", false); err != nil {
		t.Fatal(err)
	}

	if err := e.sup.TriggerHealth(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	sess, _ := e.st.GetSession(ctx, "s1")
	if !sess.Active {
		t.Error("session not reactivated")
	}
	if lvl := e.ab.LevelOf("s1"); lvl != antiban.LevelSafe {
		t.Errorf("ban level = %q, want safe", lvl)
	}
	h, _ := e.sup.HealthOf("s1")
	if h.State != StateHealthy {
		t.Errorf("state = %q, want healthy", h.State)
	}
}

func TestTriggerHealth_RejectsWithoutCredentials(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()
	if err := e.st.SetSessionCredentials(ctx, "s1", nil, ""); err != nil {
		t.Fatal(err)
	}
	if err := e.sup.TriggerHealth(ctx, "s1"); err == nil {
		t.Fatal("TriggerHealth succeeded without credentials")
	}
}

func TestDisconnect(t *testing.T) {
	e := newSupEnv(t)
	ctx := context.Background()
	e.sup.tick(ctx)

	if err := e.sup.Disconnect(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	if e.fake.Opened("s1") {
		t.Error("client still open after disconnect")
	}
	sess, _ := e.st.GetSession(ctx, "s1")
	if sess.Active {
		t.Error("session still active after disconnect")
	}
	if len(e.closed) != 1 {
		t.Errorf("onClose calls = %v, want one", e.closed)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		k    int
		want time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 15 * time.Minute},
		{20, 15 * time.Minute},
	}
	for _, tt := range tests {
		if got := backoff(tt.k); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.k, got, tt.want)
		}
	}
}
