package antiban

import (
	"testing"
	"time"
)

func testLimits() func() Limits {
	return func() Limits {
		return Limits{PerMinute: 10, PerHour: 100, WarningThreshold: 0.5, CriticalThreshold: 0.8}
	}
}

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestLevels_FollowUsage(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(testLimits())
	c.SetNow(fixedClock(&now))

	if got := c.LevelOf("s1"); got != LevelSafe {
		t.Fatalf("fresh session level = %q, want safe", got)
	}

	for i := 0; i < 5; i++ {
		c.RecordSend("s1")
	}
	if got := c.LevelOf("s1"); got != LevelWarning {
		t.Errorf("at 50%% of minute budget level = %q, want warning", got)
	}
	if m := c.Multiplier("s1"); m != 2.0 {
		t.Errorf("warning multiplier = %v, want 2.0", m)
	}

	for i := 0; i < 3; i++ {
		c.RecordSend("s1")
	}
	if got := c.LevelOf("s1"); got != LevelCritical {
		t.Errorf("at 80%% of minute budget level = %q, want critical", got)
	}
	if m := c.Multiplier("s1"); m != 5.0 {
		t.Errorf("critical multiplier = %v, want 5.0", m)
	}

	// Window rolls over, counters reset, level decays.
	now = now.Add(61 * time.Second)
	if got := c.LevelOf("s1"); got != LevelSafe {
		t.Errorf("after window roll level = %q, want safe", got)
	}
}

func TestBudget_MinuteWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(testLimits())
	c.SetNow(fixedClock(&now))

	for i := 0; i < 10; i++ {
		ok, _ := c.Budget("s1")
		if !ok {
			t.Fatalf("send %d rejected under budget", i)
		}
		c.RecordSend("s1")
	}

	ok, retryAt := c.Budget("s1")
	if ok {
		t.Fatal("send over minute budget accepted")
	}
	wantRetry := now.Add(time.Minute)
	if !retryAt.Equal(wantRetry) {
		t.Errorf("retryAt = %v, want %v", retryAt, wantRetry)
	}

	now = now.Add(61 * time.Second)
	if ok, _ := c.Budget("s1"); !ok {
		t.Error("budget not restored after minute rollover")
	}
}

func TestBudget_HourWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(func() Limits {
		return Limits{PerMinute: 1000, PerHour: 3, WarningThreshold: 0.5, CriticalThreshold: 0.8}
	})
	c.SetNow(fixedClock(&now))

	for i := 0; i < 3; i++ {
		c.RecordSend("s1")
	}
	ok, retryAt := c.Budget("s1")
	if ok {
		t.Fatal("send over hour budget accepted")
	}
	if !retryAt.Equal(now.Add(time.Hour)) {
		t.Errorf("retryAt = %v, want %v", retryAt, now.Add(time.Hour))
	}
}

func TestRateLimited_RaisesToWarning(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(testLimits())
	c.SetNow(fixedClock(&now))

	// One flood-wait is enough: the platform says we are over budget even if
	// our own counters look safe.
	c.RecordRateLimited("s1", 30*time.Second)
	if got := c.LevelOf("s1"); got != LevelWarning {
		t.Errorf("level after rate_limited = %q, want warning", got)
	}
	if m := c.Multiplier("s1"); m < 2.0 {
		t.Errorf("multiplier after rate_limited = %v, want >= 2.0", m)
	}
}

func TestRateLimited_AdaptiveMultiplier(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New(testLimits())
	c.SetNow(fixedClock(&now))

	c.RecordRateLimited("s1", 5*time.Second)
	if m := c.Multiplier("s1"); m != 2.0 {
		t.Errorf("multiplier after 1 rate limit = %v, want warning baseline 2.0", m)
	}
	c.RecordRateLimited("s1", 10*time.Second)
	if m := c.Multiplier("s1"); m != 3.0 {
		t.Errorf("multiplier after 2 rate limits = %v, want 3.0", m)
	}

	// Memory expires, level and multiplier decay to the counter baseline.
	now = now.Add(11 * time.Minute)
	if got := c.LevelOf("s1"); got != LevelSafe {
		t.Errorf("level after memory expiry = %q, want safe", got)
	}
	if m := c.Multiplier("s1"); m != 1.0 {
		t.Errorf("multiplier after memory expiry = %v, want 1.0", m)
	}
}

func TestBanMarker_StickyAndStopsOnce(t *testing.T) {
	c := New(testLimits())
	var stops []string
	c.SetEmergencyStop(func(sessionID, marker string) {
		stops = append(stops, sessionID+"/"+marker)
	})

	c.RecordBanMarker("s1", "PEER_FLOOD")
	c.RecordBanMarker("s1", "PEER_FLOOD")

	if len(stops) != 1 {
		t.Fatalf("emergency stop fired %d times, want 1", len(stops))
	}
	if stops[0] != "s1/PEER_FLOOD" {
		t.Errorf("stop = %q", stops[0])
	}
	if got := c.LevelOf("s1"); got != LevelBanned {
		t.Errorf("level = %q, want banned", got)
	}
	if m := c.Multiplier("s1"); m != 0 {
		t.Errorf("banned multiplier = %v, want 0", m)
	}

	// Sending does not lower a banned level.
	c.RecordSend("s1")
	if got := c.LevelOf("s1"); got != LevelBanned {
		t.Errorf("level after send = %q, want banned", got)
	}

	c.ClearBan("s1")
	if got := c.LevelOf("s1"); got != LevelSafe {
		t.Errorf("level after ClearBan = %q, want safe", got)
	}
	if m := c.Multiplier("s1"); m != 1.0 {
		t.Errorf("multiplier after ClearBan = %v, want 1.0", m)
	}
}

func TestCountersIsolatedPerSession(t *testing.T) {
	c := New(testLimits())
	for i := 0; i < 9; i++ {
		c.RecordSend("s1")
	}
	if got := c.LevelOf("s2"); got != LevelSafe {
		t.Errorf("s2 level = %q, want safe (s1 usage must not leak)", got)
	}
	if ok, _ := c.Budget("s2"); !ok {
		t.Error("s2 budget exhausted by s1 sends")
	}
}

func TestForget(t *testing.T) {
	c := New(testLimits())
	c.RecordBanMarker("s1", "PEER_FLOOD")
	c.Forget("s1")
	if got := c.LevelOf("s1"); got != LevelSafe {
		t.Errorf("level after Forget = %q, want safe", got)
	}
}

func TestRecentErrorsBounded(t *testing.T) {
	c := New(testLimits())
	for i := 0; i < maxRecentErrors+10; i++ {
		c.RecordRateLimited("s1", time.Second)
	}
	if got := len(c.RecentErrors("s1")); got != maxRecentErrors {
		t.Errorf("recent errors = %d, want %d", got, maxRecentErrors)
	}
}
