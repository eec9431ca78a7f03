// Package antiban tracks per-session send budgets and platform rate-limit
// signals, translating them into throttle multipliers, temporary pauses and
// emergency stops for the delivery queue.
package antiban

import (
	"log/slog"
	"sync"
	"time"
)

// Level classifies how close a session is to the platform's limits.
type Level string

const (
	LevelSafe     Level = "safe"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
	LevelBanned   Level = "banned"
)

// Throttle multipliers per level. Zero means halt.
var levelMultiplier = map[Level]float64{
	LevelSafe:     1.0,
	LevelWarning:  2.0,
	LevelCritical: 5.0,
	LevelBanned:   0,
}

// rateLimitMemory is how long a rate_limited error influences the adaptive
// multiplier.
const rateLimitMemory = 10 * time.Minute

// Limits are the configured per-session budgets and level thresholds.
type Limits struct {
	PerMinute         int
	PerHour           int
	WarningThreshold  float64
	CriticalThreshold float64
}

// RateState is the per-session counter window. Counters never cross sessions.
type RateState struct {
	MsgsThisMinute    int       `json:"msgs_this_minute"`
	MsgsThisHour      int       `json:"msgs_this_hour"`
	MinuteWindowStart time.Time `json:"minute_window_start"`
	HourWindowStart   time.Time `json:"hour_window_start"`
	Multiplier        float64   `json:"throttle_multiplier"`
	Level             Level     `json:"level"`
	WarningCount      int       `json:"warning_count"`

	recentRateLimits []time.Time
	recentErrors     []string
}

// StopFunc is invoked on a ban indicator; it must pause the session's pairs
// and mark the session unhealthy.
type StopFunc func(sessionID, marker string)

// Controller holds RateState for every session. All methods are safe for
// concurrent use.
type Controller struct {
	mu     sync.RWMutex
	limits func() Limits
	states map[string]*RateState
	onStop StopFunc
	now    func() time.Time
}

// New creates a controller. limits is called per decision so hot-reloaded
// config applies without restart.
func New(limits func() Limits) *Controller {
	return &Controller{
		limits: limits,
		states: make(map[string]*RateState),
		now:    time.Now,
	}
}

// SetEmergencyStop wires the callback fired on ban indicators.
func (c *Controller) SetEmergencyStop(fn StopFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStop = fn
}

func (c *Controller) state(sessionID string) *RateState {
	st, ok := c.states[sessionID]
	if !ok {
		now := c.now()
		st = &RateState{
			MinuteWindowStart: now,
			HourWindowStart:   now,
			Multiplier:        1.0,
			Level:             LevelSafe,
		}
		c.states[sessionID] = st
	}
	return st
}

// roll resets counters whose window has elapsed. Caller holds the lock.
func (c *Controller) roll(st *RateState) {
	now := c.now()
	if now.Sub(st.MinuteWindowStart) >= time.Minute {
		st.MsgsThisMinute = 0
		st.MinuteWindowStart = now
	}
	if now.Sub(st.HourWindowStart) >= time.Hour {
		st.MsgsThisHour = 0
		st.HourWindowStart = now
	}
	// Forget rate-limit errors older than the adaptive memory.
	cutoff := now.Add(-rateLimitMemory)
	kept := st.recentRateLimits[:0]
	for _, t := range st.recentRateLimits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.recentRateLimits = kept
}

// updateLevel recomputes level and multiplier from current counters.
// A banned level is sticky; only ClearBan lowers it. Caller holds the lock.
func (c *Controller) updateLevel(sessionID string, st *RateState) {
	if st.Level == LevelBanned {
		st.Multiplier = 0
		return
	}
	lim := c.limits()
	frac := 0.0
	if lim.PerMinute > 0 {
		frac = float64(st.MsgsThisMinute) / float64(lim.PerMinute)
	}
	if lim.PerHour > 0 {
		if h := float64(st.MsgsThisHour) / float64(lim.PerHour); h > frac {
			frac = h
		}
	}

	prev := st.Level
	switch {
	case frac >= lim.CriticalThreshold:
		st.Level = LevelCritical
	case frac >= lim.WarningThreshold:
		st.Level = LevelWarning
	default:
		st.Level = LevelSafe
	}

	// A platform rate_limited error within the memory window means the session
	// is already over the platform's real budget, whatever our counters say:
	// hold the level at warning or above and raise the multiplier adaptively.
	n := len(st.recentRateLimits)
	if n >= 1 && st.Level == LevelSafe {
		st.Level = LevelWarning
	}
	st.Multiplier = levelMultiplier[st.Level]
	if adaptive := 1.5 * float64(n); adaptive > st.Multiplier {
		st.Multiplier = adaptive
	}

	if st.Level != prev && st.Level != LevelSafe {
		st.WarningCount++
		slog.Warn("session rate level raised",
			"session", sessionID, "level", st.Level,
			"minute", st.MsgsThisMinute, "hour", st.MsgsThisHour,
			"multiplier", st.Multiplier)
	}
}

// RecordSend counts one outbound send and updates the level.
func (c *Controller) RecordSend(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(sessionID)
	c.roll(st)
	st.MsgsThisMinute++
	st.MsgsThisHour++
	c.updateLevel(sessionID, st)
}

// RecordRateLimited notes a platform rate_limited error for the session.
func (c *Controller) RecordRateLimited(sessionID string, wait time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(sessionID)
	c.roll(st)
	st.recentRateLimits = append(st.recentRateLimits, c.now())
	st.recentErrors = appendBounded(st.recentErrors, "rate_limited wait="+wait.String())
	c.updateLevel(sessionID, st)
}

// RecordBanMarker flags the session as banned and fires the emergency stop.
func (c *Controller) RecordBanMarker(sessionID, marker string) {
	c.mu.Lock()
	st := c.state(sessionID)
	alreadyBanned := st.Level == LevelBanned
	st.Level = LevelBanned
	st.Multiplier = 0
	st.recentErrors = appendBounded(st.recentErrors, "ban: "+marker)
	stop := c.onStop
	c.mu.Unlock()

	if alreadyBanned {
		return
	}
	slog.Error("ban indicator detected", "session", sessionID, "marker", marker)
	if stop != nil {
		stop(sessionID, marker)
	}
}

// ClearBan drops a banned session back to safe after operator intervention or
// a successful re-authentication.
func (c *Controller) ClearBan(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(sessionID)
	if st.Level != LevelBanned {
		return
	}
	st.Level = LevelSafe
	st.Multiplier = 1.0
}

// Multiplier returns the current throttle multiplier; zero means halt.
func (c *Controller) Multiplier(sessionID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(sessionID)
	c.roll(st)
	c.updateLevel(sessionID, st)
	return st.Multiplier
}

// LevelOf returns the session's current level.
func (c *Controller) LevelOf(sessionID string) Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(sessionID)
	c.roll(st)
	c.updateLevel(sessionID, st)
	return st.Level
}

// Budget reports whether another send fits the minute and hour windows. When
// it does not, retryAt is the next window boundary; the item is rescheduled,
// never dropped.
func (c *Controller) Budget(sessionID string) (ok bool, retryAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(sessionID)
	c.roll(st)
	lim := c.limits()
	if lim.PerMinute > 0 && st.MsgsThisMinute >= lim.PerMinute {
		return false, st.MinuteWindowStart.Add(time.Minute)
	}
	if lim.PerHour > 0 && st.MsgsThisHour >= lim.PerHour {
		return false, st.HourWindowStart.Add(time.Hour)
	}
	return true, time.Time{}
}

// Snapshot returns a copy of the session's rate state for the control plane.
func (c *Controller) Snapshot(sessionID string) RateState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(sessionID)
	c.roll(st)
	c.updateLevel(sessionID, st)
	return *st
}

// RecentErrors returns the bounded error history for the session.
func (c *Controller) RecentErrors(sessionID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, len(st.recentErrors))
	copy(out, st.recentErrors)
	return out
}

// Tick rolls every session's windows. Run from the window-reset ticker so idle
// sessions also decay back to safe.
func (c *Controller) Tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, st := range c.states {
		c.roll(st)
		c.updateLevel(id, st)
	}
}

// Forget drops state for a closed session.
func (c *Controller) Forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, sessionID)
}

const maxRecentErrors = 20

func appendBounded(errs []string, s string) []string {
	errs = append(errs, s)
	if len(errs) > maxRecentErrors {
		errs = errs[len(errs)-maxRecentErrors:]
	}
	return errs
}

// SetNow overrides the clock for tests.
func (c *Controller) SetNow(now func() time.Time) { c.now = now }
