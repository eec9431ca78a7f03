// Package janitor runs the scheduled retention cleanup: old activity-log
// entries are pruned on a cron expression.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/autoforwardx/autoforwardx/internal/config"
	"github.com/autoforwardx/autoforwardx/internal/store"
)

// Janitor prunes expired records on the configured schedule.
type Janitor struct {
	st  store.ActivityStore
	cfg config.JanitorConfig
	now func() time.Time
}

func New(st store.ActivityStore, cfg config.JanitorConfig) *Janitor {
	return &Janitor{st: st, cfg: cfg, now: time.Now}
}

// Run blocks until ctx is done, firing at every cron tick.
func (j *Janitor) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(j.cfg.Schedule, j.now(), false)
		if err != nil {
			slog.Error("janitor: bad cron expression, cleanup disabled",
				"schedule", j.cfg.Schedule, "error", err)
			<-ctx.Done()
			return nil
		}
		timer := time.NewTimer(next.Sub(j.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs one cleanup pass.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := j.now().Add(-time.Duration(j.cfg.ActivityRetention))
	n, err := j.st.PruneActivity(ctx, cutoff)
	if err != nil {
		slog.Warn("janitor: activity prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("janitor: pruned activity entries", "count", n, "cutoff", cutoff)
	}
}

// SetNow overrides the clock for tests.
func (j *Janitor) SetNow(now func() time.Time) { j.now = now }
