// Package engine composes the store, platform pool, ingress, delivery and
// control plane into one runnable process and owns the startup/shutdown
// ordering between them.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autoforwardx/autoforwardx/internal/activity"
	"github.com/autoforwardx/autoforwardx/internal/alerts"
	"github.com/autoforwardx/autoforwardx/internal/antiban"
	"github.com/autoforwardx/autoforwardx/internal/bus"
	"github.com/autoforwardx/autoforwardx/internal/config"
	"github.com/autoforwardx/autoforwardx/internal/filters"
	"github.com/autoforwardx/autoforwardx/internal/httpapi"
	"github.com/autoforwardx/autoforwardx/internal/ingest"
	"github.com/autoforwardx/autoforwardx/internal/janitor"
	"github.com/autoforwardx/autoforwardx/internal/platform/telegram"
	"github.com/autoforwardx/autoforwardx/internal/queue"
	"github.com/autoforwardx/autoforwardx/internal/store"
	"github.com/autoforwardx/autoforwardx/internal/store/sqldb"
	"github.com/autoforwardx/autoforwardx/internal/supervisor"
	"github.com/autoforwardx/autoforwardx/internal/telemetry"
)

// tickInterval drives the anti-ban window decay.
const tickInterval = 5 * time.Second

// shutdownGrace bounds the post-cancel cleanup work.
const shutdownGrace = 30 * time.Second

// Engine is the composed process. Build with New, then Run blocks until the
// context is cancelled.
type Engine struct {
	cfg     *config.Config
	cfgPath string

	db       *sqldb.DB
	st       store.Store
	pool     *telegram.Pool
	hub      *bus.Hub
	rec      *activity.Recorder
	ab       *antiban.Controller
	pipe     *filters.Pipeline
	router   *ingest.Router
	disp     *queue.Dispatcher
	sup      *supervisor.Supervisor
	api      *httpapi.Server
	notifier *alerts.Notifier
	jan      *janitor.Janitor

	mu      sync.Mutex
	rootCtx context.Context
	ingress map[string]context.CancelFunc
}

// New wires every component from config. cfgPath is the config file watched
// for limit hot-reloads; empty disables watching.
func New(cfg *config.Config, cfgPath string) (*Engine, error) {
	var db *sqldb.DB
	var err error
	if cfg.Database.Managed() {
		db, err = sqldb.OpenPostgres(cfg.Database.PostgresDSN)
	} else {
		db, err = sqldb.OpenSQLite(cfg.Database.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		cfgPath: cfgPath,
		db:      db,
		st:      db,
		ingress: make(map[string]context.CancelFunc),
	}

	e.hub = bus.New()
	e.rec = activity.New(db, e.hub)
	e.ab = antiban.New(func() antiban.Limits {
		l := cfg.SnapshotLimits()
		return antiban.Limits{
			PerMinute:         l.RatePerMinute,
			PerHour:           l.RatePerHour,
			WarningThreshold:  l.WarningThreshold,
			CriticalThreshold: l.CriticalThreshold,
		}
	})
	e.pipe = filters.New(db)
	e.router = ingest.New(db, e.pipe, func() bool {
		return cfg.SnapshotLimits().EnforceDailyCap
	})
	e.pool = telegram.NewPool(cfg.Telegram.APIID, cfg.Telegram.APIHash, db)
	e.sup = supervisor.New(supervisor.Config{
		HealthInterval: cfg.Engine.HealthInterval.Std(),
		MaxFailures:    cfg.Engine.MaxFailures,
	}, db, e.pool, e.rec, e.ab)
	e.disp = queue.New(queue.Config{
		Workers:     cfg.Engine.Workers,
		ClaimBatch:  cfg.Engine.ClaimBatch,
		MaxAttempts: cfg.Engine.MaxAttempts,
	}, db, e.pool, e.ab, e.rec, e.sup)
	e.disp.SetChainer(e.router)

	e.notifier, err = alerts.New(cfg.Alerts, e.hub)
	if err != nil {
		db.Close()
		return nil, err
	}
	e.jan = janitor.New(db, cfg.Janitor)
	e.api = httpapi.NewServer(cfg, db, e.pool, e.sup, e.ab, e.disp, e.pipe, e.rec, e.hub)

	e.sup.SetHooks(e.startIngress, e.stopIngress)
	e.pool.SetOverflowHook(e.onOverflow)
	e.ab.SetEmergencyStop(e.emergencyStop)
	return e, nil
}

// Run starts every task and blocks until ctx is cancelled or a task fails.
func (e *Engine) Run(ctx context.Context) error {
	stopTracing, err := telemetry.Setup(ctx, e.cfg.Telemetry)
	if err != nil {
		return err
	}

	mode := "standalone"
	if e.cfg.Database.Managed() {
		mode = "managed"
	}
	slog.Info("engine starting", "mode", mode, "addr", e.cfg.API.Addr())

	// Items stranded in processing by a previous crash go back to pending
	// before any worker claims.
	if n, err := e.st.RecoverProcessing(ctx); err != nil {
		return fmt.Errorf("recover processing items: %w", err)
	} else if n > 0 {
		slog.Info("recovered stranded queue items", "count", n)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.rootCtx = runCtx
	e.mu.Unlock()

	if err := e.sup.Rebuild(runCtx); err != nil {
		slog.Error("session rebuild incomplete", "error", err)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.sup.Run(gctx) })
	g.Go(func() error { return e.disp.Run(gctx) })
	g.Go(func() error { return e.jan.Run(gctx) })
	g.Go(func() error { return e.notifier.Run(gctx) })
	g.Go(func() error { return e.api.Start(gctx) })
	g.Go(func() error {
		t := time.NewTicker(tickInterval)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				e.ab.Tick()
			}
		}
	})
	if e.cfgPath != "" {
		g.Go(func() error { return e.cfg.Watch(e.cfgPath, gctx.Done()) })
	}

	runErr := g.Wait()
	e.shutdown()
	if terr := stopTracing(context.Background()); terr != nil {
		slog.Warn("trace flush failed", "error", terr)
	}
	if runErr != nil && runErr != context.Canceled {
		return runErr
	}
	return nil
}

// shutdown releases in-flight work after every task has stopped. Claimed items
// whose worker was cancelled mid-send return to pending for the next start.
func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if n, err := e.st.RecoverProcessing(ctx); err != nil {
		slog.Warn("shutdown recover failed", "error", err)
	} else if n > 0 {
		slog.Info("released claimed queue items", "count", n)
	}
	if err := e.db.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	slog.Info("engine stopped")
}

// startIngress is the supervisor's onOpen hook: one router loop per connected
// session, cancelled by stopIngress.
func (e *Engine) startIngress(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.ingress[sessionID]; ok {
		return
	}
	if e.rootCtx == nil {
		return
	}
	ctx, cancel := context.WithCancel(e.rootCtx)
	e.ingress[sessionID] = cancel
	updates := e.pool.Updates(sessionID)
	go e.router.Run(ctx, sessionID, updates)
}

func (e *Engine) stopIngress(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.ingress[sessionID]; ok {
		cancel()
		delete(e.ingress, sessionID)
	}
}

// onOverflow records dropped ingress updates so the tenant can see the gap.
func (e *Engine) onOverflow(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := e.st.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	e.rec.Record(ctx, &store.ActivityEntry{
		UserID:    sess.UserID,
		SessionID: &sess.ID,
		Kind:      store.ActIngressOverflow,
		Message:   "ingress buffer full, oldest update dropped",
	})
}

// emergencyStop is the anti-ban callback on a ban marker: pause the session's
// pairs, flag the session unhealthy and leave an audit trail.
func (e *Engine) emergencyStop(sessionID, marker string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	sess, err := e.st.GetSession(ctx, sessionID)
	if err != nil {
		slog.Error("emergency stop: session lookup failed", "session", sessionID, "error", err)
		return
	}
	paused, err := e.st.PausePairsBySession(ctx, sessionID)
	if err != nil {
		slog.Error("emergency stop: pair pause failed", "session", sessionID, "error", err)
	}
	e.sup.MarkUnhealthy(sessionID, "ban indicator: "+marker)
	e.rec.Record(ctx, &store.ActivityEntry{
		UserID:    sess.UserID,
		SessionID: &sess.ID,
		Kind:      store.ActEmergencyStop,
		Message:   fmt.Sprintf("ban indicator %q, %d pairs paused", marker, len(paused)),
		Metadata:  map[string]string{"marker": marker, "paused_pairs": strings.Join(paused, ",")},
	})
	slog.Warn("emergency stop triggered", "session", sessionID, "marker", marker, "paused_pairs", len(paused))
}
