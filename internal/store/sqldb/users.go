package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

func (d *DB) CreateUser(ctx context.Context, u *store.User) error {
	var limits []byte
	if u.Limits != nil {
		b, err := json.Marshal(u.Limits)
		if err != nil {
			return fmt.Errorf("marshal limits: %w", err)
		}
		limits = b
	}
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO users (id, plan, plan_expiry, limits, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		u.ID, string(u.Plan), nullTime(u.PlanExpiry), limits, u.CreatedAt)
	return wrap(err)
}

func (d *DB) GetUser(ctx context.Context, id string) (*store.User, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT id, plan, plan_expiry, limits, created_at
		FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*store.User, error) {
	var (
		u      store.User
		plan   string
		expiry sql.NullTime
		limits []byte
	)
	if err := row.Scan(&u.ID, &plan, &expiry, &limits, &u.CreatedAt); err != nil {
		return nil, wrap(err)
	}
	u.Plan = store.Plan(plan)
	u.PlanExpiry = timePtr(expiry)
	if len(limits) > 0 {
		var l store.PlanLimits
		if err := json.Unmarshal(limits, &l); err != nil {
			return nil, fmt.Errorf("unmarshal limits: %w", err)
		}
		u.Limits = &l
	}
	return &u, nil
}

// DeleteUser removes the tenant and everything hanging off it in one
// transaction. Non-terminal queue items of the user's pairs go to cleared
// first so queue counters stay honest.
func (d *DB) DeleteUser(ctx context.Context, id string) error {
	return d.RunInTx(ctx, func(s store.Store) error {
		t := s.(*DB)
		if _, err := t.q.ExecContext(ctx, `
			UPDATE forwarding_queue SET status = $1
			WHERE status IN ($2, $3)
			  AND pair_id IN (SELECT id FROM forwarding_pairs WHERE user_id = $4)`,
			string(store.StatusCleared), string(store.StatusPending),
			string(store.StatusProcessing), id); err != nil {
			return wrap(err)
		}
		for _, q := range []string{
			`DELETE FROM forwarding_pairs WHERE user_id = $1`,
			`DELETE FROM telegram_sessions WHERE user_id = $1`,
			`DELETE FROM blocked_sentences WHERE user_id = $1`,
			`DELETE FROM blocked_images WHERE user_id = $1`,
			`DELETE FROM activity_logs WHERE user_id = $1`,
		} {
			if _, err := t.q.ExecContext(ctx, q, id); err != nil {
				return wrap(err)
			}
		}
		return one(t.q.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id))
	})
}
