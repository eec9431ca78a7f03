package sqldb

import (
	"context"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

func (d *DB) MessagesToday(ctx context.Context, userID string) (int, error) {
	midnight := time.Now().UTC().Truncate(24 * time.Hour)
	var n int
	err := d.q.QueryRowContext(ctx, `
		SELECT count(*) FROM forwarding_queue q
		JOIN forwarding_pairs p ON p.id = q.pair_id
		WHERE p.user_id = $1 AND q.status = $2 AND q.processed_at >= $3`,
		userID, string(store.StatusCompleted), midnight).Scan(&n)
	return n, wrap(err)
}

func (d *DB) DashboardStats(ctx context.Context, userID string) (*store.DashboardStats, error) {
	stats := &store.DashboardStats{}

	err := d.q.QueryRowContext(ctx, `
		SELECT count(*) FROM forwarding_pairs
		WHERE user_id = $1 AND state = $2`,
		userID, string(store.PairActive)).Scan(&stats.ActivePairs)
	if err != nil {
		return nil, wrap(err)
	}

	var successful, failed int64
	err = d.q.QueryRowContext(ctx, `
		SELECT coalesce(sum(stat_successful), 0), coalesce(sum(stat_failed), 0)
		FROM forwarding_pairs WHERE user_id = $1`, userID).Scan(&successful, &failed)
	if err != nil {
		return nil, wrap(err)
	}
	if total := successful + failed; total > 0 {
		stats.SuccessRate = float64(successful) / float64(total)
	}

	err = d.q.QueryRowContext(ctx, `
		SELECT count(*) FROM telegram_sessions
		WHERE user_id = $1 AND active`, userID).Scan(&stats.ConnectedAccounts)
	if err != nil {
		return nil, wrap(err)
	}

	if stats.MessagesToday, err = d.MessagesToday(ctx, userID); err != nil {
		return nil, err
	}
	if stats.Queue, err = d.QueueStatsForUser(ctx, userID); err != nil {
		return nil, err
	}
	return stats, nil
}

func (d *DB) AdminStats(ctx context.Context) (*store.AdminStats, error) {
	stats := &store.AdminStats{UsersByPlan: make(map[store.Plan]int)}

	rows, err := d.q.QueryContext(ctx, `
		SELECT plan, count(*) FROM users GROUP BY plan`)
	if err != nil {
		return nil, wrap(err)
	}
	for rows.Next() {
		var (
			plan string
			n    int
		)
		if err := rows.Scan(&plan, &n); err != nil {
			rows.Close()
			return nil, wrap(err)
		}
		stats.UsersByPlan[store.Plan(plan)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrap(err)
	}

	err = d.q.QueryRowContext(ctx,
		`SELECT count(*) FROM forwarding_pairs`).Scan(&stats.TotalPairs)
	if err != nil {
		return nil, wrap(err)
	}
	err = d.q.QueryRowContext(ctx,
		`SELECT count(*) FROM telegram_sessions`).Scan(&stats.TotalSessions)
	if err != nil {
		return nil, wrap(err)
	}

	if stats.Queue, err = d.QueueStatsByStatus(ctx); err != nil {
		return nil, err
	}
	stats.UnresolvedErrors = stats.Queue[store.StatusFailed]
	return stats, nil
}
