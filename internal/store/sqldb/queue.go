package sqldb

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

const queueCols = `id, pair_id, source_message_id, source_ref, destination_ref,
	payload, scheduled_at, status, attempts, last_error, created_at, processed_at`

// Enqueue inserts the item. The partial unique index on
// (pair_id, source_message_id) over non-terminal rows turns duplicate ingress
// into ErrConflict.
func (d *DB) Enqueue(ctx context.Context, item *store.QueueItem) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO forwarding_queue (`+queueCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.ID, item.PairID, item.SourceMessageID, item.SourceRef,
		item.DestinationRef, item.Payload, item.ScheduledAt, string(item.Status),
		item.Attempts, item.LastError, item.CreatedAt, nullTime(item.ProcessedAt))
	return wrap(err)
}

// ClaimDue moves up to limit due pending items into processing and returns
// them ordered by scheduled_at. On Postgres a single statement with
// FOR UPDATE SKIP LOCKED keeps concurrent claimers disjoint; SQLite has one
// writer at a time, so a plain transaction suffices.
func (d *DB) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*store.QueueItem, error) {
	if d.dialect == dialectPostgres {
		rows, err := d.q.QueryContext(ctx, `
			WITH claimed AS (
				UPDATE forwarding_queue SET status = $1
				WHERE id IN (
					SELECT id FROM forwarding_queue
					WHERE status = $2 AND scheduled_at <= $3
					ORDER BY scheduled_at
					LIMIT $4
					FOR UPDATE SKIP LOCKED)
				RETURNING `+queueCols+`)
			SELECT `+queueCols+` FROM claimed ORDER BY scheduled_at`,
			string(store.StatusProcessing), string(store.StatusPending), now, limit)
		if err != nil {
			return nil, wrap(err)
		}
		defer rows.Close()
		return collectQueueItems(rows)
	}

	var items []*store.QueueItem
	err := d.RunInTx(ctx, func(s store.Store) error {
		t := s.(*DB)
		rows, err := t.q.QueryContext(ctx, `
			SELECT `+queueCols+` FROM forwarding_queue
			WHERE status = $1 AND scheduled_at <= $2
			ORDER BY scheduled_at LIMIT $3`,
			string(store.StatusPending), now, limit)
		if err != nil {
			return wrap(err)
		}
		items, err = collectQueueItems(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]string, len(items))
		args := make([]any, 0, len(items)+1)
		args = append(args, string(store.StatusProcessing))
		for i, it := range items {
			ids[i] = placeholder(i + 2)
			args = append(args, it.ID)
		}
		_, err = t.q.ExecContext(ctx, `
			UPDATE forwarding_queue SET status = $1
			WHERE id IN (`+strings.Join(ids, ", ")+`)`, args...)
		return wrap(err)
	})
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		it.Status = store.StatusProcessing
	}
	return items, nil
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func (d *DB) CompleteItem(ctx context.Context, id string, at time.Time) error {
	return one(d.q.ExecContext(ctx, `
		UPDATE forwarding_queue SET status = $1, processed_at = $2
		WHERE id = $3 AND status = $4`,
		string(store.StatusCompleted), at, id, string(store.StatusProcessing)))
}

func (d *DB) FailItem(ctx context.Context, id string, errMsg string, nextAt *time.Time) error {
	if nextAt != nil {
		return one(d.q.ExecContext(ctx, `
			UPDATE forwarding_queue SET
				status = $1, attempts = attempts + 1, last_error = $2, scheduled_at = $3
			WHERE id = $4 AND status = $5`,
			string(store.StatusPending), errMsg, *nextAt, id,
			string(store.StatusProcessing)))
	}
	return one(d.q.ExecContext(ctx, `
		UPDATE forwarding_queue SET
			status = $1, attempts = attempts + 1, last_error = $2,
			processed_at = CURRENT_TIMESTAMP
		WHERE id = $3 AND status = $4`,
		string(store.StatusFailed), errMsg, id, string(store.StatusProcessing)))
}

func (d *DB) RescheduleItem(ctx context.Context, id string, at time.Time) error {
	return one(d.q.ExecContext(ctx, `
		UPDATE forwarding_queue SET status = $1, scheduled_at = $2
		WHERE id = $3 AND status = $4`,
		string(store.StatusPending), at, id, string(store.StatusProcessing)))
}

func (d *DB) ReleaseItem(ctx context.Context, id string) error {
	return one(d.q.ExecContext(ctx, `
		UPDATE forwarding_queue SET status = $1
		WHERE id = $2 AND status = $3`,
		string(store.StatusPending), id, string(store.StatusProcessing)))
}

func (d *DB) RecoverProcessing(ctx context.Context) (int, error) {
	res, err := d.q.ExecContext(ctx, `
		UPDATE forwarding_queue SET status = $1 WHERE status = $2`,
		string(store.StatusPending), string(store.StatusProcessing))
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap(err)
}

func (d *DB) ClearFailed(ctx context.Context) (int, error) {
	res, err := d.q.ExecContext(ctx, `
		UPDATE forwarding_queue SET status = $1 WHERE status = $2`,
		string(store.StatusCleared), string(store.StatusFailed))
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap(err)
}

func (d *DB) QueueStatsByStatus(ctx context.Context) (store.QueueStats, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT status, count(*) FROM forwarding_queue GROUP BY status`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collectQueueStats(rows)
}

func (d *DB) QueueStatsForUser(ctx context.Context, userID string) (store.QueueStats, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT q.status, count(*) FROM forwarding_queue q
		JOIN forwarding_pairs p ON p.id = q.pair_id
		WHERE p.user_id = $1 GROUP BY q.status`, userID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collectQueueStats(rows)
}

func (d *DB) ListQueueItems(ctx context.Context, pairID string, limit int) ([]*store.QueueItem, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+queueCols+` FROM forwarding_queue
		WHERE pair_id = $1 ORDER BY created_at DESC LIMIT $2`, pairID, limit)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collectQueueItems(rows)
}

func collectQueueStats(rows *sql.Rows) (store.QueueStats, error) {
	stats := make(store.QueueStats)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrap(err)
		}
		stats[store.QueueStatus(status)] = n
	}
	return stats, wrap(rows.Err())
}

func collectQueueItems(rows *sql.Rows) ([]*store.QueueItem, error) {
	var out []*store.QueueItem
	for rows.Next() {
		var (
			it        store.QueueItem
			status    string
			processed sql.NullTime
		)
		if err := rows.Scan(&it.ID, &it.PairID, &it.SourceMessageID,
			&it.SourceRef, &it.DestinationRef, &it.Payload, &it.ScheduledAt,
			&status, &it.Attempts, &it.LastError, &it.CreatedAt, &processed); err != nil {
			return nil, wrap(err)
		}
		it.Status = store.QueueStatus(status)
		it.ProcessedAt = timePtr(processed)
		out = append(out, &it)
	}
	return out, wrap(rows.Err())
}
