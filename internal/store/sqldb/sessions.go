package sqldb

import (
	"context"
	"database/sql"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

const sessionCols = `id, user_id, phone, credentials, active, last_health_at, display_name, created_at`

func (d *DB) CreateSession(ctx context.Context, s *store.Session) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO telegram_sessions (`+sessionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.UserID, s.Phone, s.Credentials, s.Active,
		nullTime(s.LastHealthAt), s.DisplayName, s.CreatedAt)
	return wrap(err)
}

func (d *DB) GetSession(ctx context.Context, id string) (*store.Session, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM telegram_sessions WHERE id = $1`, id)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	list, err := collectSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[0], nil
}

func (d *DB) ListSessions(ctx context.Context, userID string) ([]*store.Session, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM telegram_sessions
		WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (d *DB) ListActiveSessions(ctx context.Context) ([]*store.Session, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM telegram_sessions
		WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collectSessions(rows)
}

func (d *DB) CountSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.q.QueryRowContext(ctx, `
		SELECT count(*) FROM telegram_sessions WHERE user_id = $1`, userID).Scan(&n)
	return n, wrap(err)
}

func (d *DB) SetSessionCredentials(ctx context.Context, id string, blob []byte, displayName string) error {
	return one(d.q.ExecContext(ctx, `
		UPDATE telegram_sessions SET credentials = $1, display_name = $2
		WHERE id = $3`, blob, displayName, id))
}

func (d *DB) SetSessionActive(ctx context.Context, id string, active bool) error {
	return one(d.q.ExecContext(ctx, `
		UPDATE telegram_sessions SET active = $1 WHERE id = $2`, active, id))
}

func (d *DB) TouchSessionHealth(ctx context.Context, id string, at time.Time) error {
	return one(d.q.ExecContext(ctx, `
		UPDATE telegram_sessions SET last_health_at = $1 WHERE id = $2`, at, id))
}

// DeleteSession removes the session and its pairs; non-terminal queue items of
// those pairs transition to cleared in the same transaction.
func (d *DB) DeleteSession(ctx context.Context, id string) error {
	return d.RunInTx(ctx, func(s store.Store) error {
		t := s.(*DB)
		if _, err := t.q.ExecContext(ctx, `
			UPDATE forwarding_queue SET status = $1
			WHERE status IN ($2, $3)
			  AND pair_id IN (SELECT id FROM forwarding_pairs WHERE session_id = $4)`,
			string(store.StatusCleared), string(store.StatusPending),
			string(store.StatusProcessing), id); err != nil {
			return wrap(err)
		}
		if _, err := t.q.ExecContext(ctx, `
			DELETE FROM forwarding_pairs WHERE session_id = $1`, id); err != nil {
			return wrap(err)
		}
		return one(t.q.ExecContext(ctx, `
			DELETE FROM telegram_sessions WHERE id = $1`, id))
	})
}

func collectSessions(rows *sql.Rows) ([]*store.Session, error) {
	var out []*store.Session
	for rows.Next() {
		var (
			s      store.Session
			health sql.NullTime
		)
		if err := rows.Scan(&s.ID, &s.UserID, &s.Phone, &s.Credentials,
			&s.Active, &health, &s.DisplayName, &s.CreatedAt); err != nil {
			return nil, wrap(err)
		}
		s.LastHealthAt = timePtr(health)
		out = append(out, &s)
	}
	return out, wrap(rows.Err())
}
