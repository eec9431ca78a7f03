package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

func (d *DB) AppendActivity(ctx context.Context, e *store.ActivityEntry) error {
	var meta []byte
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal activity metadata: %w", err)
		}
		meta = b
	}
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO activity_logs (id, user_id, pair_id, session_id, kind, message, metadata, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, nullStr(e.PairID), nullStr(e.SessionID),
		e.Kind, e.Message, meta, e.At)
	return wrap(err)
}

func (d *DB) ListActivity(ctx context.Context, userID string, limit int) ([]*store.ActivityEntry, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, user_id, pair_id, session_id, kind, message, metadata, at
		FROM activity_logs WHERE user_id = $1
		ORDER BY at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []*store.ActivityEntry
	for rows.Next() {
		var (
			e         store.ActivityEntry
			pairID    sql.NullString
			sessionID sql.NullString
			meta      []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &pairID, &sessionID,
			&e.Kind, &e.Message, &meta, &e.At); err != nil {
			return nil, wrap(err)
		}
		e.PairID = strPtr(pairID)
		e.SessionID = strPtr(sessionID)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal activity metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, wrap(rows.Err())
}

func (d *DB) PruneActivity(ctx context.Context, before time.Time) (int, error) {
	res, err := d.q.ExecContext(ctx, `
		DELETE FROM activity_logs WHERE at < $1`, before)
	if err != nil {
		return 0, wrap(err)
	}
	n, err := res.RowsAffected()
	return int(n), wrap(err)
}
