package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

const pairCols = `id, user_id, session_id, source_ref, destination_ref, state,
	delay_min_s, delay_max_s, copy_mode, silent, forward_edits, forward_deletions,
	type_filter, chain, serialized, keyword_rules, watermark,
	stat_forwarded, stat_successful, stat_failed, stat_filtered, stat_last_at,
	created_at, updated_at`

func marshalRules(rules []store.KeywordRule) ([]byte, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(rules)
	if err != nil {
		return nil, fmt.Errorf("marshal keyword rules: %w", err)
	}
	return b, nil
}

func (d *DB) CreatePair(ctx context.Context, p *store.Pair) error {
	rules, err := marshalRules(p.KeywordRules)
	if err != nil {
		return err
	}
	_, err = d.q.ExecContext(ctx, `
		INSERT INTO forwarding_pairs (`+pairCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`,
		p.ID, p.UserID, p.SessionID, p.SourceRef, p.DestinationRef, string(p.State),
		p.DelayMinS, p.DelayMaxS, p.CopyMode, p.Silent, p.ForwardEdits, p.ForwardDeletions,
		string(p.TypeFilter), p.Chain, p.Serialized, rules, p.Watermark,
		p.Stats.Forwarded, p.Stats.Successful, p.Stats.Failed, p.Stats.Filtered,
		nullTime(p.Stats.LastAt), p.CreatedAt, p.UpdatedAt)
	return wrap(err)
}

func (d *DB) GetPair(ctx context.Context, id string) (*store.Pair, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+pairCols+` FROM forwarding_pairs WHERE id = $1`, id)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	list, err := collectPairs(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[0], nil
}

// UpdatePair rewrites the pair's configuration. Stats counters are not
// touched here; AddPairStats owns them.
func (d *DB) UpdatePair(ctx context.Context, p *store.Pair) error {
	rules, err := marshalRules(p.KeywordRules)
	if err != nil {
		return err
	}
	return one(d.q.ExecContext(ctx, `
		UPDATE forwarding_pairs SET
			source_ref = $1, destination_ref = $2, state = $3,
			delay_min_s = $4, delay_max_s = $5, copy_mode = $6, silent = $7,
			forward_edits = $8, forward_deletions = $9, type_filter = $10,
			chain = $11, serialized = $12, keyword_rules = $13, watermark = $14,
			updated_at = $15
		WHERE id = $16`,
		p.SourceRef, p.DestinationRef, string(p.State),
		p.DelayMinS, p.DelayMaxS, p.CopyMode, p.Silent,
		p.ForwardEdits, p.ForwardDeletions, string(p.TypeFilter),
		p.Chain, p.Serialized, rules, p.Watermark, p.UpdatedAt, p.ID))
}

func (d *DB) DeletePair(ctx context.Context, id string) error {
	return d.RunInTx(ctx, func(s store.Store) error {
		t := s.(*DB)
		if _, err := t.q.ExecContext(ctx, `
			UPDATE forwarding_queue SET status = $1
			WHERE pair_id = $2 AND status IN ($3, $4)`,
			string(store.StatusCleared), id,
			string(store.StatusPending), string(store.StatusProcessing)); err != nil {
			return wrap(err)
		}
		return one(t.q.ExecContext(ctx, `
			DELETE FROM forwarding_pairs WHERE id = $1`, id))
	})
}

func (d *DB) ListPairs(ctx context.Context, userID string) ([]*store.Pair, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+pairCols+` FROM forwarding_pairs
		WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collectPairs(rows)
}

func (d *DB) ListPairsBySession(ctx context.Context, sessionID string) ([]*store.Pair, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+pairCols+` FROM forwarding_pairs
		WHERE session_id = $1 ORDER BY created_at`, sessionID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collectPairs(rows)
}

func (d *DB) ListActivePairsForSource(ctx context.Context, sessionID, sourceRef string) ([]*store.Pair, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+pairCols+` FROM forwarding_pairs
		WHERE session_id = $1 AND source_ref = $2 AND state = $3
		ORDER BY created_at`,
		sessionID, sourceRef, string(store.PairActive))
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	return collectPairs(rows)
}

func (d *DB) CountPairs(ctx context.Context, userID string) (int, error) {
	var n int
	err := d.q.QueryRowContext(ctx, `
		SELECT count(*) FROM forwarding_pairs WHERE user_id = $1`, userID).Scan(&n)
	return n, wrap(err)
}

func (d *DB) SetPairState(ctx context.Context, id string, state store.PairState) error {
	return one(d.q.ExecContext(ctx, `
		UPDATE forwarding_pairs SET state = $1, updated_at = CURRENT_TIMESTAMP
		WHERE id = $2`, string(state), id))
}

func (d *DB) PausePairsBySession(ctx context.Context, sessionID string) ([]string, error) {
	var ids []string
	err := d.RunInTx(ctx, func(s store.Store) error {
		t := s.(*DB)
		rows, err := t.q.QueryContext(ctx, `
			SELECT id FROM forwarding_pairs
			WHERE session_id = $1 AND state = $2`,
			sessionID, string(store.PairActive))
		if err != nil {
			return wrap(err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return wrap(err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return wrap(err)
		}
		if len(ids) == 0 {
			return nil
		}
		_, err = t.q.ExecContext(ctx, `
			UPDATE forwarding_pairs SET state = $1, updated_at = CURRENT_TIMESTAMP
			WHERE session_id = $2 AND state = $3`,
			string(store.PairPaused), sessionID, string(store.PairActive))
		return wrap(err)
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (d *DB) AddPairStats(ctx context.Context, id string, delta store.PairStatsDelta) error {
	if delta.LastAt != nil {
		return one(d.q.ExecContext(ctx, `
			UPDATE forwarding_pairs SET
				stat_forwarded = stat_forwarded + $1,
				stat_successful = stat_successful + $2,
				stat_failed = stat_failed + $3,
				stat_filtered = stat_filtered + $4,
				stat_last_at = $5
			WHERE id = $6`,
			delta.Forwarded, delta.Successful, delta.Failed, delta.Filtered,
			*delta.LastAt, id))
	}
	return one(d.q.ExecContext(ctx, `
		UPDATE forwarding_pairs SET
			stat_forwarded = stat_forwarded + $1,
			stat_successful = stat_successful + $2,
			stat_failed = stat_failed + $3,
			stat_filtered = stat_filtered + $4
		WHERE id = $5`,
		delta.Forwarded, delta.Successful, delta.Failed, delta.Filtered, id))
}

func collectPairs(rows *sql.Rows) ([]*store.Pair, error) {
	var out []*store.Pair
	for rows.Next() {
		var (
			p      store.Pair
			state  string
			tf     string
			rules  []byte
			lastAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.SessionID, &p.SourceRef,
			&p.DestinationRef, &state, &p.DelayMinS, &p.DelayMaxS,
			&p.CopyMode, &p.Silent, &p.ForwardEdits, &p.ForwardDeletions,
			&tf, &p.Chain, &p.Serialized, &rules, &p.Watermark,
			&p.Stats.Forwarded, &p.Stats.Successful, &p.Stats.Failed,
			&p.Stats.Filtered, &lastAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, wrap(err)
		}
		p.State = store.PairState(state)
		p.TypeFilter = store.MessageTypeFilter(tf)
		p.Stats.LastAt = timePtr(lastAt)
		if len(rules) > 0 {
			if err := json.Unmarshal(rules, &p.KeywordRules); err != nil {
				return nil, fmt.Errorf("unmarshal keyword rules: %w", err)
			}
		}
		out = append(out, &p)
	}
	return out, wrap(rows.Err())
}
