package sqldb

import (
	"context"
	"database/sql"

	"github.com/autoforwardx/autoforwardx/internal/store"
)

func (d *DB) CreateBlockedPhrase(ctx context.Context, p *store.BlockedPhrase) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO blocked_sentences (id, user_id, pair_id, phrase, active)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.UserID, nullStr(p.PairID), p.Text, p.Active)
	return wrap(err)
}

func (d *DB) DeleteBlockedPhrase(ctx context.Context, id string) error {
	return one(d.q.ExecContext(ctx, `DELETE FROM blocked_sentences WHERE id = $1`, id))
}

func (d *DB) ListBlockedPhrases(ctx context.Context, userID string) ([]*store.BlockedPhrase, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, user_id, pair_id, phrase, active
		FROM blocked_sentences WHERE user_id = $1`, userID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []*store.BlockedPhrase
	for rows.Next() {
		var (
			p      store.BlockedPhrase
			pairID sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.UserID, &pairID, &p.Text, &p.Active); err != nil {
			return nil, wrap(err)
		}
		p.PairID = strPtr(pairID)
		out = append(out, &p)
	}
	return out, wrap(rows.Err())
}

// Image hashes are stored as signed 64-bit integers; the uint64 round-trips
// through a plain bit cast.

func (d *DB) CreateBlockedImage(ctx context.Context, img *store.BlockedImage) error {
	_, err := d.q.ExecContext(ctx, `
		INSERT INTO blocked_images (id, user_id, pair_id, image_hash, active)
		VALUES ($1, $2, $3, $4, $5)`,
		img.ID, img.UserID, nullStr(img.PairID), int64(img.Hash), img.Active)
	return wrap(err)
}

func (d *DB) DeleteBlockedImage(ctx context.Context, id string) error {
	return one(d.q.ExecContext(ctx, `DELETE FROM blocked_images WHERE id = $1`, id))
}

func (d *DB) ListBlockedImages(ctx context.Context, userID string) ([]*store.BlockedImage, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT id, user_id, pair_id, image_hash, active
		FROM blocked_images WHERE user_id = $1`, userID)
	if err != nil {
		return nil, wrap(err)
	}
	defer rows.Close()
	var out []*store.BlockedImage
	for rows.Next() {
		var (
			img    store.BlockedImage
			pairID sql.NullString
			hash   int64
		)
		if err := rows.Scan(&img.ID, &img.UserID, &pairID, &hash, &img.Active); err != nil {
			return nil, wrap(err)
		}
		img.PairID = strPtr(pairID)
		img.Hash = uint64(hash)
		out = append(out, &img)
	}
	return out, wrap(rows.Err())
}
