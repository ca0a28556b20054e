package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
)

// BanRepo implements BanRepository using PostgreSQL.
type BanRepo struct{ db *DB }

// NewBanRepo constructs a ban repository.
func NewBanRepo(db *DB) *BanRepo { return &BanRepo{db: db} }

// Create inserts a ban entry. A NULL expires_at means permanent.
func (r *BanRepo) Create(ctx context.Context, b *model.BanEntry) error {
	const q = `
INSERT INTO bans (id, target, nickname, reason, created_by, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q,
		b.ID, b.TargetString(), b.Nickname, b.Reason, b.CreatedBy, nullableTime(b.ExpiresAt))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// DeleteByTarget removes entries whose target string matches exactly.
func (r *BanRepo) DeleteByTarget(ctx context.Context, target string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM bans WHERE target=$1`, target)
	return tag.RowsAffected(), err
}

// DeleteByNickname removes entries created from the given nickname.
func (r *BanRepo) DeleteByNickname(ctx context.Context, nickname string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM bans WHERE lower(nickname)=lower($1)`, nickname)
	return tag.RowsAffected(), err
}

// List returns all entries, expired ones included. Expiry filtering is the
// gate's job; it is evaluated lazily at lookup time.
func (r *BanRepo) List(ctx context.Context) ([]model.BanEntry, error) {
	const q = `
SELECT id, target, nickname, reason, created_by, created_at, expires_at
FROM bans ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BanEntry
	for rows.Next() {
		var b model.BanEntry
		var target string
		var exp *time.Time
		if err := rows.Scan(&b.ID, &target, &b.Nickname, &b.Reason, &b.CreatedBy, &b.CreatedAt, &exp); err != nil {
			return nil, err
		}
		if b.IP, b.Net, err = model.ParseTarget(target); err != nil {
			return nil, fmt.Errorf("ban %s: stored target %q: %w", b.ID, target, err)
		}
		if exp != nil {
			b.ExpiresAt = *exp
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// PruneExpired deletes entries whose expiry is before now.
func (r *BanRepo) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	return tag.RowsAffected(), err
}

// TrustRepo implements TrustRepository using PostgreSQL.
type TrustRepo struct{ db *DB }

// NewTrustRepo constructs a trust repository.
func NewTrustRepo(db *DB) *TrustRepo { return &TrustRepo{db: db} }

// Create inserts a trust entry.
func (r *TrustRepo) Create(ctx context.Context, t *model.TrustEntry) error {
	const q = `
INSERT INTO trusts (id, target, nickname, reason, created_by, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.Pool.Exec(ctx, q,
		t.ID, t.TargetString(), t.Nickname, t.Reason, t.CreatedBy, nullableTime(t.ExpiresAt))
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// DeleteByTarget removes entries whose target string matches exactly.
func (r *TrustRepo) DeleteByTarget(ctx context.Context, target string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM trusts WHERE target=$1`, target)
	return tag.RowsAffected(), err
}

// DeleteByNickname removes entries created from the given nickname.
func (r *TrustRepo) DeleteByNickname(ctx context.Context, nickname string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM trusts WHERE lower(nickname)=lower($1)`, nickname)
	return tag.RowsAffected(), err
}

// List returns all entries, expired ones included.
func (r *TrustRepo) List(ctx context.Context) ([]model.TrustEntry, error) {
	const q = `
SELECT id, target, nickname, reason, created_by, created_at, expires_at
FROM trusts ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TrustEntry
	for rows.Next() {
		var t model.TrustEntry
		var target string
		var exp *time.Time
		if err := rows.Scan(&t.ID, &target, &t.Nickname, &t.Reason, &t.CreatedBy, &t.CreatedAt, &exp); err != nil {
			return nil, err
		}
		if t.IP, t.Net, err = model.ParseTarget(target); err != nil {
			return nil, fmt.Errorf("trust %s: stored target %q: %w", t.ID, target, err)
		}
		if exp != nil {
			t.ExpiresAt = *exp
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneExpired deletes entries whose expiry is before now.
func (r *TrustRepo) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM trusts WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	return tag.RowsAffected(), err
}

// nullableTime maps the zero time to NULL so "permanent" survives round-trips.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
