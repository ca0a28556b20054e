package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/perm"
)

// AccountRepo implements AccountRepository using PostgreSQL.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

const accountCols = `id, username, pwd_hash, salt_auth, admin, shared, guest, enabled, perms, avatar_ref, created_at`

// Create inserts a new account row. Username collisions (case-insensitive)
// map to ErrAlreadyExists.
func (r *AccountRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO accounts (id, username, pwd_hash, salt_auth, admin, shared, guest, enabled, perms, avatar_ref)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.db.Pool.Exec(ctx, q,
		a.ID, a.Username, a.PwdHash, a.SaltAuth, a.Admin, a.Shared, a.Guest, a.Enabled,
		a.Perms.Tokens(), a.AvatarRef)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var tokens []string
	err := row.Scan(&a.ID, &a.Username, &a.PwdHash, &a.SaltAuth,
		&a.Admin, &a.Shared, &a.Guest, &a.Enabled, &tokens, &a.AvatarRef, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errs.ErrNotFound
	}
	a.Perms = perm.NewSet(tokens...)
	return &a, nil
}

// GetByUsername selects an account by username, case-insensitively.
func (r *AccountRepo) GetByUsername(ctx context.Context, username string) (*model.Account, error) {
	const q = `
SELECT ` + accountCols + `
FROM accounts WHERE lower(username)=lower($1)`
	return scanAccount(r.db.Pool.QueryRow(ctx, q, username))
}

// List returns all accounts ordered by username.
func (r *AccountRepo) List(ctx context.Context) ([]model.Account, error) {
	const q = `
SELECT ` + accountCols + `
FROM accounts ORDER BY lower(username)`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var a model.Account
		var tokens []string
		if err := rows.Scan(&a.ID, &a.Username, &a.PwdHash, &a.SaltAuth,
			&a.Admin, &a.Shared, &a.Guest, &a.Enabled, &tokens, &a.AvatarRef, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Perms = perm.NewSet(tokens...)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields of an existing account.
func (r *AccountRepo) Update(ctx context.Context, a *model.Account) error {
	const q = `
UPDATE accounts
SET pwd_hash=$2, salt_auth=$3, admin=$4, shared=$5, enabled=$6, perms=$7, avatar_ref=$8
WHERE lower(username)=lower($1)`
	tag, err := r.db.Pool.Exec(ctx, q, a.Username,
		a.PwdHash, a.SaltAuth, a.Admin, a.Shared, a.Enabled, a.Perms.Tokens(), a.AvatarRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdatePerms rewrites only the stored permission set.
func (r *AccountRepo) UpdatePerms(ctx context.Context, username string, perms perm.Set) error {
	const q = `UPDATE accounts SET perms=$2 WHERE lower(username)=lower($1)`
	tag, err := r.db.Pool.Exec(ctx, q, username, perms.Tokens())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes an account by username.
func (r *AccountRepo) Delete(ctx context.Context, username string) error {
	const q = `DELETE FROM accounts WHERE lower(username)=lower($1)`
	tag, err := r.db.Pool.Exec(ctx, q, username)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Count returns the number of accounts.
func (r *AccountRepo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM accounts`).Scan(&n)
	return n, err
}

// CountNonGuest returns the number of accounts excluding the built-in guest.
func (r *AccountRepo) CountNonGuest(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM accounts WHERE NOT guest`).Scan(&n)
	return n, err
}

// CountAdmins returns the number of admin accounts.
func (r *AccountRepo) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := r.db.Pool.QueryRow(ctx, `SELECT count(*) FROM accounts WHERE admin`).Scan(&n)
	return n, err
}

// UsernameExists reports whether a username is registered, case-insensitively.
func (r *AccountRepo) UsernameExists(ctx context.Context, username string) (bool, error) {
	var ok bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE lower(username)=lower($1))`, username).Scan(&ok)
	return ok, err
}
