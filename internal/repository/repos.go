// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/nexusbb/nexusd/internal/model"
	"github.com/nexusbb/nexusd/internal/perm"
)

// AccountRepository provides CRUD access for accounts. Username lookups are
// case-insensitive.
type AccountRepository interface {
	// Create inserts a new account.
	Create(ctx context.Context, a *model.Account) error
	// GetByUsername loads an account by username, case-insensitively.
	GetByUsername(ctx context.Context, username string) (*model.Account, error)
	// List returns all accounts ordered by username.
	List(ctx context.Context) ([]model.Account, error)
	// Update rewrites the mutable fields of an existing account.
	Update(ctx context.Context, a *model.Account) error
	// UpdatePerms rewrites only the stored permission set.
	UpdatePerms(ctx context.Context, username string, perms perm.Set) error
	// Delete removes an account by username.
	Delete(ctx context.Context, username string) error
	// Count returns the number of accounts.
	Count(ctx context.Context) (int, error)
	// CountNonGuest returns the number of accounts excluding the built-in guest.
	CountNonGuest(ctx context.Context) (int, error)
	// CountAdmins returns the number of admin accounts.
	CountAdmins(ctx context.Context) (int, error)
	// UsernameExists reports whether a username is registered, case-insensitively.
	UsernameExists(ctx context.Context, username string) (bool, error)
}

// BanRepository persists ban entries.
type BanRepository interface {
	// Create inserts a ban entry.
	Create(ctx context.Context, b *model.BanEntry) error
	// DeleteByTarget removes entries whose target string matches exactly.
	DeleteByTarget(ctx context.Context, target string) (int64, error)
	// DeleteByNickname removes entries created from the given nickname.
	DeleteByNickname(ctx context.Context, nickname string) (int64, error)
	// List returns all entries, expired ones included.
	List(ctx context.Context) ([]model.BanEntry, error)
	// PruneExpired deletes entries whose expiry is before now.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// TrustRepository persists trust entries. Kept separate from bans so
// allow-list-only deployments can be reasoned about independently.
type TrustRepository interface {
	Create(ctx context.Context, t *model.TrustEntry) error
	DeleteByTarget(ctx context.Context, target string) (int64, error)
	DeleteByNickname(ctx context.Context, nickname string) (int64, error)
	List(ctx context.Context) ([]model.TrustEntry, error)
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

// SettingsRepository persists the single server settings row.
type SettingsRepository interface {
	// Load returns the settings row, or ErrNotFound before first save.
	Load(ctx context.Context) (*model.ServerSettings, error)
	// Save upserts the settings row.
	Save(ctx context.Context, s *model.ServerSettings) error
}
