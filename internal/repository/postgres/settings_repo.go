package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/nexusbb/nexusd/internal/errs"
	"github.com/nexusbb/nexusd/internal/model"
)

// SettingsRepo implements SettingsRepository using PostgreSQL. The table
// holds at most one row (id always 1).
type SettingsRepo struct{ db *DB }

// NewSettingsRepo constructs a settings repository.
func NewSettingsRepo(db *DB) *SettingsRepo { return &SettingsRepo{db: db} }

// Load returns the settings row, or ErrNotFound before first save.
func (r *SettingsRepo) Load(ctx context.Context) (*model.ServerSettings, error) {
	const q = `
SELECT name, description, max_conns_per_ip, max_transfers_per_ip, reindex_interval_secs
FROM settings WHERE id=1`
	var s model.ServerSettings
	var secs int64
	err := r.db.Pool.QueryRow(ctx, q).Scan(
		&s.Name, &s.Description, &s.MaxConnsPerIP, &s.MaxTransfersPerIP, &secs)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, errs.ErrNotFound
	}
	s.ReindexInterval = time.Duration(secs) * time.Second
	return &s, nil
}

// Save upserts the settings row.
func (r *SettingsRepo) Save(ctx context.Context, s *model.ServerSettings) error {
	const q = `
INSERT INTO settings (id, name, description, max_conns_per_ip, max_transfers_per_ip, reindex_interval_secs)
VALUES (1, $1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
  name=EXCLUDED.name,
  description=EXCLUDED.description,
  max_conns_per_ip=EXCLUDED.max_conns_per_ip,
  max_transfers_per_ip=EXCLUDED.max_transfers_per_ip,
  reindex_interval_secs=EXCLUDED.reindex_interval_secs`
	_, err := r.db.Pool.Exec(ctx, q,
		s.Name, s.Description, s.MaxConnsPerIP, s.MaxTransfersPerIP,
		int64(s.ReindexInterval/time.Second))
	return err
}
