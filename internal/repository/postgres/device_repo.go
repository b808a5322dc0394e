package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/samber/lo"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
)

// GetDevice loads sync metadata of a device.
func (s *Store) GetDevice(ctx context.Context, userID uuid.UUID, deviceID string) (*model.DeviceSync, error) {
	const q = `
SELECT last_sync_time, app_version, last_status, needs_full_sync, updated_at
FROM device_sync WHERE user_id=$1 AND device_id=$2`
	var (
		d      = model.DeviceSync{UserID: userID, DeviceID: deviceID}
		last   *time.Time
		status string
	)
	err := s.db.Pool.QueryRow(ctx, q, userID, deviceID).Scan(&last, &d.AppVersion, &status, &d.NeedsFullSync, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if last != nil {
		d.LastSyncTime = *last
	}
	d.LastStatus = model.BatchStatus(status)
	return &d, nil
}

// SaveDevice upserts device metadata. GREATEST ignores NULL, so a zero LastSyncTime
// leaves the stored anchor alone and the anchor never moves backwards.
func (s *Store) SaveDevice(ctx context.Context, d model.DeviceSync) error {
	const q = `
INSERT INTO device_sync (user_id, device_id, last_sync_time, app_version, last_status, needs_full_sync, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (user_id, device_id) DO UPDATE SET
  last_sync_time  = GREATEST(device_sync.last_sync_time, EXCLUDED.last_sync_time),
  app_version     = EXCLUDED.app_version,
  last_status     = EXCLUDED.last_status,
  needs_full_sync = EXCLUDED.needs_full_sync,
  updated_at      = EXCLUDED.updated_at`
	var last *time.Time
	if !d.LastSyncTime.IsZero() {
		last = lo.ToPtr(d.LastSyncTime)
	}
	_, err := s.db.Pool.Exec(ctx, q, d.UserID, d.DeviceID, last, d.AppVersion, string(d.LastStatus), d.NeedsFullSync, d.UpdatedAt)
	return err
}

// ResetDevice forgets the anchor so the next session pulls everything.
func (s *Store) ResetDevice(ctx context.Context, userID uuid.UUID, deviceID string, at time.Time) error {
	const q = `
INSERT INTO device_sync (user_id, device_id, last_sync_time, needs_full_sync, updated_at)
VALUES ($1,$2,NULL,true,$3)
ON CONFLICT (user_id, device_id) DO UPDATE SET
  last_sync_time = NULL, needs_full_sync = true, updated_at = EXCLUDED.updated_at`
	_, err := s.db.Pool.Exec(ctx, q, userID, deviceID, at)
	return err
}

// AppendSyncLog writes a session audit row.
func (s *Store) AppendSyncLog(ctx context.Context, l model.SyncLog) error {
	const q = `
INSERT INTO sync_logs (id, user_id, device_id, entity_types, status, created, updated, deleted, conflicts, errors, message, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`
	if l.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		l.ID = id
	}
	types := lo.Map(l.EntityTypes, func(t model.EntityType, _ int) string { return string(t) })
	_, err := s.db.Pool.Exec(ctx, q, l.ID, l.UserID, l.DeviceID, types, string(l.Status),
		l.Created, l.Updated, l.Deleted, l.Conflicts, l.Errors, l.Message, l.StartedAt, l.FinishedAt)
	return err
}
