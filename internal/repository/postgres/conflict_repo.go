package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
)

const conflictCols = `id, user_id, device_id, entity_type, entity_id, client_data, server_data,
client_updated_at, server_updated_at, conflict_type, detected_at, is_resolved, resolved_at,
COALESCE(resolution_method,''), resolution_data, COALESCE(resolution_notes,'')`

func scanConflict(row pgx.Row) (*model.SyncConflict, error) {
	var (
		c                     model.SyncConflict
		typ, ct, method       string
		client, server, resol []byte
		resolvedAt            *time.Time
	)
	err := row.Scan(&c.ID, &c.UserID, &c.DeviceID, &typ, &c.EntityID, &client, &server,
		&c.ClientUpdateTime, &c.ServerUpdateTime, &ct, &c.DetectedAt, &c.IsResolved, &resolvedAt,
		&method, &resol, &c.ResolutionNotes)
	if err != nil {
		return nil, err
	}
	c.EntityType = model.EntityType(typ)
	c.ConflictType = model.ConflictType(ct)
	c.ResolutionMethod = model.Strategy(method)
	c.ResolvedAt = resolvedAt
	c.ClientData = rawOrNil(client)
	c.ServerData = rawOrNil(server)
	c.ResolutionData = rawOrNil(resol)
	return &c, nil
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

// jsonArg maps an empty snapshot to SQL NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (t *Tx) oneConflict(ctx context.Context, q string, args ...any) (*model.SyncConflict, error) {
	c, err := scanConflict(t.tx.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// OpenConflict returns the unresolved conflict for an entity.
func (t *Tx) OpenConflict(ctx context.Context, userID uuid.UUID, typ model.EntityType, entityID int64) (*model.SyncConflict, error) {
	const q = `SELECT ` + conflictCols + `
FROM sync_conflicts
WHERE user_id=$1 AND entity_type=$2 AND entity_id=$3 AND NOT is_resolved
FOR UPDATE`
	return t.oneConflict(ctx, q, userID, string(typ), entityID)
}

// LatestConflict prefers the open conflict, then the most recently detected one.
func (t *Tx) LatestConflict(ctx context.Context, userID uuid.UUID, typ model.EntityType, entityID int64) (*model.SyncConflict, error) {
	const q = `SELECT ` + conflictCols + `
FROM sync_conflicts
WHERE user_id=$1 AND entity_type=$2 AND entity_id=$3
ORDER BY is_resolved ASC, detected_at DESC, id DESC
LIMIT 1
FOR UPDATE`
	return t.oneConflict(ctx, q, userID, string(typ), entityID)
}

// SaveConflict inserts or updates a conflict.
func (t *Tx) SaveConflict(ctx context.Context, c *model.SyncConflict) error {
	if c.ID == 0 {
		const ins = `
INSERT INTO sync_conflicts (user_id, device_id, entity_type, entity_id, client_data, server_data,
  client_updated_at, server_updated_at, conflict_type, detected_at, is_resolved)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,false)
ON CONFLICT DO NOTHING
RETURNING id`
		err := t.tx.QueryRow(ctx, ins,
			c.UserID, c.DeviceID, string(c.EntityType), c.EntityID, jsonArg(c.ClientData), jsonArg(c.ServerData),
			c.ClientUpdateTime, c.ServerUpdateTime, string(c.ConflictType), c.DetectedAt,
		).Scan(&c.ID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
				return fmt.Errorf("open conflict %s[%d]: %w", c.EntityType, c.EntityID, errs.ErrVersionConflict)
			}
			return err
		}
		return nil
	}

	const upd = `
UPDATE sync_conflicts SET
  device_id=$2, client_data=$3, server_data=$4, client_updated_at=$5, server_updated_at=$6,
  conflict_type=$7, is_resolved=$8, resolved_at=$9, resolution_method=NULLIF($10,''),
  resolution_data=$11, resolution_notes=NULLIF($12,'')
WHERE id=$1`
	tag, err := t.tx.Exec(ctx, upd,
		c.ID, c.DeviceID, jsonArg(c.ClientData), jsonArg(c.ServerData), c.ClientUpdateTime, c.ServerUpdateTime,
		string(c.ConflictType), c.IsResolved, c.ResolvedAt, string(c.ResolutionMethod),
		jsonArg(c.ResolutionData), c.ResolutionNotes,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListConflicts returns a user's conflicts, newest first.
func (s *Store) ListConflicts(ctx context.Context, userID uuid.UUID, openOnly bool) ([]model.SyncConflict, error) {
	const q = `SELECT ` + conflictCols + `
FROM sync_conflicts
WHERE user_id=$1 AND (NOT is_resolved OR NOT $2)
ORDER BY detected_at DESC, id DESC`
	rows, err := s.db.Pool.Query(ctx, q, userID, openOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountOpenConflicts counts unresolved conflicts of a user.
func (s *Store) CountOpenConflicts(ctx context.Context, userID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM sync_conflicts WHERE user_id=$1 AND NOT is_resolved`
	var n int
	if err := s.db.Pool.QueryRow(ctx, q, userID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
