package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/repository"
)

// Store implements repository.Store over PostgreSQL.
type Store struct{ db *DB }

var _ repository.Store = (*Store)(nil)

// NewStore constructs the store.
func NewStore(db *DB) *Store { return &Store{db: db} }

// Begin opens a read-committed transaction; rows read through it are locked FOR UPDATE.
func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx implements repository.Tx.
type Tx struct{ tx pgx.Tx }

var _ repository.Tx = (*Tx)(nil)

func (t *Tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

const itemCols = `id, user_id, entity_type, COALESCE(natural_key,''), payload, checksum, ver, deleted, updated_at, COALESCE(client_ref,''), device_id`

const (
	selByID  = `SELECT ` + itemCols + ` FROM sync_items WHERE user_id=$1 AND entity_type=$2 AND id=$3 FOR UPDATE`
	selByKey = `SELECT ` + itemCols + ` FROM sync_items WHERE user_id=$1 AND entity_type=$2 AND natural_key=$3 FOR UPDATE`
	selByRef = `SELECT ` + itemCols + ` FROM sync_items WHERE user_id=$1 AND entity_type=$2 AND device_id=$3 AND client_ref=$4 FOR UPDATE`
)

func scanRecord(row pgx.Row) (*model.Record, error) {
	var (
		r   model.Record
		typ string
		raw []byte
	)
	if err := row.Scan(&r.ID, &r.UserID, &typ, &r.NaturalKey, &raw, &r.Checksum, &r.Version, &r.Deleted, &r.UpdatedAt, &r.ClientRef, &r.DeviceID); err != nil {
		return nil, err
	}
	r.Type = model.EntityType(typ)
	r.Payload = raw
	return &r, nil
}

func (t *Tx) getOne(ctx context.Context, q string, args ...any) (*model.Record, error) {
	r, err := scanRecord(t.tx.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// LockUser takes a transaction-scoped advisory lock keyed by the user and then reads
// the user's newest stamp. The read is a separate statement so its snapshot includes
// everything committed by the previous lock holder.
func (t *Tx) LockUser(ctx context.Context, userID uuid.UUID) (time.Time, error) {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1::text, 0))`, userID); err != nil {
		return time.Time{}, fmt.Errorf("lock user: %w", err)
	}
	var last time.Time
	const q = `SELECT COALESCE(max(updated_at), 'epoch'::timestamptz) FROM sync_items WHERE user_id=$1`
	if err := t.tx.QueryRow(ctx, q, userID).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("user watermark: %w", err)
	}
	return last.UTC(), nil
}

// Get loads a row by id.
func (t *Tx) Get(ctx context.Context, userID uuid.UUID, typ model.EntityType, id int64) (*model.Record, error) {
	return t.getOne(ctx, selByID, userID, string(typ), id)
}

// GetByKey loads a row by natural key.
func (t *Tx) GetByKey(ctx context.Context, userID uuid.UUID, typ model.EntityType, key string) (*model.Record, error) {
	return t.getOne(ctx, selByKey, userID, string(typ), key)
}

// GetByClientRef loads the row a device created for a temporary client reference.
func (t *Tx) GetByClientRef(ctx context.Context, userID uuid.UUID, typ model.EntityType, deviceID, ref string) (*model.Record, error) {
	return t.getOne(ctx, selByRef, userID, string(typ), deviceID, ref)
}

// Add inserts a new row at version 1. A natural key or client ref already taken by
// a concurrent writer is reported as a version conflict.
func (t *Tx) Add(ctx context.Context, r *model.Record) error {
	const ins = `
INSERT INTO sync_items (user_id, entity_type, natural_key, payload, checksum, ver, deleted, updated_at, client_ref, device_id)
VALUES ($1,$2,NULLIF($3,''),$4,$5,1,false,$6,NULLIF($7,''),$8)
ON CONFLICT DO NOTHING
RETURNING id`
	err := t.tx.QueryRow(ctx, ins,
		r.UserID, string(r.Type), r.NaturalKey, []byte(r.Payload), r.Checksum, r.UpdatedAt, r.ClientRef, r.DeviceID,
	).Scan(&r.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isUniqueViolation(err) {
			return fmt.Errorf("insert %s: %w", r.Type, errs.ErrVersionConflict)
		}
		return err
	}
	r.Version = 1
	r.Deleted = false
	return nil
}

// Update is a compare-and-swap on ver.
func (t *Tx) Update(ctx context.Context, r *model.Record, baseVer int64) error {
	const upd = `
UPDATE sync_items SET payload=$4, checksum=$5, ver=ver+1, deleted=false, updated_at=$6
WHERE user_id=$1 AND entity_type=$2 AND id=$3 AND ver=$7
RETURNING ver`
	err := t.tx.QueryRow(ctx, upd,
		r.UserID, string(r.Type), r.ID, []byte(r.Payload), r.Checksum, r.UpdatedAt, baseVer,
	).Scan(&r.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s[%d]: %w", r.Type, r.ID, errs.ErrVersionConflict)
		}
		return err
	}
	r.Deleted = false
	return nil
}

// SoftDelete sets the tombstone with a compare-and-swap on ver.
func (t *Tx) SoftDelete(ctx context.Context, r *model.Record, baseVer int64) error {
	const upd = `
UPDATE sync_items SET deleted=true, ver=ver+1, updated_at=$4
WHERE user_id=$1 AND entity_type=$2 AND id=$3 AND ver=$5
RETURNING ver`
	err := t.tx.QueryRow(ctx, upd, r.UserID, string(r.Type), r.ID, r.UpdatedAt, baseVer).Scan(&r.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%s[%d]: %w", r.Type, r.ID, errs.ErrVersionConflict)
		}
		return err
	}
	r.Deleted = true
	return nil
}

func (t *Tx) queryRecords(ctx context.Context, q string, args ...any) ([]model.Record, error) {
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// ChangesSince returns rows with updated_at strictly after since, oldest first.
func (t *Tx) ChangesSince(ctx context.Context, userID uuid.UUID, typ model.EntityType, since time.Time) ([]model.Record, error) {
	const q = `SELECT ` + itemCols + `
FROM sync_items
WHERE user_id=$1 AND entity_type=$2 AND updated_at>$3
ORDER BY updated_at ASC, id ASC`
	return t.queryRecords(ctx, q, userID, string(typ), since)
}

// AllLive returns every non-deleted row of a type.
func (t *Tx) AllLive(ctx context.Context, userID uuid.UUID, typ model.EntityType) ([]model.Record, error) {
	const q = `SELECT ` + itemCols + `
FROM sync_items
WHERE user_id=$1 AND entity_type=$2 AND NOT deleted
ORDER BY id ASC`
	return t.queryRecords(ctx, q, userID, string(typ))
}

// DueProgress picks progress rows past their review date that are not flagged yet.
// Rows locked by a running batch are skipped.
func (t *Tx) DueProgress(ctx context.Context, now time.Time, limit int) ([]model.Record, error) {
	const q = `SELECT ` + itemCols + `
FROM sync_items
WHERE entity_type=$1 AND NOT deleted
  AND COALESCE((payload->>'needsReview')::boolean, false) = false
  AND (payload->>'nextReviewDate')::timestamptz <= $2
ORDER BY id ASC
LIMIT $3
FOR UPDATE SKIP LOCKED`
	return t.queryRecords(ctx, q, string(model.EntityProgress), now, limit)
}
