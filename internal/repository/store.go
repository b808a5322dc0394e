// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexisync/internal/model"
)

// Store is the entry point to synchronized storage.
type Store interface {
	// Begin opens the transaction a single batch runs in.
	Begin(ctx context.Context) (Tx, error)

	DeviceRepository
	ConflictReader

	// AppendSyncLog writes the audit row of a session attempt.
	AppendSyncLog(ctx context.Context, l model.SyncLog) error
}

// Tx is a unit of work. Lookups return errs.ErrNotFound when nothing matches;
// writes with a stale base version return errs.ErrVersionConflict.
type Tx interface {
	// LockUser serializes writers of one user's rows until the transaction ends and
	// returns the newest UpdatedAt among those rows. With no rows the result is at
	// or before the Unix epoch.
	// Writers call it first, so stamps handed out afterwards order after every
	// committed row of the user.
	LockUser(ctx context.Context, userID uuid.UUID) (time.Time, error)

	// Get loads a row by server id and locks it for the rest of the transaction.
	Get(ctx context.Context, userID uuid.UUID, typ model.EntityType, id int64) (*model.Record, error)
	// GetByKey loads a row by its natural key.
	GetByKey(ctx context.Context, userID uuid.UUID, typ model.EntityType, key string) (*model.Record, error)
	// GetByClientRef finds the row a device's temporary client reference was mapped to.
	GetByClientRef(ctx context.Context, userID uuid.UUID, typ model.EntityType, deviceID, ref string) (*model.Record, error)

	// Add inserts r and fills ID and Version.
	Add(ctx context.Context, r *model.Record) error
	// Update replaces payload and checksum if the row is still at baseVer; r.Version is bumped.
	Update(ctx context.Context, r *model.Record, baseVer int64) error
	// SoftDelete sets the tombstone if the row is still at baseVer.
	SoftDelete(ctx context.Context, r *model.Record, baseVer int64) error

	// ChangesSince returns rows touched after since, tombstones included.
	ChangesSince(ctx context.Context, userID uuid.UUID, typ model.EntityType, since time.Time) ([]model.Record, error)
	// AllLive returns every non-deleted row of a type.
	AllLive(ctx context.Context, userID uuid.UUID, typ model.EntityType) ([]model.Record, error)
	// DueProgress returns learning progress rows whose review date passed, across users.
	DueProgress(ctx context.Context, now time.Time, limit int) ([]model.Record, error)

	// OpenConflict returns the unresolved conflict for an entity.
	OpenConflict(ctx context.Context, userID uuid.UUID, typ model.EntityType, entityID int64) (*model.SyncConflict, error)
	// LatestConflict returns the open conflict for an entity, else the most recently resolved one.
	LatestConflict(ctx context.Context, userID uuid.UUID, typ model.EntityType, entityID int64) (*model.SyncConflict, error)
	// SaveConflict inserts c when c.ID is zero, otherwise updates it.
	SaveConflict(ctx context.Context, c *model.SyncConflict) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DeviceRepository keeps per-device sync anchors.
type DeviceRepository interface {
	// GetDevice returns errs.ErrNotFound for a device that never synced.
	GetDevice(ctx context.Context, userID uuid.UUID, deviceID string) (*model.DeviceSync, error)
	// SaveDevice upserts metadata. LastSyncTime never moves backwards; a zero value keeps the stored one.
	SaveDevice(ctx context.Context, d model.DeviceSync) error
	// ResetDevice clears the anchor and requests a full sync.
	ResetDevice(ctx context.Context, userID uuid.UUID, deviceID string, at time.Time) error
}

// ConflictReader lists conflicts outside of a batch.
type ConflictReader interface {
	ListConflicts(ctx context.Context, userID uuid.UUID, openOnly bool) ([]model.SyncConflict, error)
	CountOpenConflicts(ctx context.Context, userID uuid.UUID) (int, error)
}
