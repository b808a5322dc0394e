// Package service implements the sync engine: batch processing, session
// coordination and conflict resolution over a repository.Store.
package service

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexisync/internal/model"
)

// Syncer is what transports need from the session coordinator.
type Syncer interface {
	// Sync runs every entity type of a device in dependency order.
	Sync(ctx context.Context, req SessionRequest) (*SessionResult, error)
	// SyncOne runs a single entity type.
	SyncOne(ctx context.Context, req BatchRequest) (*BatchResult, error)
	// Info reports the sync state of a device.
	Info(ctx context.Context, userID uuid.UUID, deviceID string) (model.SyncInfo, error)
	// Reset schedules a full sync for a device.
	Reset(ctx context.Context, userID uuid.UUID, deviceID string) error
}

// ConflictResolver settles and lists recorded conflicts.
type ConflictResolver interface {
	Resolve(ctx context.Context, userID uuid.UUID, deviceID string, rs []Resolution) ([]ResolutionResult, error)
	List(ctx context.Context, userID uuid.UUID, openOnly bool) ([]model.SyncConflict, error)
}

var (
	_ Syncer           = (*SessionCoordinator)(nil)
	_ ConflictResolver = (*ConflictService)(nil)
)
