package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// BatchStatus is the terminal state of a batch or session.
type BatchStatus string

const (
	StatusCompleted          BatchStatus = "Completed"
	StatusPartiallyCompleted BatchStatus = "PartiallyCompleted"
	StatusFailed             BatchStatus = "Failed"
)

// DeviceSync is per-device sync metadata.
type DeviceSync struct {
	UserID        uuid.UUID
	DeviceID      string
	LastSyncTime  time.Time // zero means never synced
	AppVersion    string
	LastStatus    BatchStatus
	NeedsFullSync bool
	UpdatedAt     time.Time
}

// SyncLog is the audit row written for every session attempt.
type SyncLog struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	DeviceID    string
	EntityTypes []EntityType
	Status      BatchStatus
	Created     int
	Updated     int
	Deleted     int
	Conflicts   int
	Errors      int
	Message     string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// IDMapping pairs a client's temporary reference with the id the server assigned.
type IDMapping struct {
	ClientReferenceID string `json:"clientReferenceId"`
	EntityID          int64  `json:"entityId"`
}

// ItemError is a per-item failure that does not abort the batch.
type ItemError struct {
	Index    int    `json:"index"`
	EntityID int64  `json:"entityId,omitempty"`
	Kind     string `json:"kind"` // ValidationError, SchedulingError
	Message  string `json:"message"`
}

// SyncInfo summarizes a device's sync state.
type SyncInfo struct {
	DeviceID            string     `json:"deviceId"`
	LastSyncTime        *time.Time `json:"lastSyncTime,omitempty"`
	LastStatus          string     `json:"lastStatus,omitempty"`
	UnresolvedConflicts int        `json:"unresolvedConflicts"`
	NeedsFullSync       bool       `json:"needsFullSync"`
}
