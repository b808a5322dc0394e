package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ConflictType describes how the two sides diverged.
type ConflictType string

const (
	ConflictBothModified                ConflictType = "BothModified"
	ConflictClientModifiedServerDeleted ConflictType = "ClientModifiedServerDeleted"
	ConflictServerModifiedClientDeleted ConflictType = "ServerModifiedClientDeleted"
	ConflictOther                       ConflictType = "Other"
)

// Strategy is an operator-chosen way to settle a conflict.
type Strategy string

const (
	UseClientVersion Strategy = "UseClientVersion"
	UseServerVersion Strategy = "UseServerVersion"
	UseCustomVersion Strategy = "UseCustomVersion"
	DeleteItem       Strategy = "DeleteItem"
	MergeVersions    Strategy = "MergeVersions"
)

// ParseStrategy validates a wire value.
func ParseStrategy(s string) (Strategy, bool) {
	switch st := Strategy(s); st {
	case UseClientVersion, UseServerVersion, UseCustomVersion, DeleteItem, MergeVersions:
		return st, true
	}
	return "", false
}

// SyncConflict is a detected divergence. Terminal once resolved; never deleted.
type SyncConflict struct {
	ID               int64           `json:"id"`
	UserID           uuid.UUID       `json:"userId"`
	DeviceID         string          `json:"deviceId"`
	EntityType       EntityType      `json:"entityType"`
	EntityID         int64           `json:"entityId"`
	ClientData       json.RawMessage `json:"clientData,omitempty"` // null when the client deleted
	ServerData       json.RawMessage `json:"serverData,omitempty"` // null when the server tombstoned
	ClientUpdateTime time.Time       `json:"clientUpdateTime"`
	ServerUpdateTime time.Time       `json:"serverUpdateTime"`
	ConflictType     ConflictType    `json:"conflictType"`
	DetectedAt       time.Time       `json:"detectedAt"`

	IsResolved       bool            `json:"isResolved"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	ResolutionMethod Strategy        `json:"resolutionMethod,omitempty"`
	ResolutionData   json.RawMessage `json:"resolutionData,omitempty"`
	ResolutionNotes  string          `json:"resolutionNotes,omitempty"`
}
