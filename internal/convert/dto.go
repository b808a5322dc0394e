// Package convert maps wire DTOs to service requests and back. The same DTOs are
// served as JSON over HTTP and over the gRPC JSON codec.
package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/service"
)

// --- requests ---

// SyncRequest pushes one entity type.
type SyncRequest struct {
	EntityType       string            `json:"entityType,omitempty"` // taken from the route over HTTP
	DeviceID         string            `json:"deviceId"`
	AppVersion       string            `json:"appVersion,omitempty"`
	LastSyncTime     *time.Time        `json:"lastSyncTime,omitempty"`
	FullSync         bool              `json:"fullSync,omitempty"`
	Items            []json.RawMessage `json:"items,omitempty"`
	DeletedIDs       []int64           `json:"deletedItemIds,omitempty"`
	MaxItemsToReturn int               `json:"maxItemsToReturn,omitempty"`
}

// EntityBatch is the per-type part of a session request.
type EntityBatch struct {
	Items            []json.RawMessage `json:"items,omitempty"`
	DeletedIDs       []int64           `json:"deletedItemIds,omitempty"`
	MaxItemsToReturn int               `json:"maxItemsToReturn,omitempty"`
}

// SessionRequest syncs every entity type of a device.
type SessionRequest struct {
	DeviceID     string                 `json:"deviceId"`
	AppVersion   string                 `json:"appVersion,omitempty"`
	LastSyncTime *time.Time             `json:"lastSyncTime,omitempty"`
	FullSync     bool                   `json:"fullSync,omitempty"`
	Batches      map[string]EntityBatch `json:"batches,omitempty"`
}

type Resolution struct {
	EntityType string          `json:"entityType"`
	EntityID   int64           `json:"entityId"`
	Strategy   string          `json:"resolution"`
	CustomData json.RawMessage `json:"customData,omitempty"`
	Notes      string          `json:"resolutionNotes,omitempty"`
}

type ResolveRequest struct {
	DeviceID    string       `json:"deviceId,omitempty"`
	Resolutions []Resolution `json:"resolutions"`
}

// DeviceRequest addresses one device (info, reset).
type DeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

// ListConflictsRequest lists open conflicts; DeviceID narrows to one device.
type ListConflictsRequest struct {
	DeviceID        string `json:"deviceId,omitempty"`
	IncludeResolved bool   `json:"includeResolved,omitempty"`
}

// --- responses ---

type SyncConflict struct {
	ID               int64           `json:"id"`
	DeviceID         string          `json:"deviceId"`
	EntityType       string          `json:"entityType"`
	EntityID         int64           `json:"entityId"`
	ConflictType     string          `json:"conflictType"`
	ClientData       json.RawMessage `json:"clientData"`
	ServerData       json.RawMessage `json:"serverData"`
	ClientUpdateTime time.Time       `json:"clientUpdateTime"`
	ServerUpdateTime time.Time       `json:"serverUpdateTime"`
	DetectedAt       time.Time       `json:"detectedAt"`
	IsResolved       bool            `json:"isResolved"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	ResolutionMethod string          `json:"resolutionMethod,omitempty"`
	ResolutionData   json.RawMessage `json:"resolutionData,omitempty"`
	ResolutionNotes  string          `json:"resolutionNotes,omitempty"`
}

type SyncResponse struct {
	EntityType    string            `json:"entityType"`
	Status        string            `json:"status"`
	Created       int               `json:"created"`
	Updated       int               `json:"updated"`
	Deleted       int               `json:"deleted"`
	Conflicts     []SyncConflict    `json:"conflicts"`
	ServerChanges []model.Change    `json:"serverChanges"`
	DeletedIDs    []int64           `json:"deletedIds"`
	IDMappings    []model.IDMapping `json:"idMappings"`
	Errors        []model.ItemError `json:"errors"`
	ServerTime    *time.Time        `json:"serverTime,omitempty"`
}

// SessionResponse is keyed by entity type.
type SessionResponse struct {
	Status     string                  `json:"status"`
	ServerTime *time.Time              `json:"serverTime,omitempty"`
	Results    map[string]SyncResponse `json:"results"`
}

type ResolutionResult struct {
	EntityType string          `json:"entityType"`
	EntityID   int64           `json:"entityId"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	MergedData json.RawMessage `json:"mergedData,omitempty"`
	Conflict   *SyncConflict   `json:"conflict,omitempty"`
}

type ResolveResponse struct {
	Results []ResolutionResult `json:"results"`
}

type ConflictsResponse struct {
	Conflicts []SyncConflict `json:"conflicts"`
}

// Health is the liveness answer.
type Health struct {
	Status string `json:"status"`
}

// Empty answers calls with nothing to report.
type Empty struct{}

// --- request mapping ---

func entityType(s string) (model.EntityType, error) {
	t, ok := model.ParseEntityType(s)
	if !ok {
		return "", fmt.Errorf("%w: %w %q", errs.ErrValidation, errs.ErrUnknownEntity, s)
	}
	return t, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// ToBatchRequest builds a single-type request. typ overrides in.EntityType when set.
func ToBatchRequest(userID uuid.UUID, typ string, in SyncRequest) (service.BatchRequest, error) {
	if typ == "" {
		typ = in.EntityType
	}
	t, err := entityType(typ)
	if err != nil {
		return service.BatchRequest{}, err
	}
	return service.BatchRequest{
		UserID:           userID,
		DeviceID:         in.DeviceID,
		AppVersion:       in.AppVersion,
		Type:             t,
		LastSyncTime:     timeOrZero(in.LastSyncTime),
		Items:            in.Items,
		DeletedIDs:       in.DeletedIDs,
		MaxItemsToReturn: in.MaxItemsToReturn,
		FullSync:         in.FullSync,
	}, nil
}

// ToSessionRequest maps a session request; unknown entity types are rejected.
func ToSessionRequest(userID uuid.UUID, in SessionRequest) (service.SessionRequest, error) {
	out := service.SessionRequest{
		UserID:       userID,
		DeviceID:     in.DeviceID,
		AppVersion:   in.AppVersion,
		LastSyncTime: timeOrZero(in.LastSyncTime),
		FullSync:     in.FullSync,
		Batches:      make(map[model.EntityType]service.BatchInput, len(in.Batches)),
	}
	for name, b := range in.Batches {
		t, err := entityType(name)
		if err != nil {
			return service.SessionRequest{}, err
		}
		out.Batches[t] = service.BatchInput{Items: b.Items, DeletedIDs: b.DeletedIDs, MaxItemsToReturn: b.MaxItemsToReturn}
	}
	return out, nil
}

// ToResolutions validates entity types and strategies up front.
func ToResolutions(in ResolveRequest) ([]service.Resolution, error) {
	if len(in.Resolutions) == 0 {
		return nil, fmt.Errorf("%w: no resolutions", errs.ErrValidation)
	}
	out := make([]service.Resolution, 0, len(in.Resolutions))
	for i, r := range in.Resolutions {
		t, err := entityType(r.EntityType)
		if err != nil {
			return nil, fmt.Errorf("resolutions[%d]: %w", i, err)
		}
		st, ok := model.ParseStrategy(r.Strategy)
		if !ok {
			return nil, fmt.Errorf("resolutions[%d]: %w: strategy %q", i, errs.ErrValidation, r.Strategy)
		}
		out = append(out, service.Resolution{EntityType: t, EntityID: r.EntityID, Strategy: st, CustomData: r.CustomData, Notes: r.Notes})
	}
	return out, nil
}

// --- response mapping ---

func FromConflict(c model.SyncConflict) SyncConflict {
	return SyncConflict{
		ID:               c.ID,
		DeviceID:         c.DeviceID,
		EntityType:       string(c.EntityType),
		EntityID:         c.EntityID,
		ConflictType:     string(c.ConflictType),
		ClientData:       rawOrNull(c.ClientData),
		ServerData:       rawOrNull(c.ServerData),
		ClientUpdateTime: c.ClientUpdateTime,
		ServerUpdateTime: c.ServerUpdateTime,
		DetectedAt:       c.DetectedAt,
		IsResolved:       c.IsResolved,
		ResolvedAt:       c.ResolvedAt,
		ResolutionMethod: string(c.ResolutionMethod),
		ResolutionData:   c.ResolutionData,
		ResolutionNotes:  c.ResolutionNotes,
	}
}

// ForDevice keeps conflicts detected for deviceID; empty keeps all.
func ForDevice(cs []model.SyncConflict, deviceID string) []model.SyncConflict {
	if deviceID == "" {
		return cs
	}
	return lo.Filter(cs, func(c model.SyncConflict, _ int) bool { return c.DeviceID == deviceID })
}

func FromConflicts(cs []model.SyncConflict) []SyncConflict {
	return lo.Map(cs, func(c model.SyncConflict, _ int) SyncConflict { return FromConflict(c) })
}

// FromBatchResult never returns nil slices so clients always see arrays.
func FromBatchResult(r *service.BatchResult) SyncResponse {
	return SyncResponse{
		EntityType:    string(r.Type),
		Status:        string(r.Status),
		Created:       r.Created,
		Updated:       r.Updated,
		Deleted:       r.Deleted,
		Conflicts:     FromConflicts(r.Conflicts),
		ServerChanges: lo.Ternary(r.ServerChanges == nil, []model.Change{}, r.ServerChanges),
		DeletedIDs:    lo.Ternary(r.DeletedIDs == nil, []int64{}, r.DeletedIDs),
		IDMappings:    lo.Ternary(r.IDMappings == nil, []model.IDMapping{}, r.IDMappings),
		Errors:        lo.Ternary(r.Errors == nil, []model.ItemError{}, r.Errors),
		ServerTime:    r.ServerTime,
	}
}

func FromSessionResult(r *service.SessionResult) SessionResponse {
	return SessionResponse{
		Status:     string(r.Status),
		ServerTime: r.ServerTime,
		Results: lo.SliceToMap(r.Batches, func(b *service.BatchResult) (string, SyncResponse) {
			return string(b.Type), FromBatchResult(b)
		}),
	}
}

func FromResolutionResults(rs []service.ResolutionResult) ResolveResponse {
	return ResolveResponse{Results: lo.Map(rs, func(r service.ResolutionResult, _ int) ResolutionResult {
		out := ResolutionResult{
			EntityType: string(r.EntityType),
			EntityID:   r.EntityID,
			Success:    r.Success,
			Error:      r.Error,
			MergedData: r.MergedData,
		}
		if r.Conflict != nil {
			c := FromConflict(*r.Conflict)
			out.Conflict = &c
		}
		return out
	})}
}

func rawOrNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}
