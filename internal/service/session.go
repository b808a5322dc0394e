package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/repository"
)

// BatchInput is the push side of one entity type inside a session.
type BatchInput struct {
	Items            []json.RawMessage
	DeletedIDs       []int64
	MaxItemsToReturn int
}

// SessionRequest covers every entity type of one device.
type SessionRequest struct {
	UserID       uuid.UUID
	DeviceID     string
	AppVersion   string
	LastSyncTime time.Time // zero falls back to the stored anchor
	FullSync     bool
	Batches      map[model.EntityType]BatchInput
}

// SessionResult lists batch results in sync order.
type SessionResult struct {
	Batches    []*BatchResult
	Status     model.BatchStatus
	ServerTime *time.Time
}

// SessionCoordinator sequences batches for a device and owns its sync anchor.
type SessionCoordinator struct {
	store   repository.Store
	batches *BatchProcessor
	log     *zap.Logger
	now     func() time.Time
}

// NewSessionCoordinator wires a coordinator.
func NewSessionCoordinator(store repository.Store, batches *BatchProcessor, log *zap.Logger, now func() time.Time) *SessionCoordinator {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionCoordinator{store: store, batches: batches, log: log, now: now}
}

// Sync runs a full session: every entity type in model.SyncOrder, one transaction
// each. The device anchor moves only after all batches committed; on failure the
// client retries and already committed batches classify as Unchanged.
func (c *SessionCoordinator) Sync(ctx context.Context, req SessionRequest) (*SessionResult, error) {
	for t := range req.Batches {
		if _, ok := model.ParseEntityType(string(t)); !ok {
			return nil, fmt.Errorf("%w: %w %q", errs.ErrValidation, errs.ErrUnknownEntity, t)
		}
	}
	anchor, full, err := c.anchor(ctx, req.UserID, req.DeviceID, req.LastSyncTime, req.FullSync)
	if err != nil {
		return nil, err
	}

	reqs := make([]BatchRequest, 0, len(model.SyncOrder))
	for _, t := range model.SyncOrder {
		in := req.Batches[t]
		br := BatchRequest{
			UserID:           req.UserID,
			DeviceID:         req.DeviceID,
			AppVersion:       req.AppVersion,
			Type:             t,
			LastSyncTime:     anchor,
			Items:            in.Items,
			DeletedIDs:       in.DeletedIDs,
			MaxItemsToReturn: in.MaxItemsToReturn,
			FullSync:         full,
		}
		if err := c.batches.Validate(br); err != nil {
			return nil, fmt.Errorf("%s: %w", t, err)
		}
		reqs = append(reqs, br)
	}

	started := c.now().UTC()
	out := &SessionResult{Status: model.StatusCompleted}
	var newAnchor time.Time
	for _, br := range reqs {
		res, err := c.batches.Process(ctx, br)
		if err != nil {
			c.finish(ctx, req, started, out, model.StatusFailed, time.Time{}, err)
			return nil, fmt.Errorf("%s: %w", br.Type, err)
		}
		// The earliest batch start is the safe anchor: anything committed by other
		// devices after it is pulled again next time.
		if newAnchor.IsZero() {
			newAnchor = *res.ServerTime
		}
		if res.Status != model.StatusCompleted {
			out.Status = model.StatusPartiallyCompleted
		}
		out.Batches = append(out.Batches, res)
	}

	out.ServerTime = &newAnchor
	c.finish(ctx, req, started, out, out.Status, newAnchor, nil)
	return out, nil
}

// SyncOne runs a single entity batch. The client keeps a per-type anchor from the
// returned ServerTime; the device-wide anchor is not moved.
func (c *SessionCoordinator) SyncOne(ctx context.Context, req BatchRequest) (*BatchResult, error) {
	if err := c.batches.Validate(req); err != nil {
		return nil, err
	}
	anchor, full, err := c.anchor(ctx, req.UserID, req.DeviceID, req.LastSyncTime, req.FullSync)
	if err != nil {
		return nil, err
	}
	req.LastSyncTime, req.FullSync = anchor, full

	sreq := SessionRequest{UserID: req.UserID, DeviceID: req.DeviceID, AppVersion: req.AppVersion}
	started := c.now().UTC()
	res, err := c.batches.Process(ctx, req)
	if err != nil {
		c.finish(ctx, sreq, started, &SessionResult{}, model.StatusFailed, time.Time{}, err)
		return nil, err
	}
	c.finish(ctx, sreq, started, &SessionResult{Batches: []*BatchResult{res}}, res.Status, time.Time{}, nil)
	return res, nil
}

// anchor resolves the lastSyncTime a session compares against.
func (c *SessionCoordinator) anchor(ctx context.Context, userID uuid.UUID, deviceID string, last time.Time, full bool) (time.Time, bool, error) {
	if userID == uuid.Nil {
		return time.Time{}, false, validationf("empty userID")
	}
	if deviceID == "" {
		return time.Time{}, false, validationf("empty deviceId")
	}
	dev, err := c.store.GetDevice(ctx, userID, deviceID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return last.UTC(), full, nil
	case err != nil:
		return time.Time{}, false, persistence(err)
	}
	if dev.NeedsFullSync {
		return time.Time{}, true, nil
	}
	if last.IsZero() {
		last = dev.LastSyncTime
	}
	return last.UTC(), full, nil
}

// finish records device metadata and the session log. Failures here are logged and
// do not undo committed batches.
func (c *SessionCoordinator) finish(ctx context.Context, req SessionRequest, started time.Time, out *SessionResult, status model.BatchStatus, anchor time.Time, cause error) {
	ctx = context.WithoutCancel(ctx)
	now := c.now().UTC()

	dev := model.DeviceSync{
		UserID:       req.UserID,
		DeviceID:     req.DeviceID,
		LastSyncTime: anchor,
		AppVersion:   req.AppVersion,
		LastStatus:   status,
		UpdatedAt:    now,
	}
	if anchor.IsZero() {
		// keep a pending full-sync request until a full session succeeds
		if prev, err := c.store.GetDevice(ctx, req.UserID, req.DeviceID); err == nil {
			dev.NeedsFullSync = prev.NeedsFullSync
		}
	}
	if err := c.store.SaveDevice(ctx, dev); err != nil {
		c.log.Error("save device sync", zap.String("device", req.DeviceID), zap.Error(err))
	}

	entry := model.SyncLog{
		UserID:     req.UserID,
		DeviceID:   req.DeviceID,
		Status:     status,
		StartedAt:  started,
		FinishedAt: now,
	}
	for _, b := range out.Batches {
		entry.EntityTypes = append(entry.EntityTypes, b.Type)
		entry.Created += b.Created
		entry.Updated += b.Updated
		entry.Deleted += b.Deleted
		entry.Conflicts += len(b.Conflicts)
		entry.Errors += len(b.Errors)
	}
	if cause != nil {
		entry.Message = cause.Error()
	}
	if id, err := uuid.NewV4(); err == nil {
		entry.ID = id
	}
	if err := c.store.AppendSyncLog(ctx, entry); err != nil {
		c.log.Error("append sync log", zap.String("device", req.DeviceID), zap.Error(err))
	}

	c.log.Info("sync session",
		zap.String("user", req.UserID.String()),
		zap.String("device", req.DeviceID),
		zap.String("status", string(status)),
		zap.Int("batches", len(out.Batches)),
		zap.Int("conflicts", entry.Conflicts),
		zap.Int("errors", entry.Errors),
		zap.Duration("dur", now.Sub(started)),
	)
}

// Info summarizes the sync state of a device.
func (c *SessionCoordinator) Info(ctx context.Context, userID uuid.UUID, deviceID string) (model.SyncInfo, error) {
	if userID == uuid.Nil || deviceID == "" {
		return model.SyncInfo{}, validationf("empty userID/deviceId")
	}
	info := model.SyncInfo{DeviceID: deviceID, NeedsFullSync: true}
	dev, err := c.store.GetDevice(ctx, userID, deviceID)
	switch {
	case err == nil:
		if !dev.LastSyncTime.IsZero() {
			last := dev.LastSyncTime
			info.LastSyncTime = &last
		}
		info.LastStatus = string(dev.LastStatus)
		info.NeedsFullSync = dev.NeedsFullSync || dev.LastSyncTime.IsZero()
	case !errors.Is(err, errs.ErrNotFound):
		return model.SyncInfo{}, persistence(err)
	}
	n, err := c.store.CountOpenConflicts(ctx, userID)
	if err != nil {
		return model.SyncInfo{}, persistence(err)
	}
	info.UnresolvedConflicts = n
	return info, nil
}

// Reset forgets the device anchor; the next session is a full sync. Conflicts stay.
func (c *SessionCoordinator) Reset(ctx context.Context, userID uuid.UUID, deviceID string) error {
	if userID == uuid.Nil || deviceID == "" {
		return validationf("empty userID/deviceId")
	}
	if err := c.store.ResetDevice(ctx, userID, deviceID, c.now().UTC()); err != nil {
		return persistence(err)
	}
	c.log.Info("sync reset", zap.String("user", userID.String()), zap.String("device", deviceID))
	return nil
}
