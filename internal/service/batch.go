package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/and161185/lexisync/internal/compare"
	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/repository"
)

// DefaultMaxBatch caps items plus deletions per batch.
const DefaultMaxBatch = 1000

// BatchRequest is one (device, entity type) sync request.
type BatchRequest struct {
	UserID           uuid.UUID
	DeviceID         string
	AppVersion       string
	Type             model.EntityType
	LastSyncTime     time.Time
	Items            []json.RawMessage
	DeletedIDs       []int64
	MaxItemsToReturn int
	FullSync         bool
}

// BatchResult is the outcome of a committed batch.
type BatchResult struct {
	Type          model.EntityType
	Created       int
	Updated       int
	Deleted       int
	Conflicts     []model.SyncConflict
	ServerChanges []model.Change
	DeletedIDs    []int64
	IDMappings    []model.IDMapping
	Errors        []model.ItemError
	Status        model.BatchStatus
	ServerTime    *time.Time // set only when the batch committed
}

// BatchProcessor runs one batch in one transaction.
type BatchProcessor struct {
	store    repository.Store
	log      *zap.Logger
	kinds    map[model.EntityType]kind
	maxBatch int
	now      func() time.Time
}

// NewBatchProcessor constructs a processor; maxBatch <= 0 means DefaultMaxBatch.
func NewBatchProcessor(store repository.Store, log *zap.Logger, maxBatch int, now func() time.Time) *BatchProcessor {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BatchProcessor{store: store, log: log, kinds: newKinds(), maxBatch: maxBatch, now: now}
}

// Validate rejects a batch before any work is done.
func (p *BatchProcessor) Validate(req BatchRequest) error {
	if req.UserID == uuid.Nil {
		return validationf("empty userID")
	}
	if req.DeviceID == "" {
		return validationf("empty deviceId")
	}
	if _, ok := p.kinds[req.Type]; !ok {
		return fmt.Errorf("%w: %w %q", errs.ErrValidation, errs.ErrUnknownEntity, req.Type)
	}
	n := len(req.Items) + len(req.DeletedIDs)
	if n > p.maxBatch {
		return validationf("batch too large (%d > %d)", n, p.maxBatch)
	}
	if req.MaxItemsToReturn > 0 && n > req.MaxItemsToReturn {
		return validationf("batch too large (%d > maxItemsToReturn %d)", n, req.MaxItemsToReturn)
	}
	return nil
}

// batch carries the working state of one Process call.
type batch struct {
	req     BatchRequest
	k       kind
	tx      repository.Tx
	at      time.Time
	res     *BatchResult
	skipped map[int64]bool // ids the client already has; left out of the pull
	pulled  []model.Record
}

// Process validates, classifies and applies a batch, then computes the pull side.
// Per-item errors are collected in the result; storage errors roll everything back.
func (p *BatchProcessor) Process(ctx context.Context, req BatchRequest) (res *BatchResult, err error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}

	b := &batch{
		req:     req,
		k:       p.kinds[req.Type],
		res:     &BatchResult{Type: req.Type},
		skipped: make(map[int64]bool),
	}
	b.tx, err = p.store.Begin(ctx)
	if err != nil {
		return nil, persistence(err)
	}
	defer func() {
		if err != nil {
			_ = b.tx.Rollback(context.WithoutCancel(ctx))
			p.log.Warn("batch rolled back",
				zap.String("type", string(req.Type)), zap.String("device", req.DeviceID), zap.Error(err))
			return
		}
		if e := b.tx.Commit(ctx); e != nil {
			err, res = persistence(e), nil
			return
		}
		res.ServerTime = &b.at
	}()

	last, err := b.tx.LockUser(ctx, req.UserID)
	if err != nil {
		return nil, persistence(err)
	}
	b.at = stamp(p.now(), last)

	for i, raw := range req.Items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sub, derr := b.k.decode(raw)
		if derr != nil {
			b.itemError(i, 0, derr)
			continue
		}
		if err := p.applyItem(ctx, b, i, sub); err != nil {
			return nil, err
		}
	}

	for _, id := range lo.Uniq(req.DeletedIDs) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if id <= 0 {
			b.itemError(-1, id, validationf("deleted id %d is not a server id", id))
			continue
		}
		if err := p.applyDeletion(ctx, b, id); err != nil {
			return nil, err
		}
	}

	if err := p.pull(ctx, b); err != nil {
		return nil, err
	}

	b.res.Status = model.StatusCompleted
	if len(b.res.Errors) > 0 || len(b.res.Conflicts) > 0 {
		b.res.Status = model.StatusPartiallyCompleted
	}
	p.log.Debug("batch applied",
		zap.String("type", string(req.Type)),
		zap.String("device", req.DeviceID),
		zap.Int("created", b.res.Created),
		zap.Int("updated", b.res.Updated),
		zap.Int("deleted", b.res.Deleted),
		zap.Int("conflicts", len(b.res.Conflicts)),
		zap.Int("errors", len(b.res.Errors)),
	)
	return b.res, nil
}

// applyItem classifies and applies one submission. A lost compare-and-swap is
// retried once against a fresh read; a second loss is recorded as a conflict.
func (p *BatchProcessor) applyItem(ctx context.Context, b *batch, idx int, sub submission) error {
	for attempt := 0; ; attempt++ {
		cur, bound, err := p.lookup(ctx, b, sub)
		if err != nil {
			return err
		}
		if cur == nil && !bound.temporary() {
			b.itemError(idx, sub.entityID, fmt.Errorf("%w: %s[%d] is not a server id", errs.ErrNotFound, b.req.Type, sub.entityID))
			return nil
		}
		v := compare.Classify(cur, bound.item, b.req.LastSyncTime)
		err = p.applyVerdict(ctx, b, idx, bound, cur, v)
		if !errors.Is(err, errs.ErrVersionConflict) {
			return err
		}
		if attempt == 0 {
			p.log.Debug("compare-and-swap lost, retrying", zap.String("type", string(b.req.Type)), zap.Int64("id", bound.entityID))
			continue
		}
		if cur, bound, err = p.lookup(ctx, b, sub); err != nil {
			return err
		}
		if cur == nil {
			b.itemError(idx, sub.entityID, fmt.Errorf("%w: concurrent writer", errs.ErrValidation))
			return nil
		}
		return p.recordConflict(ctx, b, cur, bound, model.ConflictOther)
	}
}

// lookup finds the stored row a submission refers to. Temporary items are matched
// by the sending device's client reference (a retried batch) and then by natural key.
func (p *BatchProcessor) lookup(ctx context.Context, b *batch, sub submission) (*model.Record, submission, error) {
	userID, typ := b.req.UserID, b.req.Type
	if !sub.temporary() {
		cur, err := b.tx.Get(ctx, userID, typ, sub.entityID)
		return found(cur, err, sub)
	}
	cur, err := b.tx.GetByClientRef(ctx, userID, typ, b.req.DeviceID, sub.clientRef)
	if err == nil {
		return cur, sub.bind(cur.ID), nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, sub, persistence(err)
	}
	if sub.naturalKey == "" {
		return nil, sub, nil
	}
	cur, err = b.tx.GetByKey(ctx, userID, typ, sub.naturalKey)
	if err == nil {
		return cur, sub.bind(cur.ID), nil
	}
	return found(nil, err, sub)
}

func found(cur *model.Record, err error, sub submission) (*model.Record, submission, error) {
	switch {
	case err == nil:
		return cur, sub, nil
	case errors.Is(err, errs.ErrNotFound):
		return nil, sub, nil
	}
	return nil, sub, persistence(err)
}

func (p *BatchProcessor) applyVerdict(ctx context.Context, b *batch, idx int, sub submission, cur *model.Record, v compare.Verdict) error {
	switch v.Class {
	case compare.Unchanged:
		b.skipped[cur.ID] = true
		if sub.clientRef != "" {
			b.mapID(sub.clientRef, cur.ID)
		}
		return nil

	case compare.ServerAhead:
		b.pulled = append(b.pulled, *cur)
		return nil

	case compare.Conflict:
		return p.recordConflict(ctx, b, cur, sub, v.ConflictType)

	case compare.New:
		st, err := b.k.build(nil, sub, b.req.UserID)
		if err != nil {
			return b.buildError(idx, sub, err)
		}
		rec := &model.Record{
			UserID:     b.req.UserID,
			Type:       b.req.Type,
			NaturalKey: sub.naturalKey,
			Payload:    st.payload,
			Checksum:   st.checksum,
			UpdatedAt:  b.at,
			ClientRef:  sub.clientRef,
			DeviceID:   b.req.DeviceID,
		}
		if err := b.tx.Add(ctx, rec); err != nil {
			return storeErr(err)
		}
		b.res.Created++
		b.written(rec.ID, sub, st)
		if sub.clientRef != "" {
			b.mapID(sub.clientRef, rec.ID)
		}
		return nil

	case compare.ClientAhead:
		st, err := b.k.build(cur, sub, b.req.UserID)
		if err != nil {
			return b.buildError(idx, sub, err)
		}
		rec := *cur
		rec.Payload, rec.Checksum, rec.UpdatedAt = st.payload, st.checksum, b.at
		if err := b.tx.Update(ctx, &rec, cur.Version); err != nil {
			return storeErr(err)
		}
		b.res.Updated++
		b.written(rec.ID, sub, st)
		if sub.clientRef != "" {
			b.mapID(sub.clientRef, rec.ID)
		}
		return nil
	}
	return fmt.Errorf("unexpected verdict %v", v.Class)
}

func (p *BatchProcessor) applyDeletion(ctx context.Context, b *batch, id int64) error {
	del := submission{item: deletion{at: b.at}, entityID: id}
	for attempt := 0; ; attempt++ {
		got, gerr := b.tx.Get(ctx, b.req.UserID, b.req.Type, id)
		cur, _, err := found(got, gerr, del)
		if err != nil {
			return err
		}
		v := compare.ClassifyDeletion(cur, b.req.LastSyncTime)
		switch v.Class {
		case compare.Unchanged:
			if cur != nil {
				b.skipped[id] = true
			}
			return nil
		case compare.Conflict:
			return p.recordConflict(ctx, b, cur, del, v.ConflictType)
		}

		st, err := b.k.remove(cur, b.at)
		if err != nil {
			return persistence(err)
		}
		rec := *cur
		rec.UpdatedAt = b.at
		if st.tombstone {
			err = b.tx.SoftDelete(ctx, &rec, cur.Version)
		} else {
			rec.Payload, rec.Checksum = st.payload, st.checksum
			err = b.tx.Update(ctx, &rec, cur.Version)
		}
		if err == nil {
			b.res.Deleted++
			if st.tombstone {
				b.skipped[id] = true
			}
			return nil
		}
		if !errors.Is(err, errs.ErrVersionConflict) {
			return persistence(err)
		}
		if attempt > 0 {
			return p.recordConflict(ctx, b, cur, del, model.ConflictOther)
		}
	}
}

// recordConflict opens a conflict for the entity or refreshes the one already open.
func (p *BatchProcessor) recordConflict(ctx context.Context, b *batch, cur *model.Record, sub submission, ct model.ConflictType) error {
	c, err := b.tx.OpenConflict(ctx, b.req.UserID, b.req.Type, cur.ID)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c = &model.SyncConflict{
			UserID:     b.req.UserID,
			EntityType: b.req.Type,
			EntityID:   cur.ID,
			DetectedAt: b.at,
		}
	case err != nil:
		return persistence(err)
	}
	c.DeviceID = b.req.DeviceID
	c.ConflictType = ct
	c.ClientData = sub.payload
	c.ClientUpdateTime = sub.item.LastModified().UTC()
	c.ServerData = nil
	if !cur.Deleted {
		c.ServerData = cur.Payload
	}
	c.ServerUpdateTime = cur.UpdatedAt

	if err := b.tx.SaveConflict(ctx, c); err != nil {
		return persistence(err)
	}
	b.skipped[cur.ID] = true
	b.res.Conflicts = append(b.res.Conflicts, *c)
	p.log.Info("sync conflict",
		zap.String("type", string(b.req.Type)),
		zap.Int64("id", cur.ID),
		zap.String("conflictType", string(ct)),
		zap.String("device", b.req.DeviceID),
	)
	return nil
}

// pull collects what the client has to download. Rows the client sent verbatim are
// left out; rows the server recomputed are returned.
func (p *BatchProcessor) pull(ctx context.Context, b *batch) error {
	var (
		rows []model.Record
		err  error
	)
	if b.req.FullSync {
		rows, err = b.tx.AllLive(ctx, b.req.UserID, b.req.Type)
	} else {
		rows, err = b.tx.ChangesSince(ctx, b.req.UserID, b.req.Type, b.req.LastSyncTime)
	}
	if err != nil {
		return persistence(err)
	}

	seen := make(map[int64]bool, len(rows))
	emit := func(r model.Record) error {
		if seen[r.ID] || (!b.req.FullSync && b.skipped[r.ID]) {
			return nil
		}
		seen[r.ID] = true
		if r.Deleted {
			b.res.DeletedIDs = append(b.res.DeletedIDs, r.ID)
			return nil
		}
		ch, err := b.k.expose(r)
		if err != nil {
			return persistence(err)
		}
		b.res.ServerChanges = append(b.res.ServerChanges, ch)
		return nil
	}
	for _, r := range append(rows, b.pulled...) {
		if err := emit(r); err != nil {
			return err
		}
	}
	return nil
}

// stamp is the time a writing transaction records its rows at: the clock, moved
// past the newest stamp already committed for the user. Called under LockUser,
// it makes stamps follow commit order, so an anchor never passes an uncommitted row.
func stamp(now, last time.Time) time.Time {
	at := now.UTC().Truncate(time.Microsecond)
	if !at.After(last) {
		at = last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return at
}

func (b *batch) written(id int64, sub submission, st rowState) {
	if bytes.Equal(st.payload, sub.payload) {
		b.skipped[id] = true
	}
}

func (b *batch) mapID(ref string, id int64) {
	b.res.IDMappings = append(b.res.IDMappings, model.IDMapping{ClientReferenceID: ref, EntityID: id})
}

func (b *batch) itemError(idx int, id int64, err error) {
	k, _ := itemErrorKind(err)
	if k == "" {
		k = "ValidationError"
	}
	b.res.Errors = append(b.res.Errors, model.ItemError{Index: idx, EntityID: id, Kind: k, Message: err.Error()})
}

func (b *batch) buildError(idx int, sub submission, err error) error {
	if _, ok := itemErrorKind(err); !ok {
		return persistence(err)
	}
	b.itemError(idx, sub.entityID, err)
	return nil
}

func persistence(err error) error {
	if errors.Is(err, errs.ErrPersistence) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", errs.ErrPersistence, err)
}

// storeErr keeps version conflicts visible to the retry loop.
func storeErr(err error) error {
	if errors.Is(err, errs.ErrVersionConflict) {
		return err
	}
	return persistence(err)
}
