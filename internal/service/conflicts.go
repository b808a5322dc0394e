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
	"github.com/and161185/lexisync/internal/resolve"
)

// Resolution is one operator decision.
type Resolution struct {
	EntityType model.EntityType
	EntityID   int64
	Strategy   model.Strategy
	CustomData json.RawMessage
	Notes      string
}

// ResolutionResult reports how one decision went.
type ResolutionResult struct {
	EntityType model.EntityType
	EntityID   int64
	Success    bool
	Error      string
	MergedData json.RawMessage // nil for a tombstone
	Conflict   *model.SyncConflict
}

// ConflictService settles recorded conflicts.
type ConflictService struct {
	store repository.Store
	log   *zap.Logger
	kinds map[model.EntityType]kind
	now   func() time.Time
}

func NewConflictService(store repository.Store, log *zap.Logger, now func() time.Time) *ConflictService {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConflictService{store: store, log: log, kinds: newKinds(), now: now}
}

// List returns a user's conflicts, open ones first.
func (s *ConflictService) List(ctx context.Context, userID uuid.UUID, openOnly bool) ([]model.SyncConflict, error) {
	if userID == uuid.Nil {
		return nil, validationf("empty userID")
	}
	list, err := s.store.ListConflicts(ctx, userID, openOnly)
	if err != nil {
		return nil, persistence(err)
	}
	return list, nil
}

// Resolve applies each decision in its own transaction; a failure is reported in
// its result and does not stop the others. Storage failures abort the call.
func (s *ConflictService) Resolve(ctx context.Context, userID uuid.UUID, deviceID string, rs []Resolution) ([]ResolutionResult, error) {
	if userID == uuid.Nil {
		return nil, validationf("empty userID")
	}
	out := make([]ResolutionResult, 0, len(rs))
	for _, r := range rs {
		res, err := s.resolveOne(ctx, userID, deviceID, r)
		if err != nil {
			if !isDecisionError(err) {
				return nil, err
			}
			res = ResolutionResult{EntityType: r.EntityType, EntityID: r.EntityID, Error: err.Error()}
			s.log.Info("conflict not resolved",
				zap.String("type", string(r.EntityType)), zap.Int64("id", r.EntityID), zap.Error(err))
		}
		out = append(out, res)
	}
	return out, nil
}

func isDecisionError(err error) bool {
	return errors.Is(err, errs.ErrValidation) || errors.Is(err, errs.ErrPolicy) ||
		errors.Is(err, errs.ErrNotFound) || errors.Is(err, errs.ErrVersionConflict) ||
		errors.Is(err, errs.ErrScheduling)
}

func (s *ConflictService) resolveOne(ctx context.Context, userID uuid.UUID, deviceID string, r Resolution) (res ResolutionResult, err error) {
	k, ok := s.kinds[r.EntityType]
	if !ok {
		return res, fmt.Errorf("%w: %w %q", errs.ErrValidation, errs.ErrUnknownEntity, r.EntityType)
	}
	if _, ok := model.ParseStrategy(string(r.Strategy)); !ok {
		return res, fmt.Errorf("strategy %q: %w", r.Strategy, errs.ErrPolicy)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return res, persistence(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return
		}
		if e := tx.Commit(ctx); e != nil {
			res, err = ResolutionResult{}, persistence(e)
		}
	}()

	last, err := tx.LockUser(ctx, userID)
	if err != nil {
		return res, persistence(err)
	}

	c, err := tx.LatestConflict(ctx, userID, r.EntityType, r.EntityID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return res, fmt.Errorf("conflict %s[%d]: %w", r.EntityType, r.EntityID, errs.ErrNotFound)
		}
		return res, persistence(err)
	}
	if c.IsResolved {
		// a retried request gets the stored result back
		return done(*c), nil
	}

	now := stamp(s.now(), last)
	resolved, outcome, err := resolve.Resolve(*c, r.Strategy, r.CustomData, now)
	if err != nil {
		return res, err
	}

	cur, err := tx.Get(ctx, userID, r.EntityType, r.EntityID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return res, fmt.Errorf("%s[%d]: %w", r.EntityType, r.EntityID, errs.ErrNotFound)
		}
		return res, persistence(err)
	}
	st, err := k.settle(cur, *c, r.Strategy, outcome, now)
	if err != nil {
		if _, ok := itemErrorKind(err); ok {
			return res, err
		}
		return res, persistence(err)
	}

	rec := *cur
	rec.UpdatedAt = now
	if st.tombstone {
		err = tx.SoftDelete(ctx, &rec, cur.Version)
		resolved.ResolutionData = nil
	} else {
		rec.Payload, rec.Checksum = st.payload, st.checksum
		err = tx.Update(ctx, &rec, cur.Version)
		resolved.ResolutionData = st.payload
	}
	if err != nil {
		return res, storeErr(err)
	}

	resolved.ResolutionNotes = r.Notes
	if err := tx.SaveConflict(ctx, &resolved); err != nil {
		return res, storeErr(err)
	}
	s.log.Info("conflict resolved",
		zap.String("type", string(r.EntityType)),
		zap.Int64("id", r.EntityID),
		zap.String("strategy", string(r.Strategy)),
		zap.String("device", deviceID),
		zap.Bool("tombstone", st.tombstone),
	)
	return done(resolved), nil
}

func done(c model.SyncConflict) ResolutionResult {
	return ResolutionResult{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Success:    true,
		MergedData: resolve.Stored(c).Merged,
		Conflict:   &c,
	}
}
