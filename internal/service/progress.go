package service

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexisync/internal/compare"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/resolve"
	"github.com/and161185/lexisync/internal/srs"
)

// progressKind syncs learning progress. Clients submit the answers they recorded;
// the server owns the schedule and replays answers through the SRS scheduler.
// The stored checksum is the one of the last accepted submission, so a resubmit
// classifies as Unchanged.
type progressKind struct{}

func (progressKind) decode(raw json.RawMessage) (submission, error) {
	var it model.SyncableItem[model.ProgressSubmission]
	if err := json.Unmarshal(raw, &it); err != nil {
		return submission{}, validationf("malformed item: %v", err)
	}
	if err := checkEnvelope(it); err != nil {
		return submission{}, err
	}
	ps := it.Data
	if ps.VocabularyID <= 0 {
		return submission{}, validationf("vocabularyId must be positive")
	}
	if ps.Priority < 0 || ps.Priority > 5 {
		return submission{}, validationf("priority %d outside [1,5]", ps.Priority)
	}
	for i, r := range ps.Reviews {
		if r.StudiedAt.IsZero() {
			return submission{}, validationf("reviews[%d]: missing studiedAt", i)
		}
	}
	payload, sum, err := canonical(ps)
	if err != nil {
		return submission{}, err
	}
	if it.SyncChecksum != sum {
		return submission{}, validationf("checksum mismatch")
	}
	return submission{
		item:       it,
		entityID:   it.EntityID,
		clientRef:  it.ClientReferenceID,
		naturalKey: strconv.FormatInt(ps.VocabularyID, 10),
		payload:    payload,
		checksum:   sum,
		data:       ps,
	}, nil
}

func (k progressKind) build(cur *model.Record, sub submission, userID uuid.UUID) (rowState, error) {
	ps := sub.data.(model.ProgressSubmission)
	state, err := k.current(cur, userID, ps.VocabularyID)
	if err != nil {
		return rowState{}, err
	}
	if cur != nil && state.VocabularyID != ps.VocabularyID {
		return rowState{}, validationf("vocabularyId %d does not match stored %d", ps.VocabularyID, state.VocabularyID)
	}
	state, err = record(state, ps)
	if err != nil {
		return rowState{}, err
	}
	b, err := json.Marshal(state)
	if err != nil {
		return rowState{}, err
	}
	return rowState{payload: b, checksum: sub.checksum}, nil
}

// remove never deletes progress; it soft-resets the schedule.
func (k progressKind) remove(cur *model.Record, now time.Time) (rowState, error) {
	state, err := k.current(cur, uuid.Nil, 0)
	if err != nil {
		return rowState{}, err
	}
	return marshalState(srs.Reset(state, now))
}

func (k progressKind) settle(cur *model.Record, c model.SyncConflict, strategy model.Strategy, out resolve.Outcome, now time.Time) (rowState, error) {
	if cur == nil {
		return rowState{}, fmt.Errorf("progress %d: no stored row", c.EntityID)
	}
	state, err := k.current(cur, uuid.Nil, 0)
	if err != nil {
		return rowState{}, err
	}

	switch strategy {
	case model.UseServerVersion:
		return rowState{payload: cur.Payload, checksum: cur.Checksum}, nil
	case model.DeleteItem:
		return marshalState(srs.Reset(state, now))
	case model.UseCustomVersion:
		var custom model.LearningProgress
		if err := json.Unmarshal(out.Merged, &custom); err != nil {
			return rowState{}, validationf("custom progress: %v", err)
		}
		if err := srs.Validate(custom); err != nil {
			return rowState{}, err
		}
		custom.UserID, custom.VocabularyID = state.UserID, state.VocabularyID
		custom.MasteryLevel = srs.Mastery(custom)
		custom.IsMastered = custom.MasteryLevel >= srs.MasteryThreshold
		if !custom.IsMastered {
			custom.MasteredAt = nil
		}
		return marshalState(custom)
	}

	// UseClientVersion and MergeVersions replay the client's answers on top of the
	// current state; answers the server already saw are skipped.
	if len(c.ClientData) == 0 || string(c.ClientData) == "null" {
		return marshalState(srs.Reset(state, now))
	}
	var ps model.ProgressSubmission
	if err := json.Unmarshal(c.ClientData, &ps); err != nil {
		return rowState{}, validationf("client snapshot: %v", err)
	}
	next, err := record(state, ps)
	if err != nil {
		return rowState{}, err
	}
	b, err := json.Marshal(next)
	if err != nil {
		return rowState{}, err
	}
	sum, err := compare.Checksum(ps)
	if err != nil {
		return rowState{}, err
	}
	return rowState{payload: b, checksum: sum}, nil
}

// expose fingerprints the stored schedule; the submission checksum travels beside it
// so the client can tell whether its last answers were taken.
func (k progressKind) expose(r model.Record) (model.Change, error) {
	ch := model.ChangeFromRecord(r)
	state, err := k.current(&r, uuid.Nil, 0)
	if err != nil {
		return ch, err
	}
	sum, err := compare.Checksum(state)
	if err != nil {
		return ch, err
	}
	ch.SyncChecksum, ch.SubmissionChecksum = sum, r.Checksum
	return ch, nil
}

func (progressKind) current(cur *model.Record, userID uuid.UUID, vocabularyID int64) (model.LearningProgress, error) {
	if cur == nil {
		return srs.New(userID, vocabularyID), nil
	}
	var state model.LearningProgress
	if err := json.Unmarshal(cur.Payload, &state); err != nil {
		return state, fmt.Errorf("stored progress %d: %w", cur.ID, err)
	}
	return state, nil
}

// record is RecordStudySession: answers are applied in time order and anything at
// or before LastStudied is a replay and skipped.
func record(state model.LearningProgress, ps model.ProgressSubmission) (model.LearningProgress, error) {
	reviews := slices.Clone(ps.Reviews)
	slices.SortStableFunc(reviews, func(a, b model.Review) int { return a.StudiedAt.Compare(b.StudiedAt) })

	next := state
	for i, r := range reviews {
		if !r.StudiedAt.After(next.LastStudied) {
			continue
		}
		var err error
		if next, err = srs.Apply(next, r); err != nil {
			return state, fmt.Errorf("reviews[%d]: %w", i, err)
		}
	}
	next.Notes = ps.Notes
	next.IsBookmarked = ps.IsBookmarked
	if ps.Priority > 0 {
		next.Priority = ps.Priority
	}
	return next, nil
}

func marshalState(p model.LearningProgress) (rowState, error) {
	b, sum, err := canonical(p)
	if err != nil {
		return rowState{}, err
	}
	return rowState{payload: b, checksum: sum}, nil
}
