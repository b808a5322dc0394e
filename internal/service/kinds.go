package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/lexisync/internal/compare"
	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
	"github.com/and161185/lexisync/internal/resolve"
)

// submission is a decoded, validated client item.
type submission struct {
	item       model.Versioned
	entityID   int64
	clientRef  string
	naturalKey string
	payload    json.RawMessage // canonical encoding of the client data
	checksum   string
	data       any
}

func (s submission) temporary() bool { return s.entityID <= 0 }

// bind points a temporary submission at the row it was already stored as.
func (s submission) bind(id int64) submission {
	s.entityID = id
	s.item = boundItem{s.item}
	return s
}

// boundItem hides HasClientReference so the comparator stops treating it as new.
type boundItem struct{ model.Versioned }

// deletion is the submission used when a client removed an entity.
type deletion struct{ at time.Time }

func (d deletion) Checksum() string        { return "" }
func (d deletion) LastModified() time.Time { return d.at }

// rowState is what a kind wants persisted.
type rowState struct {
	payload   json.RawMessage
	checksum  string
	tombstone bool
}

// kind adapts one entity type to the batch processor and conflict service.
type kind interface {
	decode(raw json.RawMessage) (submission, error)
	// build returns the row for an accepted submission; cur is nil for new rows.
	build(cur *model.Record, sub submission, userID uuid.UUID) (rowState, error)
	// remove settles a client deletion of cur.
	remove(cur *model.Record, now time.Time) (rowState, error)
	// settle turns a conflict resolution into a row.
	settle(cur *model.Record, c model.SyncConflict, strategy model.Strategy, out resolve.Outcome, now time.Time) (rowState, error)
	// expose renders a stored row for a pulling client.
	expose(r model.Record) (model.Change, error)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrValidation, fmt.Sprintf(format, args...))
}

// content is the kind of every plain catalog entity.
type content[T any] struct {
	validate func(T) error
}

func (k content[T]) decode(raw json.RawMessage) (submission, error) {
	var it model.SyncableItem[T]
	if err := json.Unmarshal(raw, &it); err != nil {
		return submission{}, validationf("malformed item: %v", err)
	}
	if err := checkEnvelope(it); err != nil {
		return submission{}, err
	}
	if k.validate != nil {
		if err := k.validate(it.Data); err != nil {
			return submission{}, err
		}
	}
	payload, sum, err := canonical(it.Data)
	if err != nil {
		return submission{}, err
	}
	if it.SyncChecksum != sum {
		return submission{}, validationf("checksum mismatch")
	}
	return submission{
		item:      it,
		entityID:  it.EntityID,
		clientRef: it.ClientReferenceID,
		payload:   payload,
		checksum:  sum,
		data:      it.Data,
	}, nil
}

func (k content[T]) build(_ *model.Record, sub submission, _ uuid.UUID) (rowState, error) {
	return rowState{payload: sub.payload, checksum: sub.checksum}, nil
}

func (k content[T]) remove(*model.Record, time.Time) (rowState, error) {
	return rowState{tombstone: true}, nil
}

func (k content[T]) settle(_ *model.Record, _ model.SyncConflict, _ model.Strategy, out resolve.Outcome, _ time.Time) (rowState, error) {
	if out.Tombstone {
		return rowState{tombstone: true}, nil
	}
	var v T
	if err := json.Unmarshal(out.Merged, &v); err != nil {
		return rowState{}, validationf("resolved data: %v", err)
	}
	if k.validate != nil {
		if err := k.validate(v); err != nil {
			return rowState{}, err
		}
	}
	payload, sum, err := canonical(v)
	if err != nil {
		return rowState{}, err
	}
	return rowState{payload: payload, checksum: sum}, nil
}

func (k content[T]) expose(r model.Record) (model.Change, error) {
	return model.ChangeFromRecord(r), nil
}

func checkEnvelope[T any](it model.SyncableItem[T]) error {
	if it.IsTemporary() != (it.ClientReferenceID != "") {
		return validationf("clientReferenceId must be set exactly when entityId is temporary")
	}
	if it.UpdatedAt.IsZero() {
		return validationf("missing updatedAt")
	}
	return nil
}

func canonical(v any) (json.RawMessage, string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, "", err
	}
	sum, err := compare.Checksum(v)
	if err != nil {
		return nil, "", err
	}
	return b, sum, nil
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return validationf("%s is required", field)
	}
	return nil
}

func newKinds() map[model.EntityType]kind {
	return map[model.EntityType]kind{
		model.EntityCategory: content[model.Category]{validate: func(c model.Category) error {
			return required("name", c.Name)
		}},
		model.EntityVocabulary: content[model.Vocabulary]{validate: func(v model.Vocabulary) error {
			return required("term", v.Term)
		}},
		model.EntityKanji: content[model.Kanji]{validate: func(k model.Kanji) error {
			if err := required("character", k.Character); err != nil {
				return err
			}
			if k.StrokeCount < 0 {
				return validationf("negative strokeCount")
			}
			return nil
		}},
		model.EntityGrammar: content[model.Grammar]{validate: func(g model.Grammar) error {
			return required("pattern", g.Pattern)
		}},
		model.EntityWordList: content[model.PersonalWordList]{validate: func(l model.PersonalWordList) error {
			if err := required("name", l.Name); err != nil {
				return err
			}
			for i, e := range l.Entries {
				if e.VocabularyID <= 0 {
					return validationf("entries[%d]: vocabularyId must be positive", i)
				}
			}
			return nil
		}},
		model.EntityProgress: progressKind{},
	}
}

// itemErrorKind maps a per-item failure to the reported kind; ok is false for
// errors that must abort the batch.
func itemErrorKind(err error) (string, bool) {
	switch {
	case errors.Is(err, errs.ErrScheduling):
		return "SchedulingError", true
	case errors.Is(err, errs.ErrValidation):
		return "ValidationError", true
	case errors.Is(err, errs.ErrNotFound):
		return "NotFound", true
	}
	return "", false
}
