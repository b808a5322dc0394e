// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// EntityType names a synchronized collection.
type EntityType string

const (
	EntityCategory   EntityType = "category"
	EntityVocabulary EntityType = "vocabulary"
	EntityKanji      EntityType = "kanji"
	EntityGrammar    EntityType = "grammar"
	EntityWordList   EntityType = "personal_word_list"
	EntityProgress   EntityType = "learning_progress"
)

// SyncOrder is the order a session walks entity types in. Progress references
// vocabulary ids, so it goes last; categories are referenced by everything.
var SyncOrder = []EntityType{
	EntityCategory,
	EntityVocabulary,
	EntityKanji,
	EntityGrammar,
	EntityWordList,
	EntityProgress,
}

// ParseEntityType validates a wire value.
func ParseEntityType(s string) (EntityType, bool) {
	for _, t := range SyncOrder {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// HasChecksum is implemented by anything carrying a content fingerprint.
type HasChecksum interface {
	Checksum() string
}

// HasClientReference is implemented by client submissions that may not have a server id yet.
type HasClientReference interface {
	ClientRef() string
	IsTemporary() bool
}

// Versioned is the minimum the comparator needs from a client submission.
type Versioned interface {
	HasChecksum
	LastModified() time.Time
}

// SyncableItem is the generic sync envelope around an entity payload.
type SyncableItem[T any] struct {
	EntityID          int64     `json:"entityId"`
	ClientReferenceID string    `json:"clientReferenceId,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
	SyncChecksum      string    `json:"syncChecksum"`
	Data              T         `json:"data"`
}

func (it SyncableItem[T]) Checksum() string        { return it.SyncChecksum }
func (it SyncableItem[T]) LastModified() time.Time { return it.UpdatedAt }
func (it SyncableItem[T]) ClientRef() string       { return it.ClientReferenceID }

// IsTemporary reports whether the item was created offline and has no server id.
func (it SyncableItem[T]) IsTemporary() bool { return it.EntityID <= 0 }

// Record is a persisted row of any synchronized entity type.
type Record struct {
	ID         int64
	UserID     uuid.UUID
	Type       EntityType
	NaturalKey string          // unique per (user, type) when set
	Payload    json.RawMessage // typed payload, serialized at the storage boundary
	Checksum   string
	Version    int64 // row-version token for compare-and-swap
	Deleted    bool  // tombstone flag
	UpdatedAt  time.Time
	ClientRef  string // temporary id the row was created under, scoped to DeviceID
	DeviceID   string // device that created the row
}

// Change is what a client pulls: a server-side row as a sync envelope.
// SyncChecksum always fingerprints Data. SubmissionChecksum is set for entity types
// whose stored state is derived from what the client submitted (learning progress):
// it is the checksum a client resubmitting its last accepted submission would send.
type Change struct {
	SyncableItem[json.RawMessage]
	SubmissionChecksum string `json:"submissionChecksum,omitempty"`
}

// ChangeFromRecord exposes a record to clients.
func ChangeFromRecord(r Record) Change {
	return Change{SyncableItem: SyncableItem[json.RawMessage]{
		EntityID:     r.ID,
		UpdatedAt:    r.UpdatedAt,
		SyncChecksum: r.Checksum,
		Data:         r.Payload,
	}}
}
