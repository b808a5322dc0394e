// Package compare classifies a client submission against the stored server row.
package compare

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/and161185/lexisync/internal/model"
)

// Class is the comparator verdict.
type Class int

const (
	New Class = iota
	Unchanged
	ClientAhead
	ServerAhead
	Conflict
)

func (c Class) String() string {
	switch c {
	case New:
		return "New"
	case Unchanged:
		return "Unchanged"
	case ClientAhead:
		return "ClientAhead"
	case ServerAhead:
		return "ServerAhead"
	case Conflict:
		return "Conflict"
	}
	return "Unknown"
}

// Verdict carries the class and, for Conflict, how the sides diverged.
type Verdict struct {
	Class        Class
	ConflictType model.ConflictType
}

// Checksum returns the hex BLAKE2b-256 of the JSON encoding of v.
// Struct fields encode in declaration order and map keys sorted, so the value is stable.
func Checksum(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Classify compares a client submission with the stored row. server is nil when the
// row does not exist. Ambiguous evidence is always a conflict.
func Classify(server *model.Record, client model.Versioned, lastSync time.Time) Verdict {
	if server == nil {
		return Verdict{Class: New}
	}
	if ref, ok := client.(model.HasClientReference); ok && ref.IsTemporary() {
		return Verdict{Class: New}
	}
	if client.Checksum() == server.Checksum && !server.Deleted {
		return Verdict{Class: Unchanged}
	}

	clientChanged := client.LastModified().After(lastSync)
	serverChanged := server.UpdatedAt.After(lastSync)

	if server.Deleted {
		if clientChanged {
			return Verdict{Class: Conflict, ConflictType: model.ConflictClientModifiedServerDeleted}
		}
		return Verdict{Class: ServerAhead}
	}

	switch {
	case clientChanged && !serverChanged:
		return Verdict{Class: ClientAhead}
	case serverChanged && !clientChanged:
		return Verdict{Class: ServerAhead}
	}
	return Verdict{Class: Conflict, ConflictType: model.ConflictBothModified}
}

// ClassifyDeletion handles an id the client reports as deleted.
// ClientAhead means the tombstone should be applied.
func ClassifyDeletion(server *model.Record, lastSync time.Time) Verdict {
	if server == nil || server.Deleted {
		return Verdict{Class: Unchanged}
	}
	if server.UpdatedAt.After(lastSync) {
		return Verdict{Class: Conflict, ConflictType: model.ConflictServerModifiedClientDeleted}
	}
	return Verdict{Class: ClientAhead}
}
