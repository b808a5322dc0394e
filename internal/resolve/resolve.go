// Package resolve settles a recorded conflict into an authoritative snapshot.
package resolve

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/and161185/lexisync/internal/errs"
	"github.com/and161185/lexisync/internal/model"
)

// Outcome is the authoritative result of a resolution.
type Outcome struct {
	Merged    json.RawMessage // nil when Tombstone
	Tombstone bool
}

// Resolve applies strategy to c and returns the conflict with its audit fields filled.
// A conflict that is already resolved is returned as is with its stored result.
func Resolve(c model.SyncConflict, strategy model.Strategy, custom json.RawMessage, now time.Time) (model.SyncConflict, Outcome, error) {
	if c.IsResolved {
		return c, Stored(c), nil
	}

	var (
		out Outcome
		err error
	)
	switch strategy {
	case model.UseClientVersion:
		out = snapshot(c.ClientData)
	case model.UseServerVersion:
		out = snapshot(c.ServerData)
	case model.UseCustomVersion:
		if !isObject(custom) {
			return c, Outcome{}, fmt.Errorf("custom data must be a JSON object: %w: %w", errs.ErrPolicy, errs.ErrValidation)
		}
		out = Outcome{Merged: compact(custom)}
	case model.DeleteItem:
		out = Outcome{Tombstone: true}
	case model.MergeVersions:
		out, err = merge(c.ClientData, c.ServerData)
		if err != nil {
			return c, Outcome{}, err
		}
	default:
		return c, Outcome{}, fmt.Errorf("strategy %q: %w", strategy, errs.ErrPolicy)
	}

	at := now
	c.IsResolved = true
	c.ResolvedAt = &at
	c.ResolutionMethod = strategy
	c.ResolutionData = out.Merged
	return c, out, nil
}

// Stored rebuilds the outcome recorded on a resolved conflict.
func Stored(c model.SyncConflict) Outcome {
	return snapshot(c.ResolutionData)
}

func snapshot(data json.RawMessage) Outcome {
	if isNull(data) {
		return Outcome{Tombstone: true}
	}
	return Outcome{Merged: compact(data)}
}

func merge(client, server json.RawMessage) (Outcome, error) {
	switch {
	case isNull(client) && isNull(server):
		return Outcome{Tombstone: true}, nil
	case isNull(client):
		return snapshot(server), nil
	case isNull(server):
		return snapshot(client), nil
	}
	cm, err := decodeObject(client)
	if err != nil {
		return Outcome{}, fmt.Errorf("client snapshot: %w", err)
	}
	sm, err := decodeObject(server)
	if err != nil {
		return Outcome{}, fmt.Errorf("server snapshot: %w", err)
	}
	merged, err := json.Marshal(MergeObjects(cm, sm))
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Merged: merged}, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrValidation, err)
	}
	return m, nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	if len(t) == 0 || t[0] != '{' {
		return false
	}
	return json.Valid(t)
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
