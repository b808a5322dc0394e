// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service/transport layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict indicates optimistic concurrency failure (row version moved underneath us).
	ErrVersionConflict = errors.New("version conflict")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrValidation marks malformed input: bad ids, checksum mismatch, oversized batch.
	ErrValidation = errors.New("validation")

	// ErrScheduling indicates an invalid argument to the SRS scheduler.
	ErrScheduling = errors.New("invalid scheduling argument")

	// ErrPolicy indicates a resolution request that the strategy does not allow.
	ErrPolicy = errors.New("resolution policy")

	// ErrPersistence wraps storage failures that abort a batch.
	ErrPersistence = errors.New("persistence")

	// ErrUnknownEntity indicates an entity type the server does not sync.
	ErrUnknownEntity = errors.New("unknown entity type")
)
