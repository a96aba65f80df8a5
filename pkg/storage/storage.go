// Package storage expresses the core's one required shared-mutable-resource
// dependency as small capability sets, per spec.md §9's "polymorphism over
// capability sets" note, rather than one large abstract repository
// interface. Every mutating entry point in the core depends only on the
// capability it actually needs.
package storage

import "context"

// Record is one row returned from an index query: the record's primary key
// plus its opaque canonical-JSON payload.
type Record struct {
	PK      string
	Payload []byte
}

// ErrVersionConflict is returned by VersionedUpdate when the caller's
// expected version no longer matches the stored version — a lost-update
// race the caller must retry, never silently overwrite.
var ErrVersionConflict = &conflictError{"storage: version conflict"}

type conflictError struct{ msg string }

func (e *conflictError) Error() string { return e.msg }

// ConditionalPutter writes a record only if its primary key does not already
// exist. This is the core idempotency primitive: "the first writer wins,
// subsequent writers observe already-exists and return the same id."
// indexed carries the secondary-index attribute values to persist alongside
// the payload (e.g. {"service": "checkout", "rule_id": "lambda-error-rate"}).
type ConditionalPutter interface {
	ConditionalPut(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (isNew bool, err error)
}

// Getter fetches a record by primary key.
type Getter interface {
	Get(ctx context.Context, namespace, pk string) (payload []byte, found bool, err error)
}

// Upserter unconditionally writes a record, creating it if absent and
// overwriting it otherwise. Used by the idempotency ledger's completion
// step, where the caller already holds exclusive logical ownership of the
// key via a prior successful claim — no version check is needed — and by
// pkg/evidence for its detection-to-graph membership rows.
type Upserter interface {
	Put(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) error
}

// IndexQuerier queries by a single secondary-index attribute, per spec.md §6
// ("query by secondary index on a single attribute"). from/to apply to a
// numeric-as-string range on the same attribute (used for time-range window
// queries); pass "" for both to mean no range restriction.
type IndexQuerier interface {
	QueryByIndex(ctx context.Context, namespace, attribute, value string, limit int) ([]Record, error)
	QueryByIndexRange(ctx context.Context, namespace, attribute, from, to string, limit int) ([]Record, error)
}

// VersionedUpdater performs an optimistic-concurrency update: it succeeds
// only if the stored version still equals expectedVersion, and returns
// ErrVersionConflict otherwise. Used exclusively by the incident manager's
// event-sourced state machine.
type VersionedUpdater interface {
	VersionedUpdate(ctx context.Context, namespace, pk string, expectedVersion int, payload []byte, indexed map[string]string) (newVersion int, err error)
	// GetVersioned returns the current payload and version, or found=false.
	GetVersioned(ctx context.Context, namespace, pk string) (payload []byte, version int, found bool, err error)
	// CreateVersioned creates the initial version (1) of a versioned record,
	// conditional on pk not already existing.
	CreateVersioned(ctx context.Context, namespace, pk string, payload []byte, indexed map[string]string) (created bool, err error)
}

// Store is the union capability set a fully-featured backing store
// implements; individual packages should depend on the narrowest interface
// above that they actually use, not on Store.
type Store interface {
	ConditionalPutter
	Getter
	Upserter
	IndexQuerier
	VersionedUpdater
}
