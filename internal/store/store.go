package store

import (
	"context"
	"errors"
	"time"

	"vaultline/internal/domain"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound is returned by Move and Read when the record is absent
	// from the source collection. On a contended Move this is the expected
	// loser outcome, not a fault.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by CreateExclusive when the id is
	// already present. Retrying producers must treat it as idempotent
	// success.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrMalformed marks a record that failed schema validation on read.
	// Callers quarantine such records instead of propagating them.
	ErrMalformed = errors.New("malformed record")
)

// Store is the shared durable substrate every worker mutates through.
// Correctness of the whole system rests on two properties:
//
//   - CreateExclusive is atomic: concurrent creators of the same id see
//     exactly one success.
//   - Move is indivisible: a record is observable in the source or the
//     destination, never both, never neither, and concurrent movers of the
//     same record see exactly one success.
//
// Any backend with an atomic "move if present" or conditional put can
// implement it; the rest of the system never bypasses these primitives to
// mutate a contended record in place.
type Store interface {
	// CreateExclusive writes a new record into collection, failing with
	// ErrAlreadyExists if the id is taken.
	CreateExclusive(ctx context.Context, collection string, rec domain.Record) error

	// Read returns the record, or ErrNotFound / ErrMalformed.
	Read(ctx context.Context, collection, id string) (domain.Record, error)

	// Update applies mutate to the record and writes it back,
	// last-writer-wins. Contended items must be claimed via Move first;
	// Update is not a locking primitive.
	Update(ctx context.Context, collection, id string, mutate func(*domain.Record) error) (domain.Record, error)

	// Move atomically relocates a record between collections.
	Move(ctx context.Context, from, to, id string) error

	// List returns a snapshot of the well-formed records in a collection,
	// which may be stale the moment it returns. Malformed records are
	// reported by id so callers can quarantine them.
	List(ctx context.Context, collection string) ([]domain.Record, []string, error)

	// ListIDs returns the ids present in a collection.
	ListIDs(ctx context.Context, collection string) ([]string, error)

	// Subcollections enumerates the children of a namespace, e.g. the
	// owner-scoped collections under Claims.
	Subcollections(ctx context.Context, parent string) ([]string, error)

	// Now is the store's authoritative clock. Expiry decisions use it, not
	// each worker's local clock, so skew cannot grant extra execution time.
	Now() time.Time

	Close() error
}
