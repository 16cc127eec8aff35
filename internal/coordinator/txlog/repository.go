package txlog

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Latest when a key has no live record.
var ErrNotFound = errors.New("txlog: record not found")

// Repository is the port for persisting recovery records.
// The journal depends on this abstraction, not on a concrete store, so the
// implementation can be SQLite, Redis, or in-memory (tests).
type Repository interface {
	// Save appends a record. The log is append-only, not an upsert.
	Save(ctx context.Context, rec *Record) error

	// Latest returns the newest record for key, or ErrNotFound.
	Latest(ctx context.Context, key string) (*Record, error)

	// Pending returns the newest record of every key that has not been
	// forgotten, ordered by key. A key whose stored metadata cannot be read
	// is returned with ReadErr set instead of failing the listing.
	Pending(ctx context.Context) ([]*Record, error)

	// Forget drops every record of key once its transaction is finished.
	Forget(ctx context.Context, key string) error
}
