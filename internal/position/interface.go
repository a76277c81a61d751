package position

import (
	"context"
	"time"

	"github.com/kitchen/beaver/internal/domain"
)

// Entry maps a stable file identity to the last confirmed-delivered offset.
// Offset is only advanced after the transport acknowledged everything up to
// it, so a restart can never skip undelivered data.
type Entry struct {
	Identity  domain.FileIdentity `json:"-"`
	Path      string              `json:"path"`
	Offset    int64               `json:"offset"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Store persists delivery positions. The delivery coordinator is the only
// writer; the watcher reads entries once at startup to resume tailing.
type Store interface {
	// Get retrieves the entry for an identity. The boolean is false when
	// no entry exists yet.
	Get(ctx context.Context, identity domain.FileIdentity) (Entry, bool, error)

	// Commit durably persists all entries in one transaction. On return
	// the offsets are guaranteed to survive a crash.
	Commit(ctx context.Context, entries []Entry) error

	// Delete removes the entry for an identity.
	Delete(ctx context.Context, identity domain.FileIdentity) error

	// List returns all stored entries.
	List(ctx context.Context) ([]Entry, error)

	// PruneOlderThan removes entries not updated since cutoff and returns
	// how many were removed. Entries for which keep returns true survive
	// regardless of age; a nil keep prunes on age alone. Commits only
	// refresh UpdatedAt on delivery, so the predicate is what protects
	// files that are still watched but quiet.
	PruneOlderThan(ctx context.Context, cutoff time.Time, keep func(Entry) bool) (int, error)

	// Close closes the store.
	Close() error
}
