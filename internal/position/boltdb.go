package position

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/kitchen/beaver/internal/domain"
)

const bucketName = "positions"

// BoltStore implements Store using BoltDB. Every Commit runs in a single
// write transaction, which bbolt fsyncs before returning: a crash mid-commit
// leaves the previous offsets intact, never a partially advanced state.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (or creates) the position database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open position db (file may be locked by another process): %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	log.Info().
		Str("db_path", dbPath).
		Msg("Position store initialized")

	return &BoltStore{db: db}, nil
}

// Get retrieves the entry for an identity.
func (s *BoltStore) Get(ctx context.Context, identity domain.FileIdentity) (Entry, bool, error) {
	var entry Entry
	found := false

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		val := b.Get([]byte(identity))
		if val == nil {
			return nil
		}

		if err := json.Unmarshal(val, &entry); err != nil {
			return fmt.Errorf("invalid entry for %s: %w", identity, err)
		}
		entry.Identity = identity
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("failed to get position: %w", err)
	}

	return entry, found, nil
}

// Commit persists all entries atomically.
func (s *BoltStore) Commit(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		for _, entry := range entries {
			val, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to encode entry: %w", err)
			}
			if err := b.Put([]byte(entry.Identity), val); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to commit positions: %w", err)
	}

	for _, entry := range entries {
		log.Debug().
			Str("identity", string(entry.Identity)).
			Str("path", entry.Path).
			Int64("offset", entry.Offset).
			Msg("Position committed")
	}

	return nil
}

// Delete removes the entry for an identity.
func (s *BoltStore) Delete(ctx context.Context, identity domain.FileIdentity) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}
		return b.Delete([]byte(identity))
	})
	if err != nil {
		return fmt.Errorf("failed to delete position: %w", err)
	}
	return nil
}

// List returns all stored entries.
func (s *BoltStore) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				log.Warn().
					Str("identity", string(k)).
					Err(err).
					Msg("Skipping unreadable position entry")
				return nil
			}
			entry.Identity = domain.FileIdentity(k)
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}

	return entries, nil
}

// PruneOlderThan removes entries not updated since cutoff. Used to retire
// positions of files that disappeared and never came back; the keep
// predicate spares entries whose file is still present.
func (s *BoltStore) PruneOlderThan(ctx context.Context, cutoff time.Time, keep func(Entry) bool) (int, error) {
	pruned := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		if b == nil {
			return fmt.Errorf("bucket not found")
		}

		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				stale = append(stale, append([]byte(nil), k...))
				return nil
			}
			entry.Identity = domain.FileIdentity(k)
			if entry.UpdatedAt.Before(cutoff) && (keep == nil || !keep(entry)) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		pruned = len(stale)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune positions: %w", err)
	}

	if pruned > 0 {
		log.Info().
			Int("pruned", pruned).
			Time("cutoff", cutoff).
			Msg("Pruned stale position entries")
	}

	return pruned, nil
}

// Close closes the BoltDB database.
func (s *BoltStore) Close() error {
	log.Info().Msg("Closing position store")
	return s.db.Close()
}
