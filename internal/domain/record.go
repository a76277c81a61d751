package domain

import (
	"time"
)

// FileIdentity is a stable, path-independent key for a watched file.
// On unix it is formatted as "<device>:<inode>" so the same identity is
// recognized after a rename, and a rotation under the same path produces
// a different identity.
type FileIdentity string

// LineRecord is one complete log line read from a watched file.
// Records are immutable once created: the watcher hands them to the queue,
// the queue hands them to the delivery coordinator.
type LineRecord struct {
	Identity    FileIdentity
	Path        string
	StartOffset int64 // byte offset of the first byte of the line
	EndOffset   int64 // byte offset just past the line terminator
	Line        []byte
	Tags        map[string]string
	ReadAt      time.Time
}
