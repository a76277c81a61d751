package domain

import (
	"time"

	"github.com/google/uuid"
)

// Batch groups an ordered sequence of LineRecords for one delivery attempt.
type Batch struct {
	ID        string
	Records   []*LineRecord
	CreatedAt time.Time
	Attempts  int
}

// NewBatch creates a batch around the given records.
func NewBatch(records []*LineRecord) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Records:   records,
		CreatedAt: time.Now(),
	}
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.Records)
}

// MaxOffsets returns, per file identity touched by the batch, the highest
// end offset covered. This is what the position store is advanced to after
// the batch is confirmed delivered.
func (b *Batch) MaxOffsets() map[FileIdentity]int64 {
	offsets := make(map[FileIdentity]int64)
	for _, rec := range b.Records {
		if rec.EndOffset > offsets[rec.Identity] {
			offsets[rec.Identity] = rec.EndOffset
		}
	}
	return offsets
}

// PathFor returns the last known path for an identity in this batch.
func (b *Batch) PathFor(identity FileIdentity) string {
	for i := len(b.Records) - 1; i >= 0; i-- {
		if b.Records[i].Identity == identity {
			return b.Records[i].Path
		}
	}
	return ""
}
