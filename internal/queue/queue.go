package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kitchen/beaver/internal/domain"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = errors.New("queue is closed")

// OverflowPolicy controls what Push does when the queue is full.
type OverflowPolicy int

const (
	// Block makes Push wait until space frees up. This is the backpressure
	// path: a slow transport slows the file readers down.
	Block OverflowPolicy = iota
	// DropOldest evicts the oldest buffered record to make room.
	DropOldest
)

// ParsePolicy converts a config string into an OverflowPolicy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "block":
		return Block, nil
	case "drop_oldest":
		return DropOldest, nil
	default:
		return Block, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Queue is the bounded buffer between the per-file tailers (many producers)
// and the delivery coordinator (single consumer). It is the only structure
// shared across the two sides. FIFO order is preserved per producer.
type Queue struct {
	records chan *domain.LineRecord
	policy  OverflowPolicy
	dropped atomic.Uint64

	mu     sync.Mutex // serializes the evict-then-enqueue step under DropOldest
	closed atomic.Bool
}

// New creates a queue with the given capacity and overflow policy.
func New(capacity int, policy OverflowPolicy) *Queue {
	return &Queue{
		records: make(chan *domain.LineRecord, capacity),
		policy:  policy,
	}
}

// Push enqueues one record. Under the Block policy it waits for space or
// context cancellation; under DropOldest it always succeeds, evicting the
// oldest buffered record when full.
func (q *Queue) Push(ctx context.Context, rec *domain.LineRecord) error {
	if q.closed.Load() {
		return ErrClosed
	}

	if q.policy == Block {
		select {
		case q.records <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// DropOldest: eviction and enqueue must not interleave with another
	// producer doing the same, or both could evict for a single slot.
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		select {
		case q.records <- rec:
			return nil
		default:
		}
		select {
		case old := <-q.records:
			q.dropped.Add(1)
			log.Warn().
				Str("path", old.Path).
				Int64("offset", old.StartOffset).
				Msg("Queue full, dropping oldest record")
		default:
		}
	}
}

// Pop dequeues one record, waiting until one is available or the context
// is cancelled.
func (q *Queue) Pop(ctx context.Context) (*domain.LineRecord, error) {
	select {
	case rec, ok := <-q.records:
		if !ok {
			return nil, ErrClosed
		}
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PopWait dequeues one record, waiting at most timeout. The boolean is
// false when the wait expired with nothing available.
func (q *Queue) PopWait(ctx context.Context, timeout time.Duration) (*domain.LineRecord, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case rec, ok := <-q.records:
		if !ok {
			return nil, false, ErrClosed
		}
		return rec, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// TryPop dequeues one record without waiting. The boolean is false when
// the queue is empty or closed.
func (q *Queue) TryPop() (*domain.LineRecord, bool) {
	select {
	case rec, ok := <-q.records:
		if !ok {
			return nil, false
		}
		return rec, true
	default:
		return nil, false
	}
}

// Len returns the number of buffered records.
func (q *Queue) Len() int {
	return len(q.records)
}

// Dropped returns how many records have been evicted under DropOldest.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Close marks the queue closed. All producers must have stopped before
// Close is called. Buffered records remain available to the consumer so a
// final flush can drain them.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.records)
	}
}
