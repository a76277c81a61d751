package domain

import "sync/atomic"

// Stats collects pipeline counters. All methods are safe for concurrent use;
// the watcher, queue and coordinator update their own counters and the
// service snapshots them periodically for the status log.
type Stats struct {
	linesRead      atomic.Uint64
	linesDropped   atomic.Uint64
	linesDelivered atomic.Uint64
	batchesSent    atomic.Uint64
	sendRetries    atomic.Uint64
	permanentDrops atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	LinesRead      uint64
	LinesDropped   uint64
	LinesDelivered uint64
	BatchesSent    uint64
	SendRetries    uint64
	PermanentDrops uint64
}

func (s *Stats) AddLinesRead(n uint64)      { s.linesRead.Add(n) }
func (s *Stats) AddLinesDropped(n uint64)   { s.linesDropped.Add(n) }
func (s *Stats) AddLinesDelivered(n uint64) { s.linesDelivered.Add(n) }
func (s *Stats) AddBatchesSent(n uint64)    { s.batchesSent.Add(n) }
func (s *Stats) AddSendRetries(n uint64)    { s.sendRetries.Add(n) }
func (s *Stats) AddPermanentDrops(n uint64) { s.permanentDrops.Add(n) }

// Snapshot returns a consistent-enough copy for reporting.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		LinesRead:      s.linesRead.Load(),
		LinesDropped:   s.linesDropped.Load(),
		LinesDelivered: s.linesDelivered.Load(),
		BatchesSent:    s.batchesSent.Load(),
		SendRetries:    s.sendRetries.Load(),
		PermanentDrops: s.permanentDrops.Load(),
	}
}
