package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
	"github.com/kitchen/beaver/internal/position"
	"github.com/kitchen/beaver/internal/queue"
	"github.com/kitchen/beaver/internal/shipper"
	"github.com/kitchen/beaver/internal/transport"
	"github.com/kitchen/beaver/internal/watcher"
)

const statusInterval = 60 * time.Second

// ShipperService owns the whole pipeline: position store, file watcher,
// line queue, transports and the delivery coordinator.
type ShipperService struct {
	cfg   *config.Config
	store position.Store
	queue *queue.Queue
	stats *domain.Stats

	watcher     *watcher.Watcher
	coordinator *shipper.Coordinator
}

// NewShipperService wires the pipeline from a validated configuration.
func NewShipperService(cfg *config.Config) (*ShipperService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	store, err := position.NewBoltStore(cfg.PositionStore.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open position store: %w", err)
	}

	policy, err := queue.ParsePolicy(cfg.Queue.Overflow)
	if err != nil {
		store.Close()
		return nil, err
	}
	q := queue.New(cfg.Queue.Capacity, policy)

	transports := make([]transport.Transport, 0, len(cfg.Transports))
	for _, tc := range cfg.Transports {
		tr, err := transport.New(tc)
		if err != nil {
			store.Close()
			return nil, err
		}
		transports = append(transports, tr)
	}

	stats := &domain.Stats{}

	return &ShipperService{
		cfg:         cfg,
		store:       store,
		queue:       q,
		stats:       stats,
		watcher:     watcher.New(cfg.Files, cfg.Watcher, store, q, stats),
		coordinator: shipper.New(q, transports, store, cfg, stats),
	}, nil
}

// Run starts the watcher and coordinator and blocks until the context is
// cancelled or delivery halts. Shutdown order matters: tailers stop first,
// then the queue closes, then the coordinator drains and flushes.
func (s *ShipperService) Run(ctx context.Context) error {
	log.Info().
		Int("globs", len(s.cfg.Files)).
		Int("transports", len(s.cfg.Transports)).
		Msg("Shipper service starting")

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.watcher.Run(watchCtx)
		// All tailers are done, nothing will push again.
		s.queue.Close()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.statusLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pruneLoop(ctx)
	}()

	// The coordinator keeps running after ctx is cancelled just long
	// enough to flush; Run returns its verdict.
	err := s.coordinator.Run(ctx)

	stopWatch()
	wg.Wait()

	if closeErr := s.store.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("Failed to close position store")
	}

	snap := s.stats.Snapshot()
	log.Info().
		Uint64("lines_read", snap.LinesRead).
		Uint64("lines_delivered", snap.LinesDelivered).
		Uint64("lines_dropped", s.queue.Dropped()).
		Msg("Shipper service stopped")

	return err
}

// statusLoop periodically logs pipeline counters.
func (s *ShipperService) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.stats.Snapshot()
			log.Info().
				Int("tailers", s.watcher.ActiveTailers()).
				Int("queued", s.queue.Len()).
				Uint64("lines_read", snap.LinesRead).
				Uint64("lines_delivered", snap.LinesDelivered).
				Uint64("lines_dropped", s.queue.Dropped()).
				Uint64("batches_sent", snap.BatchesSent).
				Uint64("send_retries", snap.SendRetries).
				Uint64("permanent_drops", snap.PermanentDrops).
				Msg("Pipeline status")
		}
	}
}

// pruneLoop retires position entries for files that disappeared and never
// came back.
func (s *ShipperService) pruneLoop(ctx context.Context) {
	interval := s.cfg.PositionStore.PruneAfter.Std() / 4
	if interval < time.Minute {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pruneOnce(ctx)
		}
	}
}

// pruneOnce runs one sweep. Age alone is not enough to retire an entry:
// a watched file that simply received no appends for the whole retention
// window must keep its position, or a restart would re-read it from the
// beginning. Only entries whose file is gone (or replaced by a different
// one under the same path) are pruned.
func (s *ShipperService) pruneOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.PositionStore.PruneAfter.Std())
	keep := func(e position.Entry) bool {
		id, err := watcher.Identity(e.Path)
		return err == nil && id == e.Identity
	}
	if _, err := s.store.PruneOlderThan(ctx, cutoff, keep); err != nil {
		log.Warn().Err(err).Msg("Position prune failed")
	}
}
