package shipper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
	"github.com/kitchen/beaver/internal/position"
	"github.com/kitchen/beaver/internal/queue"
	"github.com/kitchen/beaver/internal/retry"
	"github.com/kitchen/beaver/internal/transport"
)

const tracerName = "beaver/shipper"

// ErrHalted is returned when a permanent failure occurs under the "halt"
// policy: the coordinator stops rather than silently dropping data.
var ErrHalted = errors.New("delivery halted on permanent failure")

// state tracks where a transport's delivery loop is, for diagnostics.
type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateReady
	stateDelivering
	stateBackoff
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateReady:
		return "ready"
	case stateDelivering:
		return "delivering"
	case stateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Coordinator drains the line queue into batches, fans each batch out to
// every configured transport, and advances the position store only after
// all transports confirmed delivery. It is the sole writer of the store.
type Coordinator struct {
	queue      *queue.Queue
	transports []transport.Transport
	store      position.Store
	batchCfg   config.BatchConfig
	policy     retry.Policy

	sendTimeout   time.Duration
	shutdownGrace time.Duration
	haltOnPerm    bool

	stats *domain.Stats
}

// New creates a coordinator.
func New(q *queue.Queue, transports []transport.Transport, store position.Store, cfg *config.Config, stats *domain.Stats) *Coordinator {
	return &Coordinator{
		queue:      q,
		transports: transports,
		store:      store,
		batchCfg:   cfg.Batch,
		policy: retry.Policy{
			InitialDelay: cfg.Retry.InitialDelay.Std(),
			MaxDelay:     cfg.Retry.MaxDelay.Std(),
			Multiplier:   cfg.Retry.Multiplier,
			MaxAttempts:  cfg.Retry.MaxAttempts,
		},
		sendTimeout:   cfg.Delivery.SendTimeout.Std(),
		shutdownGrace: cfg.Delivery.ShutdownGrace.Std(),
		haltOnPerm:    cfg.Delivery.OnPermanent == "halt",
		stats:         stats,
	}
}

// Run processes batches until the context is cancelled or the queue is
// closed, then flushes whatever is still buffered within the shutdown
// grace period. Records left unflushed are redelivered on the next start
// because their positions were never committed.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.closeTransports()

	for {
		batch, err := c.collect(ctx)

		if batch != nil && batch.Len() > 0 {
			dctx := ctx
			var cancel context.CancelFunc
			if ctx.Err() != nil {
				dctx, cancel = context.WithTimeout(context.Background(), c.shutdownGrace)
			}
			derr := c.process(dctx, batch)
			if cancel != nil {
				cancel()
			}
			if derr != nil && !errorsIsContext(derr) {
				return derr
			}
		}

		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return c.finalFlush()
			}
			return err
		}
	}
}

// collect assembles the next batch, waiting for the first record and then
// filling until the size cap or the batch wait elapses.
func (c *Coordinator) collect(ctx context.Context) (*domain.Batch, error) {
	first, err := c.queue.Pop(ctx)
	if err != nil {
		return nil, err
	}

	records := []*domain.LineRecord{first}
	deadline := time.Now().Add(c.batchCfg.MaxWait.Std())

	for len(records) < c.batchCfg.MaxSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		rec, ok, err := c.queue.PopWait(ctx, remaining)
		if err != nil {
			return domain.NewBatch(records), err
		}
		if !ok {
			break
		}
		records = append(records, rec)
	}

	return domain.NewBatch(records), nil
}

// process delivers one batch to every transport, then commits positions.
func (c *Coordinator) process(ctx context.Context, batch *domain.Batch) error {
	for _, tr := range c.transports {
		if err := c.deliverTo(ctx, tr, batch); err != nil {
			return err
		}
	}
	c.stats.AddBatchesSent(1)
	return c.commit(ctx, batch)
}

// deliverTo runs one transport's retry loop for the batch. It returns nil
// once the batch is delivered or (under the skip policy) permanently
// dropped, and an error only on halt or context cancellation.
func (c *Coordinator) deliverTo(ctx context.Context, tr transport.Transport, batch *domain.Batch) error {
	tracer := otel.Tracer(tracerName)
	backoff := retry.NewBackoff(c.policy)
	st := stateDisconnected

	// Attempts are counted per transport: under fan-out each destination
	// gets its own retry budget.
	attempts := 0

	for {
		attempts++
		batch.Attempts++

		st = stateConnecting
		if err := tr.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			st = stateBackoff
			log.Warn().
				Err(err).
				Str("transport", tr.Name()).
				Str("state", st.String()).
				Int("attempt", attempts).
				Msg("Transport connect failed")
			if c.policy.MaxAttempts > 0 && attempts >= c.policy.MaxAttempts {
				return c.exhausted(tr, batch, err)
			}
			c.stats.AddSendRetries(1)
			if werr := backoff.Wait(ctx); werr != nil {
				return werr
			}
			continue
		}

		st = stateDelivering
		spanCtx, span := tracer.Start(ctx, "shipper.deliver")
		span.SetAttributes(
			attribute.String("transport", tr.Name()),
			attribute.String("batch.id", batch.ID),
			attribute.Int("batch.size", batch.Len()),
			attribute.Int("batch.attempt", attempts),
		)

		sendCtx, cancel := context.WithTimeout(spanCtx, c.sendTimeout)
		result := tr.Send(sendCtx, batch)
		cancel()

		switch result.Status {
		case domain.Delivered:
			span.SetStatus(codes.Ok, "delivered")
			span.End()
			return nil

		case domain.TransientFailure:
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, "transient failure")
			span.End()

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.policy.MaxAttempts > 0 && attempts >= c.policy.MaxAttempts {
				return c.exhausted(tr, batch, result.Err)
			}

			st = stateBackoff
			c.stats.AddSendRetries(1)
			log.Warn().
				Err(result.Err).
				Str("transport", tr.Name()).
				Str("state", st.String()).
				Str("batch_id", batch.ID).
				Int("attempt", attempts).
				Msg("Delivery failed, backing off")
			if werr := backoff.Wait(ctx); werr != nil {
				return werr
			}

		case domain.PermanentFailure:
			span.RecordError(result.Err)
			span.SetStatus(codes.Error, "permanent failure")
			span.End()
			// A send interrupted by shutdown is not a rejection; dropping
			// here would advance offsets past undelivered lines.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.dropOrHalt(tr, batch, result.Err)
		}
	}
}

// exhausted applies the permanent-failure policy once the retry budget for
// a batch runs out.
func (c *Coordinator) exhausted(tr transport.Transport, batch *domain.Batch, cause error) error {
	log.Error().
		Err(cause).
		Str("transport", tr.Name()).
		Str("batch_id", batch.ID).
		Int("attempts", batch.Attempts).
		Msg("Retry budget exhausted")
	return c.dropOrHalt(tr, batch, cause)
}

// dropOrHalt drops the batch (positions still advance, so unprocessable
// input is not resent forever) or halts the pipeline, per configuration.
func (c *Coordinator) dropOrHalt(tr transport.Transport, batch *domain.Batch, cause error) error {
	if c.haltOnPerm {
		log.Error().
			Err(cause).
			Str("transport", tr.Name()).
			Str("batch_id", batch.ID).
			Msg("Permanent failure, halting delivery")
		return fmt.Errorf("%w: transport %s: %v", ErrHalted, tr.Name(), cause)
	}

	c.stats.AddPermanentDrops(uint64(batch.Len()))
	log.Error().
		Err(cause).
		Str("transport", tr.Name()).
		Str("batch_id", batch.ID).
		Int("records", batch.Len()).
		Msg("Permanent failure, dropping batch")
	return nil
}

// commit durably records the highest delivered offset per file identity.
// A failed persistence write is retried before any further batch goes out:
// offsets must never run ahead of what was actually persisted.
func (c *Coordinator) commit(ctx context.Context, batch *domain.Batch) error {
	offsets := batch.MaxOffsets()
	entries := make([]position.Entry, 0, len(offsets))
	now := time.Now()
	for identity, offset := range offsets {
		entries = append(entries, position.Entry{
			Identity:  identity,
			Path:      batch.PathFor(identity),
			Offset:    offset,
			UpdatedAt: now,
		})
	}

	backoff := retry.NewBackoff(c.policy)
	for {
		err := c.store.Commit(ctx, entries)
		if err == nil {
			c.stats.AddLinesDelivered(uint64(batch.Len()))
			return nil
		}
		log.Error().
			Err(err).
			Str("batch_id", batch.ID).
			Msg("Failed to persist positions, retrying")
		if werr := backoff.Wait(ctx); werr != nil {
			return werr
		}
	}
}

// finalFlush drains everything still buffered in the queue and attempts
// one last delivery within the shutdown grace period.
func (c *Coordinator) finalFlush() error {
	var records []*domain.LineRecord
	for {
		rec, ok := c.queue.TryPop()
		if !ok {
			break
		}
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil
	}

	log.Info().
		Int("records", len(records)).
		Dur("grace", c.shutdownGrace).
		Msg("Flushing remaining records before shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), c.shutdownGrace)
	defer cancel()

	for start := 0; start < len(records); start += c.batchCfg.MaxSize {
		end := start + c.batchCfg.MaxSize
		if end > len(records) {
			end = len(records)
		}
		batch := domain.NewBatch(records[start:end])
		if err := c.process(ctx, batch); err != nil {
			log.Warn().
				Err(err).
				Int("remaining", len(records)-start).
				Msg("Final flush incomplete, records will be redelivered on next start")
			return nil
		}
	}
	return nil
}

func (c *Coordinator) closeTransports() {
	for _, tr := range c.transports {
		if err := tr.Close(); err != nil {
			log.Warn().Err(err).Str("transport", tr.Name()).Msg("Transport close failed")
		}
	}
}

func errorsIsContext(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
