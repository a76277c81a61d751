package transport

import (
	"context"
	"fmt"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
	"github.com/kitchen/beaver/internal/retry"
)

// Transport delivers batches of log lines to one destination.
// Implementations own their connection state exclusively; the delivery
// coordinator only sees the three-way DeliveryResult.
type Transport interface {
	// Open establishes or re-establishes the underlying connection.
	// Idempotent: calling Open on a healthy transport is a no-op.
	Open(ctx context.Context) error

	// Send attempts to deliver the whole batch. Either every record is
	// acknowledged (Delivered) or none is; partial delivery is never
	// reported as success.
	Send(ctx context.Context, batch *domain.Batch) domain.DeliveryResult

	// Close releases connection state. Safe to call multiple times.
	Close() error

	// Name returns a label for diagnostics.
	Name() string
}

// New builds a transport from its validated configuration. The set of
// types is closed; adding a destination means adding a variant here.
func New(cfg config.TransportConfig) (Transport, error) {
	switch cfg.Type {
	case "redis":
		return newRedisTransport(cfg), nil
	case "amqp":
		return newAMQPTransport(cfg), nil
	case "clickhouse":
		return newClickHouseTransport(cfg), nil
	case "tcp":
		return newTCPTransport(cfg), nil
	case "stdout":
		return newStdoutTransport(cfg), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}

// classify converts a send error into a delivery result using the shared
// transient/permanent taxonomy.
func classify(err error) domain.DeliveryResult {
	if err == nil {
		return domain.DeliveryResult{Status: domain.Delivered}
	}
	if retry.IsTransient(err) {
		return domain.DeliveryResult{Status: domain.TransientFailure, Err: err}
	}
	return domain.DeliveryResult{Status: domain.PermanentFailure, Err: err}
}

// label returns the configured name or a fallback based on the type.
func label(cfg config.TransportConfig) string {
	if cfg.Name != "" {
		return cfg.Name
	}
	return cfg.Type
}
