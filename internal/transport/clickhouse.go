package transport

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
)

// clickhouseTransport inserts batches into a log lines table. ClickHouse
// applies a prepared batch atomically on Send, which gives the all-or-
// nothing semantics the coordinator relies on.
type clickhouseTransport struct {
	cfg  config.TransportConfig
	conn driver.Conn
}

func newClickHouseTransport(cfg config.TransportConfig) *clickhouseTransport {
	return &clickhouseTransport{cfg: cfg}
}

func (t *clickhouseTransport) Name() string {
	return label(t.cfg)
}

// Open connects and pings the server.
func (t *clickhouseTransport) Open(ctx context.Context) error {
	if t.conn != nil {
		if err := t.conn.Ping(ctx); err == nil {
			return nil
		}
		t.conn.Close()
		t.conn = nil
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{t.cfg.ClickHouseAddr},
		Auth: clickhouse.Auth{
			Database: t.cfg.ClickHouseDB,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping clickhouse at %s: %w", t.cfg.ClickHouseAddr, err)
	}

	t.conn = conn
	log.Info().
		Str("transport", t.Name()).
		Str("addr", t.cfg.ClickHouseAddr).
		Str("table", t.cfg.ClickHouseTable).
		Msg("ClickHouse transport connected")
	return nil
}

func (t *clickhouseTransport) Send(ctx context.Context, batch *domain.Batch) domain.DeliveryResult {
	if t.conn == nil {
		return domain.DeliveryResult{
			Status: domain.TransientFailure,
			Err:    fmt.Errorf("clickhouse transport is not open"),
		}
	}

	insert, err := t.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", t.cfg.ClickHouseTable))
	if err != nil {
		return classify(fmt.Errorf("failed to prepare batch: %w", err))
	}

	for _, rec := range batch.Records {
		err := insert.Append(
			rec.ReadAt,
			rec.Path,
			string(rec.Line),
			rec.StartOffset,
			rec.Tags,
		)
		if err != nil {
			return classify(fmt.Errorf("failed to append to batch: %w", err))
		}
	}

	if err := insert.Send(); err != nil {
		return classify(fmt.Errorf("failed to send batch: %w", err))
	}

	return domain.DeliveryResult{Status: domain.Delivered}
}

func (t *clickhouseTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
