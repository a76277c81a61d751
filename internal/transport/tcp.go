package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
)

const tcpDialTimeout = 10 * time.Second

// tcpTransport writes raw lines, newline-framed, to a remote socket such
// as a syslog relay. A short write poisons the stream, so any write error
// tears the connection down and fails the whole batch.
type tcpTransport struct {
	cfg  config.TransportConfig
	conn net.Conn
}

func newTCPTransport(cfg config.TransportConfig) *tcpTransport {
	return &tcpTransport{cfg: cfg}
}

func (t *tcpTransport) Name() string {
	return label(t.cfg)
}

func (t *tcpTransport) Open(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: tcpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.cfg.TCPAddr, err)
	}

	t.conn = conn
	log.Info().
		Str("transport", t.Name()).
		Str("addr", t.cfg.TCPAddr).
		Msg("TCP transport connected")
	return nil
}

func (t *tcpTransport) Send(ctx context.Context, batch *domain.Batch) domain.DeliveryResult {
	if t.conn == nil {
		return domain.DeliveryResult{
			Status: domain.TransientFailure,
			Err:    fmt.Errorf("tcp transport is not open"),
		}
	}

	var buf bytes.Buffer
	for _, rec := range batch.Records {
		buf.Write(rec.Line)
		buf.WriteByte('\n')
	}

	if deadline, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(deadline)
	}

	if _, err := t.conn.Write(buf.Bytes()); err != nil {
		t.conn.Close()
		t.conn = nil
		return classify(fmt.Errorf("tcp write failed: %w", err))
	}

	return domain.DeliveryResult{Status: domain.Delivered}
}

func (t *tcpTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
