package transport

import (
	"bufio"
	"context"
	"os"
	"sync"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
)

// stdoutTransport prints lines to standard output. Used for smoke-testing
// a watch configuration before pointing it at a real destination.
type stdoutTransport struct {
	cfg config.TransportConfig

	mu sync.Mutex
	w  *bufio.Writer
}

func newStdoutTransport(cfg config.TransportConfig) *stdoutTransport {
	return &stdoutTransport{cfg: cfg, w: bufio.NewWriter(os.Stdout)}
}

func (t *stdoutTransport) Name() string {
	return label(t.cfg)
}

func (t *stdoutTransport) Open(ctx context.Context) error {
	return nil
}

func (t *stdoutTransport) Send(ctx context.Context, batch *domain.Batch) domain.DeliveryResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, rec := range batch.Records {
		t.w.Write(rec.Line)
		t.w.WriteByte('\n')
	}
	if err := t.w.Flush(); err != nil {
		return classify(err)
	}
	return domain.DeliveryResult{Status: domain.Delivered}
}

func (t *stdoutTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Flush()
}
