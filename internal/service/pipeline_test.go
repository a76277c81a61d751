package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
	"github.com/kitchen/beaver/internal/position"
	"github.com/kitchen/beaver/internal/queue"
	"github.com/kitchen/beaver/internal/shipper"
	"github.com/kitchen/beaver/internal/transport"
	"github.com/kitchen/beaver/internal/watcher"
)

// captureTransport records every delivered line in order.
type captureTransport struct {
	mu    sync.Mutex
	lines []string
}

var _ transport.Transport = (*captureTransport)(nil)

func (t *captureTransport) Name() string                 { return "capture" }
func (t *captureTransport) Open(ctx context.Context) error { return nil }
func (t *captureTransport) Close() error                 { return nil }

func (t *captureTransport) Send(ctx context.Context, batch *domain.Batch) domain.DeliveryResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range batch.Records {
		t.lines = append(t.lines, string(rec.Line))
	}
	return domain.DeliveryResult{Status: domain.Delivered}
}

func (t *captureTransport) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

func pipelineConfig() *config.Config {
	return &config.Config{
		Watcher: config.WatcherConfig{
			PollInterval:  config.Duration(10 * time.Millisecond),
			StartPosition: "beginning",
			GracePeriod:   config.Duration(time.Second),
			MaxLineBytes:  1024 * 1024,
		},
		Batch: config.BatchConfig{
			MaxSize: 100,
			MaxWait: config.Duration(20 * time.Millisecond),
		},
		Retry: config.RetryConfig{
			InitialDelay: config.Duration(time.Millisecond),
			MaxDelay:     config.Duration(10 * time.Millisecond),
			Multiplier:   2.0,
		},
		Delivery: config.DeliveryConfig{
			SendTimeout:   config.Duration(time.Second),
			OnPermanent:   "skip",
			ShutdownGrace: config.Duration(time.Second),
		},
	}
}

// runPipeline tails the glob until stop is called, delivering into sink.
func runPipeline(t *testing.T, glob string, store position.Store, sink transport.Transport) (stop func()) {
	t.Helper()
	cfg := pipelineConfig()
	q := queue.New(1000, queue.Block)
	stats := &domain.Stats{}

	w := watcher.New([]config.FileConfig{{Glob: glob}}, cfg.Watcher, store, q, stats)
	coord := shipper.New(q, []transport.Transport{sink}, store, cfg, stats)

	ctx, cancel := context.WithCancel(context.Background())
	watcherDone := make(chan struct{})
	coordDone := make(chan struct{})

	go func() {
		w.Run(ctx)
		q.Close()
		close(watcherDone)
	}()
	go func() {
		if err := coord.Run(ctx); err != nil {
			t.Errorf("coordinator error: %v", err)
		}
		close(coordDone)
	}()

	return func() {
		cancel()
		<-watcherDone
		<-coordDone
	}
}

func waitForLines(t *testing.T, sink *captureTransport, want int) []string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		lines := sink.snapshot()
		if len(lines) >= want {
			return lines
		}
		select {
		case <-deadline:
			t.Fatalf("timed out: have %v, want %d lines", lines, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPipeline_DeliversAndRecordsPosition(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0644); err != nil {
		t.Fatal(err)
	}

	store, err := position.NewBoltStore(filepath.Join(dir, "positions.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	sink := &captureTransport{}
	stop := runPipeline(t, filepath.Join(dir, "*.log"), store, sink)

	lines := waitForLines(t, sink, 2)
	stop()

	if lines[0] != "a" || lines[1] != "b" {
		t.Errorf("delivered = %v, want [a b]", lines)
	}

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("position entries = %d, want 1", len(entries))
	}
	if entries[0].Offset != 4 {
		t.Errorf("committed offset = %d, want 4", entries[0].Offset)
	}
}

func TestPipeline_RestartDoesNotRedeliver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	glob := filepath.Join(dir, "*.log")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0644); err != nil {
		t.Fatal(err)
	}
	dbPath := filepath.Join(dir, "positions.db")

	// First run: everything is delivered and the position persisted.
	store, err := position.NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	sink := &captureTransport{}
	stop := runPipeline(t, glob, store, sink)
	waitForLines(t, sink, 2)
	stop()
	if err := store.Close(); err != nil {
		t.Fatalf("store close: %v", err)
	}

	// Restart with the same database: the confirmed lines must not come
	// back; new appends are picked up from the stored offset.
	store2, err := position.NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("store reopen: %v", err)
	}
	defer store2.Close()

	sink2 := &captureTransport{}
	stop2 := runPipeline(t, glob, store2, sink2)
	defer stop2()

	time.Sleep(100 * time.Millisecond)
	if lines := sink2.snapshot(); len(lines) != 0 {
		t.Fatalf("redelivered after restart: %v", lines)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("c\n")
	f.Close()

	lines := waitForLines(t, sink2, 1)
	if len(lines) != 1 || lines[0] != "c" {
		t.Errorf("after restart delivered = %v, want [c]", lines)
	}
}

func TestPipeline_KillBeforeConfirmRedelivers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	glob := filepath.Join(dir, "*.log")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0644); err != nil {
		t.Fatal(err)
	}
	dbPath := filepath.Join(dir, "positions.db")

	// First run never starts a coordinator: lines are read but nothing is
	// confirmed, so no position is committed.
	store, err := position.NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	cfg := pipelineConfig()
	q := queue.New(1000, queue.Block)
	w := watcher.New([]config.FileConfig{{Glob: glob}}, cfg.Watcher, store, q, &domain.Stats{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(3 * time.Second)
	for q.Len() < 2 {
		select {
		case <-deadline:
			t.Fatal("watcher never read the lines")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
	store.Close()

	// Restart: with no committed position the lines are delivered now,
	// exactly once.
	store2, err := position.NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("store reopen: %v", err)
	}
	defer store2.Close()

	sink := &captureTransport{}
	stop := runPipeline(t, glob, store2, sink)
	defer stop()

	lines := waitForLines(t, sink, 2)
	if lines[0] != "a" || lines[1] != "b" {
		t.Errorf("redelivery = %v, want [a b]", lines)
	}
	time.Sleep(50 * time.Millisecond)
	if lines := sink.snapshot(); len(lines) != 2 {
		t.Errorf("delivered more than once: %v", lines)
	}
}

func TestPruneOnce_SparesQuietLiveFiles(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	quiet := filepath.Join(dir, "quiet.log")
	if err := os.WriteFile(quiet, []byte("a\nb\n"), 0644); err != nil {
		t.Fatal(err)
	}
	replaced := filepath.Join(dir, "replaced.log")
	if err := os.WriteFile(replaced, []byte("new\n"), 0644); err != nil {
		t.Fatal(err)
	}

	quietID, err := watcher.Identity(quiet)
	if err != nil {
		t.Fatalf("Identity() error = %v", err)
	}

	store, err := position.NewBoltStore(filepath.Join(dir, "positions.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	// All three entries are far past the retention window. The first file
	// still exists with the same identity (just no appends), the second
	// path is gone, the third path was rotated to a different file.
	old := time.Now().Add(-48 * time.Hour)
	entries := []position.Entry{
		{Identity: quietID, Path: quiet, Offset: 4, UpdatedAt: old},
		{Identity: "9999:9999", Path: filepath.Join(dir, "gone.log"), Offset: 7, UpdatedAt: old},
		{Identity: "8888:8888", Path: replaced, Offset: 9, UpdatedAt: old},
	}
	if err := store.Commit(ctx, entries); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	svc := &ShipperService{
		cfg: &config.Config{
			PositionStore: config.PositionStoreConfig{PruneAfter: config.Duration(24 * time.Hour)},
		},
		store: store,
	}
	svc.pruneOnce(ctx)

	if _, found, _ := store.Get(ctx, quietID); !found {
		t.Error("entry for a quiet but still-present file was pruned")
	}
	if _, found, _ := store.Get(ctx, "9999:9999"); found {
		t.Error("entry for a vanished path survived prune")
	}
	if _, found, _ := store.Get(ctx, "8888:8888"); found {
		t.Error("entry for a rotated-away identity survived prune")
	}
}

func TestPipeline_SlowTransportBackpressure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")

	var content []byte
	for i := 0; i < 200; i++ {
		content = append(content, []byte("line\n")...)
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	store, err := position.NewBoltStore(filepath.Join(dir, "positions.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	// A tiny queue forces the tailer to block on the slow consumer
	// instead of buffering without bound.
	cfg := pipelineConfig()
	q := queue.New(10, queue.Block)
	stats := &domain.Stats{}
	w := watcher.New([]config.FileConfig{{Glob: filepath.Join(dir, "*.log")}}, cfg.Watcher, store, q, stats)

	sink := &slowTransport{delay: 2 * time.Millisecond}
	coord := shipper.New(q, []transport.Transport{sink}, store, cfg, stats)

	ctx, cancel := context.WithCancel(context.Background())
	watcherDone := make(chan struct{})
	coordDone := make(chan struct{})
	go func() {
		w.Run(ctx)
		q.Close()
		close(watcherDone)
	}()
	go func() {
		coord.Run(ctx)
		close(coordDone)
	}()

	deadline := time.After(10 * time.Second)
	for {
		sink.mu.Lock()
		n := sink.count
		sink.mu.Unlock()
		if n >= 200 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d of 200 lines delivered", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-watcherDone
	<-coordDone

	if q.Dropped() != 0 {
		t.Errorf("dropped %d records under Block policy", q.Dropped())
	}
}

// slowTransport delivers after a delay to exercise backpressure.
type slowTransport struct {
	mu    sync.Mutex
	delay time.Duration
	count int
}

var _ transport.Transport = (*slowTransport)(nil)

func (t *slowTransport) Name() string                 { return "slow" }
func (t *slowTransport) Open(ctx context.Context) error { return nil }
func (t *slowTransport) Close() error                 { return nil }

func (t *slowTransport) Send(ctx context.Context, batch *domain.Batch) domain.DeliveryResult {
	time.Sleep(t.delay)
	t.mu.Lock()
	t.count += batch.Len()
	t.mu.Unlock()
	return domain.DeliveryResult{Status: domain.Delivered}
}
