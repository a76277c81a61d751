package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kitchen/beaver/internal/config"
	"github.com/kitchen/beaver/internal/domain"
	"github.com/kitchen/beaver/internal/position"
	"github.com/kitchen/beaver/internal/queue"
)

// errRetired signals that a tailer's path has been gone longer than the
// grace period and the tailer should shut down.
var errRetired = errors.New("watched path retired")

const readChunkSize = 32 * 1024

// tailer follows one path: it reads appended data, splits it into complete
// lines and pushes them onto the queue. A trailing line fragment without a
// terminator is held back and prefixed to the next read. Rotation (new
// identity under the same path) and truncation restart reading at offset 0.
type tailer struct {
	path  string
	tags  map[string]string
	cfg   config.WatcherConfig
	store position.Store
	queue *queue.Queue
	stats *domain.Stats

	identity  domain.FileIdentity
	file      *os.File
	readPos   int64  // file offset of the next unread byte
	lineStart int64  // file offset of the first byte of pending
	pending   []byte // held-back partial line

	wake         chan struct{}
	missingSince time.Time
	firstOpen    bool
}

func newTailer(path string, tags map[string]string, cfg config.WatcherConfig, store position.Store, q *queue.Queue, stats *domain.Stats) *tailer {
	return &tailer{
		path:      path,
		tags:      tags,
		cfg:       cfg,
		store:     store,
		queue:     q,
		stats:     stats,
		wake:      make(chan struct{}, 1),
		firstOpen: true,
	}
}

// run polls the file until the context is cancelled or the path is retired.
// Read errors are logged and retried on the next cycle; they never escape.
func (t *tailer) run(ctx context.Context) {
	log.Info().Str("path", t.path).Msg("Tailing file")
	defer t.closeFile()

	ticker := time.NewTicker(t.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.wake:
		}

		if err := t.poll(ctx); err != nil {
			if errors.Is(err, errRetired) {
				log.Info().Str("path", t.path).Msg("Watched path gone, retiring tailer")
				return
			}
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("path", t.path).Msg("Tail cycle failed, will retry")
		}
	}
}

// nudge requests an immediate poll, used by fsnotify write events.
func (t *tailer) nudge() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *tailer) poll(ctx context.Context) error {
	ident, err := Identity(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return t.handleMissing()
		}
		return fmt.Errorf("failed to stat %s: %w", t.path, err)
	}
	t.missingSince = time.Time{}

	if t.file != nil && ident != t.identity {
		// Rotation: the path now points at a different file. Drain what
		// is left of the old one, then start over at offset 0.
		if err := t.readDelta(ctx); err != nil {
			log.Warn().Err(err).Str("path", t.path).Msg("Failed to drain rotated file")
		}
		log.Info().
			Str("path", t.path).
			Str("old_identity", string(t.identity)).
			Str("new_identity", string(ident)).
			Msg("File rotated, reopening")
		t.closeFile()
	}

	if t.file == nil {
		if err := t.open(ctx, ident); err != nil {
			return err
		}
	}

	info, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat open handle: %w", err)
	}
	if info.Size() < t.readPos {
		log.Info().
			Str("path", t.path).
			Int64("size", info.Size()).
			Int64("offset", t.readPos).
			Msg("File truncated, restarting at offset 0")
		if _, err := t.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind after truncation: %w", err)
		}
		t.readPos = 0
		t.lineStart = 0
		t.pending = nil
	}

	return t.readDelta(ctx)
}

// handleMissing tracks how long the path has been gone and retires the
// tailer once the grace period elapses. Brief disappearances (rotation
// races) are tolerated.
func (t *tailer) handleMissing() error {
	if t.missingSince.IsZero() {
		t.missingSince = time.Now()
		t.closeFile()
		return nil
	}
	if time.Since(t.missingSince) > t.cfg.GracePeriod.Std() {
		return errRetired
	}
	return nil
}

// open opens the file and decides the starting offset: a stored position
// wins (clamped to the current size), otherwise the configured start
// position applies on first open and offset 0 after a rotation.
func (t *tailer) open(ctx context.Context, ident domain.FileIdentity) error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", t.path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat %s: %w", t.path, err)
	}

	var start int64
	entry, found, err := t.store.Get(ctx, ident)
	switch {
	case err != nil:
		log.Warn().Err(err).Str("path", t.path).Msg("Failed to read stored position, starting from beginning")
	case found && entry.Offset <= info.Size():
		start = entry.Offset
		log.Info().
			Str("path", t.path).
			Int64("offset", start).
			Msg("Resumed from stored position")
	case found:
		log.Info().
			Str("path", t.path).
			Int64("stored_offset", entry.Offset).
			Int64("size", info.Size()).
			Msg("Stored position beyond file size, starting from beginning")
	case t.firstOpen && t.cfg.StartPosition == "end":
		start = info.Size()
	}

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return fmt.Errorf("failed to seek to %d: %w", start, err)
		}
	}

	t.file = f
	t.identity = ident
	t.readPos = start
	t.lineStart = start
	t.pending = nil
	t.firstOpen = false
	return nil
}

// readDelta reads everything appended since the last poll and emits one
// LineRecord per complete line. Push blocks under backpressure, so a slow
// transport directly slows this reader down.
func (t *tailer) readDelta(ctx context.Context) error {
	if t.file == nil {
		return nil
	}

	buf := make([]byte, readChunkSize)
	for {
		n, err := t.file.Read(buf)
		if n > 0 {
			t.pending = append(t.pending, buf[:n]...)
			t.readPos += int64(n)
			if err := t.emitLines(ctx); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
	}
}

// emitLines pushes every complete line buffered in pending. A fragment
// longer than the line cap is emitted as-is so one unterminated line
// cannot hold memory forever.
func (t *tailer) emitLines(ctx context.Context) error {
	for {
		idx := bytes.IndexByte(t.pending, '\n')
		if idx < 0 {
			if len(t.pending) >= t.cfg.MaxLineBytes {
				if err := t.emit(ctx, len(t.pending), 0); err != nil {
					return err
				}
				continue
			}
			return nil
		}
		if err := t.emit(ctx, idx, 1); err != nil {
			return err
		}
	}
}

// emit sends pending[:length] as one line; skip counts terminator bytes
// consumed past the line content.
func (t *tailer) emit(ctx context.Context, length, skip int) error {
	content := t.pending[:length]
	if length > 0 && content[length-1] == '\r' {
		content = content[:length-1]
	}

	rec := &domain.LineRecord{
		Identity:    t.identity,
		Path:        t.path,
		StartOffset: t.lineStart,
		EndOffset:   t.lineStart + int64(length+skip),
		Line:        append([]byte(nil), content...),
		Tags:        t.tags,
		ReadAt:      time.Now(),
	}

	if err := t.queue.Push(ctx, rec); err != nil {
		return err
	}

	t.pending = t.pending[length+skip:]
	t.lineStart += int64(length + skip)
	t.stats.AddLinesRead(1)
	return nil
}

func (t *tailer) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
	}
}
