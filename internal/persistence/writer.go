package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/thecockatiel/bisq-light-client-sub004/internal/metrics"
	"github.com/thecockatiel/bisq-light-client-sub004/internal/traces"
)

type writeJob struct {
	data []byte
	done func()
}

// fileWriter owns the disk for one persisted file. Jobs are queued without
// blocking the caller and written in order by a dedicated goroutine.
type fileWriter struct {
	dir        string
	fileName   string
	numBackups int
	logger     *slog.Logger

	mu     sync.Mutex
	queue  []writeJob
	closed bool
	wake   chan struct{}
	done   chan struct{}

	// Only touched by the writer goroutine.
	writeFn func(f *os.File, data []byte) error
}

func newFileWriter(dir, fileName string, numBackups int, logger *slog.Logger) *fileWriter {
	w := &fileWriter{
		dir:        dir,
		fileName:   fileName,
		numBackups: numBackups,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		writeFn: func(f *os.File, data []byte) error {
			_, err := f.Write(data)
			return err
		},
	}
	go w.run()
	return w
}

// submit queues a write. It returns false once the writer has been closed.
func (w *fileWriter) submit(job writeJob) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting jobs and blocks until queued writes have finished.
func (w *fileWriter) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	<-w.done
}

func (w *fileWriter) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		batch := w.queue
		w.queue = nil
		closed := w.closed
		w.mu.Unlock()

		for _, job := range batch {
			w.safeWrite(job.data)
			if job.done != nil {
				job.done()
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-w.wake
	}
}

func (w *fileWriter) safeWrite(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in file writer", "file", w.fileName, "panic", fmt.Sprint(r))
		}
	}()

	_, span := traces.StartSpan(context.Background(), "persistence.write",
		traces.FileName(w.fileName), traces.Bytes(len(data)))
	defer span.End()

	start := time.Now()
	if err := w.write(data); err != nil {
		traces.Fail(span, err)
		metrics.PersistenceWriteFailuresTotal.WithLabelValues(w.fileName).Inc()
		w.logger.Error("failed to persist file", "file", w.fileName, "error", err)
		return
	}
	metrics.PersistenceWriteDuration.Observe(time.Since(start).Seconds())
	metrics.PersistenceWritesTotal.WithLabelValues(w.fileName).Inc()
	w.logger.Debug("persisted file", "file", w.fileName, "bytes", len(data), "took", time.Since(start))
}

// write rotates backups, writes a temp file next to the target, syncs it and
// renames it over the target. The target is never left partially written.
func (w *fileWriter) write(data []byte) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}
	if err := rollingBackup(w.dir, w.fileName, w.numBackups); err != nil {
		w.logger.Warn("rolling backup failed", "file", w.fileName, "error", err)
	}

	// Every write gets a fresh temp file.
	f, err := os.CreateTemp(w.dir, tempFilePrefix+w.fileName+"_*")
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if err := w.writeTemp(f, data); err != nil {
		w.abandonTemp(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), filepath.Join(w.dir, w.fileName)); err != nil {
		w.abandonTemp(f.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	syncDirectory(w.dir)
	return nil
}

func (w *fileWriter) writeTemp(f *os.File, data []byte) error {
	if err := w.writeFn(f, data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	return nil
}

// abandonTemp deletes a temp file that saw a failure.
func (w *fileWriter) abandonTemp(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("could not remove temp file", "path", path, "error", err)
	}
}
