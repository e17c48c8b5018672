package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// SnapshotWriter is the single writer between components and the Store.
// Components enqueue a snapshot and return immediately; the latest snapshot
// per key wins. A failed write stays queued until a newer snapshot replaces it
// or the next drain retries it.
type SnapshotWriter struct {
	store  Store
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]interface{}

	writeMu sync.Mutex
	signal  chan struct{}

	writes   atomic.Int64
	failures atomic.Int64

	onError func(key string, err error)
}

// NewSnapshotWriter creates a writer for store. A nil store makes every
// operation a no-op.
func NewSnapshotWriter(store Store, logger zerolog.Logger) *SnapshotWriter {
	return &SnapshotWriter{
		store:   store,
		logger:  logger.With().Str("component", "snapshot_writer").Logger(),
		pending: make(map[string]interface{}),
		signal:  make(chan struct{}, 1),
	}
}

// OnError registers a callback invoked (outside locks) for each failed write.
func (w *SnapshotWriter) OnError(fn func(key string, err error)) {
	w.mu.Lock()
	w.onError = fn
	w.mu.Unlock()
}

// Save queues a snapshot. The value must not be mutated after the call.
func (w *SnapshotWriter) Save(key string, v interface{}) {
	if w == nil || w.store == nil {
		return
	}
	w.mu.Lock()
	w.pending[key] = v
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued keys.
func (w *SnapshotWriter) Pending() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Serve runs the writer loop until ctx is done, then drains once more.
// It satisfies suture.Service.
func (w *SnapshotWriter) Serve(ctx context.Context) error {
	retry := time.NewTicker(30 * time.Second)
	defer retry.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(flushCtx)
			cancel()
			return ctx.Err()
		case <-w.signal:
			w.drain(ctx)
		case <-retry.C:
			if w.Pending() > 0 {
				w.drain(ctx)
			}
		}
	}
}

func (w *SnapshotWriter) String() string { return "snapshot-writer" }

// Flush synchronously writes everything queued and returns the first error.
func (w *SnapshotWriter) Flush(ctx context.Context) error {
	if w == nil || w.store == nil {
		return nil
	}
	return w.drain(ctx)
}

func (w *SnapshotWriter) drain(ctx context.Context) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = make(map[string]interface{}, len(batch))
	onError := w.onError
	w.mu.Unlock()

	var firstErr error
	for key, v := range batch {
		if err := w.store.Save(ctx, key, v); err != nil {
			w.failures.Add(1)
			PersistenceFailures.WithLabelValues(key).Inc()
			w.logger.Error().Err(err).Str("key", key).Msg("snapshot write failed, will retry")

			w.mu.Lock()
			if _, newer := w.pending[key]; !newer {
				w.pending[key] = v
			}
			w.mu.Unlock()

			if onError != nil {
				onError(key, err)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		w.writes.Add(1)
	}
	return firstErr
}

// Stats returns writer counters.
func (w *SnapshotWriter) Stats() map[string]interface{} {
	return map[string]interface{}{
		"writes":   w.writes.Load(),
		"failures": w.failures.Load(),
		"pending":  w.Pending(),
	}
}
