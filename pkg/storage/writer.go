package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// WriterStats counts write-behind outcomes
type WriterStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

// Writer persists instance records from a bounded queue on a single
// goroutine. Enqueue never blocks; a full queue drops the record.
type Writer struct {
	store   *InstanceStore
	queue   chan *InstanceRecord
	timeout time.Duration

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewWriter starts a write-behind writer
func NewWriter(store *InstanceStore, queueSize int, timeout time.Duration) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	w := &Writer{
		store:   store,
		queue:   make(chan *InstanceRecord, queueSize),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue schedules a copy of record for persistence
func (w *Writer) Enqueue(record *InstanceRecord) {
	copied := *record

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.dropped.Add(1)
		return
	}

	select {
	case w.queue <- &copied:
	default:
		w.dropped.Add(1)
		log.Warn().
			Str("instance_id", record.ID).
			Str("status", record.Status).
			Msg("Persistence queue full, dropping instance record")
	}
}

// LoadLive returns persisted records whose containers should still exist
func (w *Writer) LoadLive(ctx context.Context) ([]*InstanceRecord, error) {
	return w.store.ListLive(ctx)
}

// Get returns the persisted record of one instance. Records still queued
// are not visible yet.
func (w *Writer) Get(ctx context.Context, id string) (*InstanceRecord, error) {
	return w.store.Get(ctx, id)
}

// History returns the newest persisted records of an owner
func (w *Writer) History(ctx context.Context, ownerID string, limit int) ([]*InstanceRecord, error) {
	return w.store.ListByOwner(ctx, ownerID, limit)
}

// Stats returns the writer counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Pending: len(w.queue),
	}
}

// Close stops accepting records and waits for the queue to drain
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain persistence queue: %w", ctx.Err())
	}
}

func (w *Writer) run() {
	defer close(w.done)

	for record := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.store.Save(ctx, record)
		cancel()

		if err != nil {
			w.failed.Add(1)
			log.Error().
				Err(err).
				Str("instance_id", record.ID).
				Str("status", record.Status).
				Msg("Failed to persist instance record")
			continue
		}
		w.written.Add(1)
	}
}
