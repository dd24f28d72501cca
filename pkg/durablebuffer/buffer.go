// Package durablebuffer is the switchboard's ingestion buffer: a bounded
// in-memory queue backed by a worker pool, with a periodic DB scanner that
// recovers references whose processing was interrupted by a crash or a
// full queue.
package durablebuffer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/butlerhq/substrate/pkg/dbx"
)

// MessageRef is the unit of work the buffer carries. It is reconstructed
// either from a fresh ingest call (hot path) or from a row recovered by
// the scanner (cold path).
type MessageRef struct {
	InboxID        string
	NormalizedText string
}

// ProcessFunc handles one MessageRef. A non-nil error marks the row
// errored; nil marks it processed.
type ProcessFunc func(ctx context.Context, ref MessageRef) error

// Config controls queue capacity, worker count, and scanner cadence.
type Config struct {
	QueueCapacity    int
	WorkerCount      int
	ScannerInterval  time.Duration
	ScannerBatchSize int
	ScannerGrace     time.Duration
}

// Stats is the buffer's observable counter snapshot.
type Stats struct {
	QueueDepth            int
	EnqueueHotTotal       int64
	EnqueueColdTotal      int64
	BackpressureTotal     int64
	ScannerRecoveredTotal int64
}

// Buffer is the switchboard's durable ingestion buffer.
type Buffer struct {
	cfg       Config
	pool      dbx.Queryer // nil disables the scanner
	processFn ProcessFunc
	logger    *slog.Logger

	queue  chan MessageRef
	stopCh chan struct{}

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	enqueueHotTotal       atomic.Int64
	enqueueColdTotal      atomic.Int64
	backpressureTotal     atomic.Int64
	scannerRecoveredTotal atomic.Int64
}

// New builds a Buffer. pool may be nil, in which case the scanner sweep
// never runs (used in tests exercising only the queue/worker path).
func New(cfg Config, pool dbx.Queryer, processFn ProcessFunc) *Buffer {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	return &Buffer{
		cfg:       cfg,
		pool:      pool,
		processFn: processFn,
		logger:    slog.Default(),
		queue:     make(chan MessageRef, cfg.QueueCapacity),
		stopCh:    make(chan struct{}),
	}
}

// Start spawns the worker routines and, if a DB pool was supplied, the
// scanner sweep goroutine. Idempotent.
func (b *Buffer) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true

	for i := 0; i < b.cfg.WorkerCount; i++ {
		b.wg.Add(1)
		go b.runWorker(ctx)
	}

	if b.pool != nil && b.cfg.ScannerInterval > 0 {
		b.wg.Add(1)
		go b.runScanner(ctx)
	}
}

// Stop awaits the queue draining up to drainTimeout, then cancels workers
// and the scanner. Idempotent.
func (b *Buffer) Stop(drainTimeout time.Duration) {
	deadline := time.After(drainTimeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

wait:
	for {
		if len(b.queue) == 0 {
			break wait
		}
		select {
		case <-deadline:
			break wait
		case <-ticker.C:
		}
	}

	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Enqueue is the hot path: called synchronously by the ingest tool after
// it has already persisted the envelope. Non-blocking.
func (b *Buffer) Enqueue(ref MessageRef) bool {
	ok := b.enqueueRaw(ref)
	if ok {
		b.enqueueHotTotal.Add(1)
	} else {
		b.backpressureTotal.Add(1)
	}
	return ok
}

func (b *Buffer) enqueueRaw(ref MessageRef) bool {
	select {
	case b.queue <- ref:
		return true
	default:
		return false
	}
}

func (b *Buffer) runWorker(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case ref := <-b.queue:
			b.handle(ctx, ref)
		}
	}
}

func (b *Buffer) handle(ctx context.Context, ref MessageRef) {
	b.markProcessing(ctx, ref.InboxID)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{value: r}
			}
		}()
		return b.processFn(ctx, ref)
	}()

	if err != nil {
		b.logger.Error("durable buffer: processing failed", "inbox_id", ref.InboxID, "error", err)
		b.markErrored(ctx, ref.InboxID, err.Error())
		return
	}
	b.markProcessed(ctx, ref.InboxID)
}

func (b *Buffer) markProcessing(ctx context.Context, inboxID string) {
	if b.pool == nil {
		return
	}
	_, err := dbx.Execute(ctx, b.pool, `
		UPDATE ingest_messages SET lifecycle_state = 'processing'
		WHERE id = $1 AND lifecycle_state = 'accepted'
	`, inboxID)
	if err != nil {
		b.logger.Error("durable buffer: failed to mark row processing", "inbox_id", inboxID, "error", err)
	}
}

func (b *Buffer) markProcessed(ctx context.Context, inboxID string) {
	if b.pool == nil {
		return
	}
	_, err := dbx.Execute(ctx, b.pool, `
		UPDATE ingest_messages SET lifecycle_state = 'processed', processed_at = now()
		WHERE id = $1 AND lifecycle_state = 'processing'
	`, inboxID)
	if err != nil {
		b.logger.Error("durable buffer: failed to mark row processed", "inbox_id", inboxID, "error", err)
	}
}

func (b *Buffer) markErrored(ctx context.Context, inboxID, reason string) {
	if b.pool == nil {
		return
	}
	_, err := dbx.Execute(ctx, b.pool, `
		UPDATE ingest_messages SET lifecycle_state = 'errored', processed_at = now(), error = $2
		WHERE id = $1 AND lifecycle_state IN ('processing', 'accepted')
	`, inboxID, reason)
	if err != nil {
		b.logger.Error("durable buffer: failed to mark row errored", "inbox_id", inboxID, "error", err)
	}
}

// Stats returns a snapshot of the buffer's observable counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		QueueDepth:            len(b.queue),
		EnqueueHotTotal:       b.enqueueHotTotal.Load(),
		EnqueueColdTotal:      b.enqueueColdTotal.Load(),
		BackpressureTotal:     b.backpressureTotal.Load(),
		ScannerRecoveredTotal: b.scannerRecoveredTotal.Load(),
	}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "panic in process_fn" }
