package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seanbearden/kalshi-analysis-sub000/internal/domain"
	"github.com/seanbearden/kalshi-analysis-sub000/internal/infra"
)

type opKind uint8

const (
	opUpsert opKind = iota + 1
	opDelete
)

type writeOp struct {
	kind     opKind
	position domain.Position
	ticker   string
}

// Writer drains ledger mutations to the cache on a background
// goroutine. A single FIFO queue preserves per-market write order; a
// failed write is retried with backoff and finally dropped, leaving the
// cache stale but never blocking or corrupting the live ledger.
type Writer struct {
	cache   *PositionCache
	ops     chan writeOp
	backoff infra.BackoffPolicy

	maxAttempts int

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	dropped atomic.Uint64 // enqueue overflows plus abandoned writes
	failed  atomic.Uint64 // individual write errors (including retried)
}

// NewWriter creates a writer with the given queue capacity.
func NewWriter(cache *PositionCache, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Writer{
		cache:       cache,
		ops:         make(chan writeOp, queueSize),
		backoff:     infra.NewBackoffPolicy(100*time.Millisecond, 5*time.Second, 0.1),
		maxAttempts: 5,
	}
}

// Start launches the drain goroutine.
func (w *Writer) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.drain(ctx)
}

// Stop flushes queued writes and stops the drain goroutine.
func (w *Writer) Stop() {
	close(w.ops)
	w.wg.Wait()
	if w.cancel != nil {
		w.cancel()
	}
}

// EnqueueUpsert queues a position write. Never blocks; if the queue is
// full the write is dropped and counted (cache staleness over hot-path
// stalls).
func (w *Writer) EnqueueUpsert(p domain.Position) {
	w.enqueue(writeOp{kind: opUpsert, position: p, ticker: p.Ticker})
}

// EnqueueDelete queues removal of a market's row. Never blocks.
func (w *Writer) EnqueueDelete(ticker string) {
	w.enqueue(writeOp{kind: opDelete, ticker: ticker})
}

func (w *Writer) enqueue(op writeOp) {
	select {
	case w.ops <- op:
	default:
		w.dropped.Add(1)
		slog.Warn("Cache write queue full, dropping write", "ticker", op.ticker)
	}
}

// Dropped returns the number of writes lost to overflow or exhausted
// retries.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

func (w *Writer) drain(ctx context.Context) {
	defer w.wg.Done()

	for op := range w.ops {
		w.apply(ctx, op)
	}
}

// apply performs one write, retrying with backoff. Head-of-line
// blocking here is intentional: it is what keeps per-market writes
// ordered.
func (w *Writer) apply(ctx context.Context, op writeOp) {
	for attempt := 0; attempt < w.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				w.dropped.Add(1)
				return
			case <-time.After(w.backoff.Delay(attempt - 1)):
			}
		}

		err := w.write(ctx, op)
		if err == nil {
			return
		}
		w.failed.Add(1)
		slog.Warn("Durable write failed",
			"ticker", op.ticker, "attempt", attempt+1, "err", err)
	}

	// The ledger stays authoritative; losing a cache write is only
	// staleness until the next mutation for this market.
	w.dropped.Add(1)
	slog.Error("Durable write abandoned after retries", "ticker", op.ticker)
}

func (w *Writer) write(ctx context.Context, op writeOp) error {
	switch op.kind {
	case opUpsert:
		return w.cache.Upsert(ctx, op.position)
	case opDelete:
		return w.cache.Delete(ctx, op.ticker)
	default:
		return nil
	}
}
