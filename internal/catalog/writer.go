package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoseOO/TapeVaultr/internal/logging"
)

// Priority orders catalog writes. High is reserved for copy-status flags
// from the tape stage; routine progress updates ride Normal.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// maxConsecutiveHigh bounds how many high-priority writes may run in a row
// while normal-priority work is waiting, so progress updates cannot starve.
const maxConsecutiveHigh = 10

const writerQueueDepth = 256

// WriteOp is one serialized catalog mutation.
type WriteOp func(ctx context.Context) error

type queuedOp struct {
	op   WriteOp
	done chan error
}

// Writer funnels catalog mutations through a single goroutine so that
// pipeline workers never contend on the database writer lock.
type Writer struct {
	logger *logging.Logger

	high   chan queuedOp
	normal chan queuedOp

	pending int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	doneWG    sync.WaitGroup
}

// NewWriter creates a catalog write queue. Call Start before submitting.
func NewWriter(logger *logging.Logger) *Writer {
	return &Writer{
		logger:  logger,
		high:    make(chan queuedOp, writerQueueDepth),
		normal:  make(chan queuedOp, writerQueueDepth),
		stopped: make(chan struct{}),
	}
}

// Start launches the writer goroutine. Safe to call once.
func (w *Writer) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.doneWG.Add(1)
		go w.run(ctx)
	})
}

// Stop drains nothing further and waits for the in-flight operation to
// finish. Pending operations receive a shutdown error.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)
	})
	w.doneWG.Wait()
}

// Submit enqueues one catalog mutation and returns a channel that yields
// its result exactly once.
func (w *Writer) Submit(priority Priority, op WriteOp) <-chan error {
	done := make(chan error, 1)
	q := queuedOp{op: op, done: done}

	var target chan queuedOp
	if priority == PriorityHigh {
		target = w.high
	} else {
		target = w.normal
	}

	atomic.AddInt64(&w.pending, 1)
	select {
	case target <- q:
	case <-w.stopped:
		atomic.AddInt64(&w.pending, -1)
		done <- fmt.Errorf("catalog writer stopped")
	}
	return done
}

// SubmitWait enqueues one mutation and blocks for its result.
func (w *Writer) SubmitWait(ctx context.Context, priority Priority, op WriteOp) error {
	done := w.Submit(priority, op)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain blocks until every submitted operation has completed or the
// context expires.
func (w *Writer) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt64(&w.pending) == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	defer w.doneWG.Done()

	consecutiveHigh := 0
	for {
		// After a run of high-priority writes, give a waiting normal
		// write one slot before going back to the high lane.
		if consecutiveHigh >= maxConsecutiveHigh {
			select {
			case q := <-w.normal:
				consecutiveHigh = 0
				w.execute(ctx, q)
				continue
			default:
				consecutiveHigh = 0
			}
		}

		select {
		case q := <-w.high:
			consecutiveHigh++
			w.execute(ctx, q)
			continue
		default:
		}

		select {
		case q := <-w.high:
			consecutiveHigh++
			w.execute(ctx, q)
		case q := <-w.normal:
			consecutiveHigh = 0
			w.execute(ctx, q)
		case <-w.stopped:
			w.failPending()
			return
		case <-ctx.Done():
			w.failPending()
			return
		}
	}
}

func (w *Writer) execute(ctx context.Context, q queuedOp) {
	start := time.Now()
	err := q.op(ctx)
	if err != nil {
		w.logger.Warn("Catalog write failed", map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	atomic.AddInt64(&w.pending, -1)
	q.done <- err
}

// failPending rejects operations still queued at shutdown so callers are
// never left waiting.
func (w *Writer) failPending() {
	for {
		select {
		case q := <-w.high:
			atomic.AddInt64(&w.pending, -1)
			q.done <- fmt.Errorf("catalog writer stopped")
		case q := <-w.normal:
			atomic.AddInt64(&w.pending, -1)
			q.done <- fmt.Errorf("catalog writer stopped")
		default:
			return
		}
	}
}
