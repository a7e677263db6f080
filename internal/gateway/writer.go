package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/evrhire/cadenza/pkg/types"
)

const (
	defaultQueueDepth   = 64
	defaultWriteTimeout = 15 * time.Second
)

// WriterOption is a functional option for configuring a Writer.
type WriterOption func(*Writer)

// WithQueueDepth sets the async write queue capacity. Defaults to 64.
func WithQueueDepth(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.depth = n
		}
	}
}

// WithWriteTimeout bounds each queued write. Defaults to 15s.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = l
	}
}

// Writer wraps a [Store] with the session's write semantics: transcript and
// signal writes are queued and performed by a background worker so a slow or
// failing backend never stalls the turn loop, while Finalize drains the queue
// and then writes synchronously. Failed queued writes are logged and dropped;
// losing one segment is better than losing the session.
//
// A Writer serves one interview session. Close it (or Finalize, which closes
// implicitly after flushing) when the session ends.
type Writer struct {
	store   Store
	depth   int
	timeout time.Duration
	logger  *slog.Logger

	jobs chan func(context.Context)
	done chan struct{}

	mu     sync.Mutex
	closed bool

	dropped atomic.Uint64
}

// NewWriter creates a Writer over store and starts its worker.
func NewWriter(store Store, opts ...WriterOption) (*Writer, error) {
	if store == nil {
		return nil, errors.New("gateway: store must not be nil")
	}
	w := &Writer{
		store:   store,
		depth:   defaultQueueDepth,
		timeout: defaultWriteTimeout,
		logger:  slog.Default().With("component", "gateway-writer"),
	}
	for _, o := range opts {
		o(w)
	}
	w.jobs = make(chan func(context.Context), w.depth)
	w.done = make(chan struct{})
	go w.run()
	return w, nil
}

func (w *Writer) run() {
	defer close(w.done)
	for job := range w.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		job(ctx)
		cancel()
	}
}

// enqueue pushes a job without blocking. Jobs are dropped when the queue is
// full or the writer is closed.
func (w *Writer) enqueue(kind string, job func(context.Context)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		w.dropped.Add(1)
		w.logger.Warn("write after close dropped", "kind", kind)
		return
	}
	select {
	case w.jobs <- job:
	default:
		w.dropped.Add(1)
		w.logger.Warn("write queue full, dropping", "kind", kind)
	}
}

// AppendTranscript queues a transcript append. It never blocks; failures are
// logged by the worker.
func (w *Writer) AppendTranscript(interviewID string, seg Segment) {
	w.enqueue("transcript", func(ctx context.Context) {
		if err := w.store.AppendTranscript(ctx, interviewID, seg); err != nil {
			w.logger.Error("transcript append failed",
				"interview_id", interviewID, "speaker", seg.Speaker, "error", err)
		}
	})
}

// UpdateSignals queues an anti-cheat signal flush. The slice is not copied;
// callers pass a snapshot they will not mutate.
func (w *Writer) UpdateSignals(interviewID string, signals []types.Signal) {
	w.enqueue("signals", func(ctx context.Context) {
		if err := w.store.UpdateSignals(ctx, interviewID, signals); err != nil {
			w.logger.Error("signal flush failed",
				"interview_id", interviewID, "count", len(signals), "error", err)
		}
	})
}

// Flush blocks until every write queued before the call has been attempted,
// or ctx expires.
func (w *Writer) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	select {
	case w.jobs <- func(context.Context) { close(barrier) }:
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		return errors.New("gateway: write queue full, cannot flush")
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: flush: %w", ctx.Err())
	}
}

// Finalize drains the queue, writes the closing record synchronously, and
// closes the writer. Unlike queued writes, the caller sees the error.
func (w *Writer) Finalize(ctx context.Context, interviewID string, req FinalizeRequest) error {
	if err := w.Flush(ctx); err != nil {
		w.logger.Warn("finalize proceeding without full flush", "error", err)
	}
	err := w.store.Finalize(ctx, interviewID, req)
	w.Close()
	return err
}

// Dropped reports how many writes were discarded because the queue was full
// or the writer was closed.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Close stops the worker after the queue drains. Safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.jobs)
	w.mu.Unlock()
	<-w.done
}
