// Package queue implements the asynchronous persistence queue between the
// WAL append (the durability point) and the chunk store (the readable
// state). Writes to the same collection key coalesce: only the newest
// payload for a key is ever applied, so a burst of updates to one chunk
// costs one chunk rewrite.
package queue

import (
	"context"
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/sessionvault/hooks"
)

// Sink is where flushed tasks land. Apply must be idempotent: a task may be
// retried after a failure.
type Sink interface {
	Apply(ctx context.Context, key string, payload []byte, ts int64) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, key string, payload []byte, ts int64) error

func (f SinkFunc) Apply(ctx context.Context, key string, payload []byte, ts int64) error {
	return f(ctx, key, payload, ts)
}

type task struct {
	payload []byte
	ts      int64  // WAL entry timestamp, UnixNano
	seq     uint64 // bumped on every coalesce, detects overwrites during apply
}

// Options holds configuration for the queue.
type Options struct {
	Sink          Sink
	FlushInterval time.Duration
	Logger        *slog.Logger
	HookManager   hooks.HookManager

	// OnApplied receives the highest entry timestamp fully applied in a
	// flush cycle. The engine advances its checkpoint candidate with it.
	OnApplied func(lastTs int64)

	// Metrics, injected by the engine.
	PendingTasks *expvar.Int
	FlushCycles  *expvar.Int
	ApplyErrors  *expvar.Int
}

// Queue is the coalescing persistence queue. One background worker drains
// it on a timer and on demand.
type Queue struct {
	opts Options

	mu    sync.Mutex
	cond  *sync.Cond
	tasks map[string]*task
	order []string // FIFO of keys with a pending task
	seq   uint64

	inFlight bool
	closed   bool

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}

	logger *slog.Logger
}

const defaultFlushInterval = 250 * time.Millisecond

// New creates the queue and starts its worker.
func New(opts Options) *Queue {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		opts:   opts,
		tasks:  make(map[string]*task),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.With("component", "PersistenceQueue"),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Enqueue records the newest payload for key. A pending task for the same
// key is replaced, never duplicated. Enqueue after Close is a programming
// error and is dropped with a log line.
func (q *Queue) Enqueue(key string, payload []byte, ts int64) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.logger.Error("Enqueue on closed queue dropped.", "key", key)
		return
	}
	q.seq++
	if existing, ok := q.tasks[key]; ok {
		existing.payload = payload
		existing.ts = ts
		existing.seq = q.seq
	} else {
		q.tasks[key] = &task{payload: payload, ts: ts, seq: q.seq}
		q.order = append(q.order, key)
		if q.opts.PendingTasks != nil {
			q.opts.PendingTasks.Add(1)
		}
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get returns the pending payload for key, if one exists. Readers consult
// this before the chunk store so a write is visible the moment Enqueue
// returns, not when the flush lands.
func (q *Queue) Get(key string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[key]; ok {
		return t.payload, true
	}
	return nil, false
}

// Keys returns the collection keys with a pending task, in no particular
// order. Listings merge these with on-disk state so a freshly written
// session is visible before its flush lands.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.tasks))
	for key := range q.tasks {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Flush nudges the worker without waiting for the timer.
func (q *Queue) Flush() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Drain blocks until every task enqueued before the call has been applied,
// or ctx expires. It is the barrier the engine takes before writing a
// checkpoint and before Close.
func (q *Queue) Drain(ctx context.Context) error {
	q.Flush()

	waitDone := make(chan struct{})
	go func() {
		q.mu.Lock()
		for len(q.tasks) > 0 || q.inFlight {
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		// Wake the waiter so its goroutine can exit.
		q.cond.Broadcast()
		return ctx.Err()
	}
}

// Close drains the queue and stops the worker. No Enqueue may follow.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	err := q.Drain(ctx)
	close(q.stop)
	<-q.done
	return err
}

func (q *Queue) worker() {
	defer close(q.done)
	ticker := time.NewTicker(q.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.flushCycle()
		case <-q.notify:
			q.flushCycle()
		case <-q.stop:
			// Final sweep for anything racing in before closed was set.
			q.flushCycle()
			return
		}
	}
}

// flushCycle applies one snapshot of the pending tasks in FIFO order. A
// failed task stays queued for the next cycle; a task overwritten while in
// flight keeps its newer payload pending.
func (q *Queue) flushCycle() {
	q.mu.Lock()
	if len(q.order) == 0 {
		q.mu.Unlock()
		return
	}
	keys := q.order
	q.inFlight = true
	q.mu.Unlock()

	ctx := context.Background()
	var applied int
	var lastTs int64

	for _, key := range keys {
		q.mu.Lock()
		t, ok := q.tasks[key]
		if !ok {
			q.mu.Unlock()
			continue
		}
		payload, ts, seq := t.payload, t.ts, t.seq
		q.mu.Unlock()

		if err := q.opts.Sink.Apply(ctx, key, payload, ts); err != nil {
			if q.opts.ApplyErrors != nil {
				q.opts.ApplyErrors.Add(1)
			}
			q.logger.Error("Failed to apply queued write, will retry.", "key", key, "error", err)
			continue
		}

		q.mu.Lock()
		if current, ok := q.tasks[key]; ok && current.seq == seq {
			delete(q.tasks, key)
			if q.opts.PendingTasks != nil {
				q.opts.PendingTasks.Add(-1)
			}
		}
		q.mu.Unlock()

		applied++
		if ts > lastTs {
			lastTs = ts
		}
	}

	// The high-water mark must advance before any Drain waiter wakes, or a
	// checkpoint taken right after a drain would miss this cycle's work.
	if applied > 0 {
		if q.opts.FlushCycles != nil {
			q.opts.FlushCycles.Add(1)
		}
		if q.opts.OnApplied != nil {
			q.opts.OnApplied(lastTs)
		}
	}

	q.mu.Lock()
	// Rebuild the FIFO from tasks that remain (failed or re-enqueued).
	remaining := q.order[:0]
	seen := make(map[string]struct{}, len(q.tasks))
	for _, key := range q.order {
		if _, ok := q.tasks[key]; ok {
			if _, dup := seen[key]; !dup {
				seen[key] = struct{}{}
				remaining = append(remaining, key)
			}
		}
	}
	q.order = remaining
	q.inFlight = false
	q.cond.Broadcast()
	q.mu.Unlock()

	if applied == 0 {
		return
	}
	if q.opts.HookManager != nil {
		q.opts.HookManager.Trigger(ctx, hooks.NewPostQueueFlushEvent(
			hooks.PostQueueFlushPayload{AppliedTasks: applied, LastApplied: lastTs}))
	}
}
