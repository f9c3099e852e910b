package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures every applied task and can be told to fail.
type recordingSink struct {
	mu      sync.Mutex
	applied []appliedTask
	failing bool
	gate    chan struct{} // when set, Apply blocks until the gate closes
}

type appliedTask struct {
	key     string
	payload string
	ts      int64
}

func (s *recordingSink) Apply(_ context.Context, key string, payload []byte, ts int64) error {
	s.mu.Lock()
	gate := s.gate
	failing := s.failing
	s.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if failing {
		return errors.New("sink unavailable")
	}

	s.mu.Lock()
	s.applied = append(s.applied, appliedTask{key: key, payload: string(payload), ts: ts})
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) appliedTasks() []appliedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]appliedTask(nil), s.applied...)
}

func (s *recordingSink) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func testQueue(t *testing.T, sink Sink, opts ...func(*Options)) *Queue {
	t.Helper()
	o := Options{
		Sink:          sink,
		FlushInterval: time.Hour, // tests drive flushes explicitly
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	q := New(o)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Close(ctx)
	})
	return q
}

func TestQueue_CoalescesWritesToSameKey(t *testing.T) {
	var mu sync.Mutex
	var applied []string
	// Refuse every generation but the last so stale flush attempts retry
	// instead of landing.
	sink := SinkFunc(func(_ context.Context, _ string, payload []byte, _ int64) error {
		if string(payload) != "v3" {
			return errors.New("stale generation")
		}
		mu.Lock()
		applied = append(applied, string(payload))
		mu.Unlock()
		return nil
	})
	q := testQueue(t, sink)

	q.Enqueue("sessions/s1/metadata", []byte("v1"), 1)
	q.Enqueue("sessions/s1/metadata", []byte("v2"), 2)
	q.Enqueue("sessions/s1/metadata", []byte("v3"), 3)
	assert.LessOrEqual(t, q.Len(), 1, "same key coalesces to one task")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"v3"}, applied, "only the newest generation is applied")
}

func TestQueue_PendingValueIsReadable(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	q := testQueue(t, sink)

	q.Enqueue("sessions/s1/summary", []byte("pending"), 1)

	// The write is visible before the flush lands.
	payload, ok := q.Get("sessions/s1/summary")
	require.True(t, ok)
	assert.Equal(t, []byte("pending"), payload)

	sink.mu.Lock()
	close(sink.gate)
	sink.gate = nil
	sink.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	_, ok = q.Get("sessions/s1/summary")
	assert.False(t, ok, "applied task leaves the pending set")
}

func TestQueue_FIFOAcrossKeys(t *testing.T) {
	sink := &recordingSink{}
	q := testQueue(t, sink)

	q.Enqueue("k1", []byte("a"), 1)
	q.Enqueue("k2", []byte("b"), 2)
	q.Enqueue("k3", []byte("c"), 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	applied := sink.appliedTasks()
	require.Len(t, applied, 3)
	assert.Equal(t, "k1", applied[0].key)
	assert.Equal(t, "k2", applied[1].key)
	assert.Equal(t, "k3", applied[2].key)
}

func TestQueue_FailedApplyIsRetried(t *testing.T) {
	sink := &recordingSink{}
	sink.setFailing(true)
	q := testQueue(t, sink)

	q.Enqueue("k1", []byte("v"), 1)
	q.Flush()
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.appliedTasks(), "failed task is not consumed")

	sink.setFailing(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))
	require.Len(t, sink.appliedTasks(), 1)
}

func TestQueue_OnAppliedReportsHighWaterMark(t *testing.T) {
	sink := &recordingSink{}
	var mu sync.Mutex
	var lastTs int64
	q := testQueue(t, sink, func(o *Options) {
		o.OnApplied = func(ts int64) {
			mu.Lock()
			if ts > lastTs {
				lastTs = ts
			}
			mu.Unlock()
		}
	})

	q.Enqueue("k1", []byte("a"), 10)
	q.Enqueue("k2", []byte("b"), 30)
	q.Enqueue("k3", []byte("c"), 20)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Drain(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(30), lastTs)
}

func TestQueue_DrainTimesOutOnStuckSink(t *testing.T) {
	sink := &recordingSink{}
	sink.setFailing(true)
	q := testQueue(t, sink)

	q.Enqueue("k1", []byte("v"), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Unstick so the Cleanup Close can finish.
	sink.setFailing(false)
}

func TestQueue_CloseDrainsAndRejectsLateWrites(t *testing.T) {
	sink := &recordingSink{}
	q := New(Options{
		Sink:          sink,
		FlushInterval: time.Hour,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	q.Enqueue("k1", []byte("v"), 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
	require.Len(t, sink.appliedTasks(), 1)

	q.Enqueue("k2", []byte("late"), 2)
	assert.Equal(t, 0, q.Len(), "writes after Close are dropped")
}

func TestQueue_TimerDrivenFlush(t *testing.T) {
	sink := &recordingSink{}
	q := New(Options{
		Sink:          sink,
		FlushInterval: 5 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q.Close(ctx)
	}()

	q.Enqueue("k1", []byte("v"), 1)
	require.Eventually(t, func() bool { return len(sink.appliedTasks()) == 1 },
		time.Second, time.Millisecond)
}
