package hooks

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() HookManager {
	return NewHookManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHookManager_SyncTriggerAndPriority(t *testing.T) {
	hm := testManager()
	var order []int

	hm.Register(EventPostCheckpoint, &FuncListener{
		Pri: 20,
		Fn: func(context.Context, HookEvent) error {
			order = append(order, 20)
			return nil
		},
	})
	hm.Register(EventPostCheckpoint, &FuncListener{
		Pri: 10,
		Fn: func(context.Context, HookEvent) error {
			order = append(order, 10)
			return nil
		},
	})

	err := hm.Trigger(context.Background(), NewPostCheckpointEvent(PostCheckpointPayload{LastApplied: 42}))
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20}, order, "listeners should run in priority order")
}

func TestHookManager_PreHookRejects(t *testing.T) {
	hm := testManager()
	hm.Register(EventPreDeleteSession, &FuncListener{
		Fn: func(context.Context, HookEvent) error {
			return errors.New("veto")
		},
	})

	err := hm.Trigger(context.Background(), NewEvent(EventPreDeleteSession, "session-1"))
	require.Error(t, err, "a failing Pre-hook must abort the operation")
}

func TestHookManager_PostHookErrorIsSwallowed(t *testing.T) {
	hm := testManager()
	hm.Register(EventPostIngest, &FuncListener{
		Fn: func(context.Context, HookEvent) error {
			return errors.New("listener bug")
		},
	})

	err := hm.Trigger(context.Background(), NewEvent(EventPostIngest, nil))
	assert.NoError(t, err, "Post-hook errors must not surface to the caller")
}

func TestHookManager_AsyncListenerAndStop(t *testing.T) {
	hm := testManager()
	var calls atomic.Int32

	hm.Register(EventPostWALRotate, &FuncListener{
		Async: true,
		Fn: func(context.Context, HookEvent) error {
			calls.Add(1)
			return nil
		},
	})

	require.NoError(t, hm.Trigger(context.Background(), NewPostWALRotateEvent(PostWALRotatePayload{
		OldSegmentIndex: 1,
		NewSegmentIndex: 2,
	})))

	hm.Stop() // barrier for async listeners
	assert.Equal(t, int32(1), calls.Load())
}
