// Package hooks provides a lightweight event hook manager for the storage
// engine. Components trigger lifecycle events; listeners observe them for
// instrumentation or to veto an operation from a Pre-hook.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Session lifecycle
	EventPreIngest         EventType = "PreIngest"
	EventPostIngest        EventType = "PostIngest"
	EventPreDeleteSession  EventType = "PreDeleteSession"
	EventPostDeleteSession EventType = "PostDeleteSession"

	// Durability lifecycle
	EventPostWALAppend  EventType = "PostWALAppend"
	EventPostWALRotate  EventType = "PostWALRotate"
	EventPostCheckpoint EventType = "PostCheckpoint"
	EventPostRecovery   EventType = "PostRecovery"
	EventPostQueueFlush EventType = "PostQueueFlush"

	// Cache lifecycle
	EventOnCacheEviction EventType = "OnCacheEviction"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event. Pre-event
	// listener errors abort the triggering operation; Post-event listener
	// errors are logged only.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// HookListener receives events from the manager.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners for one event; lower runs first.
	Priority() int
	// IsAsync indicates the listener should run in its own goroutine for
	// Post-events. Pre-events always run synchronously.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// NewEvent creates a generic event with the given type and payload.
func NewEvent(eventType EventType, payload interface{}) HookEvent {
	return &BaseEvent{eventType: eventType, payload: payload}
}

// --- Event payloads ---

// PostWALRotatePayload is delivered after a WAL segment rotation.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

// NewPostWALRotateEvent creates the event for a completed WAL rotation.
func NewPostWALRotateEvent(payload PostWALRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWALRotate, payload: payload}
}

// PostCheckpointPayload is delivered after a checkpoint marker is written.
type PostCheckpointPayload struct {
	LastApplied          int64
	LastSafeSegmentIndex uint64
}

// NewPostCheckpointEvent creates the event for a completed checkpoint.
func NewPostCheckpointEvent(payload PostCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// PostRecoveryPayload is delivered once startup recovery finishes.
type PostRecoveryPayload struct {
	ReplayedEntries int
	SkippedEntries  int
	Partial         bool
}

// NewPostRecoveryEvent creates the event for a finished recovery pass.
func NewPostRecoveryEvent(payload PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

// PostQueueFlushPayload is delivered after a persistence queue flush cycle
// that applied at least one task.
type PostQueueFlushPayload struct {
	AppliedTasks int
	LastApplied  int64
}

// NewPostQueueFlushEvent creates the event for a completed queue flush.
func NewPostQueueFlushEvent(payload PostQueueFlushPayload) HookEvent {
	return &BaseEvent{eventType: EventPostQueueFlush, payload: payload}
}

// CacheEvictionPayload is delivered when the bounded cache drops an entry.
type CacheEvictionPayload struct {
	Key       string
	SizeBytes int64
	Idle      bool // true when removed by the idle sweep rather than budget pressure
}

// NewCacheEvictionEvent creates the event for a cache eviction.
func NewCacheEvictionEvent(payload CacheEvictionPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCacheEviction, payload: payload}
}

// --- Manager implementation ---

type listenerWithPriority struct {
	listener HookListener
	priority int
}

type hookManager struct {
	mu        sync.RWMutex
	listeners map[EventType][]*listenerWithPriority
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewHookManager creates a HookManager. A nil logger falls back to slog.Default.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &hookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

func (hm *hookManager) Register(eventType EventType, listener HookListener) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	items := append(hm.listeners[eventType], &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	})
	sort.SliceStable(items, func(i, j int) bool { return items[i].priority < items[j].priority })
	hm.listeners[eventType] = items
}

func (hm *hookManager) Trigger(ctx context.Context, event HookEvent) error {
	hm.mu.RLock()
	items := hm.listeners[event.Type()]
	hm.mu.RUnlock()

	isPre := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range items {
		if !isPre && item.listener.IsAsync() {
			hm.wg.Add(1)
			go func(l HookListener) {
				defer hm.wg.Done()
				if err := l.OnEvent(context.WithoutCancel(ctx), event); err != nil {
					hm.logger.Warn("Async hook listener failed.", "event", event.Type(), "error", err)
				}
			}(item.listener)
			continue
		}

		if err := item.listener.OnEvent(ctx, event); err != nil {
			if isPre {
				return fmt.Errorf("pre-hook for %s rejected operation: %w", event.Type(), err)
			}
			hm.logger.Warn("Hook listener failed.", "event", event.Type(), "error", err)
		}
	}
	return nil
}

func (hm *hookManager) Stop() {
	hm.wg.Wait()
}

// FuncListener adapts a plain function into a HookListener.
type FuncListener struct {
	Fn    func(ctx context.Context, event HookEvent) error
	Pri   int
	Async bool
}

func (f *FuncListener) OnEvent(ctx context.Context, event HookEvent) error { return f.Fn(ctx, event) }
func (f *FuncListener) Priority() int                                      { return f.Pri }
func (f *FuncListener) IsAsync() bool                                      { return f.Async }
