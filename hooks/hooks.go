package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/emberstore/core"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Page Tree Events
	EventPostPageWrite   EventType = "PostPageWrite"
	EventPostCopyOnWrite EventType = "PostCopyOnWrite"
	EventPostRawRecord   EventType = "PostRawRecord"
	EventPreCheckpoint   EventType = "PreCheckpoint"
	EventPostCheckpoint  EventType = "PostCheckpoint"

	// Query Lifecycle Events
	EventPreQuery  EventType = "PreQuery"
	EventPostQuery EventType = "PostQuery"

	// Operator Events, reported by running operators to the query controller
	EventOnStartOp     EventType = "OnStartOp"
	EventOnHaltOp      EventType = "OnHaltOp"
	EventOnBufferReady EventType = "OnBufferReady"
	EventOnCancelQuery EventType = "OnCancelQuery"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// PageWritePayload describes a page that has just been made persistent.
type PageWritePayload struct {
	Address core.Address
	Kind    string // "bucket" or "directory"
	Entries int
	Bytes   int
	// Evicted is true when the write was caused by a retention queue
	// eviction rather than a checkpoint.
	Evicted bool
}

// NewPostPageWriteEvent creates an event for after a page has been written to the store.
func NewPostPageWriteEvent(payload PageWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPostPageWrite, payload: payload}
}

// CopyOnWritePayload describes a persistent page that was cloned before mutation.
type CopyOnWritePayload struct {
	Original core.Address
	Kind     string
	Root     bool
}

// NewPostCopyOnWriteEvent creates an event for after a persistent page has been cloned.
func NewPostCopyOnWriteEvent(payload CopyOnWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCopyOnWrite, payload: payload}
}

// RawRecordPayload describes a value externalized to the store.
type RawRecordPayload struct {
	Address core.Address
	Key     []byte
	Bytes   int
}

// NewPostRawRecordEvent creates an event for after an oversized value has been written as a raw record.
func NewPostRawRecordEvent(payload RawRecordPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRawRecord, payload: payload}
}

// PreCheckpointPayload contains data for a PreCheckpoint event.
type PreCheckpointPayload struct {
	Entries     uint64
	PendingFree int
}

// NewPreCheckpointEvent creates an event for before a tree checkpoint starts.
// Returning an error from a listener cancels the checkpoint.
func NewPreCheckpointEvent(payload PreCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCheckpoint, payload: payload}
}

// PostCheckpointPayload contains data about a completed checkpoint.
type PostCheckpointPayload struct {
	Checkpoint   core.Address
	Root         core.Address
	Entries      uint64
	PagesWritten int
	Freed        int
	Duration     time.Duration
}

// NewPostCheckpointEvent creates an event for after a checkpoint record has been written.
func NewPostCheckpointEvent(payload PostCheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpoint, payload: payload}
}

// PreQueryPayload contains the query shape before execution.
// Stages is a pointer so listeners can inspect or veto the plan.
type PreQueryPayload struct {
	QueryID string
	Stages  *[]string
}

// NewPreQueryEvent creates an event for before a query is executed.
func NewPreQueryEvent(payload PreQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPreQuery, payload: payload}
}

// PostQueryPayload contains information after a query has executed.
type PostQueryPayload struct {
	QueryID  string
	Outcome  string
	Duration time.Duration
	Error    error
}

// NewPostQueryEvent creates an event for after a query has executed.
func NewPostQueryEvent(payload PostQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostQuery, payload: payload}
}

// OpPayload identifies an operator invocation inside a running query.
type OpPayload struct {
	QueryID string
	BopID   int
	Op      string
	// Cause is set on halt and cancel events; nil means normal completion.
	Cause error
	// Units is the number of records handed downstream by a BufferReady event.
	Units int
}

// NewOnStartOpEvent creates an event for when an operator task starts.
func NewOnStartOpEvent(payload OpPayload) HookEvent {
	return &BaseEvent{eventType: EventOnStartOp, payload: payload}
}

// NewOnHaltOpEvent creates an event for when an operator task finishes.
func NewOnHaltOpEvent(payload OpPayload) HookEvent {
	return &BaseEvent{eventType: EventOnHaltOp, payload: payload}
}

// NewOnBufferReadyEvent creates an event for when an operator hands a chunk to its sink.
func NewOnBufferReadyEvent(payload OpPayload) HookEvent {
	return &BaseEvent{eventType: EventOnBufferReady, payload: payload}
}

// NewOnCancelQueryEvent creates an event for when a query is cancelled.
func NewOnCancelQueryEvent(payload OpPayload) HookEvent {
	return &BaseEvent{eventType: EventOnCancelQuery, payload: payload}
}

// --- HookListener Interface ---

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreCheckpoint) can cancel the operation.
	// Errors from other hooks are logged without affecting the main operation.
	OnEvent(ctx context.Context, event HookEvent) error

	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int

	// IsAsync indicates if the listener should be called asynchronously for non-Pre events.
	IsAsync() bool
}

// ListenerFunc adapts a function into a synchronous HookListener.
type ListenerFunc struct {
	Fn    func(ctx context.Context, event HookEvent) error
	Order int
	Async bool
}

func (l ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return l.Fn(ctx, event) }
func (l ListenerFunc) Priority() int                                      { return l.Order }
func (l ListenerFunc) IsAsync() bool                                      { return l.Async }

// listenerWithPriority wraps a listener with its priority for ordered dispatch.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		// Default to a discard logger to prevent nil panics if no logger is provided.
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	// First index whose priority is strictly greater keeps ties stable.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// Fire triggers event on m when m is non-nil. Components that treat hooks as
// optional call this instead of checking for a manager themselves.
func Fire(ctx context.Context, m HookManager, event HookEvent) error {
	if m == nil {
		return nil
	}
	return m.Trigger(ctx, event)
}
