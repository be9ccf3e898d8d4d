package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/INLOpen/nexusingest/core"
)

// EventType defines the type of a hook event. Types starting with "Pre" run
// synchronously and may veto the operation by returning an error.
type EventType string

const (
	// Journal
	EventPreJournalWrite   EventType = "PreJournalWrite"
	EventPostJournalWrite  EventType = "PostJournalWrite"
	EventPostJournalCommit EventType = "PostJournalCommit"
	EventPostSegmentRoll   EventType = "PostSegmentRoll"
	EventPostRetention     EventType = "PostRetention"
	EventOnJournalUsage    EventType = "OnJournalUsage"

	// Stages
	EventOnMessageDropped   EventType = "OnMessageDropped"
	EventOnProcessingPaused EventType = "OnProcessingPaused"
	EventOnProcessingResume EventType = "OnProcessingResume"
	EventOnDecodeFailure    EventType = "OnDecodeFailure"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	Register(eventType EventType, listener HookListener)
	// Trigger fires all listeners registered for the event in priority order.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for in-flight asynchronous listeners.
	Stop()
}

type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called when a registered event fires. An error from a Pre
	// listener cancels the operation; errors from other listeners are logged.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority orders listeners; lower runs first.
	Priority() int
	// IsAsync requests background execution. Ignored for Pre events.
	IsAsync() bool
}

// ListenerFunc adapts a function into a synchronous listener with priority 0.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                      { return 0 }
func (f ListenerFunc) IsAsync() bool                                      { return false }

// JournalWritePayload is passed to PreJournalWrite. Entries is a pointer so a
// listener may filter the batch before it is persisted.
type JournalWritePayload struct {
	Entries *[]core.JournalEntry
}

func NewPreJournalWriteEvent(payload JournalWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPreJournalWrite, payload: payload}
}

// PostJournalWritePayload describes a persisted batch.
type PostJournalWritePayload struct {
	FirstOffset int64
	LastOffset  int64
	Entries     int
	Bytes       int64
}

func NewPostJournalWriteEvent(payload PostJournalWritePayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalWrite, payload: payload}
}

type JournalCommitPayload struct {
	Offset int64
}

func NewPostJournalCommitEvent(payload JournalCommitPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalCommit, payload: payload}
}

// SegmentRollPayload describes the segment that became active.
type SegmentRollPayload struct {
	PreviousBase int64
	NewBase      int64
	Path         string
}

func NewPostSegmentRollEvent(payload SegmentRollPayload) HookEvent {
	return &BaseEvent{eventType: EventPostSegmentRoll, payload: payload}
}

// RetentionPayload lists the segments a cleanup pass deleted.
type RetentionPayload struct {
	Reason       string
	RemovedBases []int64
	FreedBytes   int64
}

func NewPostRetentionEvent(payload RetentionPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRetention, payload: payload}
}

// JournalUsagePayload reports on-disk size against the configured maximum.
type JournalUsagePayload struct {
	Dir         string
	SizeBytes   int64
	MaxBytes    int64
	Uncommitted int64
}

// Ratio is SizeBytes/MaxBytes, or 0 when no maximum is configured.
func (p JournalUsagePayload) Ratio() float64 {
	if p.MaxBytes <= 0 {
		return 0
	}
	return float64(p.SizeBytes) / float64(p.MaxBytes)
}

func NewJournalUsageEvent(payload JournalUsagePayload) HookEvent {
	return &BaseEvent{eventType: EventOnJournalUsage, payload: payload}
}

// MessageDroppedPayload is emitted when a stage discards messages.
type MessageDroppedPayload struct {
	Stage  string
	Reason string
	Count  int
}

func NewMessageDroppedEvent(payload MessageDroppedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnMessageDropped, payload: payload}
}

func NewProcessingPausedEvent() HookEvent {
	return &BaseEvent{eventType: EventOnProcessingPaused}
}

func NewProcessingResumeEvent() HookEvent {
	return &BaseEvent{eventType: EventOnProcessingResume}
}

type DecodeFailurePayload struct {
	Codec  string
	Offset int64
	Err    error
}

func NewDecodeFailureEvent(payload DecodeFailurePayload) HookEvent {
	return &BaseEvent{eventType: EventOnDecodeFailure, payload: payload}
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices are kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	// Insert after any listener of equal priority so registration order breaks ties.
	idx := sort.Search(len(l), func(i int) bool { return l[i].priority > item.priority })
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item
	m.listeners[eventType] = l
}

func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")
	for _, item := range listeners {
		if isPreHook || !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous hook listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
	return nil
}

func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
