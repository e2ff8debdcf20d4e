package camera

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventCameraConnected    = "camera_connected"
	EventCameraDisconnected = "camera_disconnected"
	EventShutter            = "shutter"
	EventCommand            = "command"
	EventNotification       = "notification"
	EventKeepAliveFailed    = "keep_alive_failed"
)

// Event is published on the bus whenever camera state changes.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus fans camera events out to subscribers.
type EventBus struct {
	mu       sync.RWMutex
	byType   map[string]map[uint64]EventHandler
	wildcard map[uint64]EventHandler
	nextID   uint64
	logger   *slog.Logger
}

// NewEventBus creates an empty bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		byType:   make(map[string]map[uint64]EventHandler),
		wildcard: make(map[uint64]EventHandler),
		logger:   logger,
	}
}

// On subscribes handler to one event type and returns its unsubscribe func.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.byType[eventType] == nil {
		eb.byType[eventType] = make(map[uint64]EventHandler)
	}
	eb.byType[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.byType[eventType], id)
	}
}

// OnAll subscribes handler to every event.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.wildcard[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.wildcard, id)
	}
}

// Emit calls matching handlers synchronously. A panicking handler is
// logged and the remaining handlers still run.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.byType[event.Type])+len(eb.wildcard))
	for _, h := range eb.byType[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.wildcard {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		eb.call(h, event)
	}
}

func (eb *EventBus) call(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
		}
	}()
	h(event)
}
