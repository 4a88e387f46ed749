package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// Observability signals emitted by the sync core.
const (
	QueueNearCapacity   = "queue_near_capacity"
	QueueNearFull       = "queue_near_full"
	QueueFull           = "queue_full"
	QueueCleared        = "queue_cleared"
	SyncRequested       = "sync_requested"
	SyncStarted         = "sync_started"
	SyncCompleted       = "sync_completed"
	SyncRetry           = "sync_retry"
	SyncFailed          = "sync_failed"
	EventDeadLettered   = "event_dead_lettered"
	OfflineModeEnabled  = "offline_mode_enabled"
	OnlineModeRestored  = "online_mode_restored"
	OfflineBufferLarge  = "offline_buffer_large"
	RateLimitExceeded   = "rate_limit_exceeded"
	CircuitStateChanged = "circuit_state_changed"
)

// Event represents a lightweight signal with a JSON payload.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// Publisher is the sink components emit signals into.
type Publisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	wildcard    []EventHandler
	mu          sync.RWMutex
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus. A nil logger discards handler failures.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "event-bus").Logger()
	}
	return &EventBus{subscribers: make(map[string][]EventHandler), logger: l}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// SubscribeAll registers a handler that sees every event.
func (b *EventBus) SubscribeAll(handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wildcard = append(b.wildcard, handler)
}

// Publish notifies subscribers of the event type. Handlers run
// synchronously; one failing handler does not stop the others.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	handlers = append(handlers, b.wildcard...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		if err := b.invoke(handler, event); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("event handler failed")
		}
	}
}

func (b *EventBus) invoke(handler EventHandler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(event)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}

// Emit publishes through p when it is set, logging encoding failures.
func Emit(p Publisher, logger *zerolog.Logger, eventType string, payload interface{}) {
	if p == nil {
		return
	}
	if err := p.PublishJSON(eventType, payload); err != nil && logger != nil {
		logger.Warn().Err(err).Str("event", eventType).Msg("publish signal")
	}
}
