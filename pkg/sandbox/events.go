package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventType represents the type of event
type EventType string

const (
	EventTypeSandboxCreated    EventType = "sandbox.created"
	EventTypeSandboxStarted    EventType = "sandbox.started"
	EventTypeSandboxUpdated    EventType = "sandbox.updated"
	EventTypeSandboxStopped    EventType = "sandbox.stopped"
	EventTypeSandboxDeleted    EventType = "sandbox.deleted"
	EventTypeContainerAppended EventType = "container.appended"
	EventTypeContainerUpdated  EventType = "container.updated"
	EventTypeContainerRemoved  EventType = "container.removed"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	// EventSeverityInfo represents informational events
	EventSeverityInfo EventSeverity = "info"
	// EventSeverityWarning represents warning events
	EventSeverityWarning EventSeverity = "warning"
)

// Event represents a lifecycle event
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	Severity    EventSeverity          `json:"severity"`
	Source      string                 `json:"source"`
	SandboxID   string                 `json:"sandbox_id"`
	ContainerID string                 `json:"container_id,omitempty"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// EventHandler defines a function that handles events
type EventHandler func(event Event) error

// EventFilter defines a function that filters events
type EventFilter func(event Event) bool

// EventSubscription represents an event subscription
type EventSubscription struct {
	ID       string       `json:"id"`
	Filter   EventFilter  `json:"-"`
	Handler  EventHandler `json:"-"`
	Types    []EventType  `json:"types"`
	Created  time.Time    `json:"created"`
	LastUsed time.Time    `json:"last_used"`
	Count    int64        `json:"count"`
	Active   bool         `json:"active"`
}

// EventPersistence persists events outside the process
type EventPersistence interface {
	SaveEvent(event Event) error
	LoadEvents(filter EventFilter, limit int) ([]Event, error)
	CleanupOldEvents(olderThan time.Duration) error
}

// EventBusConfig configures an EventBus
type EventBusConfig struct {
	BufferSize      int
	Retention       time.Duration
	CleanupInterval time.Duration
	Persistence     EventPersistence
}

// DefaultEventBusConfig returns the default event bus configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		BufferSize:      1000,
		Retention:       7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// EventBus fans lifecycle events out to subscribers and keeps a bounded
// history. Publishing never blocks. A single dispatcher drains the queue,
// so history, persistence and subscribers all see publish order.
type EventBus struct {
	mu            sync.RWMutex
	subscriptions map[string]*EventSubscription
	eventBuffer   []Event
	bufferSize    int
	eventQueue    chan Event
	ctx           context.Context
	cancel        context.CancelFunc
	stopOnce      sync.Once
	wg            sync.WaitGroup
	config        EventBusConfig
}

// NewEventBus creates a new event bus and starts its dispatcher
func NewEventBus(config EventBusConfig) *EventBus {
	defaults := DefaultEventBusConfig()
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.Retention <= 0 {
		config.Retention = defaults.Retention
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = defaults.CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	eb := &EventBus{
		subscriptions: make(map[string]*EventSubscription),
		eventBuffer:   make([]Event, 0, config.BufferSize),
		bufferSize:    config.BufferSize,
		eventQueue:    make(chan Event, config.BufferSize*2),
		ctx:           ctx,
		cancel:        cancel,
		config:        config,
	}

	eb.wg.Add(1)
	go eb.dispatch()

	if config.Persistence != nil {
		eb.wg.Add(1)
		go eb.cleanupWorker()
	}

	log.Info().
		Int("buffer_size", config.BufferSize).
		Bool("persistent", config.Persistence != nil).
		Msg("Event bus initialized")

	return eb
}

// Subscribe subscribes to events with optional filter. No event types
// means all types.
func (eb *EventBus) Subscribe(handler EventHandler, filter EventFilter, eventTypes ...EventType) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subscription := &EventSubscription{
		ID:       "sub-" + uuid.NewString(),
		Handler:  handler,
		Filter:   filter,
		Types:    eventTypes,
		Created:  time.Now(),
		LastUsed: time.Now(),
		Active:   true,
	}

	eb.subscriptions[subscription.ID] = subscription

	log.Debug().
		Str("subscription_id", subscription.ID).
		Int("event_types", len(eventTypes)).
		Msg("Event subscription created")

	return subscription.ID
}

// Unsubscribe removes a subscription
func (eb *EventBus) Unsubscribe(subscriptionID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscriptions[subscriptionID]; exists {
		sub.Active = false
		delete(eb.subscriptions, subscriptionID)
		log.Debug().Str("subscription_id", subscriptionID).Msg("Event subscription removed")
	}
}

// Publish queues an event for delivery. A full queue or a stopped bus
// drops the event.
func (eb *EventBus) Publish(event Event) {
	if event.ID == "" {
		event.ID = "evt-" + uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = EventSeverityInfo
	}

	select {
	case <-eb.ctx.Done():
		return
	default:
	}

	select {
	case eb.eventQueue <- event:
		log.Debug().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("Event queued for processing")
	default:
		log.Warn().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("Event queue full, dropping event")
	}
}

// GetSubscriptions returns all active subscriptions
func (eb *EventBus) GetSubscriptions() []*EventSubscription {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	subscriptions := make([]*EventSubscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		if sub.Active {
			subCopy := *sub
			subCopy.Handler = nil
			subCopy.Filter = nil
			subscriptions = append(subscriptions, &subCopy)
		}
	}

	return subscriptions
}

// GetEventHistory returns up to limit of the most recent events, oldest
// first. limit <= 0 returns the whole buffer.
func (eb *EventBus) GetEventHistory(limit int) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > len(eb.eventBuffer) {
		limit = len(eb.eventBuffer)
	}

	start := len(eb.eventBuffer) - limit
	history := make([]Event, limit)
	copy(history, eb.eventBuffer[start:])
	return history
}

// LoadPersistedEvents reads events back from the persistence layer
func (eb *EventBus) LoadPersistedEvents(filter EventFilter, limit int) ([]Event, error) {
	if eb.config.Persistence == nil {
		return nil, fmt.Errorf("event persistence is not configured")
	}
	return eb.config.Persistence.LoadEvents(filter, limit)
}

// Stop stops the dispatcher. Events still queued are discarded.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		log.Info().Msg("Stopping event bus")
		eb.cancel()
		eb.wg.Wait()
	})
}

func (eb *EventBus) dispatch() {
	defer eb.wg.Done()
	for {
		select {
		case <-eb.ctx.Done():
			return
		case event := <-eb.eventQueue:
			eb.processEvent(event)
		}
	}
}

func (eb *EventBus) processEvent(event Event) {
	eb.mu.Lock()
	if len(eb.eventBuffer) >= eb.bufferSize {
		copy(eb.eventBuffer, eb.eventBuffer[1:])
		eb.eventBuffer[len(eb.eventBuffer)-1] = event
	} else {
		eb.eventBuffer = append(eb.eventBuffer, event)
	}
	eb.mu.Unlock()

	if eb.config.Persistence != nil {
		if err := eb.config.Persistence.SaveEvent(event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID).Msg("Failed to persist event")
		}
	}

	eb.notifySubscribers(event)
}

func (eb *EventBus) notifySubscribers(event Event) {
	eb.mu.RLock()
	subscriptions := make([]*EventSubscription, 0, len(eb.subscriptions))
	for _, sub := range eb.subscriptions {
		if sub.Active {
			subscriptions = append(subscriptions, sub)
		}
	}
	eb.mu.RUnlock()

	for _, sub := range subscriptions {
		if matchesSubscription(event, sub) {
			eb.callHandler(event, sub)
		}
	}
}

func matchesSubscription(event Event, sub *EventSubscription) bool {
	if len(sub.Types) > 0 {
		matched := false
		for _, eventType := range sub.Types {
			if event.Type == eventType {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if sub.Filter != nil && !sub.Filter(event) {
		return false
	}

	return true
}

func (eb *EventBus) callHandler(event Event, sub *EventSubscription) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("subscription_id", sub.ID).
				Str("event_id", event.ID).
				Msg("Event handler panicked")
		}
	}()

	if sub.Handler == nil {
		return
	}

	if err := sub.Handler(event); err != nil {
		log.Error().
			Err(err).
			Str("subscription_id", sub.ID).
			Str("event_id", event.ID).
			Msg("Event handler returned error")
		return
	}

	eb.mu.Lock()
	sub.LastUsed = time.Now()
	sub.Count++
	eb.mu.Unlock()
}

func (eb *EventBus) cleanupWorker() {
	defer eb.wg.Done()
	ticker := time.NewTicker(eb.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-eb.ctx.Done():
			return
		case <-ticker.C:
			if err := eb.config.Persistence.CleanupOldEvents(eb.config.Retention); err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old events")
			}
		}
	}
}

// newLifecycleEvent builds an event for a sandbox or container operation
func newLifecycleEvent(eventType EventType, sandboxID, containerID, message string, metadata map[string]interface{}) Event {
	return Event{
		Type:        eventType,
		Severity:    EventSeverityInfo,
		Source:      "sandboxer",
		SandboxID:   sandboxID,
		ContainerID: containerID,
		Message:     message,
		Metadata:    metadata,
	}
}

// SandboxFilter creates a filter for events related to a specific sandbox
func SandboxFilter(sandboxID string) EventFilter {
	return func(event Event) bool {
		return event.SandboxID == sandboxID
	}
}

// TypeFilter creates a filter matching any of the given types
func TypeFilter(types ...EventType) EventFilter {
	typeMap := make(map[EventType]bool)
	for _, t := range types {
		typeMap[t] = true
	}

	return func(event Event) bool {
		return typeMap[event.Type]
	}
}

// TimeRangeFilter creates a filter for events within a time range
func TimeRangeFilter(start, end time.Time) EventFilter {
	return func(event Event) bool {
		return event.Timestamp.After(start) && event.Timestamp.Before(end)
	}
}
