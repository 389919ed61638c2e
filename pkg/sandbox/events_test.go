package sandbox

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryPersistence struct {
	mu       sync.Mutex
	events   []Event
	cleanups int
}

func (p *memoryPersistence) SaveEvent(event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *memoryPersistence) LoadEvents(filter EventFilter, limit int) ([]Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Event
	for _, e := range p.events {
		if filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (p *memoryPersistence) CleanupOldEvents(olderThan time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanups++
	return nil
}

func (p *memoryPersistence) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *eventRecorder) types() []EventType {
	var types []EventType
	for _, e := range r.snapshot() {
		types = append(types, e.Type)
	}
	return types
}

func TestDefaultEventBusConfig(t *testing.T) {
	config := DefaultEventBusConfig()
	assert.Equal(t, 1000, config.BufferSize)
	assert.Equal(t, 7*24*time.Hour, config.Retention)
	assert.Equal(t, time.Hour, config.CleanupInterval)
	assert.Nil(t, config.Persistence)
}

func TestEventBusSubscription(t *testing.T) {
	bus := NewEventBus(EventBusConfig{BufferSize: 10})
	defer bus.Stop()

	recorder := &eventRecorder{}
	subscriptionID := bus.Subscribe(recorder.handle, nil, EventTypeSandboxCreated)
	assert.NotEmpty(t, subscriptionID)

	bus.Publish(Event{Type: EventTypeSandboxCreated, SandboxID: "sb-1", Message: "created"})

	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 1 }, time.Second, 10*time.Millisecond)

	received := recorder.snapshot()[0]
	assert.Equal(t, EventTypeSandboxCreated, received.Type)
	assert.Equal(t, "sb-1", received.SandboxID)
	assert.NotEmpty(t, received.ID)
	assert.False(t, received.Timestamp.IsZero())
	assert.Equal(t, EventSeverityInfo, received.Severity)
}

func TestEventBusFiltering(t *testing.T) {
	bus := NewEventBus(EventBusConfig{BufferSize: 10})
	defer bus.Stop()

	created := &eventRecorder{}
	forSandbox := &eventRecorder{}
	bus.Subscribe(created.handle, nil, EventTypeSandboxCreated)
	bus.Subscribe(forSandbox.handle, SandboxFilter("sb-2"))

	bus.Publish(Event{Type: EventTypeSandboxCreated, SandboxID: "sb-1"})
	bus.Publish(Event{Type: EventTypeSandboxStarted, SandboxID: "sb-2"})
	bus.Publish(Event{Type: EventTypeSandboxCreated, SandboxID: "sb-2"})

	require.Eventually(t, func() bool {
		return len(created.snapshot()) == 2 && len(forSandbox.snapshot()) == 2
	}, time.Second, 10*time.Millisecond)

	for _, e := range created.snapshot() {
		assert.Equal(t, EventTypeSandboxCreated, e.Type)
	}
	for _, e := range forSandbox.snapshot() {
		assert.Equal(t, "sb-2", e.SandboxID)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus(EventBusConfig{BufferSize: 10})
	defer bus.Stop()

	recorder := &eventRecorder{}
	id := bus.Subscribe(recorder.handle, nil)
	require.Len(t, bus.GetSubscriptions(), 1)

	bus.Unsubscribe(id)
	assert.Empty(t, bus.GetSubscriptions())

	bus.Publish(Event{Type: EventTypeSandboxCreated, SandboxID: "sb-1"})
	require.Eventually(t, func() bool { return len(bus.GetEventHistory(0)) == 1 }, time.Second, 10*time.Millisecond)
	assert.Empty(t, recorder.snapshot())
}

func TestEventBusHistoryIsBounded(t *testing.T) {
	bus := NewEventBus(EventBusConfig{BufferSize: 3})
	defer bus.Stop()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventTypeSandboxUpdated, SandboxID: "sb", Message: string(rune('a' + i))})
		require.Eventually(t, func() bool {
			history := bus.GetEventHistory(0)
			return len(history) > 0 && history[len(history)-1].Message == string(rune('a'+i))
		}, time.Second, 5*time.Millisecond)
	}

	history := bus.GetEventHistory(0)
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].Message)
	assert.Equal(t, "e", history[2].Message)

	latest := bus.GetEventHistory(1)
	require.Len(t, latest, 1)
	assert.Equal(t, "e", latest[0].Message)
}

func TestEventBusHandlerFailures(t *testing.T) {
	bus := NewEventBus(EventBusConfig{BufferSize: 10})
	defer bus.Stop()

	bus.Subscribe(func(event Event) error { panic("boom") }, nil)
	bus.Subscribe(func(event Event) error { return errors.New("handler failed") }, nil)
	recorder := &eventRecorder{}
	bus.Subscribe(recorder.handle, nil)

	bus.Publish(Event{Type: EventTypeSandboxDeleted, SandboxID: "sb-1"})
	bus.Publish(Event{Type: EventTypeSandboxDeleted, SandboxID: "sb-2"})

	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
}

func TestEventBusPersistence(t *testing.T) {
	persistence := &memoryPersistence{}
	bus := NewEventBus(EventBusConfig{BufferSize: 10, Persistence: persistence})
	defer bus.Stop()

	bus.Publish(Event{Type: EventTypeSandboxCreated, SandboxID: "sb-1"})
	bus.Publish(Event{Type: EventTypeSandboxCreated, SandboxID: "sb-2"})

	require.Eventually(t, func() bool { return persistence.count() == 2 }, time.Second, 10*time.Millisecond)

	events, err := bus.LoadPersistedEvents(SandboxFilter("sb-2"), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "sb-2", events[0].SandboxID)
}

func TestEventBusWithoutPersistence(t *testing.T) {
	bus := NewEventBus(DefaultEventBusConfig())
	defer bus.Stop()

	_, err := bus.LoadPersistedEvents(nil, 10)
	assert.Error(t, err)
}

func TestEventBusStop(t *testing.T) {
	bus := NewEventBus(EventBusConfig{BufferSize: 10})
	bus.Stop()
	bus.Stop()

	assert.NotPanics(t, func() {
		bus.Publish(Event{Type: EventTypeSandboxCreated, SandboxID: "late"})
	})
	assert.Empty(t, bus.GetEventHistory(0))
}

func TestEventFilters(t *testing.T) {
	now := time.Now()
	event := Event{Type: EventTypeContainerAppended, SandboxID: "sb-1", ContainerID: "c-1", Timestamp: now}

	assert.True(t, SandboxFilter("sb-1")(event))
	assert.False(t, SandboxFilter("sb-2")(event))

	assert.True(t, TypeFilter(EventTypeContainerAppended, EventTypeContainerRemoved)(event))
	assert.False(t, TypeFilter(EventTypeSandboxCreated)(event))

	assert.True(t, TimeRangeFilter(now.Add(-time.Minute), now.Add(time.Minute))(event))
	assert.False(t, TimeRangeFilter(now.Add(time.Second), now.Add(time.Minute))(event))
}

func TestNewLifecycleEvent(t *testing.T) {
	event := newLifecycleEvent(EventTypeContainerRemoved, "sb-1", "c-1", "Container removed", map[string]interface{}{"k": "v"})

	assert.Equal(t, EventTypeContainerRemoved, event.Type)
	assert.Equal(t, "sandboxer", event.Source)
	assert.Equal(t, "sb-1", event.SandboxID)
	assert.Equal(t, "c-1", event.ContainerID)
	assert.Equal(t, "v", event.Metadata["k"])
}
