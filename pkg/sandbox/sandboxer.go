package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sandboxrunner/resource-slot/pkg/resources"
)

// DuplicatePolicy decides what Create and AppendContainer do when the id
// is already registered
type DuplicatePolicy string

const (
	// DuplicateReject fails with ErrAlreadyExists
	DuplicateReject DuplicatePolicy = "reject"
	// DuplicateReplace discards the previous entry and stores the new one
	DuplicateReplace DuplicatePolicy = "replace"
)

// ParseDuplicatePolicy parses a policy name. Empty selects DuplicateReject.
func ParseDuplicatePolicy(name string) (DuplicatePolicy, error) {
	switch DuplicatePolicy(strings.ToLower(strings.TrimSpace(name))) {
	case "", DuplicateReject:
		return DuplicateReject, nil
	case DuplicateReplace:
		return DuplicateReplace, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q", name)
	}
}

// SandboxerConfig configures a Sandboxer
type SandboxerConfig struct {
	// EventBus receives lifecycle events. Nil disables publishing.
	EventBus        *EventBus
	DuplicatePolicy DuplicatePolicy
}

// Sandboxer is the registry of tracked sandboxes. The map is guarded by an
// RWMutex that is always released before a sandbox's own lock is taken.
type Sandboxer struct {
	mu         sync.RWMutex
	sandboxes  map[string]*Sandbox
	events     *EventBus
	duplicates DuplicatePolicy
}

// NewSandboxer creates an empty registry
func NewSandboxer(config SandboxerConfig) *Sandboxer {
	if config.DuplicatePolicy == "" {
		config.DuplicatePolicy = DuplicateReject
	}

	log.Info().
		Str("duplicate_policy", string(config.DuplicatePolicy)).
		Bool("events", config.EventBus != nil).
		Msg("Sandboxer initialized")

	return &Sandboxer{
		sandboxes:  make(map[string]*Sandbox),
		events:     config.EventBus,
		duplicates: config.DuplicatePolicy,
	}
}

// Events returns the event bus, or nil
func (m *Sandboxer) Events() *EventBus {
	return m.events
}

func (m *Sandboxer) publish(event Event) {
	if m.events != nil {
		m.events.Publish(event)
	}
}

func (m *Sandboxer) lookup(id string) (*Sandbox, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sb, ok := m.sandboxes[id]
	if !ok {
		return nil, sandboxNotFound(id)
	}
	return sb, nil
}

// Create registers a new sandbox in the created state
func (m *Sandboxer) Create(ctx context.Context, id string, data SandboxData) (err error) {
	_, span := startSpan(ctx, "sandboxer.Create", attribute.String("sandbox.id", id))
	defer func() { endSpan(span, err) }()

	sb := newSandbox(id, data, m.events, m.duplicates)

	m.mu.Lock()
	_, exists := m.sandboxes[id]
	if exists && m.duplicates != DuplicateReplace {
		m.mu.Unlock()
		return sandboxExists(id)
	}
	m.sandboxes[id] = sb

	event := newLifecycleEvent(EventTypeSandboxCreated, id, "", "Sandbox created", map[string]interface{}{
		"resource_info": sb.resourceInfo,
		"replaced":      exists,
	})
	if exists {
		event.Severity = EventSeverityWarning
		event.Message = "Sandbox replaced"
	}
	// queued before any lookup can see the sandbox
	m.publish(event)
	m.mu.Unlock()

	log.Info().
		Str("sandbox_id", id).
		Bool("replaced", exists).
		Msg("Sandbox created")
	log.Debug().Str("sandbox_id", id).Interface("resource_info", sb.resourceInfo).Msg("Sandbox resource info")
	return nil
}

// Start marks a sandbox running and logs its resource intent. The start
// time is recorded on the first start only.
func (m *Sandboxer) Start(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "sandboxer.Start", attribute.String("sandbox.id", id))
	defer func() { endSpan(span, err) }()

	sb, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := sb.acquire(ctx); err != nil {
		return err
	}
	defer sb.release()

	now := time.Now()
	if sb.startedAt == nil {
		sb.startedAt = &now
	}
	sb.updatedAt = now
	transition := sb.transitionTo(StatusRunning(0), "Sandbox started")

	for _, field := range sb.resourceInfo.Fields() {
		event := log.Info().
			Str("sandbox_id", id).
			Str("resource", field.Name).
			Str("value", field.Value)
		if field.Unit != "" {
			event = event.Str("unit", field.Unit)
		}
		event.Msg("Sandbox resource limit")
	}

	log.Info().
		Str("sandbox_id", id).
		Str("from", string(transition.From)).
		Time("started_at", *sb.startedAt).
		Msg("Sandbox started")

	m.publish(newLifecycleEvent(EventTypeSandboxStarted, id, "", "Sandbox started", map[string]interface{}{
		"from":       string(transition.From),
		"started_at": *sb.startedAt,
	}))
	return nil
}

// Update replaces the sandbox document and re-derives its resource intent
func (m *Sandboxer) Update(ctx context.Context, id string, data SandboxData) (err error) {
	ctx, span := startSpan(ctx, "sandboxer.Update", attribute.String("sandbox.id", id))
	defer func() { endSpan(span, err) }()

	sb, err := m.lookup(id)
	if err != nil {
		return err
	}

	data = data.Clone()
	info := resources.Extract(data, resources.SourceSandbox)

	if err := sb.acquire(ctx); err != nil {
		return err
	}
	defer sb.release()

	sb.data = data
	sb.resourceInfo = info
	sb.updatedAt = time.Now()

	log.Info().Str("sandbox_id", id).Msg("Sandbox updated")
	log.Debug().Str("sandbox_id", id).Interface("resource_info", info).Msg("Updated sandbox resource info")

	m.publish(newLifecycleEvent(EventTypeSandboxUpdated, id, "", "Sandbox updated", map[string]interface{}{
		"resource_info": info,
	}))
	return nil
}

// Sandbox returns the shared handle for id
func (m *Sandboxer) Sandbox(ctx context.Context, id string) (*Sandbox, error) {
	return m.lookup(id)
}

// Stop marks a sandbox stopped and fires its exit signal. force is
// accepted for interface compatibility and changes nothing.
func (m *Sandboxer) Stop(ctx context.Context, id string, force bool) (err error) {
	ctx, span := startSpan(ctx, "sandboxer.Stop",
		attribute.String("sandbox.id", id), attribute.Bool("sandbox.force", force))
	defer func() { endSpan(span, err) }()

	sb, err := m.lookup(id)
	if err != nil {
		return err
	}

	if err := sb.acquire(ctx); err != nil {
		return err
	}
	defer sb.release()

	sb.updatedAt = time.Now()
	transition := sb.transitionTo(StatusStopped(0, 0), "Sandbox stopped")
	sb.exitSignal.Signal()

	// stopping a stopped sandbox is a no-op apart from the timestamp
	alreadyStopped := transition.From.IsTerminal()

	log.Info().
		Str("sandbox_id", id).
		Str("from", string(transition.From)).
		Bool("force", force).
		Bool("already_stopped", alreadyStopped).
		Msg("Sandbox stopped")

	m.publish(newLifecycleEvent(EventTypeSandboxStopped, id, "", "Sandbox stopped", map[string]interface{}{
		"from":            string(transition.From),
		"force":           force,
		"already_stopped": alreadyStopped,
	}))
	return nil
}

// Delete removes a sandbox. Deleting an unknown id succeeds. Holders of
// the handle keep a detached object; its exit signal is not fired.
func (m *Sandboxer) Delete(ctx context.Context, id string) (err error) {
	_, span := startSpan(ctx, "sandboxer.Delete", attribute.String("sandbox.id", id))
	defer func() { endSpan(span, err) }()

	m.mu.Lock()
	_, existed := m.sandboxes[id]
	delete(m.sandboxes, id)
	m.mu.Unlock()

	if !existed {
		log.Debug().Str("sandbox_id", id).Msg("Delete of unknown sandbox ignored")
		return nil
	}

	log.Info().Str("sandbox_id", id).Msg("Sandbox deleted")
	m.publish(newLifecycleEvent(EventTypeSandboxDeleted, id, "", "Sandbox deleted", nil))
	return nil
}

func (m *Sandboxer) snapshot() []*Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sandboxes := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	sort.Slice(sandboxes, func(i, j int) bool { return sandboxes[i].id < sandboxes[j].id })
	return sandboxes
}

// List returns snapshots of all sandboxes ordered by id
func (m *Sandboxer) List(ctx context.Context) ([]Info, error) {
	sandboxes := m.snapshot()

	result := make([]Info, 0, len(sandboxes))
	for _, sb := range sandboxes {
		info, err := sb.Info(ctx)
		if err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, nil
}

// Usage aggregates declared resource intent across the registry
func (m *Sandboxer) Usage(ctx context.Context) (resources.Usage, error) {
	var usage resources.Usage

	for _, sb := range m.snapshot() {
		if err := sb.acquire(ctx); err != nil {
			return resources.Usage{}, err
		}
		usage.Sandboxes++
		if sb.status.State == SandboxStateRunning {
			usage.Running++
		}
		usage.Sandbox.Add(sb.resourceInfo)
		for _, c := range sb.containers {
			usage.Containers++
			usage.Container.Add(c.ResourceInfo)
		}
		sb.release()
	}

	return usage, nil
}

// Len returns the number of registered sandboxes
func (m *Sandboxer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sandboxes)
}

// Close stops the event bus
func (m *Sandboxer) Close() error {
	if m.events != nil {
		m.events.Stop()
	}
	log.Info().Int("sandboxes", m.Len()).Msg("Sandboxer closed")
	return nil
}
