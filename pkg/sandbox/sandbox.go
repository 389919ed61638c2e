package sandbox

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/sandboxrunner/resource-slot/pkg/resources"
)

// Container is a workload unit tracked inside exactly one sandbox
type Container struct {
	ID           string         `json:"id"`
	Data         ContainerData  `json:"data"`
	ResourceInfo resources.Info `json:"resource_info"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (c *Container) clone() Container {
	return Container{
		ID:           c.ID,
		Data:         c.Data.Clone(),
		ResourceInfo: c.ResourceInfo.Clone(),
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

// Info is a point-in-time snapshot of a sandbox
type Info struct {
	ID           string            `json:"id"`
	Status       Status            `json:"status"`
	ResourceInfo resources.Info    `json:"resource_info"`
	Labels       map[string]string `json:"labels,omitempty"`
	Containers   []string          `json:"containers"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
}

// Sandbox is the shared handle to one tracked sandbox. Every method
// serializes on the sandbox's own lock, so operations on one sandbox
// observe a total order while different sandboxes never contend.
type Sandbox struct {
	id         string
	createdAt  time.Time
	exitSignal *ExitSignal
	lock       *semaphore.Weighted

	events     *EventBus
	duplicates DuplicatePolicy

	// guarded by lock
	data         SandboxData
	status       Status
	resourceInfo resources.Info
	updatedAt    time.Time
	startedAt    *time.Time
	containers   map[string]*Container
	transitions  []StateTransition
}

func newSandbox(id string, data SandboxData, events *EventBus, duplicates DuplicatePolicy) *Sandbox {
	data = data.Clone()
	now := time.Now()
	s := &Sandbox{
		id:           id,
		createdAt:    now,
		exitSignal:   NewExitSignal(),
		lock:         semaphore.NewWeighted(1),
		events:       events,
		duplicates:   duplicates,
		data:         data,
		resourceInfo: resources.Extract(data, resources.SourceSandbox),
		updatedAt:    now,
		containers:   make(map[string]*Container),
	}
	s.transitionTo(StatusCreated(), "Sandbox created")
	return s
}

// acquire takes the sandbox lock. A context that ends first abandons the
// wait and leaves state untouched.
func (s *Sandbox) acquire(ctx context.Context) error {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("failed to lock sandbox %s: %w", s.id, err)
	}
	return nil
}

func (s *Sandbox) release() {
	s.lock.Release(1)
}

func (s *Sandbox) publish(event Event) {
	if s.events != nil {
		s.events.Publish(event)
	}
}

// ID returns the immutable sandbox id
func (s *Sandbox) ID() string {
	return s.id
}

// Status returns a snapshot of the current status
func (s *Sandbox) Status(ctx context.Context) (Status, error) {
	if err := s.acquire(ctx); err != nil {
		return Status{}, err
	}
	defer s.release()

	return s.status, nil
}

// Ping always succeeds; no process backs a tracked sandbox
func (s *Sandbox) Ping(ctx context.Context) error {
	return nil
}

// ExitSignal returns the signal fired when the sandbox stops
func (s *Sandbox) ExitSignal() *ExitSignal {
	return s.exitSignal
}

// Data returns a copy of the last applied sandbox document
func (s *Sandbox) Data(ctx context.Context) (SandboxData, error) {
	if err := s.acquire(ctx); err != nil {
		return SandboxData{}, err
	}
	defer s.release()

	return s.data.Clone(), nil
}

// Info returns a snapshot of the sandbox
func (s *Sandbox) Info(ctx context.Context) (Info, error) {
	if err := s.acquire(ctx); err != nil {
		return Info{}, err
	}
	defer s.release()

	return s.infoLocked(), nil
}

func (s *Sandbox) infoLocked() Info {
	info := Info{
		ID:           s.id,
		Status:       s.status,
		ResourceInfo: s.resourceInfo.Clone(),
		Labels:       cloneLabels(s.data.Labels),
		Containers:   make([]string, 0, len(s.containers)),
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
	if s.startedAt != nil {
		startedAt := *s.startedAt
		info.StartedAt = &startedAt
	}
	for id := range s.containers {
		info.Containers = append(info.Containers, id)
	}
	sort.Strings(info.Containers)
	return info
}

// Transitions returns the recorded status history, oldest first
func (s *Sandbox) Transitions(ctx context.Context) ([]StateTransition, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	result := make([]StateTransition, len(s.transitions))
	copy(result, s.transitions)
	return result, nil
}

// Container returns a copy of the container with the given id
func (s *Sandbox) Container(ctx context.Context, id string) (Container, error) {
	if err := s.acquire(ctx); err != nil {
		return Container{}, err
	}
	defer s.release()

	c, ok := s.containers[id]
	if !ok {
		return Container{}, containerNotFound(id)
	}
	return c.clone(), nil
}

// Containers returns copies of all containers ordered by id
func (s *Sandbox) Containers(ctx context.Context) ([]Container, error) {
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	result := make([]Container, 0, len(s.containers))
	for _, c := range s.containers {
		result = append(result, c.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// AppendContainer registers a new container. A duplicate id fails with
// ErrAlreadyExists unless the sandboxer runs with DuplicateReplace.
func (s *Sandbox) AppendContainer(ctx context.Context, id string, data ContainerData) (err error) {
	ctx, span := startSpan(ctx, "sandbox.AppendContainer",
		attribute.String("sandbox.id", s.id), attribute.String("container.id", id))
	defer func() { endSpan(span, err) }()

	data = data.Clone()
	info := resources.Extract(data, resources.SourceContainer)

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	_, exists := s.containers[id]
	if exists && s.duplicates != DuplicateReplace {
		return containerExists(id)
	}

	now := time.Now()
	s.containers[id] = &Container{
		ID:           id,
		Data:         data,
		ResourceInfo: info,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.updatedAt = now

	log.Info().
		Str("sandbox_id", s.id).
		Str("container_id", id).
		Bool("replaced", exists).
		Msg("Container appended")
	log.Debug().Str("container_id", id).Interface("resource_info", info).Msg("Container resource info")

	event := newLifecycleEvent(EventTypeContainerAppended, s.id, id, "Container appended", map[string]interface{}{
		"resource_info": info,
		"replaced":      exists,
	})
	if exists {
		event.Severity = EventSeverityWarning
		event.Message = "Container replaced"
	}
	s.publish(event)
	return nil
}

// UpdateContainer replaces a container's document and re-derives its
// resource intent. Nothing from the previous document is merged.
func (s *Sandbox) UpdateContainer(ctx context.Context, id string, data ContainerData) (err error) {
	ctx, span := startSpan(ctx, "sandbox.UpdateContainer",
		attribute.String("sandbox.id", s.id), attribute.String("container.id", id))
	defer func() { endSpan(span, err) }()

	data = data.Clone()
	info := resources.Extract(data, resources.SourceContainer)

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	c, ok := s.containers[id]
	if !ok {
		return containerNotFound(id)
	}

	c.Data = data
	c.ResourceInfo = info
	c.UpdatedAt = time.Now()
	s.updatedAt = c.UpdatedAt

	log.Info().Str("sandbox_id", s.id).Str("container_id", id).Msg("Container updated")
	log.Debug().Str("container_id", id).Interface("resource_info", info).Msg("Updated container resource info")

	s.publish(newLifecycleEvent(EventTypeContainerUpdated, s.id, id, "Container updated", map[string]interface{}{
		"resource_info": info,
	}))
	return nil
}

// RemoveContainer removes a container
func (s *Sandbox) RemoveContainer(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "sandbox.RemoveContainer",
		attribute.String("sandbox.id", s.id), attribute.String("container.id", id))
	defer func() { endSpan(span, err) }()

	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	if _, ok := s.containers[id]; !ok {
		return containerNotFound(id)
	}

	delete(s.containers, id)
	s.updatedAt = time.Now()

	log.Info().Str("sandbox_id", s.id).Str("container_id", id).Msg("Container removed")

	s.publish(newLifecycleEvent(EventTypeContainerRemoved, s.id, id, "Container removed", nil))
	return nil
}
