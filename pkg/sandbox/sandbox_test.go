package sandbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/sandboxrunner/resource-slot/pkg/resources"
)

func containerData(shares uint64) ContainerData {
	return ContainerData{Spec: &specs.Spec{
		Annotations: map[string]string{resources.AnnotationCPULimit: "8"},
		Linux: &specs.Linux{
			Resources: &specs.LinuxResources{
				CPU: &specs.LinuxCPU{Shares: &shares},
			},
		},
	}}
}

func createdSandbox(t *testing.T, policy DuplicatePolicy) (*Sandboxer, *Sandbox, *eventRecorder) {
	t.Helper()
	m, recorder := newTestSandboxer(t, policy)
	require.NoError(t, m.Create(context.Background(), "sb-1", SandboxData{}))
	sb, err := m.Sandbox(context.Background(), "sb-1")
	require.NoError(t, err)
	return m, sb, recorder
}

func TestSandboxPing(t *testing.T) {
	_, sb, _ := createdSandbox(t, DuplicateReject)
	assert.NoError(t, sb.Ping(context.Background()))
}

func TestSandboxAppendContainer(t *testing.T) {
	_, sb, _ := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	require.NoError(t, sb.AppendContainer(ctx, "c-1", containerData(512)))

	c, err := sb.Container(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", c.ID)
	require.NotNil(t, c.ResourceInfo.CPURequest)
	assert.Equal(t, 0.5, *c.ResourceInfo.CPURequest)
	assert.Nil(t, c.ResourceInfo.CPULimit, "container annotations are not read")
	assert.False(t, c.CreatedAt.IsZero())
}

func TestSandboxAppendContainerDuplicate(t *testing.T) {
	t.Run("reject", func(t *testing.T) {
		_, sb, _ := createdSandbox(t, DuplicateReject)
		ctx := context.Background()

		require.NoError(t, sb.AppendContainer(ctx, "c-1", containerData(512)))
		err := sb.AppendContainer(ctx, "c-1", containerData(2048))
		assert.ErrorIs(t, err, ErrAlreadyExists)

		var sbErr *Error
		require.True(t, errors.As(err, &sbErr))
		assert.Equal(t, ResourceContainer, sbErr.Resource)

		c, err := sb.Container(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 0.5, *c.ResourceInfo.CPURequest)
	})

	t.Run("replace", func(t *testing.T) {
		_, sb, _ := createdSandbox(t, DuplicateReplace)
		ctx := context.Background()

		require.NoError(t, sb.AppendContainer(ctx, "c-1", containerData(512)))
		require.NoError(t, sb.AppendContainer(ctx, "c-1", containerData(2048)))

		c, err := sb.Container(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 2.0, *c.ResourceInfo.CPURequest)

		containers, err := sb.Containers(ctx)
		require.NoError(t, err)
		assert.Len(t, containers, 1)
	})
}

func TestSandboxContainerNotFound(t *testing.T) {
	_, sb, _ := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	_, err := sb.Container(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, sb.UpdateContainer(ctx, "missing", ContainerData{}), ErrNotFound)
	assert.ErrorIs(t, sb.RemoveContainer(ctx, "missing"), ErrNotFound)
}

func TestSandboxUpdateContainerReplacesWholesale(t *testing.T) {
	_, sb, _ := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	require.NoError(t, sb.AppendContainer(ctx, "c-1", containerData(512)))
	before, err := sb.Container(ctx, "c-1")
	require.NoError(t, err)

	limit := int64(64 << 20)
	require.NoError(t, sb.UpdateContainer(ctx, "c-1", ContainerData{Spec: &specs.Spec{
		Linux: &specs.Linux{Resources: &specs.LinuxResources{Memory: &specs.LinuxMemory{Limit: &limit}}},
	}}))

	after, err := sb.Container(ctx, "c-1")
	require.NoError(t, err)
	assert.Nil(t, after.ResourceInfo.CPURequest)
	require.NotNil(t, after.ResourceInfo.MemoryLimit)
	assert.Equal(t, uint64(64<<20), *after.ResourceInfo.MemoryLimit)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.False(t, after.UpdatedAt.Before(before.UpdatedAt))
}

func TestSandboxRemoveContainer(t *testing.T) {
	_, sb, _ := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	require.NoError(t, sb.AppendContainer(ctx, "c-1", ContainerData{}))
	require.NoError(t, sb.RemoveContainer(ctx, "c-1"))

	_, err := sb.Container(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, sb.RemoveContainer(ctx, "c-1"), ErrNotFound)

	require.NoError(t, sb.AppendContainer(ctx, "c-1", ContainerData{}))
}

func TestSandboxContainerIsCopy(t *testing.T) {
	_, sb, _ := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	require.NoError(t, sb.AppendContainer(ctx, "c-1", containerData(1024)))

	c, err := sb.Container(ctx, "c-1")
	require.NoError(t, err)
	*c.ResourceInfo.CPURequest = 42
	c.Data.Spec.Annotations["mutated"] = "yes"

	again, err := sb.Container(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, *again.ResourceInfo.CPURequest)
	assert.NotContains(t, again.Data.Spec.Annotations, "mutated")
}

func TestSandboxConcurrentAppends(t *testing.T) {
	_, sb, _ := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("c-%03d", i)
		g.Go(func() error {
			return sb.AppendContainer(ctx, id, ContainerData{})
		})
	}
	require.NoError(t, g.Wait())

	containers, err := sb.Containers(ctx)
	require.NoError(t, err)
	require.Len(t, containers, 100)
	assert.Equal(t, "c-000", containers[0].ID)
	assert.Equal(t, "c-099", containers[99].ID)
}

func TestSandboxConcurrentDuplicateAppend(t *testing.T) {
	_, sb, _ := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	errs := make(chan error, 10)
	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			errs <- sb.AppendContainer(ctx, "shared", ContainerData{})
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyExists)
	}
	assert.Equal(t, 1, succeeded)
}

func TestSandboxContainerEvents(t *testing.T) {
	_, sb, recorder := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sb.AppendContainer(ctx, "c-1", ContainerData{}))
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sb.UpdateContainer(ctx, "c-1", ContainerData{}))
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sb.RemoveContainer(ctx, "c-1"))
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 4 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []EventType{
		EventTypeSandboxCreated,
		EventTypeContainerAppended,
		EventTypeContainerUpdated,
		EventTypeContainerRemoved,
	}, recorder.types())
	assert.Equal(t, "c-1", recorder.snapshot()[1].ContainerID)
}

func TestSandboxTransitions(t *testing.T) {
	m, sb, _ := createdSandbox(t, DuplicateReject)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, "sb-1"))
	require.NoError(t, m.Stop(ctx, "sb-1", false))

	transitions, err := sb.Transitions(ctx)
	require.NoError(t, err)
	require.Len(t, transitions, 3)

	assert.Equal(t, SandboxState(""), transitions[0].From)
	assert.Equal(t, SandboxStateCreated, transitions[0].To)
	assert.Equal(t, SandboxStateCreated, transitions[1].From)
	assert.Equal(t, SandboxStateRunning, transitions[1].To)
	assert.Equal(t, SandboxStateRunning, transitions[2].From)
	assert.Equal(t, SandboxStateStopped, transitions[2].To)
	for _, tr := range transitions {
		assert.Equal(t, "sb-1", tr.SandboxID)
		assert.NotEmpty(t, tr.Reason)
	}
}

func TestSandboxDataIsCopy(t *testing.T) {
	m, _ := newTestSandboxer(t, DuplicateReject)
	ctx := context.Background()

	original := SandboxData{
		Spec:   &specs.Spec{Annotations: map[string]string{"k": "v"}},
		Labels: map[string]string{"team": "infra"},
	}
	require.NoError(t, m.Create(ctx, "sb-1", original))
	sb, err := m.Sandbox(ctx, "sb-1")
	require.NoError(t, err)

	data, err := sb.Data(ctx)
	require.NoError(t, err)
	data.Spec.Annotations["k"] = "changed"
	data.Labels["team"] = "changed"

	again, err := sb.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Spec.Annotations["k"])
	assert.Equal(t, "infra", again.Labels["team"])
}

func TestSandboxInputIsolatedFromCaller(t *testing.T) {
	m, _ := newTestSandboxer(t, DuplicateReject)
	ctx := context.Background()

	input := annotatedData(map[string]string{resources.AnnotationCPULimit: "2"})
	input.Labels = map[string]string{"team": "infra"}
	require.NoError(t, m.Create(ctx, "sb-1", input))
	input.Spec.Annotations[resources.AnnotationCPULimit] = "8"
	input.Labels["team"] = "changed"

	sb, err := m.Sandbox(ctx, "sb-1")
	require.NoError(t, err)
	data, err := sb.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", data.Spec.Annotations[resources.AnnotationCPULimit])
	assert.Equal(t, "infra", data.Labels["team"])
	info, err := sb.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, *info.ResourceInfo.CPULimit)

	update := annotatedData(map[string]string{resources.AnnotationCPULimit: "3"})
	require.NoError(t, m.Update(ctx, "sb-1", update))
	update.Spec.Annotations[resources.AnnotationCPULimit] = "16"

	data, err = sb.Data(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", data.Spec.Annotations[resources.AnnotationCPULimit])

	container := containerData(512)
	require.NoError(t, sb.AppendContainer(ctx, "c-1", container))
	*container.Spec.Linux.Resources.CPU.Shares = 4096

	c, err := sb.Container(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(512), *c.Data.Spec.Linux.Resources.CPU.Shares)
	assert.Equal(t, 0.5, *c.ResourceInfo.CPURequest)

	replacement := containerData(1024)
	require.NoError(t, sb.UpdateContainer(ctx, "c-1", replacement))
	*replacement.Spec.Linux.Resources.CPU.Shares = 4096

	c, err = sb.Container(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), *c.Data.Spec.Linux.Resources.CPU.Shares)
	assert.Equal(t, 1.0, *c.ResourceInfo.CPURequest)
}

func TestSandboxEventsFollowOperationOrder(t *testing.T) {
	m, recorder := newTestSandboxer(t, DuplicateReject)
	ctx := context.Background()

	require.NoError(t, m.Create(ctx, "sb-1", SandboxData{}))
	sb, err := m.Sandbox(ctx, "sb-1")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, m.Start(ctx, "sb-1"))
		require.NoError(t, m.Stop(ctx, "sb-1", false))
		require.NoError(t, sb.AppendContainer(ctx, fmt.Sprintf("c-%d", i), ContainerData{}))
	}

	const total = 1 + 20*3
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == total }, 2*time.Second, 5*time.Millisecond)

	expected := []EventType{EventTypeSandboxCreated}
	for i := 0; i < 20; i++ {
		expected = append(expected, EventTypeSandboxStarted, EventTypeSandboxStopped, EventTypeContainerAppended)
	}
	assert.Equal(t, expected, recorder.types())

	history := m.Events().GetEventHistory(0)
	require.Len(t, history, total)
	for i, event := range history {
		assert.Equal(t, expected[i], event.Type, "history position %d", i)
	}
	assert.Equal(t, "c-19", history[total-1].ContainerID)
}

func TestSandboxReplacedContainerIsWarning(t *testing.T) {
	_, sb, recorder := createdSandbox(t, DuplicateReplace)
	ctx := context.Background()

	require.NoError(t, sb.AppendContainer(ctx, "c-1", ContainerData{}))
	require.NoError(t, sb.AppendContainer(ctx, "c-1", ContainerData{}))
	require.Eventually(t, func() bool { return len(recorder.snapshot()) == 3 }, time.Second, 5*time.Millisecond)

	events := recorder.snapshot()
	assert.Equal(t, EventSeverityInfo, events[1].Severity)
	assert.Equal(t, EventSeverityWarning, events[2].Severity)
	assert.Equal(t, "Container replaced", events[2].Message)
	assert.Equal(t, true, events[2].Metadata["replaced"])
}
