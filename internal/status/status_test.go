package status

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/logging"
	"conductor/internal/project"
	"conductor/internal/task"
)

type fixedSlots struct{ running, capacity int }

func (f fixedSlots) Stats() (int, int) { return f.running, f.capacity }

func TestSnapshotAggregatesRegistries(t *testing.T) {
	tasks := task.NewRegistry(1<<20, logging.Nop())
	projects := project.NewRegistry()

	created, err := tasks.Create(task.CreateParams{Description: "one", ProjectPath: "/tmp"})
	require.NoError(t, err)
	_, err = tasks.Create(task.CreateParams{Description: "two", ProjectPath: "/tmp"})
	require.NoError(t, err)
	require.NoError(t, tasks.Transition(created.ID, task.StateFailed, task.WithReason("x")))

	projects.Put(project.Project{Path: "/srv/app", Kind: project.KindGo})
	require.NoError(t, projects.SetActive("/srv/app"))

	host := &HostStats{CPUPercent: 12.5, MemoryUsedBytes: 100, MemoryAvailableBytes: 900}
	reporter := New(tasks, projects, fixedSlots{running: 3, capacity: 4}, true, logging.Nop(),
		WithHostReader(func(context.Context) *HostStats { return host }))

	snap := reporter.Snapshot(context.Background())

	assert.Equal(t, 2, snap.TasksTotal)
	assert.Equal(t, 1, snap.TasksByState[string(task.StateQueued)])
	assert.Equal(t, 1, snap.TasksByState[string(task.StateFailed)])
	assert.Equal(t, 1, snap.Projects.Count)
	assert.Equal(t, "/srv/app", snap.Projects.ActivePath)
	assert.Equal(t, 3, snap.Scheduler.Running)
	assert.Equal(t, 4, snap.Scheduler.Capacity)
	assert.InDelta(t, 0.75, snap.Scheduler.Saturation, 1e-9)
	assert.True(t, snap.Mock)
	assert.Equal(t, host, snap.Host)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 0.0)
}

func TestSnapshotSurvivesMissingHostMetrics(t *testing.T) {
	tasks := task.NewRegistry(1<<20, logging.Nop())
	projects := project.NewRegistry()
	reporter := New(tasks, projects, fixedSlots{capacity: 4}, false, logging.Nop(),
		WithHostReader(func(context.Context) *HostStats { return nil }))

	snap := reporter.Snapshot(context.Background())

	assert.Nil(t, snap.Host)
	assert.Zero(t, snap.TasksTotal)
	assert.Empty(t, snap.Projects.ActivePath)
	assert.Zero(t, snap.Scheduler.Saturation)
}
