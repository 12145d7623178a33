// Package status assembles point-in-time snapshots of the orchestrator:
// host resources, task counts by state, project registry summary, and
// scheduler saturation. Nothing here keeps history.
package status

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"conductor/internal/logging"
	"conductor/internal/project"
	"conductor/internal/task"
)

// SlotStats exposes the scheduler's occupancy. *scheduler.Scheduler
// satisfies it.
type SlotStats interface {
	Stats() (running, capacity int)
}

// HostStats is the best-effort host resource reading.
type HostStats struct {
	CPUPercent           float64 `json:"cpu_percent"`
	MemoryUsedBytes      uint64  `json:"memory_used_bytes"`
	MemoryAvailableBytes uint64  `json:"memory_available_bytes"`
}

// SchedulerStats describes slot occupancy at snapshot time.
type SchedulerStats struct {
	Running    int     `json:"running"`
	Capacity   int     `json:"capacity"`
	Saturation float64 `json:"saturation"`
}

// ProjectStats summarises the project registry.
type ProjectStats struct {
	Count      int    `json:"count"`
	ActivePath string `json:"active_path,omitempty"`
}

// Snapshot is one get_system_status result.
type Snapshot struct {
	Host          *HostStats     `json:"host,omitempty"`
	TasksByState  map[string]int `json:"tasks_by_state"`
	TasksTotal    int            `json:"tasks_total"`
	Projects      ProjectStats   `json:"projects"`
	Scheduler     SchedulerStats `json:"scheduler"`
	Mock          bool           `json:"mock"`
	UptimeSeconds float64        `json:"uptime_seconds"`
}

// Reporter builds snapshots on demand.
type Reporter struct {
	tasks     *task.Registry
	projects  *project.Registry
	scheduler SlotStats
	mock      bool
	startedAt time.Time
	logger    *logging.Logger
	readHost  func(ctx context.Context) *HostStats
}

// Option adjusts Reporter construction.
type Option func(*Reporter)

// WithHostReader replaces the host metric source, for tests.
func WithHostReader(fn func(ctx context.Context) *HostStats) Option {
	return func(r *Reporter) {
		if fn != nil {
			r.readHost = fn
		}
	}
}

// New creates a Reporter. The uptime clock starts here.
func New(tasks *task.Registry, projects *project.Registry, scheduler SlotStats, mock bool, logger *logging.Logger, opts ...Option) *Reporter {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Reporter{
		tasks:     tasks,
		projects:  projects,
		scheduler: scheduler,
		mock:      mock,
		startedAt: time.Now(),
		logger:    logger.Component("status"),
	}
	r.readHost = r.hostStats
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Snapshot assembles the current system view. Host metrics are best-effort
// and omitted when the host does not expose them.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	counts := r.tasks.CountsByState()
	byState := make(map[string]int, len(counts))
	total := 0
	for state, n := range counts {
		byState[string(state)] = n
		total += n
	}

	running, capacity := r.scheduler.Stats()
	saturation := 0.0
	if capacity > 0 {
		saturation = float64(running) / float64(capacity)
	}

	return Snapshot{
		Host:         r.readHost(ctx),
		TasksByState: byState,
		TasksTotal:   total,
		Projects: ProjectStats{
			Count:      r.projects.Len(),
			ActivePath: r.projects.Active(),
		},
		Scheduler: SchedulerStats{
			Running:    running,
			Capacity:   capacity,
			Saturation: saturation,
		},
		Mock:          r.mock,
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
	}
}

// hostStats reads host CPU and memory through gopsutil. Either metric
// failing drops the whole host section rather than reporting half-truths.
func (r *Reporter) hostStats(ctx context.Context) *HostStats {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		r.logger.Debug("host cpu sampling unavailable")
		return nil
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil || vm == nil {
		r.logger.Debug("host memory sampling unavailable")
		return nil
	}
	return &HostStats{
		CPUPercent:           percents[0],
		MemoryUsedBytes:      vm.Used,
		MemoryAvailableBytes: vm.Available,
	}
}
