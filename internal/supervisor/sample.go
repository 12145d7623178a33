package supervisor

import (
	"context"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v4/process"

	"conductor/internal/task"
)

// sampleLoop records the child's CPU and resident-memory usage on the task
// at a fixed interval. Sampling is strictly best-effort: hosts without
// process counters, permission failures, and races with process exit all
// end the loop silently.
func (s *Supervisor) sampleLoop(ctx context.Context, id string, pid int) {
	proc, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return
	}
	ticker := time.NewTicker(s.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cpuPct, err := proc.CPUPercentWithContext(ctx)
		if err != nil {
			return
		}
		sample := task.ResourceSample{
			CPUPercent: cpuPct,
			SampledAt:  time.Now(),
		}
		if mi, err := proc.MemoryInfoWithContext(ctx); err == nil && mi != nil {
			sample.RSSBytes = mi.RSS
		}
		if err := s.registry.SetResource(id, sample); err != nil {
			return
		}
	}
}
