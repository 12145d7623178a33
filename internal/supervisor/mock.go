package supervisor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"conductor/internal/task"
)

// mockDirectives let tests steer the synthetic agent through the task
// description: [mock:fail] exits non-zero, [mock:hang] ignores the soft
// signal so only the hard kill ends it, [mock:sleep=<ms>] stretches the
// simulated run time.
type mockDirectives struct {
	fail  bool
	hang  bool
	delay time.Duration
}

var mockSleepPattern = regexp.MustCompile(`\[mock:sleep=(\d+)\]`)

func parseMockDirectives(description string, defaultDelay time.Duration) mockDirectives {
	d := mockDirectives{
		fail:  strings.Contains(description, "[mock:fail]"),
		hang:  strings.Contains(description, "[mock:hang]"),
		delay: defaultDelay,
	}
	if m := mockSleepPattern.FindStringSubmatch(description); m != nil {
		if ms, err := strconv.Atoi(m[1]); err == nil {
			d.delay = time.Duration(ms) * time.Millisecond
		}
	}
	return d
}

// runMock drives t through a deterministic synthetic transcript without
// spawning a child. State flow and cancellation match the real path.
func (s *Supervisor) runMock(ctx context.Context, t task.Task, dir string) {
	logger := s.logger.With("task_id", t.ID)
	directives := parseMockDirectives(t.Description, s.cfg.MockDelay)

	h := newHandle()
	if err := s.registry.Transition(t.ID, task.StateStarted, task.WithHandle(h)); err != nil {
		logger.Error("start transition rejected", "error", err.Error())
		return
	}
	s.metrics.IncTransition(string(task.StateStarted))
	startedAt := time.Now()

	s.appendMock(t.ID, task.StreamStdout, fmt.Sprintf("[mock-agent] working in %s\n", dir))
	s.appendMock(t.ID, task.StreamStdout, fmt.Sprintf("[mock-agent] task: %s\n", t.Description))

	if err := s.registry.Transition(t.ID, task.StateRunning); err != nil {
		logger.Error("running transition rejected", "error", err.Error())
		return
	}
	s.metrics.IncTransition(string(task.StateRunning))

	var timeoutCh <-chan time.Time
	if t.Timeout > 0 {
		timer := time.NewTimer(t.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}
	work := time.NewTimer(directives.delay)
	defer work.Stop()

	select {
	case <-work.C:
		if directives.fail {
			s.appendMock(t.ID, task.StreamStderr, "[mock-agent] simulated failure\n")
			s.finish(t.ID, startedAt, task.StateFailed,
				task.WithExitCode(1), task.WithReason("exit status 1"))
			return
		}
		s.appendMock(t.ID, task.StreamStdout, "[mock-agent] done\n")
		s.finish(t.ID, startedAt, task.StateCompleted, task.WithExitCode(0))
	case <-h.ch:
		s.endCancelledMock(t.ID, startedAt, directives, "cancelled")
	case <-timeoutCh:
		s.endCancelledMock(t.ID, startedAt, directives, "timeout exceeded")
	case <-ctx.Done():
		s.endCancelledMock(t.ID, startedAt, directives, "orchestrator shutting down")
	}
}

// endCancelledMock applies the soft/hard ladder to the synthetic agent: a
// hanging mock sits out the grace period and is KILLED, anything else
// honors the soft signal and is TERMINATED.
func (s *Supervisor) endCancelledMock(id string, startedAt time.Time, d mockDirectives, reason string) {
	if d.hang {
		time.Sleep(s.cfg.GracePeriod)
		s.appendMock(id, task.StreamStderr, "[mock-agent] ignored soft signal, killed\n")
		s.finish(id, startedAt, task.StateKilled, task.WithReason(reason))
		return
	}
	s.appendMock(id, task.StreamStderr, "[mock-agent] terminated\n")
	s.finish(id, startedAt, task.StateTerminated, task.WithReason(reason))
}

func (s *Supervisor) appendMock(id string, stream task.Stream, line string) {
	_ = s.registry.AppendOutput(id, stream, []byte(line))
}
