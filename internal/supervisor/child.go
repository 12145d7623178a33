package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"conductor/internal/async"
	"conductor/internal/task"
)

// readChunkBytes is the unit in which child output moves into the ring
// buffers. Small enough to keep monitor output fresh, large enough to stay
// off the hot path.
const readChunkBytes = 4096

// runChild spawns the coding agent for t and drives it to a terminal state.
func (s *Supervisor) runChild(ctx context.Context, t task.Task, dir, agentPath string) {
	logger := s.logger.With("task_id", t.ID)

	cmd := exec.Command(agentPath, "-p", t.Description)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	// A fresh process group lets the kill ladder reach the agent's own
	// children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.metrics.IncSpawnFailure()
		s.failBeforeStart(t.ID, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.metrics.IncSpawnFailure()
		s.failBeforeStart(t.ID, err)
		return
	}
	if err := cmd.Start(); err != nil {
		s.metrics.IncSpawnFailure()
		s.failBeforeStart(t.ID, err)
		return
	}

	h := newHandle()
	if err := s.registry.Transition(t.ID, task.StateStarted, task.WithHandle(h)); err != nil {
		// The registry refused the admission edge; nothing may run.
		logger.Error("start transition rejected", "error", err.Error())
		signalGroup(cmd.Process, syscall.SIGKILL)
		_ = cmd.Wait()
		return
	}
	s.metrics.IncTransition(string(task.StateStarted))
	startedAt := time.Now()
	logger.Info("agent spawned", "pid", cmd.Process.Pid, "dir", dir)

	var runningOnce sync.Once
	markRunning := func() {
		runningOnce.Do(func() {
			if err := s.registry.Transition(t.ID, task.StateRunning); err == nil {
				s.metrics.IncTransition(string(task.StateRunning))
			}
		})
	}
	graceToRunning := time.AfterFunc(s.cfg.RunningGrace, markRunning)
	defer graceToRunning.Stop()

	sampleCtx, stopSampling := context.WithCancel(context.Background())
	defer stopSampling()
	async.Go(logger, "resource-sampler", func() {
		s.sampleLoop(sampleCtx, t.ID, cmd.Process.Pid)
	})

	// Readers own the pipes; Wait must not run until both have drained.
	var readers errgroup.Group
	readers.Go(func() error {
		return s.drain(t.ID, task.StreamStdout, stdout, markRunning)
	})
	readers.Go(func() error {
		return s.drain(t.ID, task.StreamStderr, stderr, markRunning)
	})

	waitDone := make(chan error, 1)
	async.Go(logger, "child-wait", func() {
		if err := readers.Wait(); err != nil {
			logger.Warn("output reader error", "error", err.Error())
		}
		waitDone <- cmd.Wait()
	})

	var timeoutCh <-chan time.Time
	if t.Timeout > 0 {
		timer := time.NewTimer(t.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var (
		cancelled bool
		killed    bool
		reason    string
		waitErr   error
	)
	select {
	case waitErr = <-waitDone:
	case <-h.ch:
		cancelled, reason = true, "cancelled"
	case <-timeoutCh:
		cancelled, reason = true, "timeout exceeded"
	case <-ctx.Done():
		cancelled, reason = true, "orchestrator shutting down"
	}

	if cancelled {
		logger.Info("terminating agent", "reason", reason, "grace", s.cfg.GracePeriod.String())
		signalGroup(cmd.Process, syscall.SIGTERM)
		select {
		case waitErr = <-waitDone:
		case <-time.After(s.cfg.GracePeriod):
			killed = true
			signalGroup(cmd.Process, syscall.SIGKILL)
			select {
			case waitErr = <-waitDone:
			case <-time.After(s.cfg.GracePeriod):
				// Pipes held open past SIGKILL mean an escaped
				// grandchild; give up on the reap rather than leak the
				// worker slot.
				logger.Error("output drain stalled after kill")
			}
		}
	}
	stopSampling()

	switch {
	case cancelled && killed:
		s.finish(t.ID, startedAt, task.StateKilled, task.WithReason(reason))
	case cancelled:
		s.finish(t.ID, startedAt, task.StateTerminated, task.WithReason(reason))
	case waitErr == nil:
		markRunning()
		s.finish(t.ID, startedAt, task.StateCompleted, task.WithExitCode(0))
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			markRunning()
			s.finish(t.ID, startedAt, task.StateFailed,
				task.WithExitCode(exitErr.ExitCode()),
				task.WithReason(waitErr.Error()))
			return
		}
		s.finish(t.ID, startedAt, task.StateError, task.WithReason(waitErr.Error()))
	}
}

// drain copies child output into the task's ring buffer in fixed chunks,
// reporting the first byte so STARTED can become RUNNING early.
func (s *Supervisor) drain(id string, stream task.Stream, r io.Reader, onFirstByte func()) error {
	buf := make([]byte, readChunkBytes)
	seen := false
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !seen {
				seen = true
				onFirstByte()
			}
			_ = s.registry.AppendOutput(id, stream, buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// signalGroup delivers sig to the child's whole process group, falling
// back to the child alone when the group cannot be resolved. ESRCH after
// exit is expected and ignored.
func signalGroup(p *os.Process, sig syscall.Signal) {
	if p == nil {
		return
	}
	if pgid, err := syscall.Getpgid(p.Pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err == nil || errors.Is(err, syscall.ESRCH) {
			return
		}
	}
	_ = p.Signal(sig)
}
