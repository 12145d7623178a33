// Package scheduler admits queued tasks into a bounded pool of execution
// slots, ordered by priority and gated on dependency completion. It owns
// no task state beyond in-flight bookkeeping; the task registry remains
// the single source of truth.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"conductor/internal/async"
	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/task"
)

// defaultTick bounds how long the loop can sleep without re-examining the
// queue. Wakes on submission and terminal events make this a safety net,
// not the primary trigger.
const defaultTick = time.Second

// Runner executes one admitted task to a terminal state. The scheduler
// calls Run on a worker goroutine and treats its return as the slot
// becoming free; Run must not return before the task is terminal.
type Runner interface {
	Run(ctx context.Context, t task.Task)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, t task.Task)

// Run calls fn.
func (fn RunnerFunc) Run(ctx context.Context, t task.Task) { fn(ctx, t) }

// Scheduler is the admission loop plus its worker slots.
type Scheduler struct {
	registry *task.Registry
	runner   Runner
	capacity int
	slots    *semaphore.Weighted
	tick     time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics

	// wake has capacity 1: a wake during admission coalesces into one
	// further pass instead of queueing up.
	wake chan struct{}

	mu       sync.Mutex
	inflight map[string]struct{}
	running  int
	draining bool

	workers   sync.WaitGroup
	loopDone  chan struct{}
	stopLoop  context.CancelFunc
	startOnce sync.Once
}

// Option adjusts Scheduler construction.
type Option func(*Scheduler)

// WithTick overrides the safety-net ticker interval, for tests.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler with the given slot capacity. It does not start
// admitting until Start is called.
func New(registry *task.Registry, runner Runner, capacity int, logger *logging.Logger, opts ...Option) *Scheduler {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Scheduler{
		registry: registry,
		runner:   runner,
		capacity: capacity,
		slots:    semaphore.NewWeighted(int64(capacity)),
		tick:     defaultTick,
		logger:   logger.Component("scheduler"),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]struct{}),
		loopDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the admission loop. The loop runs until Shutdown or until
// ctx is cancelled. Start is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		s.stopLoop = cancel
		async.Go(s.logger, "scheduler-loop", func() {
			defer close(s.loopDone)
			s.loop(loopCtx)
		})
	})
}

// Wake nudges the admission loop. Safe from any goroutine; extra wakes
// while one is already pending are dropped.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		s.admit(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
	}
}

// gate classifies a queued task against its dependencies.
type gate int

const (
	gateReady gate = iota
	gateWaiting
	gateFailed
)

// admit walks the queue in admission order and fills free slots. Tasks
// whose dependency failed are failed here, never admitted; tasks with
// unfinished dependencies are skipped, not blocking later eligible ones.
func (s *Scheduler) admit(ctx context.Context) {
	queued := s.registry.List(task.Filter{States: []task.State{task.StateQueued}})
	s.metrics.SetTasksQueued(len(queued))

	for _, t := range queued {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if s.draining {
			s.mu.Unlock()
			return
		}
		if _, busy := s.inflight[t.ID]; busy {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		switch s.checkDependencies(t) {
		case gateFailed:
			if err := s.registry.Transition(t.ID, task.StateFailed, task.WithReason("dependency failed")); err != nil {
				s.logger.Warn("failing dependent task", "task_id", t.ID, "error", err.Error())
			}
			s.metrics.IncTransition(string(task.StateFailed))
			continue
		case gateWaiting:
			continue
		}

		if !s.slots.TryAcquire(1) {
			// Capacity exhausted; no later task can be admitted either.
			return
		}
		s.launch(ctx, t)
	}
}

// checkDependencies reports whether t may run. A dependency id that no
// longer resolves is treated as failed; ids are validated at submission,
// so that would indicate registry corruption, not client error.
func (s *Scheduler) checkDependencies(t task.Task) gate {
	for _, dep := range t.Dependencies {
		d, err := s.registry.Get(dep)
		if err != nil {
			s.logger.Error("dependency lookup failed", "task_id", t.ID, "dependency", dep, "error", err.Error())
			return gateFailed
		}
		switch {
		case d.State == task.StateCompleted:
		case d.State.IsTerminal():
			return gateFailed
		default:
			return gateWaiting
		}
	}
	return gateReady
}

// launch hands t to a worker. The slot was already acquired.
func (s *Scheduler) launch(ctx context.Context, t task.Task) {
	s.mu.Lock()
	s.inflight[t.ID] = struct{}{}
	s.running++
	running := s.running
	s.mu.Unlock()
	s.metrics.SetTasksRunning(running)
	s.metrics.ObserveQueueWait(time.Since(t.CreatedAt))

	s.workers.Add(1)
	async.Go(s.logger, "worker", func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, t.ID)
			s.running--
			running := s.running
			s.mu.Unlock()
			s.metrics.SetTasksRunning(running)
			s.slots.Release(1)
			s.workers.Done()
			s.Wake()
		}()
		s.logger.Info("task admitted", "task_id", t.ID, "priority", string(t.Priority))
		s.runner.Run(logging.ContextWithTaskID(ctx, t.ID), t)
	})
}

// CancelQueued terminates a task that has not been admitted yet. Callers
// race admission here: a PreconditionFailed result means the task left
// QUEUED first and cancellation must go through its supervisor handle.
func (s *Scheduler) CancelQueued(id string) error {
	return s.registry.Transition(id, task.StateTerminated, task.WithReason("cancelled before admission"))
}

// Stats returns current slot occupancy and capacity.
func (s *Scheduler) Stats() (running, capacity int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.capacity
}

// Shutdown stops admissions, cancels every live task through its handle,
// and waits for workers bounded by ctx. Queued tasks are left queued; the
// process is exiting and nothing persists.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	cancelLive := func() {
		for _, t := range s.registry.List(task.Filter{States: []task.State{task.StateStarted, task.StateRunning}}) {
			if h := t.Handle(); h != nil {
				h.Cancel()
			}
		}
	}
	cancelLive()

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	// Re-run the cancel pass while waiting: a task admitted just before
	// draining may not have carried a handle on the first pass.
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	var err error
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			cancelLive()
		case <-ctx.Done():
			err = conderrors.Internal("shutdown wait expired with tasks still live")
			break wait
		}
	}

	if s.stopLoop != nil {
		s.stopLoop()
		<-s.loopDone
	}
	return err
}
