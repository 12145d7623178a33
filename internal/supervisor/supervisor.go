// Package supervisor executes admitted tasks as coding-agent child
// processes: it spawns them, streams their output into the task's ring
// buffers, enforces timeouts, runs the soft-then-hard cancellation ladder,
// and commits the resulting terminal state to the task registry.
package supervisor

import (
	"context"
	"sync"
	"time"

	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/project"
	"conductor/internal/task"
)

const (
	// runningGrace bounds how long a task may sit in STARTED without
	// producing output before it is considered RUNNING anyway.
	defaultRunningGrace = 500 * time.Millisecond
	defaultMockDelay    = 20 * time.Millisecond
	defaultSampleEvery  = time.Second
)

// Config holds the supervisor's runtime settings.
type Config struct {
	// AgentCLIPath overrides discovery of the coding-agent binary.
	AgentCLIPath string
	// Mock substitutes a synthetic transcript for a real child process.
	Mock bool
	// GracePeriod separates the soft signal from the hard kill.
	GracePeriod time.Duration
	// RunningGrace is the STARTED→RUNNING fallback delay.
	RunningGrace time.Duration
	// MockDelay is the simulated run time of a mock task.
	MockDelay time.Duration
	// SampleInterval paces resource sampling of the child.
	SampleInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.RunningGrace <= 0 {
		c.RunningGrace = defaultRunningGrace
	}
	if c.MockDelay <= 0 {
		c.MockDelay = defaultMockDelay
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaultSampleEvery
	}
}

// Supervisor runs one task per Run call. It is safe for concurrent use;
// each call owns its own child process.
type Supervisor struct {
	registry *task.Registry
	projects *project.Registry
	cfg      Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// Option adjusts Supervisor construction.
type Option func(*Supervisor)

// WithMetrics attaches instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New creates a Supervisor.
func New(registry *task.Registry, projects *project.Registry, cfg Config, logger *logging.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = logging.Nop()
	}
	cfg.applyDefaults()
	s := &Supervisor{
		registry: registry,
		projects: projects,
		cfg:      cfg,
		logger:   logger.Component("supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives t to a terminal state. It implements scheduler.Runner and
// never panics out: internal failures become an ERROR state on the task.
func (s *Supervisor) Run(ctx context.Context, t task.Task) {
	defer s.maybeRetry(t.ID)

	dir, err := s.workdir(t)
	if err != nil {
		s.failBeforeStart(t.ID, err)
		return
	}
	if s.cfg.Mock {
		s.runMock(ctx, t, dir)
		return
	}

	agentPath, err := ResolveAgent(s.cfg.AgentCLIPath)
	if err != nil {
		s.metrics.IncSpawnFailure()
		s.failBeforeStart(t.ID, err)
		return
	}
	s.runChild(ctx, t, dir, agentPath)
}

// workdir resolves the task's effective working directory. The active
// project stands in for the sentinel (or an empty path).
func (s *Supervisor) workdir(t task.Task) (string, error) {
	if t.ProjectPath != "" && t.ProjectPath != task.ProjectPathActive {
		return t.ProjectPath, nil
	}
	active, err := s.projects.ActiveProject()
	if err != nil {
		return "", conderrors.PreconditionFailed("task %q names no project path and no active project is set", t.ID)
	}
	return active.Path, nil
}

// failBeforeStart records an admission-time failure on a still-queued task.
func (s *Supervisor) failBeforeStart(id string, cause error) {
	reason := cause.Error()
	s.logger.Error("task cannot start", "task_id", id, "error", reason)
	if err := s.registry.Transition(id, task.StateError, task.WithReason(reason)); err != nil {
		s.logger.Error("recording start failure", "task_id", id, "error", err.Error())
	}
	s.metrics.IncTransition(string(task.StateError))
}

// finish commits the terminal transition and its instrumentation.
func (s *Supervisor) finish(id string, startedAt time.Time, to task.State, opts ...task.TransitionOption) {
	if err := s.registry.Transition(id, to, opts...); err != nil {
		s.logger.Error("terminal transition rejected", "task_id", id, "to", string(to), "error", err.Error())
		return
	}
	s.metrics.IncTransition(string(to))
	if !startedAt.IsZero() {
		s.metrics.ObserveRunDuration(string(to), time.Since(startedAt))
	}
}

// maybeRetry re-enqueues a failed task while its retry budget lasts.
// Requeue stamps a fresh created_at, placing the retry at the tail of its
// priority band.
func (s *Supervisor) maybeRetry(id string) {
	t, err := s.registry.Get(id)
	if err != nil {
		return
	}
	if t.State != task.StateFailed && t.State != task.StateError {
		return
	}
	if t.RetryCount >= t.RetryLimit {
		return
	}
	if err := s.registry.Requeue(id); err != nil {
		s.logger.Warn("retry requeue rejected", "task_id", id, "error", err.Error())
	}
}

// handle is the per-run cancellation surface stored on the task while it
// is live. Cancel is idempotent.
type handle struct {
	once sync.Once
	ch   chan struct{}
}

func newHandle() *handle {
	return &handle{ch: make(chan struct{})}
}

// Cancel triggers the soft-then-hard termination ladder.
func (h *handle) Cancel() {
	h.once.Do(func() { close(h.ch) })
}
