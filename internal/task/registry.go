package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
)

// Event describes a committed state change. From is empty for creation.
type Event struct {
	TaskID string
	From   State
	To     State
}

// Observer receives task events after they are committed. Observers must
// not block; long work belongs on their own goroutines.
type Observer func(Event)

// Stream selects one of the two captured output channels.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

type entry struct {
	mu     sync.Mutex
	task   Task
	stdout *Ring
	stderr *Ring
}

// Registry is the in-memory task store. Tasks are never removed; bounded
// ring buffers keep memory use flat regardless of output volume.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*entry
	observers []Observer

	bufferBytes int
	clock       func() time.Time
	logger      *logging.Logger
}

// RegistryOption customises registry construction.
type RegistryOption func(*Registry)

// WithClock injects a time source, used by tests to control created_at.
func WithClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) { r.clock = clock }
}

// NewRegistry creates a task registry whose per-task output buffers hold at
// most bufferBytes each.
func NewRegistry(bufferBytes int, logger *logging.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		tasks:       make(map[string]*entry),
		bufferBytes: bufferBytes,
		clock:       time.Now,
		logger:      logger.Component("task-registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Observe registers an observer for task events. Call before serving starts.
func (r *Registry) Observe(fn Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) notify(ev Event) {
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// CreateParams carries the validated fields for a new task.
type CreateParams struct {
	Description  string
	ProjectPath  string
	Priority     Priority
	Tags         []string
	Dependencies []string
	Timeout      time.Duration
	RetryLimit   int
}

// Create validates params, inserts a QUEUED task, and returns its snapshot.
func (r *Registry) Create(params CreateParams) (Task, error) {
	if params.Description == "" {
		return Task{}, conderrors.BadRequest("description must not be empty")
	}
	if params.RetryLimit < 0 {
		return Task{}, conderrors.BadRequest("retry_limit must be >= 0")
	}
	if params.Timeout < 0 {
		return Task{}, conderrors.BadRequest("timeout_s must be >= 0")
	}
	priority := params.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	id := ulid.Make().String()

	r.mu.Lock()
	for _, dep := range params.Dependencies {
		if dep == id {
			r.mu.Unlock()
			return Task{}, conderrors.PreconditionFailed("task cannot depend on itself")
		}
		if _, ok := r.tasks[dep]; !ok {
			r.mu.Unlock()
			return Task{}, conderrors.PreconditionFailed("unknown dependency %q: dependencies must reference existing tasks", dep)
		}
	}

	t := Task{
		ID:           id,
		Description:  params.Description,
		ProjectPath:  params.ProjectPath,
		Priority:     priority,
		Tags:         append([]string(nil), params.Tags...),
		Dependencies: append([]string(nil), params.Dependencies...),
		State:        StateQueued,
		CreatedAt:    r.clock(),
		RetryLimit:   params.RetryLimit,
		Timeout:      params.Timeout,
	}
	r.tasks[id] = &entry{
		task:   t,
		stdout: NewRing(r.bufferBytes),
		stderr: NewRing(r.bufferBytes),
	}
	r.mu.Unlock()

	r.logger.Info("task created",
		"task_id", id,
		"priority", string(priority),
		"dependencies", len(params.Dependencies),
	)
	r.notify(Event{TaskID: id, To: StateQueued})
	return snapshot(t), nil
}

func (r *Registry) get(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tasks[id]
	if !ok {
		return nil, conderrors.NotFound("task %q not found", id)
	}
	return e, nil
}

// Get returns a point-in-time snapshot of the task.
func (r *Registry) Get(id string) (Task, error) {
	e, err := r.get(id)
	if err != nil {
		return Task{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return snapshot(e.task), nil
}

// Transition moves a task along one edge of the state machine. The guard
// and all field mutations are atomic per task. Entering STARTED requires a
// handle; entering a terminal state clears it.
func (r *Registry) Transition(id string, to State, opts ...TransitionOption) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	params := applyTransitionOptions(opts)

	e.mu.Lock()
	from := e.task.State
	if !CanTransition(from, to) {
		e.mu.Unlock()
		return conderrors.PreconditionFailed("invalid transition %s -> %s for task %q", from, to, id)
	}
	if to == StateStarted && params.Handle == nil {
		e.mu.Unlock()
		return conderrors.Internal("transition to STARTED requires a supervisor handle")
	}

	now := r.clock()
	e.task.State = to
	switch {
	case to == StateStarted:
		e.task.StartedAt = &now
		e.task.handle = params.Handle
	case to.IsTerminal():
		e.task.EndedAt = &now
		e.task.handle = nil
	}
	if params.Reason != "" {
		e.task.FailureReason = params.Reason
	}
	if params.ExitCode != nil {
		e.task.ExitCode = params.ExitCode
	}
	e.mu.Unlock()

	r.logger.Debug("task transition",
		"task_id", id,
		"from", string(from),
		"to", string(to),
		"reason", params.Reason,
	)
	r.notify(Event{TaskID: id, From: from, To: to})
	return nil
}

// Requeue re-enters QUEUED for a retry. Only FAILED and ERROR tasks with
// remaining retry budget qualify. The attempt counter and a fresh
// created_at put the retry at the tail of its priority band; output
// buffers are preserved under an attempt marker.
func (r *Registry) Requeue(id string) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	from := e.task.State
	if from != StateFailed && from != StateError {
		e.mu.Unlock()
		return conderrors.PreconditionFailed("task %q in state %s is not retryable", id, from)
	}
	if e.task.RetryCount >= e.task.RetryLimit {
		e.mu.Unlock()
		return conderrors.PreconditionFailed("task %q has exhausted its %d retries", id, e.task.RetryLimit)
	}
	e.task.RetryCount++
	e.task.State = StateQueued
	e.task.CreatedAt = r.clock()
	e.task.StartedAt = nil
	e.task.EndedAt = nil
	e.task.ExitCode = nil
	e.task.Resource = nil
	e.task.handle = nil
	attempt := e.task.RetryCount + 1
	marker := attemptMarker(attempt)
	e.stdout.WriteString(marker)
	e.stderr.WriteString(marker)
	e.mu.Unlock()

	r.logger.Info("task requeued for retry", "task_id", id, "attempt", attempt)
	r.notify(Event{TaskID: id, From: from, To: StateQueued})
	return nil
}

func attemptMarker(attempt int) string {
	return fmt.Sprintf("\n--- attempt %d ---\n", attempt)
}

// AppendOutput appends child output to the task's bounded buffer.
func (r *Registry) AppendOutput(id string, stream Stream, p []byte) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch stream {
	case StreamStderr:
		_, _ = e.stderr.Write(p)
	default:
		_, _ = e.stdout.Write(p)
	}
	return nil
}

// SetExit records the child's exit code. Rejected once terminal.
func (r *Registry) SetExit(id string, code int) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.State.IsTerminal() {
		return conderrors.PreconditionFailed("task %q is terminal; exit code is immutable", id)
	}
	e.task.ExitCode = &code
	return nil
}

// SetHandle replaces the supervisor handle on a live task.
func (r *Registry) SetHandle(id string, h Handle) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.State != StateStarted && e.task.State != StateRunning {
		return conderrors.PreconditionFailed("task %q in state %s cannot carry a handle", id, e.task.State)
	}
	e.task.handle = h
	return nil
}

// SetResource stores the latest resource sample on a task.
func (r *Registry) SetResource(id string, sample ResourceSample) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.task.Resource = &sample
	return nil
}

// Buffers returns copies of both output buffers, truncation markers
// included.
func (r *Registry) Buffers(id string) (stdout, stderr []byte, err error) {
	e, err := r.get(id)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stdout.Contents(), e.stderr.Contents(), nil
}

// RecentOutput returns up to n trailing bytes of each stream.
func (r *Registry) RecentOutput(id string, n int) (stdout, stderr []byte, err error) {
	e, err := r.get(id)
	if err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stdout.Tail(n), e.stderr.Tail(n), nil
}

// OutputStats reports buffer sizes and dropped byte counters per stream.
func (r *Registry) OutputStats(id string) (stdoutLen, stderrLen int, stdoutDropped, stderrDropped int64, err error) {
	e, err := r.get(id)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stdout.Len(), e.stderr.Len(), e.stdout.Dropped(), e.stderr.Dropped(), nil
}

// Filter selects tasks for List. Zero value matches everything.
type Filter struct {
	// States matches tasks whose state is any of the given ones.
	States []State
	// Tags matches tasks carrying every given tag.
	Tags []string
}

func (f Filter) matches(t *Task) bool {
	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if t.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	return true
}

// List returns snapshots of matching tasks in admission order.
func (r *Registry) List(filter Filter) []Task {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Task, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if filter.matches(&e.task) {
			out = append(out, snapshot(e.task))
		}
		e.mu.Unlock()
	}
	SortByAdmission(out)
	return out
}

// CountsByState tallies tasks per state.
func (r *Registry) CountsByState() map[State]int {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	counts := make(map[State]int)
	for _, e := range entries {
		e.mu.Lock()
		counts[e.task.State]++
		e.mu.Unlock()
	}
	return counts
}

// Len returns the number of tasks ever created.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// SortByAdmission orders tasks by (priority DESC, created_at ASC, id ASC).
func SortByAdmission(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// snapshot deep-copies the mutable fields so callers cannot race the
// registry.
func snapshot(t Task) Task {
	out := t
	out.Tags = append([]string(nil), t.Tags...)
	out.Dependencies = append([]string(nil), t.Dependencies...)
	if t.StartedAt != nil {
		v := *t.StartedAt
		out.StartedAt = &v
	}
	if t.EndedAt != nil {
		v := *t.EndedAt
		out.EndedAt = &v
	}
	if t.ExitCode != nil {
		v := *t.ExitCode
		out.ExitCode = &v
	}
	if t.Resource != nil {
		v := *t.Resource
		out.Resource = &v
	}
	return out
}
