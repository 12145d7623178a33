// Package task defines the task domain model and the in-memory registry
// that owns every task for the lifetime of the process.
package task

import (
	"fmt"
	"strings"
	"time"
)

// State represents the lifecycle state of a task.
type State string

const (
	StateQueued     State = "QUEUED"
	StateStarted    State = "STARTED"
	StateRunning    State = "RUNNING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateTerminated State = "TERMINATED"
	StateKilled     State = "KILLED"
	StateError      State = "ERROR"
)

// IsTerminal reports whether the state is final.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTerminated, StateKilled, StateError:
		return true
	default:
		return false
	}
}

// transitions is the allowed edge set of the task state machine. Retries
// re-enter QUEUED through Requeue, which has its own guard.
var transitions = map[State]map[State]bool{
	StateQueued: {
		StateStarted:    true,
		StateTerminated: true,
		StateFailed:     true,
		StateError:      true,
	},
	StateStarted: {
		StateRunning:    true,
		StateTerminated: true,
		StateKilled:     true,
		StateError:      true,
	},
	StateRunning: {
		StateCompleted:  true,
		StateFailed:     true,
		StateTerminated: true,
		StateKilled:     true,
		StateError:      true,
	},
}

// CanTransition reports whether the edge from→to is part of the state machine.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// ParseState validates a state name as supplied by clients.
func ParseState(s string) (State, error) {
	state := State(strings.ToUpper(strings.TrimSpace(s)))
	switch state {
	case StateQueued, StateStarted, StateRunning, StateCompleted,
		StateFailed, StateTerminated, StateKilled, StateError:
		return state, nil
	default:
		return "", fmt.Errorf("unknown task state %q", s)
	}
}

// Priority orders tasks for admission. CRITICAL is highest.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

var priorityRank = map[Priority]int{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityNormal:   1,
	PriorityLow:      0,
}

// Rank returns the numeric weight of the priority, higher first.
func (p Priority) Rank() int {
	return priorityRank[p]
}

// ParsePriority validates a priority name, defaulting empty to NORMAL.
func ParsePriority(s string) (Priority, error) {
	if strings.TrimSpace(s) == "" {
		return PriorityNormal, nil
	}
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := priorityRank[p]; !ok {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// ProjectPathActive is the sentinel meaning "use the active project".
const ProjectPathActive = "active"

// Handle is the supervisor-side control surface for a live task. It is
// present on a task exactly while the task is STARTED or RUNNING.
type Handle interface {
	// Cancel triggers the soft-then-hard termination ladder. Idempotent.
	Cancel()
}

// ResourceSample is the latest process resource reading for a running task.
type ResourceSample struct {
	CPUPercent float64   `json:"cpu_percent"`
	RSSBytes   uint64    `json:"rss_bytes"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Task is a single unit of delegated coding work. Fields are mutated only
// through the Registry, which guards the state machine.
type Task struct {
	ID           string     `json:"id"`
	Description  string     `json:"description"`
	ProjectPath  string     `json:"project_path"`
	Priority     Priority   `json:"priority"`
	Tags         []string   `json:"tags,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
	State        State      `json:"state"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	RetryCount   int        `json:"retry_count"`
	RetryLimit   int        `json:"retry_limit"`
	// Timeout is the wall-clock ceiling for one attempt; zero means none.
	Timeout       time.Duration   `json:"-"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Resource      *ResourceSample `json:"resource,omitempty"`

	handle Handle
}

// HasTag reports whether the task carries the given tag.
func (t *Task) HasTag(tag string) bool {
	for _, have := range t.Tags {
		if have == tag {
			return true
		}
	}
	return false
}

// Handle returns the live process handle, nil unless STARTED or RUNNING.
func (t *Task) Handle() Handle {
	return t.handle
}

// TransitionParams holds optional fields applied alongside a transition.
type TransitionParams struct {
	Reason   string
	ExitCode *int
	Handle   Handle
}

// TransitionOption customises a Transition call.
type TransitionOption func(*TransitionParams)

// WithReason records why the state changed.
func WithReason(reason string) TransitionOption {
	return func(p *TransitionParams) { p.Reason = reason }
}

// WithExitCode records the child's exit code alongside the transition.
func WithExitCode(code int) TransitionOption {
	return func(p *TransitionParams) { p.ExitCode = &code }
}

// WithHandle attaches the supervisor handle when entering STARTED.
func WithHandle(h Handle) TransitionOption {
	return func(p *TransitionParams) { p.Handle = h }
}

func applyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}
