package task

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
)

type nopHandle struct{}

func (nopHandle) Cancel() {}

// steppedClock returns strictly increasing timestamps one millisecond apart.
func steppedClock() func() time.Time {
	var mu sync.Mutex
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		base = base.Add(time.Millisecond)
		return base
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(1024, logging.Nop(), WithClock(steppedClock()))
}

func mustCreate(t *testing.T, r *Registry, params CreateParams) Task {
	t.Helper()
	if params.Description == "" {
		params.Description = "do something"
	}
	created, err := r.Create(params)
	require.NoError(t, err)
	return created
}

func TestCreateAssignsIDAndQueues(t *testing.T) {
	r := newTestRegistry(t)

	created := mustCreate(t, r, CreateParams{
		Description: "refactor the parser",
		ProjectPath: "/work/proj",
		Priority:    PriorityHigh,
		Tags:        []string{"parser"},
		RetryLimit:  2,
	})

	assert.Len(t, created.ID, 26, "ULID ids are 26 chars")
	assert.Equal(t, StateQueued, created.State)
	assert.Equal(t, PriorityHigh, created.Priority)
	assert.Equal(t, 2, created.RetryLimit)
	assert.Zero(t, created.RetryCount)
	assert.False(t, created.CreatedAt.IsZero())
	assert.Nil(t, created.StartedAt)
	assert.Equal(t, 1, r.Len())
}

func TestCreateDefaultsPriorityToNormal(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "x"})
	assert.Equal(t, PriorityNormal, created.Priority)
}

func TestCreateValidation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(CreateParams{})
	assert.True(t, conderrors.IsKind(err, conderrors.KindBadRequest))

	_, err = r.Create(CreateParams{Description: "x", RetryLimit: -1})
	assert.True(t, conderrors.IsKind(err, conderrors.KindBadRequest))

	_, err = r.Create(CreateParams{Description: "x", Timeout: -time.Second})
	assert.True(t, conderrors.IsKind(err, conderrors.KindBadRequest))
}

func TestCreateRejectsUnknownDependency(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(CreateParams{
		Description:  "depends on a ghost",
		Dependencies: []string{"01ARZ3NDEKTSV4RRFFQ69G5FAV"},
	})
	require.Error(t, err)
	assert.True(t, conderrors.IsKind(err, conderrors.KindPreconditionFailed))
	assert.Equal(t, 0, r.Len(), "failed submission must leave the registry unchanged")
}

func TestCreateAcceptsExistingDependency(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreate(t, r, CreateParams{Description: "a"})

	b := mustCreate(t, r, CreateParams{Description: "b", Dependencies: []string{a.ID}})
	assert.Equal(t, []string{a.ID}, b.Dependencies)
}

func TestHappyPathTransitions(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "run tests"})

	require.NoError(t, r.Transition(created.ID, StateStarted, WithHandle(nopHandle{})))
	require.NoError(t, r.Transition(created.ID, StateRunning))
	require.NoError(t, r.Transition(created.ID, StateCompleted, WithExitCode(0)))

	got, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.EndedAt)
	assert.False(t, got.EndedAt.Before(*got.StartedAt))
	assert.Nil(t, got.Handle(), "terminal tasks carry no handle")
}

func TestTransitionRejectsSkippedStates(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "x"})

	err := r.Transition(created.ID, StateRunning)
	assert.True(t, conderrors.IsKind(err, conderrors.KindPreconditionFailed))

	err = r.Transition(created.ID, StateCompleted)
	assert.True(t, conderrors.IsKind(err, conderrors.KindPreconditionFailed))
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "x"})
	require.NoError(t, r.Transition(created.ID, StateTerminated, WithReason("cancelled")))

	for _, to := range []State{StateStarted, StateRunning, StateCompleted, StateFailed, StateQueued} {
		err := r.Transition(created.ID, to, WithHandle(nopHandle{}))
		assert.Error(t, err, "terminal task must reject transition to %s", to)
	}

	got, _ := r.Get(created.ID)
	assert.Equal(t, StateTerminated, got.State)
	assert.Equal(t, "cancelled", got.FailureReason)
}

func TestTransitionToStartedRequiresHandle(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "x"})

	err := r.Transition(created.ID, StateStarted)
	require.Error(t, err)
	assert.True(t, conderrors.IsKind(err, conderrors.KindInternal))
}

func TestTransitionUnknownTask(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Transition("missing", StateRunning)
	assert.True(t, conderrors.IsKind(err, conderrors.KindNotFound))
}

func TestSetExitImmutableOnceTerminal(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "x"})
	require.NoError(t, r.SetExit(created.ID, 3))
	require.NoError(t, r.Transition(created.ID, StateFailed, WithReason("boom")))

	err := r.SetExit(created.ID, 0)
	assert.True(t, conderrors.IsKind(err, conderrors.KindPreconditionFailed))

	got, _ := r.Get(created.ID)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 3, *got.ExitCode)
}

func TestRequeueForRetry(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "flaky", RetryLimit: 1})

	require.NoError(t, r.Transition(created.ID, StateStarted, WithHandle(nopHandle{})))
	require.NoError(t, r.Transition(created.ID, StateRunning))
	require.NoError(t, r.AppendOutput(created.ID, StreamStdout, []byte("first attempt output")))
	require.NoError(t, r.Transition(created.ID, StateFailed, WithExitCode(1)))

	failedAt, _ := r.Get(created.ID)
	require.NoError(t, r.Requeue(created.ID))

	got, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, got.CreatedAt.After(failedAt.CreatedAt), "requeue must stamp a fresh created_at")
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	assert.Nil(t, got.ExitCode)

	stdout, _, err := r.Buffers(created.ID)
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "first attempt output")
	assert.Contains(t, string(stdout), "--- attempt 2 ---")

	// Budget exhausted now.
	require.NoError(t, r.Transition(created.ID, StateStarted, WithHandle(nopHandle{})))
	require.NoError(t, r.Transition(created.ID, StateRunning))
	require.NoError(t, r.Transition(created.ID, StateFailed))
	err = r.Requeue(created.ID)
	assert.True(t, conderrors.IsKind(err, conderrors.KindPreconditionFailed))
}

func TestRequeueRejectsNonRetryableStates(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "x", RetryLimit: 5})

	err := r.Requeue(created.ID)
	assert.True(t, conderrors.IsKind(err, conderrors.KindPreconditionFailed), "QUEUED is not retryable")

	require.NoError(t, r.Transition(created.ID, StateStarted, WithHandle(nopHandle{})))
	require.NoError(t, r.Transition(created.ID, StateRunning))
	require.NoError(t, r.Transition(created.ID, StateCompleted, WithExitCode(0)))
	err = r.Requeue(created.ID)
	assert.True(t, conderrors.IsKind(err, conderrors.KindPreconditionFailed), "COMPLETED is not retryable")
}

func TestAppendOutputAndRecent(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "x"})

	require.NoError(t, r.AppendOutput(created.ID, StreamStdout, []byte("out line\n")))
	require.NoError(t, r.AppendOutput(created.ID, StreamStderr, []byte("err line\n")))

	stdout, stderr, err := r.Buffers(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "out line\n", string(stdout))
	assert.Equal(t, "err line\n", string(stderr))

	recentOut, recentErr, err := r.RecentOutput(created.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, "line\n", string(recentOut))
	assert.Equal(t, "line\n", string(recentErr))
}

func TestBufferBoundednessThroughRegistry(t *testing.T) {
	r := NewRegistry(64, logging.Nop(), WithClock(steppedClock()))
	created := mustCreate(t, r, CreateParams{Description: "chatty"})

	line := strings.Repeat("z", 50)
	for i := 0; i < 10; i++ {
		require.NoError(t, r.AppendOutput(created.ID, StreamStdout, []byte(line)))
	}

	outLen, _, outDropped, _, err := r.OutputStats(created.ID)
	require.NoError(t, err)
	assert.LessOrEqual(t, outLen, 64)
	assert.EqualValues(t, 500-outLen, outDropped)

	stdout, _, err := r.Buffers(created.ID)
	require.NoError(t, err)
	assert.Contains(t, string(stdout), "bytes dropped")
}

func TestListFilterAndOrdering(t *testing.T) {
	r := newTestRegistry(t)

	low := mustCreate(t, r, CreateParams{Description: "low", Priority: PriorityLow, Tags: []string{"batch"}})
	high := mustCreate(t, r, CreateParams{Description: "high", Priority: PriorityHigh})
	normal := mustCreate(t, r, CreateParams{Description: "normal", Priority: PriorityNormal, Tags: []string{"batch", "ui"}})
	critical := mustCreate(t, r, CreateParams{Description: "critical", Priority: PriorityCritical})

	all := r.List(Filter{})
	require.Len(t, all, 4)
	assert.Equal(t, []string{critical.ID, high.ID, normal.ID, low.ID}, ids(all))

	queued := r.List(Filter{States: []State{StateQueued}})
	assert.Len(t, queued, 4)

	batch := r.List(Filter{Tags: []string{"batch"}})
	assert.Equal(t, []string{normal.ID, low.ID}, ids(batch))

	both := r.List(Filter{Tags: []string{"batch", "ui"}})
	assert.Equal(t, []string{normal.ID}, ids(both), "tag filter requires every tag")

	require.NoError(t, r.Transition(high.ID, StateTerminated))
	active := r.List(Filter{States: []State{StateQueued}})
	assert.NotContains(t, ids(active), high.ID)
}

func TestListFIFOWithinSamePriority(t *testing.T) {
	r := newTestRegistry(t)

	first := mustCreate(t, r, CreateParams{Description: "first"})
	second := mustCreate(t, r, CreateParams{Description: "second"})
	third := mustCreate(t, r, CreateParams{Description: "third"})

	got := r.List(Filter{})
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, ids(got))
}

func TestCountsByState(t *testing.T) {
	r := newTestRegistry(t)
	a := mustCreate(t, r, CreateParams{Description: "a"})
	mustCreate(t, r, CreateParams{Description: "b"})
	require.NoError(t, r.Transition(a.ID, StateStarted, WithHandle(nopHandle{})))

	counts := r.CountsByState()
	assert.Equal(t, 1, counts[StateQueued])
	assert.Equal(t, 1, counts[StateStarted])
}

func TestObserverSeesOrderedEvents(t *testing.T) {
	r := newTestRegistry(t)

	var mu sync.Mutex
	var events []Event
	r.Observe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	created := mustCreate(t, r, CreateParams{Description: "watched"})
	require.NoError(t, r.Transition(created.ID, StateStarted, WithHandle(nopHandle{})))
	require.NoError(t, r.Transition(created.ID, StateRunning))
	require.NoError(t, r.Transition(created.ID, StateCompleted, WithExitCode(0)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 4)
	assert.Equal(t, Event{TaskID: created.ID, To: StateQueued}, events[0])
	assert.Equal(t, StateStarted, events[1].To)
	assert.Equal(t, StateRunning, events[2].To)
	assert.Equal(t, StateCompleted, events[3].To)
	assert.Equal(t, StateRunning, events[3].From)
}

func TestSnapshotIsolation(t *testing.T) {
	r := newTestRegistry(t)
	created := mustCreate(t, r, CreateParams{Description: "x", Tags: []string{"a"}})

	created.Tags[0] = "mutated"
	created.State = StateKilled

	got, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Tags)
	assert.Equal(t, StateQueued, got.State)
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("urgent")
	assert.Error(t, err)

	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
}

func TestParseState(t *testing.T) {
	s, err := ParseState("queued")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, s)

	_, err = ParseState("paused")
	assert.Error(t, err)
}

func ids(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}
