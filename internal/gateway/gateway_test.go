package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/wire"
)

// harness runs an assembled gateway against in-memory pipes and lets tests
// exchange protocol frames with it.
type harness struct {
	t     *testing.T
	reqW  *io.PipeWriter
	reqMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan wire.Response
	rawLines []string
	nextID   int
}

func mockConfig() config.Config {
	return config.Config{
		Mock:           true,
		MaxConcurrency: config.DefaultMaxConcurrency,
		BufferBytes:    config.DefaultBufferBytes,
		GracePeriod:    500 * time.Millisecond,
		Profile:        config.ProfileEnhanced,
	}
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	gw, err := New(cfg, inR, outW, logging.Nop(),
		WithMetrics(metrics.MustNew(prometheus.NewRegistry())))
	require.NoError(t, err)

	h := &harness{
		t:       t,
		reqW:    inW,
		pending: make(map[string]chan wire.Response),
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- gw.Serve(ctx)
		_ = outW.Close()
	}()

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		scanner := bufio.NewScanner(outR)
		scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
		for scanner.Scan() {
			line := scanner.Text()
			h.mu.Lock()
			h.rawLines = append(h.rawLines, line)
			h.mu.Unlock()

			var resp wire.Response
			if err := json.Unmarshal([]byte(line), &resp); err != nil {
				continue
			}
			h.mu.Lock()
			id, _ := resp.ID.(string)
			if ch, ok := h.pending[id]; ok {
				delete(h.pending, id)
				ch <- resp
			}
			h.mu.Unlock()
		}
	}()

	t.Cleanup(func() {
		_ = inW.Close()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("gateway did not stop")
		}
		cancel()
		<-collected
		h.assertStdoutHygiene()
	})
	return h
}

// call sends one request and waits for its response frame.
func (h *harness) call(op string, args map[string]any) wire.Response {
	h.t.Helper()

	h.mu.Lock()
	h.nextID++
	id := fmt.Sprintf("req-%d", h.nextID)
	ch := make(chan wire.Response, 1)
	h.pending[id] = ch
	h.mu.Unlock()

	frame, err := json.Marshal(map[string]any{"id": id, "op": op, "args": args})
	require.NoError(h.t, err)

	h.reqMu.Lock()
	_, err = h.reqW.Write(append(frame, '\n'))
	h.reqMu.Unlock()
	require.NoError(h.t, err)

	select {
	case resp := <-ch:
		return resp
	case <-time.After(10 * time.Second):
		h.t.Fatalf("no response for %s (%s)", op, id)
		return wire.Response{}
	}
}

// callOK asserts success and decodes the result into a generic map.
func (h *harness) callOK(op string, args map[string]any) map[string]any {
	h.t.Helper()
	resp := h.call(op, args)
	require.Nil(h.t, resp.Error, "op %s failed: %+v", op, resp.Error)
	if resp.Result == nil {
		return nil
	}
	result, ok := resp.Result.(map[string]any)
	require.True(h.t, ok, "op %s result is not an object", op)
	return result
}

func (h *harness) delegate(description string, extra map[string]any) string {
	h.t.Helper()
	args := map[string]any{"description": description}
	for k, v := range extra {
		args[k] = v
	}
	if _, ok := args["project_path"]; !ok {
		args["project_path"] = h.t.TempDir()
	}
	result := h.callOK("delegate_coding_task", args)
	id, _ := result["id"].(string)
	require.NotEmpty(h.t, id)
	return id
}

func (h *harness) taskField(id, field string) any {
	h.t.Helper()
	result := h.callOK("get_task_results", map[string]any{"id": id})
	taskObj, _ := result["task"].(map[string]any)
	require.NotNil(h.t, taskObj)
	return taskObj[field]
}

func (h *harness) waitTerminal(ids ...string) {
	h.t.Helper()
	terminal := map[string]bool{
		"COMPLETED": true, "FAILED": true, "TERMINATED": true, "KILLED": true, "ERROR": true,
	}
	require.Eventually(h.t, func() bool {
		for _, id := range ids {
			state, _ := h.taskField(id, "state").(string)
			if !terminal[state] {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond)
}

func (h *harness) taskTime(id, field string) time.Time {
	h.t.Helper()
	raw, _ := h.taskField(id, field).(string)
	require.NotEmpty(h.t, raw, "task %s has no %s", id, field)
	ts, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(h.t, err)
	return ts
}

// assertStdoutHygiene checks that every stdout line of the session was a
// valid response frame carrying an id and exactly one of result or error.
func (h *harness) assertStdoutHygiene() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, line := range h.rawLines {
		var frame struct {
			ID     any             `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  json.RawMessage `json:"error"`
		}
		require.NoError(h.t, json.Unmarshal([]byte(line), &frame), "stdout line is not a frame: %s", line)
		assert.NotNil(h.t, frame.ID, "frame without id: %s", line)
		assert.True(h.t, (frame.Result != nil) != (frame.Error != nil),
			"frame must carry exactly one of result/error: %s", line)
	}
}

func TestAnalyzeAndActivateProject(t *testing.T) {
	h := newHarness(t, mockConfig())

	dir := t.TempDir()
	manifest := `{"dependencies":{"lodash":"^4"},"scripts":{"build":"tsc"}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(manifest), 0o644))

	record := h.callOK("analyze_project", map[string]any{"path": dir})
	assert.Equal(t, "node", record["kind"])
	assert.Contains(t, record["dependencies"], "lodash")
	cmds, _ := record["build_commands"].(map[string]any)
	require.NotNil(t, cmds)
	assert.Equal(t, "npm test", cmds["test"])
	assert.Equal(t, "npm run build", cmds["build"])
	canonical, _ := record["path"].(string)
	require.NotEmpty(t, canonical)

	h.callOK("set_active_project", map[string]any{"path": dir})

	snap := h.callOK("get_system_status", nil)
	projects, _ := snap["projects"].(map[string]any)
	require.NotNil(t, projects)
	assert.Equal(t, canonical, projects["active_path"])
	assert.Equal(t, true, snap["mock"])
}

func TestSetActiveProjectRequiresAnalysis(t *testing.T) {
	h := newHarness(t, mockConfig())
	resp := h.call("set_active_project", map[string]any{"path": t.TempDir()})
	require.NotNil(t, resp.Error)
	assert.Equal(t, conderrors.CodeNotFound, resp.Error.Code)
}

func TestPriorityOrderingAtSingleSlot(t *testing.T) {
	cfg := mockConfig()
	cfg.MaxConcurrency = 1
	h := newHarness(t, cfg)

	// A blocker keeps the only slot busy so A, B, and C are all queued
	// before the first real admission decision.
	blocker := h.delegate("blocker [mock:sleep=300]", nil)
	a := h.delegate("a", map[string]any{"priority": "LOW"})
	b := h.delegate("b", map[string]any{"priority": "HIGH"})
	c := h.delegate("c", map[string]any{"priority": "NORMAL"})

	h.waitTerminal(blocker, a, b, c)
	for _, id := range []string{a, b, c} {
		assert.Equal(t, "COMPLETED", h.taskField(id, "state"))
	}

	startB := h.taskTime(b, "started_at")
	startC := h.taskTime(c, "started_at")
	startA := h.taskTime(a, "started_at")
	assert.True(t, startB.Before(startC), "HIGH must start before NORMAL")
	assert.True(t, startC.Before(startA), "NORMAL must start before LOW")
}

func TestDependencyDelaysHigherPriorityTask(t *testing.T) {
	cfg := mockConfig()
	cfg.MaxConcurrency = 2
	h := newHarness(t, cfg)

	x := h.delegate("x [mock:sleep=200]", nil)
	y := h.delegate("y", map[string]any{"priority": "HIGH", "dependencies": []any{x}})

	h.waitTerminal(x, y)
	assert.Equal(t, "COMPLETED", h.taskField(x, "state"))
	assert.Equal(t, "COMPLETED", h.taskField(y, "state"))

	endX := h.taskTime(x, "ended_at")
	startY := h.taskTime(y, "started_at")
	assert.False(t, startY.Before(endX), "dependent started before its dependency completed")
}

func TestDependencyFailurePropagates(t *testing.T) {
	h := newHarness(t, mockConfig())

	x := h.delegate("x [mock:fail]", nil)
	y := h.delegate("y", map[string]any{"dependencies": []any{x}})

	h.waitTerminal(x, y)
	assert.Equal(t, "FAILED", h.taskField(x, "state"))
	assert.Equal(t, "FAILED", h.taskField(y, "state"))
	assert.Equal(t, "dependency failed", h.taskField(y, "failure_reason"))
	assert.Nil(t, h.taskField(y, "started_at"), "failed dependent must never be admitted")
}

func TestCancelRunningTaskWithinGrace(t *testing.T) {
	h := newHarness(t, mockConfig())

	id := h.delegate("long haul [mock:sleep=30000]", nil)
	require.Eventually(t, func() bool {
		state, _ := h.taskField(id, "state").(string)
		return state == "RUNNING"
	}, 10*time.Second, 10*time.Millisecond)

	result := h.callOK("cancel_task", map[string]any{"id": id})
	assert.Equal(t, true, result["ok"])

	h.waitTerminal(id)
	assert.Equal(t, "TERMINATED", h.taskField(id, "state"))
}

func TestCancelQueuedTask(t *testing.T) {
	cfg := mockConfig()
	cfg.MaxConcurrency = 1
	h := newHarness(t, cfg)

	blocker := h.delegate("blocker [mock:sleep=30000]", nil)
	queued := h.delegate("stuck behind", nil)

	h.callOK("cancel_task", map[string]any{"id": queued})
	h.waitTerminal(queued)
	assert.Equal(t, "TERMINATED", h.taskField(queued, "state"))

	h.callOK("cancel_task", map[string]any{"id": blocker})
	h.waitTerminal(blocker)
}

func TestCancelUnknownTaskIsNotFound(t *testing.T) {
	h := newHarness(t, mockConfig())
	resp := h.call("cancel_task", map[string]any{"id": "01NOSUCHTASK"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, conderrors.CodeNotFound, resp.Error.Code)
}

func TestSelfDependencyIsRejected(t *testing.T) {
	h := newHarness(t, mockConfig())

	resp := h.call("delegate_coding_task", map[string]any{
		"description":  "self-referential",
		"project_path": t.TempDir(),
		"dependencies": []any{"some-unknown-id"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, conderrors.CodePreconditionFailed, resp.Error.Code)

	// Registries stay untouched: listing shows no new task.
	resp = h.call("list_active_tasks", nil)
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result)
}

func TestMonitorReportsRecentOutput(t *testing.T) {
	h := newHarness(t, mockConfig())

	id := h.delegate("observable work", nil)
	h.waitTerminal(id)

	result := h.callOK("monitor_task_progress", map[string]any{"id": id})
	assert.Equal(t, "COMPLETED", result["state"])
	assert.Equal(t, float64(0), result["exit_code"])
	stdout, _ := result["recent_stdout"].(string)
	assert.Contains(t, stdout, "observable work")
	assert.Contains(t, stdout, "[mock-agent] done")
}

func TestGetTaskResultsIncludesOutputOnRequest(t *testing.T) {
	h := newHarness(t, mockConfig())

	id := h.delegate("full transcript", nil)
	h.waitTerminal(id)

	bare := h.callOK("get_task_results", map[string]any{"id": id})
	assert.Nil(t, bare["stdout"])

	full := h.callOK("get_task_results", map[string]any{"id": id, "include_output": true})
	stdout, _ := full["stdout"].(string)
	assert.Contains(t, stdout, "full transcript")
	stats, _ := full["output_stats"].(map[string]any)
	require.NotNil(t, stats)
	assert.Equal(t, float64(0), stats["stdout_bytes_dropped"])
}

func TestListFiltersByStateAndTag(t *testing.T) {
	h := newHarness(t, mockConfig())

	tagged := h.delegate("tagged work", map[string]any{"tags": []any{"infra"}})
	plain := h.delegate("plain work", nil)
	h.waitTerminal(tagged, plain)

	resp := h.call("list_active_tasks", map[string]any{"tags": []any{"infra"}})
	require.Nil(t, resp.Error)
	entries, _ := resp.Result.([]any)
	require.Len(t, entries, 1)
	entry, _ := entries[0].(map[string]any)
	assert.Equal(t, tagged, entry["id"])

	resp = h.call("list_active_tasks", map[string]any{"states": []any{"COMPLETED"}})
	require.Nil(t, resp.Error)
	entries, _ = resp.Result.([]any)
	assert.Len(t, entries, 2)

	resp = h.call("list_active_tasks", map[string]any{"states": []any{"bogus"}})
	require.NotNil(t, resp.Error)
	assert.Equal(t, conderrors.CodeBadRequest, resp.Error.Code)
}

func TestCheckAgentAvailabilityInMockMode(t *testing.T) {
	h := newHarness(t, mockConfig())
	result := h.callOK("check_agent_availability", nil)
	assert.Equal(t, true, result["available"])
	assert.Equal(t, true, result["mock"])
}

func TestUnknownOpAndBadArgs(t *testing.T) {
	h := newHarness(t, mockConfig())

	resp := h.call("no_such_op", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, conderrors.CodeNotFound, resp.Error.Code)

	resp = h.call("delegate_coding_task", map[string]any{"description": 42})
	require.NotNil(t, resp.Error)
	assert.Equal(t, conderrors.CodeBadRequest, resp.Error.Code)

	resp = h.call("analyze_project", map[string]any{})
	require.NotNil(t, resp.Error)
	assert.Equal(t, conderrors.CodeBadRequest, resp.Error.Code)
}

func TestSimpleProfileRestrictsDelegation(t *testing.T) {
	cfg := mockConfig()
	cfg.Profile = config.ProfileSimple
	h := newHarness(t, cfg)

	resp := h.call("delegate_coding_task", map[string]any{
		"description":  "too fancy",
		"project_path": t.TempDir(),
		"priority":     "HIGH",
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, conderrors.CodeBadRequest, resp.Error.Code)

	id := h.delegate("plain is fine", nil)
	h.waitTerminal(id)
	assert.Equal(t, "COMPLETED", h.taskField(id, "state"))
}

func TestRetriedTaskEventuallySticksFailed(t *testing.T) {
	h := newHarness(t, mockConfig())

	id := h.delegate("flaky [mock:fail]", map[string]any{"retry_limit": 1})
	require.Eventually(t, func() bool {
		state, _ := h.taskField(id, "state").(string)
		retries, _ := h.taskField(id, "retry_count").(float64)
		return state == "FAILED" && retries == 1
	}, 15*time.Second, 20*time.Millisecond)
}
