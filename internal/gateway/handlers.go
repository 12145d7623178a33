package gateway

import (
	"context"
	"time"

	"conductor/internal/analyzer"
	"conductor/internal/config"
	"conductor/internal/dispatch"
	conderrors "conductor/internal/errors"
	"conductor/internal/supervisor"
	"conductor/internal/task"
)

// recentOutputBytes is how much trailing output monitor_task_progress
// returns per stream.
const recentOutputBytes = 2000

// cancelRetries bounds the cancel handler's race against admission.
const cancelRetries = 3

func (g *Gateway) registerTools() error {
	tools := []struct {
		name        string
		description string
		schema      map[string]any
		handler     func(ctx context.Context, args map[string]any) (any, error)
	}{
		{
			name:        "check_agent_availability",
			description: "Report whether the coding-agent CLI can be invoked, and its version.",
			schema:      emptySchema(),
			handler:     g.handleCheckAgent,
		},
		{
			name:        "analyze_project",
			description: "Analyze a project directory and register it.",
			schema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "minLength": 1},
			}, "path"),
			handler: g.handleAnalyzeProject,
		},
		{
			name:        "set_active_project",
			description: "Mark a previously analyzed project as the active one.",
			schema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "minLength": 1},
			}, "path"),
			handler: g.handleSetActiveProject,
		},
		{
			name:        "get_system_status",
			description: "Snapshot host resources, task counts, and scheduler saturation.",
			schema:      emptySchema(),
			handler:     g.handleSystemStatus,
		},
		{
			name:        "delegate_coding_task",
			description: "Queue a coding task for the agent.",
			schema: objectSchema(map[string]any{
				"description":  map[string]any{"type": "string", "minLength": 1},
				"project_path": map[string]any{"type": "string"},
				"priority": map[string]any{
					"type": "string",
					"enum": []any{"CRITICAL", "HIGH", "NORMAL", "LOW"},
				},
				"tags": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"dependencies": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"timeout_s":   map[string]any{"type": "number", "minimum": 0},
				"retry_limit": map[string]any{"type": "integer", "minimum": 0},
			}, "description"),
			handler: g.handleDelegate,
		},
		{
			name:        "monitor_task_progress",
			description: "Report a task's state and recent output.",
			schema: objectSchema(map[string]any{
				"id": map[string]any{"type": "string", "minLength": 1},
			}, "id"),
			handler: g.handleMonitor,
		},
		{
			name:        "get_task_results",
			description: "Return the full task snapshot, optionally with captured output.",
			schema: objectSchema(map[string]any{
				"id":             map[string]any{"type": "string", "minLength": 1},
				"include_output": map[string]any{"type": "boolean"},
			}, "id"),
			handler: g.handleResults,
		},
		{
			name:        "list_active_tasks",
			description: "List task summaries filtered by state and tags, in admission order.",
			schema: objectSchema(map[string]any{
				"states": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
				"tags": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			}),
			handler: g.handleList,
		},
		{
			name:        "cancel_task",
			description: "Cancel a queued or running task.",
			schema: objectSchema(map[string]any{
				"id": map[string]any{"type": "string", "minLength": 1},
			}, "id"),
			handler: g.handleCancel,
		},
	}

	for _, t := range tools {
		err := g.dispatcher.Register(dispatch.Tool{
			Name:        t.name,
			Description: t.description,
			Schema:      t.schema,
			Handler:     t.handler,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// agentAvailability is the check_agent_availability result.
type agentAvailability struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Mock      bool   `json:"mock"`
}

func (g *Gateway) handleCheckAgent(ctx context.Context, _ map[string]any) (any, error) {
	if g.cfg.Mock {
		return agentAvailability{Available: true, Mock: true}, nil
	}
	path, err := supervisor.ResolveAgent(g.cfg.AgentCLIPath)
	if err != nil {
		return agentAvailability{Available: false}, nil
	}
	return agentAvailability{
		Available: true,
		Version:   supervisor.ProbeVersion(ctx, path),
	}, nil
}

func (g *Gateway) handleAnalyzeProject(ctx context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	record, err := g.analyzer.Analyze(ctx, path)
	if err != nil {
		return nil, err
	}
	g.projects.Put(record)
	return record, nil
}

func (g *Gateway) handleSetActiveProject(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	canonical, err := analyzer.Canonicalize(path)
	if err != nil {
		return nil, err
	}
	if err := g.projects.SetActive(canonical); err != nil {
		return nil, err
	}
	g.logger.Info("active project set", "path", canonical)
	return okResult(), nil
}

func (g *Gateway) handleSystemStatus(ctx context.Context, _ map[string]any) (any, error) {
	return g.reporter.Snapshot(ctx), nil
}

func (g *Gateway) handleDelegate(_ context.Context, args map[string]any) (any, error) {
	params := task.CreateParams{
		Description: stringArg(args, "description"),
		ProjectPath: stringArg(args, "project_path"),
		Tags:        stringSliceArg(args, "tags"),
	}
	if params.ProjectPath == "" {
		params.ProjectPath = task.ProjectPathActive
	}

	priority, err := task.ParsePriority(stringArg(args, "priority"))
	if err != nil {
		return nil, conderrors.BadRequest("%v", err)
	}
	params.Priority = priority
	params.Dependencies = stringSliceArg(args, "dependencies")
	if v, ok := args["timeout_s"].(float64); ok {
		params.Timeout = time.Duration(v * float64(time.Second))
	}
	if v, ok := args["retry_limit"].(float64); ok {
		params.RetryLimit = int(v)
	}

	if g.cfg.Profile == config.ProfileSimple {
		switch {
		case len(params.Dependencies) > 0:
			return nil, conderrors.BadRequest("dependencies require the enhanced profile")
		case params.Timeout > 0:
			return nil, conderrors.BadRequest("timeout_s requires the enhanced profile")
		case params.RetryLimit > 0:
			return nil, conderrors.BadRequest("retry_limit requires the enhanced profile")
		case params.Priority != task.PriorityNormal:
			return nil, conderrors.BadRequest("priorities require the enhanced profile")
		}
	}

	created, err := g.tasks.Create(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": created.ID}, nil
}

// monitorResult is the monitor_task_progress result.
type monitorResult struct {
	State        task.State           `json:"state"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
	ExitCode     *int                 `json:"exit_code,omitempty"`
	RecentStdout string               `json:"recent_stdout"`
	RecentStderr string               `json:"recent_stderr"`
	Resource     *task.ResourceSample `json:"resource,omitempty"`
}

func (g *Gateway) handleMonitor(_ context.Context, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	t, err := g.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	stdout, stderr, err := g.tasks.RecentOutput(id, recentOutputBytes)
	if err != nil {
		return nil, err
	}
	return monitorResult{
		State:        t.State,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		EndedAt:      t.EndedAt,
		ExitCode:     t.ExitCode,
		RecentStdout: string(stdout),
		RecentStderr: string(stderr),
		Resource:     t.Resource,
	}, nil
}

// outputStats accompanies full output in get_task_results.
type outputStats struct {
	StdoutBytes        int   `json:"stdout_bytes"`
	StderrBytes        int   `json:"stderr_bytes"`
	StdoutBytesDropped int64 `json:"stdout_bytes_dropped"`
	StderrBytesDropped int64 `json:"stderr_bytes_dropped"`
}

// taskResults is the get_task_results result.
type taskResults struct {
	Task   task.Task    `json:"task"`
	Stdout *string      `json:"stdout,omitempty"`
	Stderr *string      `json:"stderr,omitempty"`
	Output *outputStats `json:"output_stats,omitempty"`
}

func (g *Gateway) handleResults(_ context.Context, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	t, err := g.tasks.Get(id)
	if err != nil {
		return nil, err
	}
	result := taskResults{Task: t}
	include, _ := args["include_output"].(bool)
	if include {
		stdout, stderr, err := g.tasks.Buffers(id)
		if err != nil {
			return nil, err
		}
		outStr, errStr := string(stdout), string(stderr)
		result.Stdout = &outStr
		result.Stderr = &errStr

		stdoutLen, stderrLen, stdoutDropped, stderrDropped, err := g.tasks.OutputStats(id)
		if err != nil {
			return nil, err
		}
		result.Output = &outputStats{
			StdoutBytes:        stdoutLen,
			StderrBytes:        stderrLen,
			StdoutBytesDropped: stdoutDropped,
			StderrBytesDropped: stderrDropped,
		}
	}
	return result, nil
}

// taskSummary is one list_active_tasks entry.
type taskSummary struct {
	ID          string        `json:"id"`
	Description string        `json:"description"`
	State       task.State    `json:"state"`
	Priority    task.Priority `json:"priority"`
	Tags        []string      `json:"tags,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

func (g *Gateway) handleList(_ context.Context, args map[string]any) (any, error) {
	filter := task.Filter{Tags: stringSliceArg(args, "tags")}
	for _, raw := range stringSliceArg(args, "states") {
		state, err := task.ParseState(raw)
		if err != nil {
			return nil, conderrors.BadRequest("%v", err)
		}
		filter.States = append(filter.States, state)
	}

	listed := g.tasks.List(filter)
	summaries := make([]taskSummary, 0, len(listed))
	for _, t := range listed {
		summaries = append(summaries, taskSummary{
			ID:          t.ID,
			Description: t.Description,
			State:       t.State,
			Priority:    t.Priority,
			Tags:        t.Tags,
			CreatedAt:   t.CreatedAt,
		})
	}
	return summaries, nil
}

func (g *Gateway) handleCancel(_ context.Context, args map[string]any) (any, error) {
	id := stringArg(args, "id")
	for attempt := 0; attempt < cancelRetries; attempt++ {
		t, err := g.tasks.Get(id)
		if err != nil {
			return nil, err
		}
		if t.State.IsTerminal() {
			// Cancellation is idempotent; a task already done stays done.
			return okResult(), nil
		}
		if t.State == task.StateQueued {
			if err := g.sched.CancelQueued(id); err == nil {
				g.logger.Info("queued task cancelled", "task_id", id)
				return okResult(), nil
			}
			// Lost the race with admission; fall through to the handle.
			continue
		}
		if h := t.Handle(); h != nil {
			h.Cancel()
			g.logger.Info("cancellation initiated", "task_id", id)
			return okResult(), nil
		}
	}
	return nil, conderrors.Internal("task %q would not accept cancellation", id)
}

func okResult() map[string]any {
	return map[string]any{"ok": true}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func emptySchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]any, 0, len(required))
		for _, r := range required {
			req = append(req, r)
		}
		schema["required"] = req
	}
	return schema
}
