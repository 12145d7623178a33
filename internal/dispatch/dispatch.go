// Package dispatch routes named operations to registered handlers. Each
// tool declares a JSON schema its arguments must satisfy before the handler
// runs, so handlers only ever see well-formed input.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/semaphore"

	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
)

// defaultHandlerSlots bounds how many handlers may run at once. Task
// execution itself is bounded separately by the scheduler; this guard only
// keeps a flood of cheap requests from spawning unbounded goroutines.
const defaultHandlerSlots = 16

// Handler executes one operation against validated arguments.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one dispatchable operation.
type Tool struct {
	Name        string
	Description string
	// Schema is the JSON schema for the args object. Nil means any object.
	Schema  map[string]any
	Handler Handler
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Dispatcher validates and routes requests to tools. Safe for concurrent
// use; registration normally happens once at startup.
type Dispatcher struct {
	logger *logging.Logger
	slots  *semaphore.Weighted

	mu    sync.RWMutex
	tools map[string]registeredTool
}

// Option adjusts Dispatcher construction.
type Option func(*Dispatcher)

// WithSlots overrides the handler concurrency bound.
func WithSlots(n int64) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.slots = semaphore.NewWeighted(n)
		}
	}
}

// New returns an empty Dispatcher logging through logger.
func New(logger *logging.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	d := &Dispatcher{
		logger: logger.Component("dispatch"),
		slots:  semaphore.NewWeighted(defaultHandlerSlots),
		tools:  make(map[string]registeredTool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a tool. Names are unique; re-registering one is a wiring
// bug, not a runtime condition, so it fails loudly.
func (d *Dispatcher) Register(t Tool) error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", name)
	}
	schema, err := compileSchema(t.Schema)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", name, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	d.tools[name] = registeredTool{tool: t, schema: schema}
	return nil
}

// Tools returns the registered tools sorted by name.
func (d *Dispatcher) Tools() []Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Tool, 0, len(d.tools))
	for _, reg := range d.tools {
		out = append(out, reg.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates raw against the op's schema and runs its handler.
// Unknown ops are NotFound; arguments that fail to decode or validate are
// BadRequest. A panicking handler is contained and reported as Internal.
func (d *Dispatcher) Dispatch(ctx context.Context, op string, raw json.RawMessage) (any, error) {
	d.mu.RLock()
	reg, ok := d.tools[op]
	d.mu.RUnlock()
	if !ok {
		return nil, conderrors.NotFound("unknown op %q", op)
	}

	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, conderrors.BadRequest("args must be a JSON object: %v", err)
		}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := reg.schema.Validate(args); err != nil {
		return nil, conderrors.BadRequest("invalid args for %s: %v", op, err)
	}

	if err := d.slots.Acquire(ctx, 1); err != nil {
		return nil, conderrors.Unavailable("dispatcher unavailable: %v", err)
	}
	defer d.slots.Release(1)

	return d.invoke(ctx, reg, args)
}

func (d *Dispatcher) invoke(ctx context.Context, reg registeredTool, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic",
				"op", reg.tool.Name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			result = nil
			err = conderrors.Internal("handler %s panicked", reg.tool.Name)
		}
	}()
	return reg.tool.Handler(ctx, args)
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(data))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
