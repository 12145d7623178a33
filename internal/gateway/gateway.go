// Package gateway assembles the orchestrator: it wires the registries,
// analyzer, scheduler, and supervisor together, registers the tool surface
// on the dispatcher, and runs the stdin/stdout serve loop.
package gateway

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"conductor/internal/analyzer"
	"conductor/internal/async"
	"conductor/internal/config"
	"conductor/internal/dispatch"
	conderrors "conductor/internal/errors"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/project"
	"conductor/internal/scheduler"
	"conductor/internal/status"
	"conductor/internal/supervisor"
	"conductor/internal/task"
	"conductor/internal/wire"
)

// shutdownSlack is added to the cancellation grace when waiting for live
// tasks at shutdown.
const shutdownSlack = 2 * time.Second

// Gateway is the assembled orchestrator bound to one transport.
type Gateway struct {
	cfg        config.Config
	logger     *logging.Logger
	metrics    *metrics.Metrics
	conn       *wire.Conn
	dispatcher *dispatch.Dispatcher
	analyzer   *analyzer.Analyzer
	projects   *project.Registry
	tasks      *task.Registry
	sched      *scheduler.Scheduler
	reporter   *status.Reporter

	handlers sync.WaitGroup
}

// Option adjusts Gateway construction.
type Option func(*Gateway)

// WithMetrics attaches instrumentation shared across components.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// New builds a gateway speaking the protocol on in/out. The caller owns
// both streams; diagnostics go through logger only.
func New(cfg config.Config, in io.Reader, out io.Writer, logger *logging.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	g := &Gateway{
		cfg:    cfg,
		logger: logger.Component("gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}

	g.conn = wire.NewConn(in, out, logger)
	g.dispatcher = dispatch.New(logger)
	g.analyzer = analyzer.New(logger)
	g.projects = project.NewRegistry()
	g.tasks = task.NewRegistry(cfg.BufferBytes, logger)

	sup := supervisor.New(g.tasks, g.projects, supervisor.Config{
		AgentCLIPath: cfg.AgentCLIPath,
		Mock:         cfg.Mock,
		GracePeriod:  cfg.GracePeriod,
	}, logger, supervisor.WithMetrics(g.metrics))

	g.sched = scheduler.New(g.tasks, sup, cfg.MaxConcurrency, logger,
		scheduler.WithMetrics(g.metrics))
	g.reporter = status.New(g.tasks, g.projects, g.sched, cfg.Mock, logger)

	// Submissions and terminal states (retry requeues included) are the
	// scheduler's wake sources; the 1 s ticker is only a safety net.
	g.tasks.Observe(func(ev task.Event) {
		if ev.To == task.StateQueued || ev.To.IsTerminal() {
			g.sched.Wake()
		}
	})

	if err := g.registerTools(); err != nil {
		return nil, err
	}
	return g, nil
}

// Serve runs the read loop until stdin closes or ctx is cancelled, then
// drains in-flight work. It returns nil on a clean shutdown.
func (g *Gateway) Serve(ctx context.Context) error {
	g.logger.Info("gateway serving",
		"mock", g.cfg.Mock,
		"max_concurrency", g.cfg.MaxConcurrency,
		"profile", string(g.cfg.Profile))
	g.sched.Start(ctx)

	type incoming struct {
		req *wire.Request
		err error
	}
	// The reader goroutine may stay blocked on stdin past cancellation;
	// the process is exiting then and the goroutine dies with it.
	reqCh := make(chan incoming)
	async.Go(g.logger, "transport-reader", func() {
		for {
			req, err := g.conn.Next()
			select {
			case reqCh <- incoming{req: req, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	})

	var readErr error
loop:
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("shutdown signal received")
			break loop
		case in := <-reqCh:
			if in.err != nil {
				if !errors.Is(in.err, io.EOF) {
					readErr = in.err
					g.logger.Error("transport read failed", "error", in.err.Error())
				} else {
					g.logger.Info("stdin closed")
				}
				break loop
			}
			g.handlers.Add(1)
			req := in.req
			async.Go(g.logger, "handler", func() {
				defer g.handlers.Done()
				g.handle(ctx, req)
			})
		}
	}

	g.drain()
	return readErr
}

// handle dispatches one request and writes its response frame.
func (g *Gateway) handle(ctx context.Context, req *wire.Request) {
	result, err := g.dispatcher.Dispatch(ctx, req.Op, req.Args)

	var resp *wire.Response
	outcome := "ok"
	if err != nil {
		outcome = string(conderrors.KindOf(err))
		resp = wire.NewErrorResponse(req.ID, err)
	} else {
		resp = wire.NewResponse(req.ID, result)
	}
	g.metrics.IncRequest(req.Op, outcome)

	if err := g.conn.Write(resp); err != nil {
		g.logger.Error("write response", "op", req.Op, "error", err.Error())
	}
}

// drain stops admissions, cancels live tasks with the standard ladder, and
// waits bounded by the grace period before logging the final summary.
func (g *Gateway) drain() {
	done := make(chan struct{})
	go func() {
		g.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownSlack):
		g.logger.Warn("abandoning in-flight handlers")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.GracePeriod+shutdownSlack)
	defer cancel()
	if err := g.sched.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("scheduler shutdown", "error", err.Error())
	}

	summary := make([]any, 0, 16)
	for state, n := range g.tasks.CountsByState() {
		summary = append(summary, string(state), n)
	}
	g.logger.Info("gateway stopped", summary...)
}
