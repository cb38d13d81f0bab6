// Package driver runs tasks through the orchestration state machine. It is
// the only mutator of the machine: every asynchronous result (an arbiter
// decision, an agent's output, a failure) is turned into an event and
// applied before the next state is inspected.
package driver

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/acp"
	"maestro/internal/arbiter"
	"maestro/internal/async"
	"maestro/internal/errors"
	"maestro/internal/fsm"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/registry"
	"maestro/internal/task"
)

const (
	DefaultIdleTimeout = 100 * time.Millisecond

	progressBuffer = 64
)

// ErrBusy is returned when a task is started while another is in flight.
var ErrBusy = stderrors.New("driver is already running a task")

// Config tunes a Driver.
type Config struct {
	// Cwd roots worker processes and sessions. Empty means the process
	// working directory.
	Cwd           string
	MaxFailures   int
	MaxIterations int
	ArbiterRole   string
	// IdleTimeout bounds how long the driver waits for trailing output once
	// a prompt has returned.
	IdleTimeout time.Duration

	ClientInfo    acp.ClientInfo
	Handshake     errors.RetryConfig
	ShutdownGrace time.Duration
}

// Option customises a Driver.
type Option func(*Driver)

// WithLogger sets the driver's logger.
func WithLogger(logger logging.Logger) Option {
	return func(d *Driver) { d.logger = logging.OrNop(logger) }
}

// WithMetrics sets the Prometheus collectors. Nil disables them.
func WithMetrics(m *Metrics) Option {
	return func(d *Driver) { d.metrics = m }
}

// WithConnectionMetrics records worker spawns and prompt latency.
func WithConnectionMetrics(m *observability.MetricsCollector) Option {
	return func(d *Driver) { d.connMetrics = m }
}

// WithTracer sets the tracer used for task, arbiter and step spans.
func WithTracer(tp *observability.TracerProvider) Option {
	return func(d *Driver) { d.tracer = tp }
}

// Driver owns one state machine, one pool of task workers and one arbiter.
// It runs a single task at a time.
type Driver struct {
	cfg      Config
	registry *registry.Registry
	machine  *fsm.Machine
	pool     *acp.Pool
	arbiter  *arbiter.Arbiter

	logger      logging.Logger
	metrics     *Metrics
	connMetrics *observability.MetricsCollector
	tracer      *observability.TracerProvider

	running atomic.Bool
}

func New(reg *registry.Registry, cfg Config, opts ...Option) *Driver {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = task.DefaultMaxFailures
	}
	if cfg.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Cwd = wd
		} else {
			cfg.Cwd = "."
		}
	}

	d := &Driver{
		cfg:      cfg,
		registry: reg,
		logger:   logging.NewComponentLogger("Driver"),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.machine = fsm.NewMachine(reg, cfg.MaxFailures, d.logger)
	d.pool = acp.NewPool(reg, acp.PoolConfig{
		Cwd:           cfg.Cwd,
		ClientInfo:    cfg.ClientInfo,
		Handshake:     cfg.Handshake,
		ShutdownGrace: cfg.ShutdownGrace,
		Metrics:       d.connMetrics,
	})
	d.arbiter = arbiter.New(arbiter.Config{
		Role:          cfg.ArbiterRole,
		MaxIterations: cfg.MaxIterations,
		ClientInfo:    cfg.ClientInfo,
		Handshake:     cfg.Handshake,
		ShutdownGrace: cfg.ShutdownGrace,
		Metrics:       d.connMetrics,
		Tracer:        d.tracer,
	})
	return d
}

// Registry returns the roles the driver can dispatch to.
func (d *Driver) Registry() *registry.Registry { return d.registry }

// ArbiterRole returns the registry key of the decision worker.
func (d *Driver) ArbiterRole() string { return d.arbiter.Role() }

// Busy reports whether a task is in flight.
func (d *Driver) Busy() bool { return d.running.Load() }

// Run drives request to completion, delivering progress to sink, and
// reports whether the task ended with a completion decision. Cancelling ctx
// stops the task.
func (d *Driver) Run(ctx context.Context, request string, sink Sink) (task.ID, bool, error) {
	if !d.running.CompareAndSwap(false, true) {
		return "", false, ErrBusy
	}
	defer d.running.Store(false)

	id := task.NewID()
	return id, d.run(ctx, id, request, sink), nil
}

// RunTask starts request in the background and returns its id and progress
// stream. The stream closes after task_completed; callers must drain it.
func (d *Driver) RunTask(ctx context.Context, request string) (task.ID, <-chan Progress, error) {
	if !d.running.CompareAndSwap(false, true) {
		return "", nil, ErrBusy
	}

	id := task.NewID()
	ch := make(chan Progress, progressBuffer)
	async.Go(d.logger, "driver.task", func() {
		defer close(ch)
		defer d.running.Store(false)
		d.run(ctx, id, request, func(p Progress) { ch <- p })
	})
	return id, ch, nil
}

func (d *Driver) run(ctx context.Context, id task.ID, request string, sink Sink) bool {
	if sink == nil {
		sink = func(Progress) {}
	}
	emit := func(p Progress) {
		p.TaskID = id
		if p.Time.IsZero() {
			p.Time = time.Now()
		}
		sink(p)
	}

	ctx = observability.ContextWithTaskID(ctx, id.String())
	ctx, span := d.tracer.StartSpan(ctx, observability.SpanTaskRun)
	d.metrics.IncActiveTasks()
	start := time.Now()

	d.logger.Info("Task %s started", id)
	emit(Progress{Kind: ProgressTaskStarted, Request: request})
	d.machine.Handle(fsm.TaskReceived{TaskID: id, Request: request})

	success := d.loop(ctx, emit)

	outcome := "failed"
	switch {
	case success:
		outcome = "completed"
	case ctx.Err() != nil:
		outcome = "cancelled"
	}
	d.metrics.DecActiveTasks()
	d.metrics.ObserveTask(outcome, time.Since(start))
	span.SetAttributes(attribute.String(observability.AttrStatus, outcome))
	observability.EndSpan(span, nil)

	d.logger.Info("Task %s %s", id, outcome)
	emit(Progress{Kind: ProgressTaskCompleted, Success: success})
	return success
}

// loop steps the machine until it is idle. It returns true only when the
// task was ended by a completion decision.
func (d *Driver) loop(ctx context.Context, emit Sink) bool {
	completed := false
	for {
		if ctx.Err() != nil {
			d.logger.Info("Task cancelled")
			d.machine.Handle(fsm.Cancel{})
			return false
		}

		state := d.machine.State()
		switch state.Kind {
		case fsm.KindIdle:
			return completed

		case fsm.KindSelecting, fsm.KindEvaluating:
			done, err := d.decide(ctx, state.Kind == fsm.KindEvaluating, emit)
			if err != nil {
				if ctx.Err() == nil {
					emit(Progress{Kind: ProgressError, Message: err.Error()})
				}
				d.machine.Handle(fsm.Cancel{})
				return false
			}
			completed = completed || done

		case fsm.KindExecuting:
			err := d.execute(ctx, state.Role, emit)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				d.machine.Handle(fsm.Cancel{})
				return false
			}
			emit(Progress{Kind: ProgressError, Message: err.Error()})
			d.metrics.IncFailure(state.Role)
			maxFailures := d.machine.MaxFailures()
			if hasEffect(d.machine.Handle(fsm.AgentFailed{Err: err}), fsm.EffectFailureLimit) {
				emit(Progress{Kind: ProgressError, Message: fmt.Sprintf("Maximum failures (%d) reached", maxFailures)})
			}
		}
	}
}

// decide asks the arbiter for the next step and applies its decision. It
// returns true when the decision completed the task.
func (d *Driver) decide(ctx context.Context, evaluating bool, emit Sink) (bool, error) {
	tc := d.machine.Task()
	if tc == nil {
		return false, errors.Agentf("No task context available during selection")
	}

	var (
		decision arbiter.Decision
		err      error
	)
	if len(tc.History) == 0 {
		decision, err = d.arbiter.SelectInitialAgent(ctx, d.registry, tc.Request, d.cfg.Cwd)
	} else {
		decision, err = d.arbiter.SelectNextAgent(ctx, d.registry, tc, d.cfg.Cwd)
	}
	if err != nil {
		return false, err
	}
	d.metrics.IncDecision(decision.Kind.String())

	switch decision.Kind {
	case arbiter.DecisionSelect:
		if evaluating {
			// The role is confirmed by the next selection.
			emit(Progress{Kind: ProgressEvaluation, Decision: "continue with " + decision.Role, Reasoning: decision.Reasoning})
			d.machine.Handle(fsm.ContinueTask{})
			return false, nil
		}
		emit(Progress{
			Kind:        ProgressAgentSelected,
			Role:        decision.Role,
			DisplayName: d.registry.DisplayName(decision.Role),
			Reasoning:   decision.Reasoning,
		})
		d.machine.Handle(fsm.AgentSelected{Role: decision.Role})
		return false, nil
	case arbiter.DecisionComplete:
		emit(Progress{Kind: ProgressEvaluation, Decision: "complete", Reasoning: decision.Reasoning})
		d.machine.Handle(fsm.TaskComplete{})
		return true, nil
	default:
		emit(Progress{Kind: ProgressEvaluation, Decision: "retry", Reasoning: decision.Reasoning})
		d.machine.Handle(fsm.ContinueTask{})
		return false, nil
	}
}

// execute runs one step on role and raises AgentComplete. Errors are left
// to the caller, which folds them into AgentFailed or cancellation.
func (d *Driver) execute(ctx context.Context, role string, emit Sink) (err error) {
	tc := d.machine.Task()
	if tc == nil {
		return errors.Agentf("No task context available")
	}
	def, ok := d.registry.Get(role)
	if !ok {
		return errors.Agentf("Agent '%s' not found", role)
	}
	prompt := BuildAgentPrompt(tc, def.Prompt)

	ctx, span := d.tracer.StartSpan(ctx, observability.SpanAgentStep,
		attribute.String(observability.AttrRole, role),
		attribute.Int(observability.AttrIteration, len(tc.History)),
	)
	defer func() { observability.EndSpan(span, err) }()
	start := time.Now()

	conn, err := d.pool.GetOrSpawn(ctx, role)
	if err != nil {
		return err
	}
	if !conn.HasSession() {
		if _, err := conn.NewSession(ctx, d.cfg.Cwd); err != nil {
			return err
		}
	}
	if stale := conn.Output().Drain(); len(stale) > 0 {
		d.logger.Debug("Discarded %d stale chunks from %s", len(stale), role)
	}

	if err := conn.Prompt(ctx, prompt); err != nil {
		if ctx.Err() != nil {
			d.cancelWorker(conn)
		}
		return err
	}
	output, err := d.drain(ctx, conn.Output(), emit)
	if err != nil {
		d.cancelWorker(conn)
		return err
	}

	result := task.Success(output)
	d.metrics.ObserveStep(role, result.Status.String(), time.Since(start))
	span.SetAttributes(attribute.String(observability.AttrStatus, result.Status.String()))
	emit(Progress{
		Kind:        ProgressAgentCompleted,
		Role:        role,
		DisplayName: d.registry.DisplayName(role),
		Status:      result.Status.String(),
	})
	d.machine.Handle(fsm.AgentComplete{Result: result})
	return nil
}

// drain forwards the chunks queued on out until none arrives within the
// idle timeout. It returns the concatenated text, placeholders included.
func (d *Driver) drain(ctx context.Context, out *acp.OutputStream, emit Sink) (string, error) {
	var b strings.Builder
	take := func(chunk acp.Chunk) {
		if !chunk.IsText() {
			d.logger.Debug("Non-text agent output: %s", chunk.Kind)
		}
		b.WriteString(chunk.Text)
		emit(Progress{Kind: ProgressAgentText, Text: chunk.Text})
	}

	idle := time.NewTimer(d.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		if chunk, ok := out.TryRecv(); ok {
			take(chunk)
			continue
		}
		idle.Reset(d.cfg.IdleTimeout)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-out.Ready():
		case <-idle.C:
			chunk, ok := out.TryRecv()
			if !ok {
				return b.String(), nil
			}
			take(chunk)
		}
	}
}

func (d *Driver) cancelWorker(conn *acp.Connection) {
	if err := conn.Cancel(); err != nil {
		d.logger.Debug("Cancel of %s failed: %v", conn.Role(), err)
	}
}

// Shutdown stops the arbiter and then every pooled worker. Failures are
// logged, never returned.
func (d *Driver) Shutdown(ctx context.Context) {
	d.logger.Info("Shutting down orchestration driver")
	if err := d.arbiter.Shutdown(); err != nil {
		d.logger.Warn("Arbiter shutdown failed: %v", err)
	}
	d.pool.ShutdownAll(ctx)
}

func hasEffect(effects []fsm.Effect, want fsm.Effect) bool {
	for _, effect := range effects {
		if effect == want {
			return true
		}
	}
	return false
}
