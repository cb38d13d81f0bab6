// Package arbiter asks a dedicated decision worker which role should take
// the next step of a task.
package arbiter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/acp"
	"maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/registry"
	"maestro/internal/task"
)

const (
	DefaultRole          = "arbiter"
	DefaultMaxIterations = 50
)

// Config configures an Arbiter.
type Config struct {
	// Role is the registry key of the decision worker.
	Role string
	// MaxIterations ends a task once its history reaches this length.
	MaxIterations int

	ClientInfo    acp.ClientInfo
	Handshake     errors.RetryConfig
	ShutdownGrace time.Duration

	Logger  logging.Logger
	Metrics *observability.MetricsCollector
	Tracer  *observability.TracerProvider
}

// Arbiter owns a private connection to the decision worker. Its output is
// never mixed with the pool's task workers. Not safe for concurrent use.
type Arbiter struct {
	cfg    Config
	logger logging.Logger
	conn   *acp.Connection
}

func New(cfg Config) *Arbiter {
	if cfg.Role == "" {
		cfg.Role = DefaultRole
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Arbiter")
	}
	return &Arbiter{cfg: cfg, logger: logger}
}

// Role returns the decision worker's registry key.
func (a *Arbiter) Role() string { return a.cfg.Role }

// MaxIterations returns the history length at which tasks are completed.
func (a *Arbiter) MaxIterations() int { return a.cfg.MaxIterations }

// SelectInitialAgent picks the first role for a new task.
func (a *Arbiter) SelectInitialAgent(ctx context.Context, reg *registry.Registry, request, cwd string) (Decision, error) {
	prompt := InitialPrompt(reg, a.cfg.Role, request, a.cfg.MaxIterations)
	decision, err := a.query(ctx, reg, prompt, cwd, 0)
	if err != nil {
		return Decision{}, err
	}
	if err := Validate(decision, reg, nil); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// SelectNextAgent decides what follows the task's latest step. Once the
// history reaches MaxIterations the task is completed without asking the
// worker.
func (a *Arbiter) SelectNextAgent(ctx context.Context, reg *registry.Registry, tc *task.Context, cwd string) (Decision, error) {
	if len(tc.History) >= a.cfg.MaxIterations {
		a.logger.Info("Task %s reached %d iterations", tc.ID, a.cfg.MaxIterations)
		return Complete(maxIterationsReason(a.cfg.MaxIterations)), nil
	}
	prompt := ContextPrompt(reg, a.cfg.Role, tc, a.cfg.MaxIterations)
	decision, err := a.query(ctx, reg, prompt, cwd, len(tc.History))
	if err != nil {
		return Decision{}, err
	}
	if err := Validate(decision, reg, tc.History); err != nil {
		return Decision{}, err
	}
	return decision, nil
}

// Shutdown terminates the decision worker, if one was started.
func (a *Arbiter) Shutdown() error {
	if a.conn == nil {
		return nil
	}
	conn := a.conn
	a.conn = nil
	return conn.Shutdown()
}

func (a *Arbiter) query(ctx context.Context, reg *registry.Registry, prompt, cwd string, iteration int) (decision Decision, err error) {
	ctx, span := a.cfg.Tracer.StartSpan(ctx, observability.SpanArbiterQuery,
		attribute.String(observability.AttrRole, a.cfg.Role),
		attribute.Int(observability.AttrIteration, iteration),
	)
	defer func() {
		if err == nil {
			span.SetAttributes(attribute.String(observability.AttrDecision, decision.Kind.String()))
		}
		observability.EndSpan(span, err)
	}()

	def, ok := reg.Get(a.cfg.Role)
	if !ok {
		return Decision{}, errors.Agentf("Arbiter agent '%s' not found in registry", a.cfg.Role)
	}
	conn, err := a.ensureSession(ctx, def, cwd)
	if err != nil {
		return Decision{}, err
	}

	// Replies belong to exactly one prompt.
	if stale := conn.Output().Drain(); len(stale) > 0 {
		a.logger.Debug("Discarded %d stale arbiter chunks", len(stale))
	}
	if err := conn.Prompt(ctx, prompt); err != nil {
		return Decision{}, err
	}

	response, err := collectResponse(conn.Output())
	if err != nil {
		return Decision{}, err
	}
	a.logger.Debug("Arbiter replied: %s", response)
	return ParseDecision(response)
}

func (a *Arbiter) ensureSession(ctx context.Context, def registry.Definition, cwd string) (*acp.Connection, error) {
	if a.conn == nil {
		if !def.HasCommand() {
			return nil, errors.Agentf("Arbiter agent '%s' has no command configured", a.cfg.Role)
		}
		conn, err := acp.Spawn(ctx, acp.SpawnConfig{
			Role: a.cfg.Role,
			Process: acp.ProcessConfig{
				Command: def.Command,
				Args:    def.Args,
				Env:     def.Env,
				Dir:     cwd,
			},
			ClientInfo:    a.cfg.ClientInfo,
			Handshake:     a.cfg.Handshake,
			ShutdownGrace: a.cfg.ShutdownGrace,
			Metrics:       a.cfg.Metrics,
		})
		if err != nil {
			return nil, err
		}
		if err := conn.Initialize(ctx); err != nil {
			if shutdownErr := conn.Shutdown(); shutdownErr != nil {
				a.logger.Debug("Shutdown after failed arbiter handshake: %v", shutdownErr)
			}
			return nil, err
		}
		a.conn = conn
	}
	if !a.conn.HasSession() {
		if _, err := a.conn.NewSession(ctx, cwd); err != nil {
			return nil, err
		}
	}
	return a.conn, nil
}

// collectResponse joins the text chunks queued after a prompt. Non-text
// placeholders are not part of a decision.
func collectResponse(out *acp.OutputStream) (string, error) {
	var b strings.Builder
	for _, chunk := range out.Drain() {
		if chunk.IsText() {
			b.WriteString(chunk.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.Agentf("No response received from arbiter agent")
	}
	return b.String(), nil
}

func maxIterationsReason(n int) string {
	return fmt.Sprintf("Maximum iterations (%d) reached", n)
}
