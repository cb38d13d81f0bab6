package acp

import (
	"context"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"maestro/internal/errors"
	"maestro/internal/jsonrpc"
	"maestro/internal/logging"
	"maestro/internal/observability"
)

const (
	protocolVersion         = 1
	defaultShutdownGrace    = 3 * time.Second
	handshakeAttemptTimeout = 5 * time.Second
)

// ClientInfo identifies the orchestrator during the handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// SpawnConfig configures Spawn.
type SpawnConfig struct {
	// Role labels logs and metrics.
	Role    string
	Process ProcessConfig

	ClientInfo    ClientInfo
	Handshake     errors.RetryConfig
	ShutdownGrace time.Duration

	Logger  logging.Logger
	Metrics *observability.MetricsCollector
}

type connState int

const (
	stateUninitialized connState = iota
	stateActive
	stateShutDown
)

// Connection owns one worker process and at most one ACP session with it.
// Streamed agent output is delivered to Output, not returned from Prompt.
type Connection struct {
	role    string
	cfg     SpawnConfig
	proc    *Process
	client  *Client
	output  *OutputStream
	logger  logging.Logger
	metrics *observability.MetricsCollector

	mu        sync.Mutex
	state     connState
	sessionID string
}

// Spawn launches the worker and starts relaying its inbound frames.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Connection, error) {
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger(fmt.Sprintf("Worker[%s]", cfg.Role))
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = ClientInfo{Name: "maestro", Version: "dev"}
	}
	if cfg.Handshake.MaxElapsed == 0 && cfg.Handshake.BaseDelay == 0 {
		cfg.Handshake = errors.DefaultRetryConfig()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}

	proc, err := StartProcess(cfg.Process, logger)
	cfg.Metrics.RecordSpawn(ctx, cfg.Role, err)
	if err != nil {
		return nil, err
	}

	output := NewOutputStream()
	client := NewClient(proc.Stdout(), proc.Stdin(), logger)
	client.Start(context.WithoutCancel(ctx), newSessionHandler(output, logger))

	return &Connection{
		role:    cfg.Role,
		cfg:     cfg,
		proc:    proc,
		client:  client,
		output:  output,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Role returns the role the connection was spawned for.
func (c *Connection) Role() string { return c.role }

// PID returns the worker's process id.
func (c *Connection) PID() int { return c.proc.PID() }

// Output returns the stream receiving this worker's message chunks.
func (c *Connection) Output() *OutputStream { return c.output }

// SessionID returns the active session id, or "" before NewSession.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// HasSession reports whether a session has been created.
func (c *Connection) HasSession() bool {
	return c.SessionID() != ""
}

func (c *Connection) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateShutDown {
		return errors.Agentf("connection to %s is shut down", c.role)
	}
	return nil
}

// Initialize performs the ACP handshake. Transient failures are retried
// within the handshake budget.
func (c *Connection) Initialize(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{
				"readTextFile":  false,
				"writeTextFile": false,
			},
			"terminal": false,
		},
		"clientInfo": map[string]any{
			"name":    c.cfg.ClientInfo.Name,
			"version": c.cfg.ClientInfo.Version,
		},
	}
	resp, err := errors.RetryWithResult(ctx, c.cfg.Handshake, IsRetryableError, c.logger,
		func(ctx context.Context) (*jsonrpc.Response, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, handshakeAttemptTimeout)
			defer cancel()
			resp, err := c.client.Call(attemptCtx, MethodInitialize, params)
			if err != nil {
				return nil, err
			}
			if rpcErr := resp.Err(); rpcErr != nil {
				return nil, rpcErr
			}
			return resp, nil
		})
	if err != nil {
		return protocolError("initialize", err)
	}

	var result struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if err := resp.DecodeResult(&result); err == nil && result.ProtocolVersion != 0 && result.ProtocolVersion != protocolVersion {
		c.logger.Warn("Worker %s negotiated protocol version %d", c.role, result.ProtocolVersion)
	}
	c.logger.Debug("Worker %s initialized", c.role)
	return nil
}

// NewSession creates a session rooted at cwd and stores its id.
func (c *Connection) NewSession(ctx context.Context, cwd string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", errors.Agent(fmt.Sprintf("resolve cwd %q", cwd), err)
	}
	resp, err := c.client.Call(ctx, MethodSessionNew, map[string]any{
		"cwd":        abs,
		"mcpServers": []any{},
	})
	if err != nil {
		return "", protocolError("session/new", err)
	}
	var result struct {
		SessionID string `json:"sessionId"`
	}
	if err := resp.DecodeResult(&result); err != nil {
		return "", protocolError("session/new", err)
	}
	if result.SessionID == "" {
		return "", errors.Protocolf("session/new returned an empty sessionId")
	}

	c.mu.Lock()
	c.sessionID = result.SessionID
	c.state = stateActive
	c.mu.Unlock()
	c.logger.Debug("Worker %s session %s at %s", c.role, result.SessionID, abs)
	return result.SessionID, nil
}

// Prompt sends text to the active session and blocks until the worker
// reports the turn finished. The reply text arrives on Output beforehand.
func (c *Connection) Prompt(ctx context.Context, text string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	sessionID := c.SessionID()
	if sessionID == "" {
		return errors.Agentf("no active session for %s", c.role)
	}

	start := time.Now()
	resp, err := c.client.Call(ctx, MethodSessionPrompt, map[string]any{
		"sessionId": sessionID,
		"prompt": []any{
			map[string]any{"type": "text", "text": text},
		},
	})
	if err == nil {
		err = resp.Err()
	}
	c.metrics.RecordPrompt(ctx, c.role, time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return protocolError("session/prompt", err)
	}

	var result struct {
		StopReason string `json:"stopReason"`
	}
	if err := resp.DecodeResult(&result); err == nil {
		c.logger.Debug("Worker %s stopped: %s", c.role, result.StopReason)
	}
	return nil
}

// Cancel asks the worker to abandon the current turn. Without a session
// there is nothing to cancel.
func (c *Connection) Cancel() error {
	sessionID := c.SessionID()
	if sessionID == "" {
		return nil
	}
	if err := c.client.Notify(MethodSessionCancel, map[string]any{"sessionId": sessionID}); err != nil {
		return protocolError("session/cancel", err)
	}
	return nil
}

// Shutdown cancels the session on a best-effort basis and terminates the
// worker whether or not the cancel was delivered. Later calls do nothing.
func (c *Connection) Shutdown() error {
	c.mu.Lock()
	if c.state == stateShutDown {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.Cancel(); err != nil {
		c.logger.Debug("Cancel during shutdown of %s failed: %v", c.role, err)
	}

	c.mu.Lock()
	c.state = stateShutDown
	c.mu.Unlock()

	err := c.proc.Stop(c.cfg.ShutdownGrace)
	c.client.Close()
	c.metrics.RecordShutdown(context.Background(), c.role)
	if err != nil {
		return errors.Agent(fmt.Sprintf("shutdown %s", c.role), err)
	}
	return nil
}

func protocolError(method string, err error) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Protocol(method+" failed", err)
}
