package acp

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/registry"
)

// PoolConfig configures a Pool.
type PoolConfig struct {
	// Cwd is the working directory worker processes are started in.
	Cwd           string
	ClientInfo    ClientInfo
	Handshake     errors.RetryConfig
	ShutdownGrace time.Duration
	Logger        logging.Logger
	Metrics       *observability.MetricsCollector
}

// Pool keeps one initialized Connection per role, spawned on first use.
// A Pool belongs to a single driver and is not safe for concurrent use.
type Pool struct {
	registry    *registry.Registry
	cfg         PoolConfig
	logger      logging.Logger
	connections map[string]*Connection
}

func NewPool(reg *registry.Registry, cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("AgentPool")
	}
	return &Pool{
		registry:    reg,
		cfg:         cfg,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// GetOrSpawn returns the live connection for role, spawning and initializing
// it when none exists. A role is spawned at most once while its connection is
// held; a failed spawn or handshake leaves nothing behind.
func (p *Pool) GetOrSpawn(ctx context.Context, role string) (*Connection, error) {
	if conn, ok := p.connections[role]; ok {
		return conn, nil
	}
	def, ok := p.registry.Get(role)
	if !ok {
		return nil, errors.Agentf("Unknown agent: %s", role)
	}
	if !def.HasCommand() {
		return nil, errors.Agentf("Agent '%s' has no command configured", role)
	}

	p.logger.Debug("Spawning agent %s: %s %v", role, def.Command, def.Args)
	conn, err := Spawn(ctx, SpawnConfig{
		Role: role,
		Process: ProcessConfig{
			Command: def.Command,
			Args:    def.Args,
			Env:     def.Env,
			Dir:     p.cfg.Cwd,
		},
		ClientInfo:    p.cfg.ClientInfo,
		Handshake:     p.cfg.Handshake,
		ShutdownGrace: p.cfg.ShutdownGrace,
		Metrics:       p.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Initialize(ctx); err != nil {
		if shutdownErr := conn.Shutdown(); shutdownErr != nil {
			p.logger.Debug("Cleanup after failed handshake with %s: %v", role, shutdownErr)
		}
		return nil, err
	}

	p.connections[role] = conn
	return conn, nil
}

// Get returns the live connection for role without spawning.
func (p *Pool) Get(role string) (*Connection, bool) {
	conn, ok := p.connections[role]
	return conn, ok
}

// ActiveRoles returns the roles with live connections, sorted.
func (p *Pool) ActiveRoles() []string {
	roles := make([]string, 0, len(p.connections))
	for role := range p.connections {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Len returns the number of live connections.
func (p *Pool) Len() int {
	return len(p.connections)
}

// ShutdownAll shuts every connection down concurrently and empties the pool.
// Failures are logged and never returned.
func (p *Pool) ShutdownAll(ctx context.Context) {
	if len(p.connections) == 0 {
		return
	}
	connections := p.connections
	p.connections = make(map[string]*Connection)

	var g errgroup.Group
	for role, conn := range connections {
		g.Go(func() error {
			p.logger.Debug("Shutting down agent: %s", role)
			if err := conn.Shutdown(); err != nil {
				p.logger.Warn("Error shutting down agent %s: %v", role, err)
			}
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("Pool shutdown interrupted: %v", ctx.Err())
	}
}
