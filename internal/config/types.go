// Package config loads maestro configuration from layered YAML files and
// MAESTRO_ environment variables.
package config

import (
	"time"

	"maestro/internal/observability"
	"maestro/internal/registry"
)

// Config is the fully loaded and defaulted configuration.
type Config struct {
	Agents        map[string]registry.Definition `mapstructure:"agents" yaml:"agents,omitempty"`
	ACP           ACPConfig                      `mapstructure:"acp" yaml:"acp"`
	Arbiter       ArbiterConfig                  `mapstructure:"arbiter" yaml:"arbiter"`
	Driver        DriverConfig                   `mapstructure:"driver" yaml:"driver"`
	State         StateConfig                    `mapstructure:"state" yaml:"state"`
	Server        ServerConfig                   `mapstructure:"server" yaml:"server"`
	Observability observability.Config           `mapstructure:"observability" yaml:"observability"`

	// Sources lists the files that were read, lowest precedence first.
	Sources []string `mapstructure:"-" yaml:"-"`
}

// ACPConfig holds worker launch defaults.
type ACPConfig struct {
	Default registry.Defaults `mapstructure:"default" yaml:"default"`
}

// ArbiterConfig selects the decision role and bounds the task length.
type ArbiterConfig struct {
	Role          string `mapstructure:"role" yaml:"role"`
	MaxIterations int    `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// DriverConfig tunes the orchestration loop.
type DriverConfig struct {
	MaxFailures int           `mapstructure:"max_failures" yaml:"max_failures"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	// Cwd is where workers run and sessions are rooted. Empty means the
	// process working directory.
	Cwd string `mapstructure:"cwd" yaml:"cwd"`
}

// StateConfig bounds in-memory task history.
type StateConfig struct {
	MaxTasks int `mapstructure:"max_tasks" yaml:"max_tasks"`
}

// ServerConfig configures `maestro serve`.
type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	EnableCORS   bool          `mapstructure:"enable_cors" yaml:"enable_cors"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

const (
	DefaultArbiterRole   = "arbiter"
	DefaultMaxIterations = 50
	DefaultMaxFailures   = 3
	DefaultIdleTimeout   = 100 * time.Millisecond
	DefaultMaxTasks      = 1000
	DefaultServerAddr    = "127.0.0.1:8080"
	DefaultReadTimeout   = 30 * time.Second
)

// Default returns the configuration used when no file sets anything.
func Default() Config {
	return Config{
		Agents: map[string]registry.Definition{},
		Arbiter: ArbiterConfig{
			Role:          DefaultArbiterRole,
			MaxIterations: DefaultMaxIterations,
		},
		Driver: DriverConfig{
			MaxFailures: DefaultMaxFailures,
			IdleTimeout: DefaultIdleTimeout,
		},
		State: StateConfig{MaxTasks: DefaultMaxTasks},
		Server: ServerConfig{
			Addr:        DefaultServerAddr,
			EnableCORS:  true,
			ReadTimeout: DefaultReadTimeout,
		},
		Observability: observability.DefaultConfig(),
	}
}

// Registry builds the role registry from the built-in catalogue and the
// configured agents.
func (c Config) Registry() (*registry.Registry, error) {
	return registry.WithBuiltins(c.Agents, c.ACP.Default)
}
