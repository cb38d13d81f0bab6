package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"maestro/internal/errors"
	"maestro/internal/registry"
)

const envPrefix = "MAESTRO"

// EnvLookup resolves environment variables for ${VAR} expansion.
type EnvLookup func(string) (string, bool)

type loadOptions struct {
	configFile string
	workingDir string
	homeDir    string
	envLookup  EnvLookup
}

// Option customises Load.
type Option func(*loadOptions)

// WithConfigFile reads path instead of searching for a project file.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = path }
}

// WithWorkingDir sets where the project file search starts.
func WithWorkingDir(dir string) Option {
	return func(o *loadOptions) { o.workingDir = dir }
}

// WithHomeDir overrides the home directory holding the global file.
func WithHomeDir(dir string) Option {
	return func(o *loadOptions) { o.homeDir = dir }
}

// WithEnv overrides the lookup used for ${VAR} expansion.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// Load reads configuration. Precedence, highest first:
//  1. MAESTRO_* environment variables (MAESTRO_DRIVER_MAX_FAILURES, ...)
//  2. the --config file, or else the nearest .maestro/config.yaml or
//     maestro.yaml found from the working directory upward
//  3. ~/.config/maestro/config.yaml
//  4. built-in defaults
//
// The result is expanded and validated.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}
	if options.workingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			options.workingDir = wd
		}
	}
	if options.homeDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			options.homeDir = home
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var sources []string
	if options.homeDir != "" {
		global := filepath.Join(options.homeDir, ".config", "maestro", "config.yaml")
		if fileExists(global) {
			if err := mergeFile(v, global); err != nil {
				return Config{}, err
			}
			sources = append(sources, global)
		}
	}

	project := options.configFile
	if project == "" {
		project = findProjectConfig(options.workingDir)
	} else if !fileExists(project) {
		return Config{}, errors.Configf("config file %s not found", project)
	}
	if project != "" {
		if err := mergeFile(v, project); err != nil {
			return Config{}, err
		}
		sources = append(sources, project)
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Config("unmarshaling config", err)
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]registry.Definition{}
	}
	cfg.Sources = sources
	cfg.Observability = cfg.Observability.Normalize()
	cfg.expand(options.envLookup)

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := Default()
	v.SetDefault("acp.default.command", "")
	v.SetDefault("acp.default.args", []string{})
	v.SetDefault("arbiter.role", def.Arbiter.Role)
	v.SetDefault("arbiter.max_iterations", def.Arbiter.MaxIterations)
	v.SetDefault("driver.max_failures", def.Driver.MaxFailures)
	v.SetDefault("driver.idle_timeout", def.Driver.IdleTimeout.String())
	v.SetDefault("driver.cwd", "")
	v.SetDefault("state.max_tasks", def.State.MaxTasks)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.enable_cors", def.Server.EnableCORS)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout.String())
	v.SetDefault("server.write_timeout", "0s")

	obs := def.Observability
	v.SetDefault("observability.logging.level", obs.Logging.Level)
	v.SetDefault("observability.logging.format", obs.Logging.Format)
	v.SetDefault("observability.metrics.enabled", obs.Metrics.Enabled)
	v.SetDefault("observability.tracing.enabled", obs.Tracing.Enabled)
	v.SetDefault("observability.tracing.exporter", obs.Tracing.Exporter)
	v.SetDefault("observability.tracing.otlp_endpoint", obs.Tracing.OTLPEndpoint)
	v.SetDefault("observability.tracing.zipkin_endpoint", obs.Tracing.ZipkinEndpoint)
	v.SetDefault("observability.tracing.sample_rate", obs.Tracing.SampleRate)
	v.SetDefault("observability.tracing.service_name", obs.Tracing.ServiceName)
	v.SetDefault("observability.tracing.service_version", obs.Tracing.ServiceVersion)
}

func mergeFile(v *viper.Viper, path string) error {
	fileViper := viper.New()
	fileViper.SetConfigFile(path)
	fileViper.SetConfigType("yaml")
	if err := fileViper.ReadInConfig(); err != nil {
		return errors.Config(fmt.Sprintf("reading %s", path), err)
	}
	if err := v.MergeConfigMap(fileViper.AllSettings()); err != nil {
		return errors.Config(fmt.Sprintf("merging %s", path), err)
	}
	return nil
}

// findProjectConfig returns the nearest project file at or above dir.
func findProjectConfig(dir string) string {
	if dir == "" {
		return ""
	}
	for {
		for _, candidate := range []string{
			filepath.Join(dir, ".maestro", "config.yaml"),
			filepath.Join(dir, "maestro.yaml"),
		} {
			if fileExists(candidate) {
				return candidate
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references. Unset variables expand to "".
// A bare $VAR is left alone.
func ExpandEnv(s string, lookup EnvLookup) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		if lookup == nil {
			return ""
		}
		value, _ := lookup(name)
		return value
	})
}

func expandAll(values []string, lookup EnvLookup) []string {
	if len(values) == 0 {
		return values
	}
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = ExpandEnv(value, lookup)
	}
	return out
}

func (c *Config) expand(lookup EnvLookup) {
	c.ACP.Default.Command = ExpandEnv(c.ACP.Default.Command, lookup)
	c.ACP.Default.Args = expandAll(c.ACP.Default.Args, lookup)
	for key, def := range c.Agents {
		def.Command = ExpandEnv(def.Command, lookup)
		def.Args = expandAll(def.Args, lookup)
		def.Env = expandAll(def.Env, lookup)
		c.Agents[key] = def
	}
	c.Driver.Cwd = ExpandEnv(c.Driver.Cwd, lookup)
	c.Observability.Tracing.OTLPEndpoint = ExpandEnv(c.Observability.Tracing.OTLPEndpoint, lookup)
	c.Observability.Tracing.ZipkinEndpoint = ExpandEnv(c.Observability.Tracing.ZipkinEndpoint, lookup)
}
