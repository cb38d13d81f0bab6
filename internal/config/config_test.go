package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maestro/internal/errors"
	"maestro/internal/registry"
)

type envMap map[string]string

func (e envMap) Lookup(key string) (string, bool) {
	val, ok := e[key]
	return val, ok
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func isolated(t *testing.T) (home, work string) {
	t.Helper()
	return t.TempDir(), t.TempDir()
}

func TestLoadDefaults(t *testing.T) {
	home, work := isolated(t)
	cfg, err := Load(WithHomeDir(home), WithWorkingDir(work), WithEnv(envMap{}.Lookup))
	require.NoError(t, err)

	require.Equal(t, "arbiter", cfg.Arbiter.Role)
	require.Equal(t, 50, cfg.Arbiter.MaxIterations)
	require.Equal(t, 3, cfg.Driver.MaxFailures)
	require.Equal(t, 100*time.Millisecond, cfg.Driver.IdleTimeout)
	require.Equal(t, 1000, cfg.State.MaxTasks)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	require.True(t, cfg.Server.EnableCORS)
	require.Equal(t, "warn", cfg.Observability.Logging.Level)
	require.Empty(t, cfg.Sources)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	require.Equal(t, []string{"arbiter", "debugger", "developer", "planner", "reviewer"}, reg.Names())
}

func TestLoadLayersGlobalProjectAndEnv(t *testing.T) {
	home, work := isolated(t)
	writeFile(t, filepath.Join(home, ".config", "maestro", "config.yaml"), `
acp:
  default:
    command: ${ACP_BIN}
    args: ["--acp"]
driver:
  max_failures: 4
arbiter:
  max_iterations: 10
`)
	writeFile(t, filepath.Join(work, ".maestro", "config.yaml"), `
driver:
  idle_timeout: 250ms
agents:
  tester:
    name: Test Runner
    when_to_use: Use to run the test suite
    prompt: Run the tests.
    command: ${HOME_BIN}/tester
    args: ["--dir", "${PROJECT}"]
    env: ["TOKEN=${TOKEN}"]
`)
	t.Setenv("MAESTRO_ARBITER_MAX_ITERATIONS", "7")

	sub := filepath.Join(work, "pkg", "deep")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	cfg, err := Load(WithHomeDir(home), WithWorkingDir(sub), WithEnv(envMap{
		"ACP_BIN":  "acp-agent",
		"HOME_BIN": "/opt/bin",
		"PROJECT":  "/src/app",
	}.Lookup))
	require.NoError(t, err)

	require.Len(t, cfg.Sources, 2)
	require.Equal(t, 4, cfg.Driver.MaxFailures)
	require.Equal(t, 250*time.Millisecond, cfg.Driver.IdleTimeout)
	require.Equal(t, 7, cfg.Arbiter.MaxIterations)
	require.Equal(t, "acp-agent", cfg.ACP.Default.Command)

	tester := cfg.Agents["tester"]
	require.Equal(t, "Test Runner", tester.Name)
	require.Equal(t, "/opt/bin/tester", tester.Command)
	require.Equal(t, []string{"--dir", "/src/app"}, tester.Args)
	require.Equal(t, []string{"TOKEN="}, tester.Env)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	planner, _ := reg.Get("planner")
	require.Equal(t, "acp-agent", planner.Command)
	require.Equal(t, []string{"--acp"}, planner.Args)
	require.Equal(t, "Test Runner", reg.DisplayName("tester"))
}

func TestLoadExplicitFileSkipsProjectSearch(t *testing.T) {
	home, work := isolated(t)
	writeFile(t, filepath.Join(work, "maestro.yaml"), "driver:\n  max_failures: 9\n")
	explicit := filepath.Join(t.TempDir(), "custom.yaml")
	writeFile(t, explicit, "driver:\n  max_failures: 2\n")

	cfg, err := Load(WithHomeDir(home), WithWorkingDir(work), WithConfigFile(explicit))
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Driver.MaxFailures)
	require.Equal(t, []string{explicit}, cfg.Sources)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	home, work := isolated(t)
	_, err := Load(WithHomeDir(home), WithWorkingDir(work), WithConfigFile(filepath.Join(work, "nope.yaml")))
	require.Error(t, err)
	require.True(t, errors.IsConfig(err))
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	home, work := isolated(t)
	writeFile(t, filepath.Join(work, "maestro.yaml"), `
driver:
  max_failures: 0
agents:
  zeta:
    prompt: ""
    when_to_use: ""
`)
	_, err := Load(WithHomeDir(home), WithWorkingDir(work))
	require.Error(t, err)
	require.True(t, errors.IsConfig(err))
	require.Contains(t, err.Error(), `agent "zeta" has an empty prompt`)
	require.Contains(t, err.Error(), `agent "zeta" has an empty when_to_use`)
	require.Contains(t, err.Error(), "driver.max_failures must be at least 1")
}

func TestValidateArbiterRole(t *testing.T) {
	cfg := Default()
	cfg.Arbiter.Role = "judge"
	err := Validate(cfg)
	require.Error(t, err)
	require.Contains(t, err.Error(), `arbiter role "judge" is not defined`)
	// Once it is not the decision role the built-in arbiter needs guidance.
	require.Contains(t, err.Error(), `agent "arbiter" has an empty when_to_use`)

	cfg.Agents = map[string]registry.Definition{"judge": {Prompt: "decide"}}
	cfg.Arbiter.Role = "judge"
	err = Validate(cfg)
	require.Error(t, err)
	require.NotContains(t, err.Error(), "judge")
}

func TestValidateOrdersProblems(t *testing.T) {
	cfg := Default()
	cfg.Agents = map[string]registry.Definition{
		"beta":  {WhenToUse: "b"},
		"alpha": {WhenToUse: "a"},
	}
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	require.Less(t, strings.Index(msg, `"alpha"`), strings.Index(msg, `"beta"`))
}

func TestExpandEnv(t *testing.T) {
	lookup := envMap{"NAME": "world"}.Lookup
	require.Equal(t, "hello world", ExpandEnv("hello ${NAME}", lookup))
	require.Equal(t, "hello ", ExpandEnv("hello ${MISSING}", lookup))
	require.Equal(t, "cost $5 and $NAME", ExpandEnv("cost $5 and $NAME", lookup))
	require.Equal(t, "${}", ExpandEnv("${}", lookup))
}
