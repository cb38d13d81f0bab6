package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"maestro/internal/acp/acptest"
	"maestro/internal/driver"
	"maestro/internal/registry"
)

func TestMain(m *testing.M) {
	if acptest.IsHelper() {
		os.Exit(acptest.ServeStdio())
	}
	os.Exit(m.Run())
}

// syncBuffer is written to by worker relays and the CLI concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, agents map[string]registry.Definition) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	doc := map[string]any{
		"driver": map[string]any{"cwd": dir},
		"observability": map[string]any{
			"metrics": map[string]any{"enabled": false},
		},
	}
	if len(agents) > 0 {
		doc["agents"] = agents
	}
	raw, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(dir, "maestro.yaml")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr syncBuffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersionCommand(t *testing.T) {
	t.Setenv("MAESTRO_VERSION", "")
	code, out, _ := runCLI(t, "version")
	require.Equal(t, 0, code)
	require.True(t, strings.HasPrefix(out, "maestro "), out)
}

func TestLogLevel(t *testing.T) {
	cases := []struct {
		configured string
		verbosity  int
		quiet      bool
		want       string
	}{
		{configured: "", want: "warn"},
		{configured: "info", want: "info"},
		{configured: "warn", verbosity: 1, want: "info"},
		{configured: "warn", verbosity: 3, want: "debug"},
		{configured: "debug", quiet: true, want: "error"},
		{configured: "warn", verbosity: 2, quiet: true, want: "error"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, logLevel(tc.configured, tc.verbosity, tc.quiet), "%+v", tc)
	}
}

func TestResolveCwd(t *testing.T) {
	got, err := resolveCwd("", "")
	require.NoError(t, err)
	require.Empty(t, got)

	dir := t.TempDir()
	got, err = resolveCwd("", dir)
	require.NoError(t, err)
	require.Equal(t, dir, got)

	got, err = resolveCwd("work", dir)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(got), got)
	require.Equal(t, "work", filepath.Base(got))
}

func TestAgentsCommandListsBuiltins(t *testing.T) {
	cfg := writeConfig(t, nil)

	code, out, stderr := runCLI(t, "agents", "-c", cfg)
	require.Equal(t, 0, code, stderr)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.True(t, strings.HasPrefix(lines[0], "KEY"), out)
	for _, key := range []string{"arbiter", "debugger", "developer", "planner", "reviewer"} {
		require.Contains(t, out, key)
	}
	require.Contains(t, out, "(arbiter)")
}

func TestAgentsShow(t *testing.T) {
	cfg := writeConfig(t, map[string]registry.Definition{
		"tester": {Name: "Tester", WhenToUse: "Write tests", Prompt: "You write tests.", Command: "tester-acp"},
	})

	code, out, stderr := runCLI(t, "agents", "show", "tester", "-c", cfg)
	require.Equal(t, 0, code, stderr)
	require.Contains(t, out, "Tester")
	require.Contains(t, out, "tester-acp")
	require.Contains(t, out, "You write tests.")

	code, out, stderr = runCLI(t, "agents", "show", "tester", "--yaml", "-c", cfg)
	require.Equal(t, 0, code, stderr)
	var doc map[string]map[string]registry.Definition
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	require.Equal(t, "Write tests", doc["agents"]["tester"].WhenToUse)
	require.Equal(t, "tester-acp", doc["agents"]["tester"].Command)
}

func TestAgentsShowUnknown(t *testing.T) {
	cfg := writeConfig(t, nil)

	code, _, stderr := runCLI(t, "agents", "show", "nobody", "-c", cfg)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, `unknown agent "nobody"`)
}

func TestRunCommand(t *testing.T) {
	cfg := writeConfig(t, map[string]registry.Definition{
		"arbiter": acptest.Definition(acptest.Script{
			Replies: []string{"SELECT: developer | needs code", "COMPLETE | all done"},
		}),
		"developer": acptest.Definition(acptest.Script{Replies: []string{"patched it"}}),
	})

	code, out, stderr := runCLI(t, "run", "-c", cfg, "fix", "the", "bug")
	require.Equal(t, 0, code, stderr)
	require.Contains(t, out, "▶ Task")
	require.Contains(t, out, "● developer needs code")
	require.Contains(t, out, "patched it")
	require.Contains(t, out, "✓ developer finished")
	require.Contains(t, out, "↳ complete - all done")
	require.Contains(t, out, "✓ Task complete")
}

func TestRunCommandFailsOnBadArbiterReply(t *testing.T) {
	cfg := writeConfig(t, map[string]registry.Definition{
		"arbiter": acptest.Definition(acptest.Script{Replies: []string{"banana"}}),
	})

	code, out, stderr := runCLI(t, "run", "-c", cfg, "fix the bug")
	require.Equal(t, 1, code)
	require.Contains(t, out, "Failed to parse arbiter response")
	require.Contains(t, out, "✗ Task failed")
	require.Contains(t, stderr, "did not complete successfully")
}

func TestRunCommandRequiresTask(t *testing.T) {
	code, _, stderr := runCLI(t, "run")
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "requires at least 1 arg")
}

func TestProgressRenderer(t *testing.T) {
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })

	var out bytes.Buffer
	r := newProgressRenderer(&out, nil)

	r.Render(driver.Progress{Kind: driver.ProgressTaskStarted, TaskID: "t-1"})
	r.Render(driver.Progress{Kind: driver.ProgressAgentSelected, Role: "developer", DisplayName: "Developer", Reasoning: "code"})
	r.Render(driver.Progress{Kind: driver.ProgressAgentText, Text: "hello "})
	r.Render(driver.Progress{Kind: driver.ProgressAgentText, Text: "world"})
	r.Render(driver.Progress{Kind: driver.ProgressAgentCompleted, DisplayName: "Developer", Status: "needs_retry"})
	r.Render(driver.Progress{Kind: driver.ProgressError, Message: "boom"})
	r.Render(driver.Progress{Kind: driver.ProgressTaskCompleted})

	got := out.String()
	require.Contains(t, got, "hello world\n")
	require.Contains(t, got, "↻ Developer finished (needs retry)")
	require.Contains(t, got, "✗ boom")
	require.True(t, strings.HasSuffix(got, "✗ Task failed\n"), got)
}

func TestLooksLikeMarkdown(t *testing.T) {
	require.False(t, looksLikeMarkdown("done"))
	require.False(t, looksLikeMarkdown("just a plain sentence here"))
	require.True(t, looksLikeMarkdown("## Summary\nAll tests pass."))
	require.True(t, looksLikeMarkdown("Use the `Run` method to start a task."))
	require.True(t, looksLikeMarkdown("Steps:\n- build\n- test"))
}
