package driver

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"maestro/internal/acp"
	"maestro/internal/acp/acptest"
	"maestro/internal/registry"
)

func newTestDriver(t *testing.T, defs map[string]registry.Definition, cfg Config, opts ...Option) *Driver {
	t.Helper()
	if cfg.Cwd == "" {
		cfg.Cwd = t.TempDir()
	}
	cfg.ShutdownGrace = time.Second
	d := New(registry.New(defs), cfg, opts...)
	t.Cleanup(func() { d.Shutdown(context.Background()) })
	return d
}

type recorder struct {
	events []Progress
}

func (r *recorder) sink(p Progress) { r.events = append(r.events, p) }

func (r *recorder) kinds() []ProgressKind {
	kinds := make([]ProgressKind, 0, len(r.events))
	for _, ev := range r.events {
		if ev.Kind == ProgressAgentText {
			// Chunking is up to the worker.
			if n := len(kinds); n > 0 && kinds[n-1] == ProgressAgentText {
				continue
			}
		}
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *recorder) of(kind ProgressKind) []Progress {
	var out []Progress
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) text() string {
	var b strings.Builder
	for _, ev := range r.of(ProgressAgentText) {
		b.WriteString(ev.Text)
	}
	return b.String()
}

func arbiterDef(replies ...string) registry.Definition {
	return acptest.Definition(acptest.Script{Replies: replies})
}

func TestRunHappyPath(t *testing.T) {
	developer := acptest.Definition(acptest.Script{Replies: []string{"patched the bug"}})
	developer.Name = "Developer"
	metrics := MustNewMetrics(prometheus.NewRegistry())
	d := newTestDriver(t, map[string]registry.Definition{
		"arbiter":   arbiterDef("SELECT: developer | needs code", "COMPLETE | fixed"),
		"developer": developer,
	}, Config{}, WithMetrics(metrics))

	rec := &recorder{}
	id, success, err := d.Run(context.Background(), "fix the bug", rec.sink)
	require.NoError(t, err)
	require.True(t, success)
	require.NotEmpty(t, id)

	require.Equal(t, []ProgressKind{
		ProgressTaskStarted,
		ProgressAgentSelected,
		ProgressAgentText,
		ProgressAgentCompleted,
		ProgressEvaluation,
		ProgressTaskCompleted,
	}, rec.kinds())
	for _, ev := range rec.events {
		require.Equal(t, id, ev.TaskID)
		require.False(t, ev.Time.IsZero())
	}

	selected := rec.of(ProgressAgentSelected)[0]
	require.Equal(t, "developer", selected.Role)
	require.Equal(t, "Developer", selected.DisplayName)
	require.Equal(t, "needs code", selected.Reasoning)

	require.Equal(t, "patched the bug", rec.text())
	require.Equal(t, "success", rec.of(ProgressAgentCompleted)[0].Status)

	evaluation := rec.of(ProgressEvaluation)[0]
	require.Equal(t, "complete", evaluation.Decision)
	require.Equal(t, "fixed", evaluation.Reasoning)
	require.True(t, rec.of(ProgressTaskCompleted)[0].Success)
	require.Equal(t, "fix the bug", rec.of(ProgressTaskStarted)[0].Request)

	require.False(t, d.Busy())
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.tasks.WithLabelValues("completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.steps.WithLabelValues("developer", "success")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.decisions.WithLabelValues("select")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.decisions.WithLabelValues("complete")))
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.tasksActive))
}

func TestRunEvaluationContinuesThroughSelecting(t *testing.T) {
	d := newTestDriver(t, map[string]registry.Definition{
		"arbiter": arbiterDef(
			"SELECT: planner | plan first",
			"SELECT: developer | plan is ready",
			"SELECT: developer | implement the plan",
			"COMPLETE | done",
		),
		"planner":   acptest.Definition(acptest.Script{Replies: []string{"1. edit main.go"}}),
		"developer": acptest.Definition(acptest.Script{Replies: []string{"edited"}}),
	}, Config{})

	rec := &recorder{}
	_, success, err := d.Run(context.Background(), "add a flag", rec.sink)
	require.NoError(t, err)
	require.True(t, success)

	var roles []string
	for _, ev := range rec.of(ProgressAgentCompleted) {
		roles = append(roles, ev.Role)
	}
	require.Equal(t, []string{"planner", "developer"}, roles)

	var decisions []string
	for _, ev := range rec.of(ProgressEvaluation) {
		decisions = append(decisions, ev.Decision)
	}
	require.Equal(t, []string{"continue with developer", "complete"}, decisions)
	require.Len(t, rec.of(ProgressAgentSelected), 2)
}

func TestRunStopsAtFailureLimit(t *testing.T) {
	metrics := MustNewMetrics(prometheus.NewRegistry())
	d := newTestDriver(t, map[string]registry.Definition{
		"arbiter":   arbiterDef("SELECT: developer | try it"),
		"developer": acptest.Definition(acptest.Script{Mode: acptest.ModeExitOnPrompt}),
	}, Config{MaxFailures: 2}, WithMetrics(metrics))

	rec := &recorder{}
	_, success, err := d.Run(context.Background(), "r", rec.sink)
	require.NoError(t, err)
	require.False(t, success)

	errorsSeen := rec.of(ProgressError)
	require.Len(t, errorsSeen, 3)
	require.Equal(t, "Maximum failures (2) reached", errorsSeen[2].Message)
	require.Len(t, rec.of(ProgressAgentSelected), 2)
	require.Empty(t, rec.of(ProgressAgentCompleted))
	require.False(t, rec.of(ProgressTaskCompleted)[0].Success)
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.failures.WithLabelValues("developer")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.tasks.WithLabelValues("failed")))
}

func TestRunArbiterErrorsAreFatal(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"unparseable", "banana", "Failed to parse arbiter response"},
		{"unknown role", "SELECT: ghost | boo", "Arbiter selected unknown agent: ghost"},
		{"retry first", "RETRY | huh", "Cannot retry: no previous execution"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDriver(t, map[string]registry.Definition{
				"arbiter":   arbiterDef(tt.reply),
				"developer": acptest.Definition(acptest.Script{}),
			}, Config{})

			rec := &recorder{}
			_, success, err := d.Run(context.Background(), "r", rec.sink)
			require.NoError(t, err)
			require.False(t, success)
			require.Equal(t, []ProgressKind{ProgressTaskStarted, ProgressError, ProgressTaskCompleted}, rec.kinds())
			require.Contains(t, rec.of(ProgressError)[0].Message, tt.want)
		})
	}
}

func TestRunCompletesAtMaxIterations(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "arbiter.log")
	d := newTestDriver(t, map[string]registry.Definition{
		"arbiter":   acptest.Definition(acptest.Script{Replies: []string{"SELECT: developer | go"}, LogPath: logPath}),
		"developer": acptest.Definition(acptest.Script{}),
	}, Config{MaxIterations: 1})

	rec := &recorder{}
	_, success, err := d.Run(context.Background(), "r", rec.sink)
	require.NoError(t, err)
	require.True(t, success)

	evaluation := rec.of(ProgressEvaluation)
	require.Len(t, evaluation, 1)
	require.Equal(t, "complete", evaluation[0].Decision)
	require.Equal(t, "Maximum iterations (1) reached", evaluation[0].Reasoning)
	require.Equal(t, 1, acptest.CountMethod(logPath, acp.MethodSessionPrompt))
}

func TestRunCancelledDuringPrompt(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "developer.log")
	d := newTestDriver(t, map[string]registry.Definition{
		"arbiter":   arbiterDef("SELECT: developer | go"),
		"developer": acptest.Definition(acptest.Script{Mode: acptest.ModeSlow, LogPath: logPath}),
	}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		deadline := time.Now().Add(10 * time.Second)
		for acptest.CountMethod(logPath, acp.MethodSessionPrompt) == 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		cancel()
	}()

	rec := &recorder{}
	_, success, err := d.Run(ctx, "r", rec.sink)
	require.NoError(t, err)
	require.False(t, success)
	require.Empty(t, rec.of(ProgressError))
	require.Empty(t, rec.of(ProgressAgentCompleted))
	require.Equal(t, ProgressTaskCompleted, rec.events[len(rec.events)-1].Kind)

	require.Eventually(t, func() bool {
		return acptest.CountMethod(logPath, acp.MethodSessionCancel) >= 1
	}, 5*time.Second, 20*time.Millisecond)

	// The driver is reusable after a cancelled task.
	require.False(t, d.Busy())
}

func TestRunCancelledBeforeStart(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "arbiter.log")
	d := newTestDriver(t, map[string]registry.Definition{
		"arbiter": acptest.Definition(acptest.Script{LogPath: logPath}),
	}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := &recorder{}
	_, success, err := d.Run(ctx, "r", rec.sink)
	require.NoError(t, err)
	require.False(t, success)
	require.Equal(t, []ProgressKind{ProgressTaskStarted, ProgressTaskCompleted}, rec.kinds())
	require.Zero(t, acptest.CountMethod(logPath, acp.MethodInitialize))
}

func TestRunTaskStreamsAndRejectsConcurrentTasks(t *testing.T) {
	d := newTestDriver(t, map[string]registry.Definition{
		"arbiter":   arbiterDef("SELECT: developer | go"),
		"developer": acptest.Definition(acptest.Script{Mode: acptest.ModeSlow}),
	}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id, events, err := d.RunTask(ctx, "long job")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.True(t, d.Busy())

	_, _, err = d.Run(context.Background(), "second", nil)
	require.ErrorIs(t, err, ErrBusy)
	_, _, err = d.RunTask(context.Background(), "third")
	require.ErrorIs(t, err, ErrBusy)

	first := <-events
	require.Equal(t, ProgressTaskStarted, first.Kind)
	require.Equal(t, id, first.TaskID)
	cancel()

	var last Progress
	for ev := range events {
		last = ev
	}
	require.True(t, last.Terminal())
	require.False(t, last.Success)
	require.Eventually(t, func() bool { return !d.Busy() }, time.Second, 10*time.Millisecond)
}

func TestRunPlaceholdersJoinStepOutput(t *testing.T) {
	d := newTestDriver(t, map[string]registry.Definition{
		"arbiter":   arbiterDef("SELECT: developer | go", "COMPLETE | ok"),
		"developer": acptest.Definition(acptest.Script{Replies: []string{"abcd"}, NonText: true}),
	}, Config{})

	rec := &recorder{}
	_, success, err := d.Run(context.Background(), "r", rec.sink)
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, "ab[image][resource: file:///tmp/notes.md]cd", rec.text())
}

func TestShutdownIsSafeWithoutTasks(t *testing.T) {
	d := New(registry.New(nil), Config{})
	d.Shutdown(context.Background())
	d.Shutdown(context.Background())
}

func TestDrainCollectsOutputArrivingWithinIdleWindow(t *testing.T) {
	d := newTestDriver(t, nil, Config{IdleTimeout: 200 * time.Millisecond})
	out := acp.NewOutputStream()
	out.Push(acp.Chunk{Kind: acp.ChunkText, Text: "a"})
	out.Push(acp.Chunk{Kind: acp.ChunkImage, Text: "[image]"})
	go func() {
		time.Sleep(60 * time.Millisecond)
		out.Push(acp.Chunk{Kind: acp.ChunkText, Text: "b"})
	}()

	rec := &recorder{}
	start := time.Now()
	got, err := d.drain(context.Background(), out, rec.sink)
	require.NoError(t, err)
	require.Equal(t, "a[image]b", got)
	require.Equal(t, "a[image]b", rec.text())
	require.GreaterOrEqual(t, time.Since(start), 260*time.Millisecond)
}

func TestDrainStopsOnCancellation(t *testing.T) {
	d := newTestDriver(t, nil, Config{IdleTimeout: 5 * time.Second})
	out := acp.NewOutputStream()
	out.Push(acp.Chunk{Kind: acp.ChunkText, Text: "partial"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	rec := &recorder{}
	start := time.Now()
	got, err := d.drain(ctx, out, rec.sink)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, got)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, "partial", rec.text())
}

func TestDrainEmptyStreamEndsAfterIdleTimeout(t *testing.T) {
	d := newTestDriver(t, nil, Config{IdleTimeout: 50 * time.Millisecond})

	rec := &recorder{}
	start := time.Now()
	got, err := d.drain(context.Background(), acp.NewOutputStream(), rec.sink)
	require.NoError(t, err)
	require.Empty(t, got)
	require.Empty(t, rec.events)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	require.Less(t, elapsed, time.Second)
}
