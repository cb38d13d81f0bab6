package acp_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"maestro/internal/acp"
	"maestro/internal/acp/acptest"
	"maestro/internal/errors"
)

func spawnFake(t *testing.T, script acptest.Script) *acp.Connection {
	t.Helper()
	def := acptest.Definition(script)
	conn, err := acp.Spawn(context.Background(), acp.SpawnConfig{
		Role: "fake",
		Process: acp.ProcessConfig{
			Command: def.Command,
			Args:    def.Args,
			Env:     def.Env,
		},
		ShutdownGrace: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Shutdown() })
	return conn
}

func collectText(out *acp.OutputStream) string {
	var b strings.Builder
	for _, chunk := range out.Drain() {
		b.WriteString(chunk.Text)
	}
	return b.String()
}

func TestConnectionPromptStreamsOutput(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "methods.log")
	conn := spawnFake(t, acptest.Script{Replies: []string{"hello world"}, LogPath: logPath})
	ctx := context.Background()

	require.Greater(t, conn.PID(), 0)
	require.Equal(t, "fake", conn.Role())
	require.False(t, conn.HasSession())

	require.NoError(t, conn.Initialize(ctx))
	sessionID, err := conn.NewSession(ctx, ".")
	require.NoError(t, err)
	require.Equal(t, acptest.SessionID, sessionID)
	require.True(t, conn.HasSession())

	require.NoError(t, conn.Prompt(ctx, "say hello"))
	require.Equal(t, "hello world", collectText(conn.Output()))

	methods, err := acptest.ReadLog(logPath)
	require.NoError(t, err)
	require.Equal(t, []string{acp.MethodInitialize, acp.MethodSessionNew, acp.MethodSessionPrompt}, methods)
}

func TestConnectionPlaceholdersForNonText(t *testing.T) {
	conn := spawnFake(t, acptest.Script{Replies: []string{"abcd"}, NonText: true})
	ctx := context.Background()
	require.NoError(t, conn.Initialize(ctx))
	_, err := conn.NewSession(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, conn.Prompt(ctx, "go"))

	require.Equal(t, "ab[image][resource: file:///tmp/notes.md]cd", collectText(conn.Output()))
}

func TestConnectionPromptWithoutSession(t *testing.T) {
	conn := spawnFake(t, acptest.Script{})
	require.NoError(t, conn.Initialize(context.Background()))

	err := conn.Prompt(context.Background(), "hi")
	require.Error(t, err)
	require.True(t, errors.IsAgent(err))
	require.NoError(t, conn.Cancel())
}

func TestConnectionPromptFailure(t *testing.T) {
	conn := spawnFake(t, acptest.Script{Mode: acptest.ModeFailPrompt})
	ctx := context.Background()
	require.NoError(t, conn.Initialize(ctx))
	_, err := conn.NewSession(ctx, ".")
	require.NoError(t, err)

	err = conn.Prompt(ctx, "hi")
	require.Error(t, err)
	require.True(t, errors.IsProtocol(err))
}

func TestConnectionWorkerExit(t *testing.T) {
	conn := spawnFake(t, acptest.Script{Mode: acptest.ModeExitOnPrompt})
	ctx := context.Background()
	require.NoError(t, conn.Initialize(ctx))
	_, err := conn.NewSession(ctx, ".")
	require.NoError(t, err)

	err = conn.Prompt(ctx, "hi")
	require.Error(t, err)
	require.ErrorIs(t, err, acp.ErrConnectionClosed)
}

func TestConnectionRejectsHostCapabilities(t *testing.T) {
	conn := spawnFake(t, acptest.Script{Mode: acptest.ModeProbePermission})
	ctx := context.Background()
	require.NoError(t, conn.Initialize(ctx))
	_, err := conn.NewSession(ctx, ".")
	require.NoError(t, err)

	require.NoError(t, conn.Prompt(ctx, "may I?"))
	require.Equal(t, "permission:-32601", collectText(conn.Output()))
}

func TestConnectionCancelEndsTurn(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "methods.log")
	conn := spawnFake(t, acptest.Script{Mode: acptest.ModeSlow, LogPath: logPath})
	ctx := context.Background()
	require.NoError(t, conn.Initialize(ctx))
	_, err := conn.NewSession(ctx, ".")
	require.NoError(t, err)

	promptCtx, cancelPrompt := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- conn.Prompt(promptCtx, "take your time") }()

	select {
	case <-conn.Output().Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("no output from slow worker")
	}
	cancelPrompt()
	require.NoError(t, conn.Cancel())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("prompt did not return after cancel")
	}
	require.Eventually(t, func() bool {
		return acptest.CountMethod(logPath, acp.MethodSessionCancel) == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestConnectionShutdownIsTerminal(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "methods.log")
	conn := spawnFake(t, acptest.Script{LogPath: logPath})
	ctx := context.Background()
	require.NoError(t, conn.Initialize(ctx))
	_, err := conn.NewSession(ctx, ".")
	require.NoError(t, err)

	require.NoError(t, conn.Shutdown())
	require.NoError(t, conn.Shutdown())

	err = conn.Prompt(ctx, "still there?")
	require.Error(t, err)
	require.True(t, errors.IsAgent(err))
	require.Equal(t, 1, acptest.CountMethod(logPath, acp.MethodSessionCancel))
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := acp.Spawn(context.Background(), acp.SpawnConfig{
		Role:    "ghost",
		Process: acp.ProcessConfig{Command: "maestro-no-such-binary-for-tests"},
	})
	require.Error(t, err)
	require.True(t, errors.IsAgent(err))
}
