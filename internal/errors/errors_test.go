package errors

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKindsSurviveWrapping(t *testing.T) {
	base := Protocol("initialize failed", io.EOF)
	wrapped := Agent("spawn developer", base)

	require.True(t, IsAgent(wrapped))
	require.Equal(t, KindProtocol, KindOf(base))
	require.ErrorIs(t, wrapped, io.EOF)
	require.Equal(t, "agent error: spawn developer: protocol error: initialize failed: EOF", wrapped.Error())

	require.True(t, IsConfig(Configf("agent %q has empty prompt", "planner")))
	require.Equal(t, KindUnknown, KindOf(io.EOF))
}

func TestRetryWithResultStopsOnPermanentError(t *testing.T) {
	calls := 0
	permanent := stderrors.New("permanent")
	_, err := RetryWithResult(context.Background(), RetryConfig{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxElapsed: time.Second},
		func(err error) bool { return err != permanent }, nil,
		func(context.Context) (int, error) {
			calls++
			return 0, permanent
		})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestRetryWithResultRetriesTransientErrors(t *testing.T) {
	calls := 0
	got, err := RetryWithResult(context.Background(), RetryConfig{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxElapsed: time.Second},
		func(err error) bool { return stderrors.Is(err, io.EOF) }, nil,
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", io.EOF
			}
			return "ok", nil
		})
	require.NoError(t, err)
	require.Equal(t, "ok", got)
	require.Equal(t, 3, calls)
}

func TestRetryWithResultHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryWithResult(ctx, DefaultRetryConfig(), func(error) bool { return true }, nil,
		func(context.Context) (int, error) { return 0, io.EOF })
	require.ErrorIs(t, err, context.Canceled)
}
