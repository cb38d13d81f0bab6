package async

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type panicRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (p *panicRecorder) Error(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, fmt.Sprintf(format, args...))
}

func TestGoRecoversPanicsAndSignalsDone(t *testing.T) {
	rec := &panicRecorder{}
	done := Go(rec, "acp.readLoop", func() { panic("boom") })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine did not finish")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.lines, 1)
	require.Contains(t, rec.lines[0], "goroutine panic [acp.readLoop]: boom")
}

func TestGoRunsFunction(t *testing.T) {
	ran := false
	<-Go(nil, "", func() { ran = true })
	require.True(t, ran)
}
