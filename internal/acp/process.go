package acp

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"maestro/internal/async"
	"maestro/internal/errors"
	"maestro/internal/logging"
)

// ProcessConfig describes how to launch a worker.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     []string // KEY=value entries layered over the parent environment
	Dir     string
}

// Process owns one worker child process and its stdio pipes.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	logger logging.Logger

	exited  chan struct{}
	exitErr error

	stopOnce sync.Once
	stopErr  error
}

// StartProcess launches the worker with piped stdin/stdout. Stderr lines are
// relayed to logger at debug level.
func StartProcess(cfg ProcessConfig, logger logging.Logger) (*Process, error) {
	logger = logging.OrNop(logger)
	resolved, err := resolveExecutable(cfg.Command)
	if err != nil {
		return nil, errors.Agent(fmt.Sprintf("failed to spawn %q", cfg.Command), err)
	}

	cmd := exec.Command(resolved, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Dir = cfg.Dir
	cmd.Stderr = &stderrLogger{logger: logger}
	cmd.WaitDelay = 2 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Agent("failed to create stdin pipe", err)
	}
	// stdout is a plain pipe owned by us so Wait never closes it under the
	// reader; the reader sees EOF once every writer has gone.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, errors.Agent("failed to create stdout pipe", err)
	}
	cmd.Stdout = stdoutW

	logger.Info("Starting worker: %s %v", resolved, cfg.Args)
	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, errors.Agent(fmt.Sprintf("failed to spawn %q", cfg.Command), err)
	}
	_ = stdoutW.Close()
	logger.Debug("Worker started with PID: %d", cmd.Process.Pid)

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		logger: logger,
		exited: make(chan struct{}),
	}
	async.Go(logger, "acp.waitProcess", func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
		if p.exitErr != nil {
			logger.Debug("Worker exited: %v", p.exitErr)
		}
	})
	return p, nil
}

func resolveExecutable(command string) (string, error) {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return "", fmt.Errorf("command is required")
	}
	if strings.Contains(trimmed, "\x00") {
		return "", fmt.Errorf("command contains invalid characters")
	}
	resolved, err := exec.LookPath(trimmed)
	if err != nil {
		return "", fmt.Errorf("command not found: %w", err)
	}
	return resolved, nil
}

// Stdin returns the pipe connected to the worker's standard input.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout returns the pipe connected to the worker's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// PID returns the operating system process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Stop closes stdin to ask the worker to exit and kills it if it is still
// running after grace. The stdout reader is closed once the process is gone so
// a read loop blocked on an inherited pipe returns. Safe to call repeatedly.
func (p *Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		defer func() { _ = p.stdout.Close() }()
		_ = p.stdin.Close()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.exited:
			return
		case <-timer.C:
		}

		p.logger.Debug("Worker did not exit within %v, killing", grace)
		if err := p.cmd.Process.Kill(); err != nil && !isProcessDone(err) {
			p.stopErr = fmt.Errorf("failed to kill process: %w", err)
			return
		}
		<-p.exited
	})
	return p.stopErr
}

func isProcessDone(err error) bool {
	return stderrors.Is(err, os.ErrProcessDone) || strings.Contains(err.Error(), "process already finished")
}

// stderrLogger relays complete stderr lines to the logger.
type stderrLogger struct {
	logger logging.Logger
	mu     sync.Mutex
	buf    []byte
}

func (w *stderrLogger) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, data...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:idx]), "\r")
		w.buf = w.buf[idx+1:]
		if line != "" {
			w.logger.Debug("[STDERR] %s", line)
		}
	}
	// Keep a runaway partial line bounded.
	if len(w.buf) > 64*1024 {
		w.logger.Debug("[STDERR] %s", string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(data), nil
}
