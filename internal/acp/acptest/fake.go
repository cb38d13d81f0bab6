// Package acptest provides a scriptable ACP worker for tests. Test binaries
// re-execute themselves as the worker: a package's TestMain calls
//
//	if acptest.IsHelper() {
//		os.Exit(acptest.ServeStdio())
//	}
//
// and roles point at the test binary through Definition.
package acptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"maestro/internal/acp"
	"maestro/internal/jsonrpc"
	"maestro/internal/registry"
)

// Environment knobs read by ScriptFromEnv.
const (
	EnvHelper  = "GO_WANT_HELPER_PROCESS"
	EnvReplies = "MAESTRO_FAKE_REPLIES"
	EnvMode    = "MAESTRO_FAKE_MODE"
	EnvLog     = "MAESTRO_FAKE_LOG"
	EnvNonText = "MAESTRO_FAKE_NON_TEXT"
)

// SessionID is the id every fake session is given.
const SessionID = "fake-session"

// Mode selects how the fake answers prompts.
type Mode string

const (
	ModeNormal         Mode = ""
	ModeFailInitialize Mode = "fail-initialize"
	ModeFailPrompt     Mode = "fail-prompt"
	ModeExitOnPrompt   Mode = "exit-on-prompt"
	// ModeSlow streams one chunk and holds the turn until session/cancel.
	ModeSlow Mode = "slow"
	// ModeProbePermission asks the client for a permission and replies with
	// "permission:<code>", the error code the client answered with.
	ModeProbePermission Mode = "probe-permission"
)

// Script drives the fake worker.
type Script struct {
	// Replies are returned one per prompt; the last one repeats.
	Replies []string
	Mode    Mode
	// LogPath receives one line per inbound method when set.
	LogPath string
	// NonText interleaves an image and a resource link block with the text.
	NonText bool
}

var errExitRequested = errors.New("exit requested")

// IsHelper reports whether the current process was started as a fake worker.
func IsHelper() bool {
	return os.Getenv(EnvHelper) == "1"
}

// ScriptFromEnv reads the script knobs from the environment.
func ScriptFromEnv() Script {
	script := Script{
		Mode:    Mode(os.Getenv(EnvMode)),
		LogPath: os.Getenv(EnvLog),
		NonText: os.Getenv(EnvNonText) == "1",
	}
	if raw := os.Getenv(EnvReplies); raw != "" {
		if err := json.Unmarshal([]byte(raw), &script.Replies); err != nil {
			script.Replies = []string{raw}
		}
	}
	return script
}

// Env encodes a script as KEY=value entries for a child process.
func Env(script Script) []string {
	env := []string{EnvHelper + "=1"}
	if len(script.Replies) > 0 {
		raw, _ := json.Marshal(script.Replies)
		env = append(env, EnvReplies+"="+string(raw))
	}
	if script.Mode != ModeNormal {
		env = append(env, EnvMode+"="+string(script.Mode))
	}
	if script.LogPath != "" {
		env = append(env, EnvLog+"="+script.LogPath)
	}
	if script.NonText {
		env = append(env, EnvNonText+"=1")
	}
	return env
}

// Definition returns a role that launches the current test binary as a fake
// worker running script.
func Definition(script Script) registry.Definition {
	return registry.Definition{
		WhenToUse: "Use in tests",
		Prompt:    "You are a fake worker.",
		Command:   os.Args[0],
		Args:      []string{"-test.run=^$"},
		Env:       Env(script),
	}
}

// ReadLog returns the methods recorded in path, in arrival order.
func ReadLog(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var methods []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			methods = append(methods, line)
		}
	}
	return methods, nil
}

// CountMethod returns how many times method appears in the log at path.
func CountMethod(path, method string) int {
	methods, _ := ReadLog(path)
	n := 0
	for _, m := range methods {
		if m == method {
			n++
		}
	}
	return n
}

// ServeStdio runs the script from the environment over stdin/stdout and
// returns the process exit code.
func ServeStdio() int {
	fmt.Fprintln(os.Stderr, "fake worker ready")
	err := Serve(os.Stdin, os.Stdout, ScriptFromEnv())
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errExitRequested):
		return 3
	default:
		fmt.Fprintf(os.Stderr, "fake worker: %v\n", err)
		return 1
	}
}

type worker struct {
	rpc     *acp.RPCConn
	script  Script
	prompts atomic.Int64
	cancel  chan struct{}
	logMu   sync.Mutex
}

// Serve answers ACP requests read from in until it reaches EOF.
func Serve(in io.Reader, out io.Writer, script Script) error {
	w := &worker{
		rpc:    acp.NewRPCConn(in, out),
		script: script,
		cancel: make(chan struct{}, 1),
	}
	defer w.rpc.Close(nil)

	for {
		payload, err := w.rpc.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		req, resp, err := jsonrpc.Decode(payload)
		if err != nil {
			continue
		}
		if resp != nil {
			w.rpc.Deliver(resp)
			continue
		}
		w.record(req.Method)
		if err := w.handle(req); err != nil {
			return err
		}
	}
}

func (w *worker) record(method string) {
	if w.script.LogPath == "" {
		return
	}
	w.logMu.Lock()
	defer w.logMu.Unlock()
	f, err := os.OpenFile(w.script.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = fmt.Fprintln(f, method)
}

func (w *worker) handle(req *jsonrpc.Request) error {
	switch req.Method {
	case acp.MethodInitialize:
		if w.script.Mode == ModeFailInitialize {
			return w.rpc.Reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.InvalidRequest, "initialize rejected", nil))
		}
		return w.reply(req, map[string]any{
			"protocolVersion":   1,
			"agentCapabilities": map[string]any{"loadSession": false},
		})
	case acp.MethodSessionNew:
		return w.reply(req, map[string]any{"sessionId": SessionID})
	case acp.MethodSessionCancel:
		select {
		case w.cancel <- struct{}{}:
		default:
		}
		return nil
	case acp.MethodSessionPrompt:
		if w.script.Mode == ModeExitOnPrompt {
			return errExitRequested
		}
		// Prompts run beside the read loop so the worker can still receive
		// responses to its own calls while a turn is open.
		go w.prompt(req)
		return nil
	}
	if req.IsNotification() {
		return nil
	}
	return w.rpc.Reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "method not found", req.Method))
}

func (w *worker) reply(req *jsonrpc.Request, result any) error {
	resp, err := jsonrpc.NewResponse(req.ID, result)
	if err != nil {
		return err
	}
	return w.rpc.Reply(resp)
}

func (w *worker) prompt(req *jsonrpc.Request) {
	n := int(w.prompts.Add(1)) - 1
	stopReason := "end_turn"

	switch w.script.Mode {
	case ModeFailPrompt:
		_ = w.rpc.Reply(jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, "prompt failed", nil))
		return
	case ModeSlow:
		w.text("working")
		select {
		case <-w.cancel:
			stopReason = "cancelled"
		case <-time.After(30 * time.Second):
		}
	case ModeProbePermission:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		resp, err := w.rpc.Call(ctx, "session/request_permission", map[string]any{
			"sessionId": SessionID,
			"toolCall":  map[string]any{"toolCallId": "probe"},
			"options":   []any{},
		})
		cancel()
		code := 0
		if err == nil && resp.Error != nil {
			code = resp.Error.Code
		}
		w.text(fmt.Sprintf("permission:%d", code))
	default:
		w.update(map[string]any{
			"sessionUpdate": "agent_thought_chunk",
			"content":       map[string]any{"type": "text", "text": "thinking"},
		})
		_ = w.rpc.Notify("_maestro/heartbeat", map[string]any{"n": n})
		w.streamReply(w.replyFor(n))
	}

	_ = w.reply(req, map[string]any{"stopReason": stopReason})
}

func (w *worker) replyFor(n int) string {
	if len(w.script.Replies) == 0 {
		return "done"
	}
	if n >= len(w.script.Replies) {
		n = len(w.script.Replies) - 1
	}
	return w.script.Replies[n]
}

// streamReply sends text as two chunks so consumers must concatenate.
func (w *worker) streamReply(text string) {
	if text == "" {
		return
	}
	runes := []rune(text)
	half := len(runes) / 2
	if half > 0 {
		w.text(string(runes[:half]))
	}
	if w.script.NonText {
		w.chunk(map[string]any{"type": "image", "data": "", "mimeType": "image/png"})
		w.chunk(map[string]any{"type": "resource_link", "uri": "file:///tmp/notes.md", "name": "notes"})
	}
	w.text(string(runes[half:]))
}

func (w *worker) text(text string) {
	w.chunk(map[string]any{"type": "text", "text": text})
}

func (w *worker) chunk(content map[string]any) {
	w.update(map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       content,
	})
}

func (w *worker) update(update map[string]any) {
	_ = w.rpc.Notify(acp.MethodSessionUpdate, map[string]any{
		"sessionId": SessionID,
		"update":    update,
	})
}
