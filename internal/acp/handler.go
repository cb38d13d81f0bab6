package acp

import (
	"context"

	"maestro/internal/jsonrpc"
	"maestro/internal/logging"
)

// ACP method names
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
	MethodSessionUpdate = "session/update"
)

const updateAgentMessageChunk = "agent_message_chunk"

// sessionHandler is the orchestrator's client-side capability surface: it
// relays agent message chunks to an output stream and refuses everything
// else. Workers get no file system, terminal, or permission services.
type sessionHandler struct {
	output *OutputStream
	logger logging.Logger
}

func newSessionHandler(output *OutputStream, logger logging.Logger) *sessionHandler {
	return &sessionHandler{output: output, logger: logging.OrNop(logger)}
}

func (h *sessionHandler) OnNotification(_ context.Context, req *jsonrpc.Request) {
	if req.Method != MethodSessionUpdate {
		// Extension notifications are acknowledged by ignoring them.
		h.logger.Debug("Ignoring notification %s", req.Method)
		return
	}
	update, _ := req.Params["update"].(map[string]any)
	kind, _ := update["sessionUpdate"].(string)
	if kind != updateAgentMessageChunk {
		h.logger.Debug("Ignoring session update %q", kind)
		return
	}
	content, ok := update["content"].(map[string]any)
	if !ok {
		h.logger.Debug("Agent message chunk without content")
		return
	}
	h.output.Push(ChunkFromBlock(content))
}

func (h *sessionHandler) OnRequest(_ context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	h.logger.Debug("Refusing worker request %s", req.Method)
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "method not found", req.Method), nil
}
