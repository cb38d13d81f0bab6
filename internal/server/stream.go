package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"maestro/internal/driver"
)

const wsWriteTimeout = 10 * time.Second

// handleRunTaskSSE runs a task and streams its progress as
//
//	event: <kind>
//	data: <json>
//
// Closing the connection cancels the task.
func (s *Server) handleRunTaskSSE(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "task is required"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, APIResponse{Error: "Streaming unsupported"})
		return
	}

	id, events, err := s.runner.RunTask(c.Request.Context(), req.Task)
	if err != nil {
		s.writeRunError(c, err)
		return
	}
	s.logger.Info("SSE stream opened for task %s", id)

	w := c.Writer
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writable := true
	for p := range events {
		s.store.Record(p)
		if !writable {
			continue
		}
		data, err := json.Marshal(p)
		if err != nil {
			s.logger.Error("Failed to serialize progress: %v", err)
			continue
		}
		// Format: event: <kind>\ndata: <json>\n\n
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", p.Kind, data); err != nil {
			s.logger.Debug("SSE client for task %s went away: %v", id, err)
			writable = false
			continue
		}
		flusher.Flush()
	}
	s.logger.Info("SSE stream closed for task %s", id)
}

// handleRunTaskWebSocket upgrades, reads one TaskRequest, and streams the
// task's progress as StreamMessage frames before closing.
func (s *Server) handleRunTaskWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	streamID := uuid.NewString()

	var req TaskRequest
	if err := conn.ReadJSON(&req); err != nil {
		s.closeWebSocket(conn, websocket.CloseUnsupportedData, "expected a task request")
		return
	}
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		s.writeFrame(conn, StreamMessage{StreamID: streamID, Error: "task is required"})
		s.closeWebSocket(conn, websocket.ClosePolicyViolation, "task is required")
		return
	}

	// Hijacked connections do not cancel the request context, so a reader
	// watches for the peer going away.
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	id, events, err := s.runner.RunTask(ctx, req.Task)
	if err != nil {
		s.writeFrame(conn, StreamMessage{StreamID: streamID, Error: err.Error()})
		s.closeWebSocket(conn, websocket.CloseTryAgainLater, err.Error())
		return
	}
	s.logger.Info("WebSocket stream %s opened for task %s", streamID, id)

	writable := true
	for p := range events {
		s.store.Record(p)
		if !writable {
			continue
		}
		progress := p
		if err := s.writeFrame(conn, StreamMessage{StreamID: streamID, Progress: &progress}); err != nil {
			s.logger.Debug("WebSocket stream %s went away: %v", streamID, err)
			writable = false
			cancel()
		}
	}
	if writable {
		s.closeWebSocket(conn, websocket.CloseNormalClosure, "task finished")
	}
	s.logger.Info("WebSocket stream %s closed", streamID)
}

func (s *Server) writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *Server) closeWebSocket(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		s.logger.Debug("WebSocket close failed: %v", err)
	}
}

func (s *Server) writeRunError(c *gin.Context, err error) {
	if stderrors.Is(err, driver.ErrBusy) {
		c.JSON(http.StatusConflict, APIResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, APIResponse{Error: err.Error()})
}
