package acp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"maestro/internal/async"
	"maestro/internal/jsonrpc"
	"maestro/internal/logging"
)

// Handler handles messages the worker initiates.
type Handler interface {
	OnNotification(ctx context.Context, req *jsonrpc.Request)
	OnRequest(ctx context.Context, req *jsonrpc.Request) (*jsonrpc.Response, error)
}

// Client is the client side of an ACP session over a worker's stdio.
type Client struct {
	rpc    *RPCConn
	logger logging.Logger
	done   <-chan struct{}
}

// NewClient wraps the worker's stdout (in) and stdin (out).
func NewClient(in io.Reader, out io.Writer, logger logging.Logger) *Client {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("ACPClient")
	}
	return &Client{rpc: NewRPCConn(in, out), logger: logger}
}

// Start relays inbound frames until the stream ends: responses go to their
// callers, notifications and requests to handler. Frames are handled in
// arrival order, so every notification a worker sends before replying to a
// call has reached handler by the time that call returns.
func (c *Client) Start(ctx context.Context, handler Handler) {
	if c.done != nil {
		return
	}
	c.done = async.Go(c.logger, "acp.readLoop", func() {
		err := c.readLoop(ctx, handler)
		c.rpc.Close(err)
	})
}

func (c *Client) readLoop(ctx context.Context, handler Handler) error {
	for {
		payload, err := c.rpc.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				c.logger.Debug("ACP stream ended")
				return io.EOF
			}
			c.logger.Warn("ACP read failed: %v", err)
			return err
		}
		req, resp, err := jsonrpc.Decode(payload)
		if err != nil {
			c.logger.Warn("ACP parse failed: %v", err)
			if id, ok := jsonrpc.RequestID(payload); ok {
				if err := c.rpc.Reply(rejection(id, err)); err != nil {
					c.logger.Warn("ACP send response failed: %v", err)
					return err
				}
			}
			continue
		}
		if resp != nil {
			if !c.rpc.Deliver(resp) {
				c.logger.Debug("ACP response for unknown id %v dropped", resp.ID)
			}
			continue
		}
		if req.IsNotification() {
			if handler != nil {
				handler.OnNotification(ctx, req)
			}
			continue
		}

		reply := c.answer(ctx, handler, req)
		if err := c.rpc.Reply(reply); err != nil {
			c.logger.Warn("ACP send response failed: %v", err)
			return err
		}
	}
}

// rejection answers a request that could not be decoded.
func rejection(id any, err error) *jsonrpc.Response {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return jsonrpc.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return jsonrpc.NewErrorResponse(id, jsonrpc.InvalidRequest, err.Error(), nil)
}

func (c *Client) answer(ctx context.Context, handler Handler, req *jsonrpc.Request) *jsonrpc.Response {
	if handler == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.MethodNotFound, "method not found", req.Method)
	}
	resp, err := handler.OnRequest(ctx, req)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil)
	}
	if resp != nil {
		return resp
	}
	empty, err := jsonrpc.NewResponse(req.ID, nil)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.InternalError, err.Error(), nil)
	}
	return empty
}

// Done is closed when the read loop exits. It is nil before Start.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call issues a JSON-RPC request.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (*jsonrpc.Response, error) {
	if c == nil || c.rpc == nil {
		return nil, fmt.Errorf("acp client not initialized")
	}
	return c.rpc.Call(ctx, method, params)
}

// Notify sends a JSON-RPC notification.
func (c *Client) Notify(method string, params map[string]any) error {
	if c == nil || c.rpc == nil {
		return fmt.Errorf("acp client not initialized")
	}
	select {
	case <-c.rpc.Closed():
		return ErrConnectionClosed
	default:
	}
	return c.rpc.Notify(method, params)
}

// Close fails outstanding calls. The read loop ends when the stream does.
func (c *Client) Close() {
	c.rpc.Close(nil)
}
