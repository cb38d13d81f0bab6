package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"maestro/internal/jsonrpc"
)

// ErrConnectionClosed is returned by calls made after the peer went away.
var ErrConnectionClosed = errors.New("acp connection closed")

// RPCConn manages JSON-RPC request/response framing for ACP over a byte
// stream. It reads newline-delimited JSON and switches its own writes to
// Content-Length framing once the peer uses it.
type RPCConn struct {
	r          *bufio.Reader
	w          *bufio.Writer
	mu         sync.Mutex
	useHeaders atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]chan *jsonrpc.Response
	idGen     atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewRPCConn constructs a framed JSON-RPC connection over the given reader/writer.
func NewRPCConn(in io.Reader, out io.Writer) *RPCConn {
	return &RPCConn{
		r:       bufio.NewReader(in),
		w:       bufio.NewWriter(out),
		pending: make(map[string]chan *jsonrpc.Response),
		closed:  make(chan struct{}),
	}
}

// Call sends a request and waits for its response, ctx cancellation, or the
// connection closing.
func (c *RPCConn) Call(ctx context.Context, method string, params map[string]any) (*jsonrpc.Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-c.closed:
		return nil, c.closeErr
	default:
	}

	id := c.idGen.Add(1)
	key := strconv.FormatInt(id, 10)
	respCh := make(chan *jsonrpc.Response, 1)

	c.pendingMu.Lock()
	c.pending[key] = respCh
	c.pendingMu.Unlock()
	defer c.forget(key)

	if err := c.send(jsonrpc.NewRequest(id, method, params)); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		// A response may have raced the close.
		select {
		case resp := <-respCh:
			return resp, nil
		default:
		}
		return nil, c.closeErr
	}
}

func (c *RPCConn) forget(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

// Notify sends a notification (no response expected).
func (c *RPCConn) Notify(method string, params map[string]any) error {
	return c.send(jsonrpc.NewNotification(method, params))
}

// Reply writes a response to an inbound request.
func (c *RPCConn) Reply(resp *jsonrpc.Response) error {
	if resp == nil {
		return nil
	}
	return c.send(resp)
}

// Deliver routes a response to its waiting caller. It reports false for
// responses nobody is waiting on.
func (c *RPCConn) Deliver(resp *jsonrpc.Response) bool {
	if resp == nil {
		return false
	}
	key := jsonrpc.IDKey(resp.ID)
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- resp
	return true
}

// Close fails every pending and future call with cause wrapped in
// ErrConnectionClosed. Only the first call has an effect.
func (c *RPCConn) Close(cause error) {
	c.closeOnce.Do(func() {
		if cause == nil || errors.Is(cause, ErrConnectionClosed) {
			c.closeErr = ErrConnectionClosed
		} else {
			c.closeErr = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}
		close(c.closed)
	})
}

// Closed is closed once Close has been called.
func (c *RPCConn) Closed() <-chan struct{} {
	return c.closed
}

// ReadMessage reads a single framed JSON-RPC payload, skipping blank lines.
func (c *RPCConn) ReadMessage() ([]byte, error) {
	for {
		payload, usedHeaders, err := readRPCMessage(c.r)
		if err != nil {
			return nil, err
		}
		if usedHeaders {
			c.useHeaders.Store(true)
		}
		payload = trimPayload(payload)
		if len(payload) == 0 {
			continue
		}
		return payload, nil
	}
}

func (c *RPCConn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.useHeaders.Load() {
		if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
			return err
		}
		if _, err := c.w.Write(data); err != nil {
			return err
		}
		return c.w.Flush()
	}

	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return c.w.Flush()
}

func readRPCMessage(r *bufio.Reader) ([]byte, bool, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				trimmed := strings.TrimSpace(line)
				if trimmed == "" {
					return nil, false, io.EOF
				}
				return []byte(trimmed), false, nil
			}
			return nil, false, err
		}

		line = strings.TrimRight(line, "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if length, ok := parseContentLength(line); ok {
			for {
				header, err := r.ReadString('\n')
				if err != nil {
					return nil, true, err
				}
				if strings.TrimSpace(header) == "" {
					break
				}
			}
			payload := make([]byte, length)
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, true, err
			}
			return payload, true, nil
		}

		return []byte(line), false, nil
	}
}

func parseContentLength(line string) (int, bool) {
	const prefix = "content-length:"
	if !strings.HasPrefix(strings.ToLower(line), prefix) {
		return 0, false
	}
	value := strings.TrimSpace(line[len(prefix):])
	length, err := strconv.Atoi(value)
	if err != nil || length < 0 {
		return 0, false
	}
	return length, true
}

func trimPayload(data []byte) []byte {
	return []byte(strings.TrimSpace(string(data)))
}
