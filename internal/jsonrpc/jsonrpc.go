// Package jsonrpc holds the JSON-RPC 2.0 envelope spoken with ACP workers.
package jsonrpc

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request is an inbound or outbound call. A nil ID marks a notification.
type Request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      any            `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response answers a Request with either Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("json-rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("json-rpc error %d: %s", e.Code, e.Message)
}

// Notification is a fire-and-forget message.
type Notification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

func NewRequest(id any, method string, params map[string]any) *Request {
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

func NewNotification(method string, params map[string]any) *Notification {
	return &Notification{JSONRPC: Version, Method: method, Params: params}
}

// NewResponse builds a success response. A nil result is sent as an empty object
// so peers that require a result member still accept it.
func NewResponse(id any, result any) (*Response, error) {
	if result == nil {
		result = map[string]any{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

func NewErrorResponse(id any, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message, Data: data},
	}
}

// IsNotification reports whether the request expects no reply.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// IsError reports whether the response carries an error object.
func (r *Response) IsError() bool {
	return r.Error != nil
}

// Err returns the response error as a Go error, or nil.
func (r *Response) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// DecodeResult unmarshals the result member into v.
func (r *Response) DecodeResult(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("response %v has no result", r.ID)
	}
	return json.Unmarshal(r.Result, v)
}

// IDKey normalises an id into the string used to match responses to calls.
// Numbers decoded from JSON arrive as float64, so integral values are printed
// without a fractional part.
func IDKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Decode parses one payload into either a request (which includes
// notifications) or a response. Exactly one of the returned pointers is non-nil
// on success.
func Decode(payload []byte) (*Request, *Response, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, nil, &RPCError{Code: ParseError, Message: "invalid JSON", Data: err.Error()}
	}
	if err := checkVersion(probe["jsonrpc"]); err != nil {
		return nil, nil, err
	}
	if _, ok := probe["method"]; ok {
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, nil, &RPCError{Code: InvalidRequest, Message: "malformed request", Data: err.Error()}
		}
		return &req, nil, nil
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, nil, &RPCError{Code: InvalidRequest, Message: "malformed response", Data: err.Error()}
	}
	return nil, &resp, nil
}

// RequestID recovers the id of a request payload that Decode rejected, so the
// peer can still be answered. It reports false for notifications, responses
// and payloads that are not JSON objects.
func RequestID(payload []byte) (any, bool) {
	var probe struct {
		ID     any             `json:"id"`
		Method json.RawMessage `json:"method"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return nil, false
	}
	if probe.ID == nil || len(probe.Method) == 0 {
		return nil, false
	}
	return probe.ID, true
}

func checkVersion(raw json.RawMessage) error {
	var version string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &version); err != nil {
			return &RPCError{Code: InvalidRequest, Message: "jsonrpc member must be a string"}
		}
	}
	if version != Version {
		return &RPCError{Code: InvalidRequest, Message: fmt.Sprintf("unsupported jsonrpc version %q", version)}
	}
	return nil
}
