// Package errors classifies orchestration failures.
//
// Agent errors are operational (spawn failure, missing command, no session,
// no reply). Protocol errors come from the JSON-RPC exchange with a worker.
// Config errors come from role lookup and validation.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies which layer produced an error.
type Kind int

const (
	KindUnknown Kind = iota
	KindAgent
	KindProtocol
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindAgent:
		return "agent"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is a classified error. Err, when set, is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Agent wraps err as an agent error. A nil err yields a plain message error.
func Agent(message string, err error) error {
	return &Error{Kind: KindAgent, Message: message, Err: err}
}

func Agentf(format string, args ...any) error {
	return &Error{Kind: KindAgent, Message: fmt.Sprintf(format, args...)}
}

func Protocol(message string, err error) error {
	return &Error{Kind: KindProtocol, Message: message, Err: err}
}

func Protocolf(format string, args ...any) error {
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf(format, args...)}
}

func Config(message string, err error) error {
	return &Error{Kind: KindConfig, Message: message, Err: err}
}

func Configf(format string, args ...any) error {
	return &Error{Kind: KindConfig, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}

func IsAgent(err error) bool    { return KindOf(err) == KindAgent }
func IsProtocol(err error) bool { return KindOf(err) == KindProtocol }
func IsConfig(err error) bool   { return KindOf(err) == KindConfig }
