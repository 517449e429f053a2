package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the failure category of a gateway call.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindConnection
	KindStatus
	KindDecode
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindStatus:
		return "status"
	case KindDecode:
		return "decode"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is returned by every Client method for a failed call.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("gateway %s: non-2xx response: %d", e.Op, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("gateway %s: timeout", e.Op)
	default:
		if e.Err != nil {
			return fmt.Sprintf("gateway %s: %s: %v", e.Op, e.Kind, e.Err)
		}
		return fmt.Sprintf("gateway %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed when sent again
// unchanged.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimeout, KindConnection:
		return true
	case KindStatus:
		return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
	default:
		return false
	}
}

// KindOf classifies any error returned from a Client.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	if isTimeout(err) {
		return KindTimeout
	}
	return KindUnknown
}

// transportError wraps an error raised before a response was read.
func transportError(op string, err error) *Error {
	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
