package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies one transport failure.
type Kind int

const (
	KindUnreachable Kind = iota + 1
	KindTimeout
	KindServerError
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindTimeout:
		return "timeout"
	case KindServerError:
		return "server_error"
	default:
		return "unknown"
	}
}

var (
	ErrUnreachable     = errors.New("transport: unreachable")
	ErrTimeout         = errors.New("transport: timeout")
	ErrServerError     = errors.New("transport: server error")
	ErrChannelClosed   = errors.New("transport: push channel closed")
	ErrInvalidResponse = errors.New("transport: invalid response body")
)

// Error is a failed remote call: the service could not be reached, did not answer in time, or
// answered with a 5xx.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transport: %s %s", e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrServerError:
		return e.Kind == KindServerError
	}
	return false
}

// IsTransport reports whether err carries a transport classification.
func IsTransport(err error) bool {
	var terr *Error
	return errors.As(err, &terr)
}

func classify(op string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Op: op, Err: err}
	}
	return &Error{Kind: KindUnreachable, Op: op, Err: err}
}

func serverError(op string, status int, reason string) *Error {
	return &Error{Kind: KindServerError, Op: op, StatusCode: status, Reason: reason}
}
